package main

import (
	"encoding/json"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gorilla/mux"
	"github.com/pkg/errors"
	"github.com/rs/cors"

	"github.com/Tutortoise/human-detection-service/models"
)

const (
	// multipartMemory is how much of a multipart body is buffered in memory
	// before spilling to temp files.
	multipartMemory = 32 << 20
	maxProcessBody  = 1 << 20
)

type UploadResponse struct {
	Message string `json:"message"`
	models.UploadedMedia
}

type ProcessRequest struct {
	Filename  string   `json:"filename"`
	Threshold *float64 `json:"confidence_threshold,omitempty"`
}

type ProcessResponse struct {
	Status string           `json:"status"`
	Type   models.MediaKind `json:"type"`
	Result interface{}      `json:"result"`
}

type HealthResponse struct {
	Status      string `json:"status"`
	ModelStatus string `json:"model_status"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}

// Router builds the HTTP surface with CORS open to every origin.
func (s *AppState) Router() http.Handler {
	r := mux.NewRouter()
	r.Use(s.logRequests)

	for _, prefix := range []string{"", "/api"} {
		r.HandleFunc(prefix+"/upload", s.handleUpload).Methods(http.MethodPost)
		r.HandleFunc(prefix+"/process", s.handleProcess).Methods(http.MethodPost)
	}
	r.HandleFunc("/processed/{filename}", s.handleProcessed).Methods(http.MethodGet, http.MethodHead)
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", s.Metrics.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/", s.handleIndex).Methods(http.MethodGet)

	return cors.AllowAll().Handler(r)
}

func (s *AppState) handleUpload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.Config.MaxUploadBytes())
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		if isTooLarge(err) {
			sendErrorResponse(w, MsgUploadTooLarge, http.StatusRequestEntityTooLarge)
			return
		}
		sendErrorResponse(w, MsgNoFile, http.StatusBadRequest)
		return
	}
	defer r.MultipartForm.RemoveAll()

	file, header, err := r.FormFile("file")
	if err != nil {
		sendErrorResponse(w, MsgNoFile, http.StatusBadRequest)
		return
	}
	defer file.Close()

	if header.Filename == "" {
		sendErrorResponse(w, MsgNoFileSelected, http.StatusBadRequest)
		return
	}
	if _, ok := models.KindFromFilename(header.Filename); !ok {
		sendErrorResponse(w, MsgTypeNotAllowed, http.StatusBadRequest)
		return
	}

	media, err := s.Store.Save(file, header.Filename)
	if err != nil {
		s.Logger.Errorw("upload failed", "filename", header.Filename, "error", err)
		sendErrorResponse(w, err.Error(), models.HTTPStatus(err))
		return
	}
	s.Metrics.UploadAccepted(media.Kind)
	s.Logger.Infow("file uploaded",
		"filename", media.Filename,
		"type", media.Kind,
		"size", humanize.IBytes(uint64(header.Size)),
	)

	sendJSON(w, http.StatusOK, UploadResponse{Message: MsgUploaded, UploadedMedia: media})
}

func (s *AppState) handleProcess(w http.ResponseWriter, r *http.Request) {
	var (
		kind models.MediaKind
		err  error
	)
	defer func() { s.Metrics.ProcessFinished(kind, err) }()

	var req ProcessRequest
	if err = json.NewDecoder(http.MaxBytesReader(w, r.Body, maxProcessBody)).Decode(&req); err != nil {
		sendErrorResponse(w, MsgInvalidBody, http.StatusBadRequest)
		return
	}
	if req.Filename == "" {
		err = models.ErrValidation
		sendErrorResponse(w, MsgNoFilename, http.StatusBadRequest)
		return
	}
	threshold := s.Config.Threshold
	if req.Threshold != nil {
		threshold = *req.Threshold
	}
	if threshold < 0 || threshold > 1 {
		err = models.ErrValidation
		sendErrorResponse(w, MsgBadThreshold, http.StatusBadRequest)
		return
	}

	path, err := s.Store.ExistingUpload(req.Filename)
	if err != nil {
		sendErrorResponse(w, MsgFileNotFound, http.StatusNotFound)
		return
	}
	kind, ok := models.KindFromFilename(req.Filename)
	if !ok {
		err = models.ErrValidation
		sendErrorResponse(w, MsgUnsupportedType, http.StatusBadRequest)
		return
	}

	var result interface{}
	switch kind {
	case models.MediaImage:
		result, err = s.Images.Process(r.Context(), path, threshold)
	case models.MediaVideo:
		result, err = s.Videos.Process(r.Context(), path, threshold)
	}
	if err != nil {
		s.Logger.Errorw("processing failed", "filename", req.Filename, "type", kind, "error", err)
		sendErrorResponse(w, err.Error(), models.HTTPStatus(err))
		return
	}

	sendJSON(w, http.StatusOK, ProcessResponse{Status: "success", Type: kind, Result: result})
}

func (s *AppState) handleProcessed(w http.ResponseWriter, r *http.Request) {
	f, info, err := s.Store.OpenProcessed(mux.Vars(r)["filename"])
	if err != nil {
		sendErrorResponse(w, MsgFileNotFound, http.StatusNotFound)
		return
	}
	defer f.Close()
	http.ServeContent(w, r, info.Name(), info.ModTime(), f)
}

func (s *AppState) handleHealth(w http.ResponseWriter, _ *http.Request) {
	status := "not loaded"
	if s.Detector.Available() {
		status = "loaded"
	}
	sendJSON(w, http.StatusOK, HealthResponse{Status: "healthy", ModelStatus: status})
}

func (s *AppState) handleIndex(w http.ResponseWriter, r *http.Request) {
	if s.Config.StaticDir == "" {
		sendErrorResponse(w, MsgNoIndex, http.StatusNotFound)
		return
	}
	http.ServeFile(w, r, filepath.Join(s.Config.StaticDir, "index.html"))
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

func (s *AppState) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		elapsed := time.Since(start)

		route := r.URL.Path
		if cur := mux.CurrentRoute(r); cur != nil {
			if tpl, err := cur.GetPathTemplate(); err == nil {
				route = tpl
			}
		}
		s.Metrics.ObserveRequest(route, strconv.Itoa(rec.status), elapsed)
		s.Logger.Debugw("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration", elapsed,
		)
	})
}

func isTooLarge(err error) bool {
	var maxErr *http.MaxBytesError
	return errors.As(err, &maxErr) || strings.Contains(err.Error(), "request body too large")
}

func sendJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func sendErrorResponse(w http.ResponseWriter, message string, status int) {
	sendJSON(w, status, ErrorResponse{Error: message})
}
