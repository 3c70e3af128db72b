package config

import (
	"os"
	"strconv"
	"time"

	units "github.com/docker/go-units"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Config is the runtime configuration of the detection service.
type Config struct {
	Addr           string
	ModelPath      string
	LibraryPath    string
	UploadDir      string
	ProcessedDir   string
	StaticDir      string
	PoolSize       int
	IntraOpThreads int
	MaxUploadSize  string
	Threshold      float64
	ClassNames     []string
	DataConfig     string
	LogLevel       string
	LogFile        string
	LogJSON        bool
	ReadTimeout    time.Duration
	// WriteTimeout of zero lets a long video hold its request until it is done.
	WriteTimeout   time.Duration

	maxUploadBytes int64
}

// Default returns the service defaults.
func Default() Config {
	return Config{
		Addr:          ":" + getEnv("PORT", "5000"),
		ModelPath:     "human_detection_disaster_model.onnx",
		UploadDir:     "uploads",
		ProcessedDir:  "processed",
		PoolSize:      4,
		MaxUploadSize: "100MiB",
		Threshold:     0.5,
		ClassNames:    []string{"Human"},
		LogLevel:      "info",
		ReadTimeout:   60 * time.Second,
	}
}

// Validate checks ranges and resolves derived values. It must be called before
// MaxUploadBytes.
func (c *Config) Validate() error {
	if c.Addr == "" {
		return errors.New("listen address is required")
	}
	if c.ModelPath == "" {
		return errors.New("model path is required")
	}
	if c.UploadDir == "" || c.ProcessedDir == "" {
		return errors.New("upload and processed directories are required")
	}
	if c.PoolSize <= 0 {
		return errors.Errorf("pool size must be positive, got %d", c.PoolSize)
	}
	if c.IntraOpThreads < 0 {
		return errors.Errorf("intra-op threads must not be negative, got %d", c.IntraOpThreads)
	}
	if c.ReadTimeout < 0 || c.WriteTimeout < 0 {
		return errors.Errorf("timeouts must not be negative, got read %v write %v", c.ReadTimeout, c.WriteTimeout)
	}
	if c.Threshold < 0 || c.Threshold > 1 {
		return errors.Errorf("confidence threshold must be within [0,1], got %v", c.Threshold)
	}
	size, err := units.RAMInBytes(c.MaxUploadSize)
	if err != nil {
		return errors.Wrapf(err, "parse max upload size %q", c.MaxUploadSize)
	}
	if size <= 0 {
		return errors.Errorf("max upload size must be positive, got %q", c.MaxUploadSize)
	}
	c.maxUploadBytes = size
	return nil
}

func (c *Config) MaxUploadBytes() int64 {
	return c.maxUploadBytes
}

// dataConfig is the subset of a YOLO dataset yaml we care about. names may be
// written either as a list or as an id -> name map.
type dataConfig struct {
	Names yaml.Node `yaml:"names"`
}

// LoadClassNames reads the class names from a YOLO data.yaml file.
func LoadClassNames(path string) ([]string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read data config")
	}
	var dc dataConfig
	if err := yaml.Unmarshal(raw, &dc); err != nil {
		return nil, errors.Wrap(err, "parse data config")
	}

	switch dc.Names.Kind {
	case yaml.SequenceNode:
		var names []string
		if err := dc.Names.Decode(&names); err != nil {
			return nil, errors.Wrap(err, "decode names list")
		}
		return names, nil
	case yaml.MappingNode:
		var byID map[int]string
		if err := dc.Names.Decode(&byID); err != nil {
			return nil, errors.Wrap(err, "decode names map")
		}
		maxID := -1
		for id := range byID {
			if id < 0 {
				return nil, errors.Errorf("negative class id %d", id)
			}
			if id > maxID {
				maxID = id
			}
		}
		names := make([]string, maxID+1)
		for id := range names {
			if name, ok := byID[id]; ok {
				names[id] = name
			} else {
				names[id] = "Class " + strconv.Itoa(id)
			}
		}
		return names, nil
	default:
		return nil, errors.Errorf("data config %s has no names", path)
	}
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}
