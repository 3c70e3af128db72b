package main

const (
	MsgUploaded = "File uploaded successfully"

	MsgNoFile = "No file provided"

	MsgNoFileSelected = "No file selected"

	MsgTypeNotAllowed = "File type not allowed"

	MsgUploadTooLarge = "File exceeds the maximum upload size"

	MsgInvalidBody = "Request body must be a JSON object"

	MsgNoFilename = "Filename not provided"

	MsgBadThreshold = "confidence_threshold must be between 0 and 1"

	MsgFileNotFound = "File not found"

	MsgUnsupportedType = "Unsupported file type"

	MsgNoIndex = "Index page not configured"
)
