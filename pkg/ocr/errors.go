package ocr

import "errors"

var (
	// ErrRecognition is returned when tesseract fails on an image.
	ErrRecognition = errors.New("text recognition failed")
	// ErrRecognitionTimeout is returned when a pass exceeds the pool timeout.
	ErrRecognitionTimeout = errors.New("text recognition timed out")
	// ErrEmptyImage is returned for a zero-length image buffer.
	ErrEmptyImage = errors.New("empty image")
)
