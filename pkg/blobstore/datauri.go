package blobstore

import (
	"encoding/base64"
	"fmt"
	"net/http"
	"strings"
)

const dataURIPrefix = "data:"

// IsDataURI reports whether s is an embedded data: URI.
func IsDataURI(s string) bool {
	return strings.HasPrefix(s, dataURIPrefix)
}

// EncodeDataURI embeds data as a base64 data: URI.
func EncodeDataURI(data []byte, contentType string) string {
	if contentType == "" {
		contentType = http.DetectContentType(data)
	}
	return dataURIPrefix + contentType + ";base64," + base64.StdEncoding.EncodeToString(data)
}

// DecodeDataURI decodes a base64 data: URI and returns its bytes and media type.
func DecodeDataURI(s string) ([]byte, string, error) {
	if !IsDataURI(s) {
		return nil, "", fmt.Errorf("%w: missing data: prefix", ErrInvalidDataURI)
	}
	meta, payload, ok := strings.Cut(strings.TrimPrefix(s, dataURIPrefix), ",")
	if !ok {
		return nil, "", fmt.Errorf("%w: missing comma", ErrInvalidDataURI)
	}
	if !strings.HasSuffix(meta, ";base64") {
		return nil, "", fmt.Errorf("%w: only base64 payloads are supported", ErrInvalidDataURI)
	}
	data, err := decodeBase64(payload)
	if err != nil {
		return nil, "", err
	}
	contentType := strings.TrimSuffix(meta, ";base64")
	if contentType == "" {
		contentType = http.DetectContentType(data)
	}
	return data, contentType, nil
}

// DecodeImage accepts either a data: URI or a bare base64 string, the two
// encodings clients send images in.
func DecodeImage(s string) ([]byte, string, error) {
	s = strings.TrimSpace(s)
	if IsDataURI(s) {
		return DecodeDataURI(s)
	}
	data, err := decodeBase64(s)
	if err != nil {
		return nil, "", err
	}
	return data, http.DetectContentType(data), nil
}

func decodeBase64(payload string) ([]byte, error) {
	payload = strings.Map(func(r rune) rune {
		if r == '\n' || r == '\r' || r == ' ' || r == '\t' {
			return -1
		}
		return r
	}, payload)
	if payload == "" {
		return nil, ErrEmptyData
	}
	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		// some clients strip padding
		if data, err = base64.RawStdEncoding.DecodeString(strings.TrimRight(payload, "=")); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidDataURI, err)
		}
	}
	if len(data) == 0 {
		return nil, ErrEmptyData
	}
	return data, nil
}
