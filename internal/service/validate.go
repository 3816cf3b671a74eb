package service

import (
	"errors"
	"fmt"
	"strings"

	"github.com/nexvision/intake/internal/media/sniffer"
)

const DefaultMaxUploadBytes = 5 << 20

var (
	ErrEmptyFile       = errors.New("empty file")
	ErrTooLarge        = errors.New("file too large")
	ErrUnsupportedType = errors.New("unsupported media type")
	ErrTypeMismatch    = errors.New("declared content type does not match file contents")
)

// ValidateImage enforces the upload size cap and the JPEG/PNG/WebP allow-list
// on the sniffed bytes. declared is the client Content-Type, which must agree
// with the bytes when it names a specific image type.
func ValidateImage(data []byte, declared string, maxBytes int64) (sniffer.Result, error) {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxUploadBytes
	}
	if len(data) == 0 {
		return sniffer.Result{}, ErrEmptyFile
	}
	if int64(len(data)) > maxBytes {
		return sniffer.Result{}, ErrTooLarge
	}

	result, err := sniffer.DetectUpload(data)
	if err != nil {
		return result, fmt.Errorf("%w: %v", ErrUnsupportedType, err)
	}

	if d := normalizeMIME(declared); d != "" && d != result.MIME {
		return result, fmt.Errorf("%w: declared %s, actual %s", ErrTypeMismatch, d, result.MIME)
	}
	return result, nil
}

// normalizeMIME folds common aliases and drops values that carry no type
// information.
func normalizeMIME(mime string) string {
	mime = strings.ToLower(strings.TrimSpace(mime))
	switch mime {
	case "", "application/octet-stream", "binary/octet-stream":
		return ""
	case "image/jpg", "image/pjpeg":
		return "image/jpeg"
	case "image/x-png":
		return "image/png"
	}
	return mime
}
