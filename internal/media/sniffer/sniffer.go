package sniffer

import (
	"bytes"
	"errors"
	"io"
	"net/http"
	"path/filepath"
	"strings"
)

type MediaType string

const (
	TypeJPEG MediaType = "jpeg"
	TypePNG  MediaType = "png"
	TypeGIF  MediaType = "gif"
	TypeWEBP MediaType = "webp"
)

var (
	ErrUnknownType = errors.New("unknown media type")
	ErrNotAllowed  = errors.New("media type not allowed")
)

// Uploads accepted by the intake API. GIF is decodable but never accepted.
var allowedUploads = map[MediaType]bool{
	TypeJPEG: true,
	TypePNG:  true,
	TypeWEBP: true,
}

type Result struct {
	Type MediaType
	MIME string
}

// Allowed reports whether r may be accepted as an upload.
func (r Result) Allowed() bool {
	return allowedUploads[r.Type]
}

func Detect(r io.Reader) (Result, []byte, error) {
	head := make([]byte, 512)
	n, err := io.ReadFull(r, head)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return Result{}, nil, err
	}
	head = head[:n]

	result, err := DetectHead(head)
	return result, head, err
}

func DetectHead(head []byte) (Result, error) {
	switch {
	case isJPEG(head):
		return Result{Type: TypeJPEG, MIME: "image/jpeg"}, nil
	case isPNG(head):
		return Result{Type: TypePNG, MIME: "image/png"}, nil
	case isGIF(head):
		return Result{Type: TypeGIF, MIME: "image/gif"}, nil
	case isWEBP(head):
		return Result{Type: TypeWEBP, MIME: "image/webp"}, nil
	}
	return Result{}, ErrUnknownType
}

// DetectUpload sniffs data and rejects anything outside the upload allow-list.
func DetectUpload(data []byte) (Result, error) {
	head := data
	if len(head) > 512 {
		head = head[:512]
	}
	result, err := DetectHead(head)
	if err != nil {
		return Result{}, err
	}
	if !result.Allowed() {
		return result, ErrNotAllowed
	}
	return result, nil
}

// DeclaresJPEG reports whether the client-declared MIME type marks an upload
// as JPEG. The file name extension is consulted only when no specific type was
// declared. The bytes themselves are not inspected.
func DeclaresJPEG(mimeType, fileName string) bool {
	mt := strings.ToLower(strings.TrimSpace(mimeType))
	if strings.Contains(mt, "jpeg") || strings.Contains(mt, "jpg") {
		return true
	}
	switch mt {
	case "", "application/octet-stream", "binary/octet-stream":
	default:
		return false
	}
	switch strings.ToLower(filepath.Ext(fileName)) {
	case ".jpg", ".jpeg":
		return true
	}
	return false
}

func isJPEG(head []byte) bool {
	return len(head) > 3 &&
		head[0] == 0xff &&
		head[1] == 0xd8 &&
		head[2] == 0xff
}

func isPNG(head []byte) bool {
	pngMagic := []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n'}
	return len(head) >= len(pngMagic) && bytes.Equal(head[:len(pngMagic)], pngMagic)
}

func isGIF(head []byte) bool {
	return len(head) >= 6 && (bytes.Equal(head[:6], []byte("GIF87a")) || bytes.Equal(head[:6], []byte("GIF89a")))
}

func isWEBP(head []byte) bool {
	return len(head) >= 12 &&
		bytes.Equal(head[:4], []byte("RIFF")) &&
		bytes.Equal(head[8:12], []byte("WEBP"))
}

func MimeTypeFromHTTP(header http.Header) string {
	contentType := header.Get("Content-Type")
	if contentType == "" {
		return ""
	}
	if idx := strings.Index(contentType, ";"); idx >= 0 {
		return strings.TrimSpace(contentType[:idx])
	}
	return strings.TrimSpace(contentType)
}
