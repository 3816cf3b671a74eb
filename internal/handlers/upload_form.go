package handlers

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/nexvision/intake/internal/media/sniffer"
	"github.com/nexvision/intake/internal/orientation"
	"github.com/nexvision/intake/internal/reimagine"
	"github.com/nexvision/intake/internal/repository"
	"github.com/nexvision/intake/internal/service"
)

const formField = "image"

type formImage struct {
	Name     string
	Declared string
	Data     []byte
}

// readImage loads the multipart image field, reading at most one byte past the
// configured cap so oversize files are detected without buffering them.
func (h HandlerSet) readImage(c *gin.Context) (formImage, bool) {
	file, header, err := c.Request.FormFile(formField)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "file_required"})
		return formImage{}, false
	}
	defer file.Close()

	limit := h.cfg.Orientation.MaxUploadBytes
	if limit <= 0 {
		limit = service.DefaultMaxUploadBytes
	}
	data, err := io.ReadAll(io.LimitReader(file, limit+1))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_file"})
		return formImage{}, false
	}

	return formImage{
		Name:     header.Filename,
		Declared: sniffer.MimeTypeFromHTTP(header.Header),
		Data:     data,
	}, true
}

// writeError maps service errors onto status codes and error codes.
func (h HandlerSet) writeError(c *gin.Context, err error) {
	status, code, message := http.StatusInternalServerError, "internal_error", ""

	switch {
	case errors.Is(err, service.ErrEmptyFile):
		status, code = http.StatusBadRequest, "file_empty"
	case errors.Is(err, service.ErrTooLarge):
		status, code, message = http.StatusRequestEntityTooLarge, "file_too_large", "Image size must be less than 5MB"
	case errors.Is(err, service.ErrUnsupportedType):
		status, code, message = http.StatusUnsupportedMediaType, "unsupported_media_type", "Only JPEG, PNG, and WebP images are supported"
	case errors.Is(err, service.ErrTypeMismatch):
		status, code = http.StatusBadRequest, "content_type_mismatch"
	case errors.Is(err, orientation.ErrDecode):
		status, code = http.StatusUnprocessableEntity, "image_decode_failed"
	case errors.Is(err, orientation.ErrEncode):
		status, code = http.StatusInternalServerError, "image_encode_failed"
	case errors.Is(err, repository.ErrUploadNotFound):
		status, code = http.StatusNotFound, "upload_not_found"
	case errors.Is(err, service.ErrNotApproved):
		status, code, message = http.StatusConflict, "upload_not_approved", "Only approved images can be reimagined."
	case errors.Is(err, reimagine.ErrEmptyPrompt):
		status, code = http.StatusBadRequest, "prompt_required"
	case errors.Is(err, service.ErrReimagineDisabled):
		status, code = http.StatusServiceUnavailable, "reimagine_disabled"
	case errors.Is(err, reimagine.ErrNoImage):
		status, code = http.StatusBadGateway, "no_image_generated"
	case errors.Is(err, service.ErrProviderFailed):
		status, code = http.StatusBadGateway, "provider_failed"
	}

	if status >= http.StatusInternalServerError {
		h.log.Error().Err(err).Str("path", c.FullPath()).Msg("request failed")
	}

	body := gin.H{"error": code}
	if message != "" {
		body["message"] = message
	}
	c.JSON(status, body)
}
