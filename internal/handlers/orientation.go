package handlers

import (
	"mime"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/nexvision/intake/internal/media/exifinfo"
	"github.com/nexvision/intake/internal/middleware"
	"github.com/nexvision/intake/internal/orientation"
	"github.com/nexvision/intake/internal/service"
)

type inspectResponse struct {
	FileName          string                 `json:"fileName"`
	MediaType         string                 `json:"mediaType"`
	SizeBytes         int                    `json:"sizeBytes"`
	Orientation       orientation.Info       `json:"orientation"`
	Description       string                 `json:"description"`
	Dimensions        orientation.Dimensions `json:"dimensions"`
	DisplayDimensions orientation.Dimensions `json:"displayDimensions"`
	Exif              []exifinfo.Tag         `json:"exif"`
	ExifOrientation   string                 `json:"exifOrientation,omitempty"`
}

// InspectOrientation reports the orientation tag, its transform and the raw
// EXIF block without modifying the upload.
func (h HandlerSet) InspectOrientation(c *gin.Context) {
	form, ok := h.readImage(c)
	if !ok {
		return
	}

	detected, err := service.ValidateImage(form.Data, form.Declared, h.cfg.Orientation.MaxUploadBytes)
	if err != nil {
		h.writeError(c, err)
		return
	}

	raw := orientation.RawImage{Name: form.Name, MediaType: detected.MIME, Data: form.Data}
	info := orientation.Inspect(raw)

	dims, err := orientation.Probe(form.Data)
	if err != nil {
		h.writeError(c, err)
		return
	}
	display := dims
	if info.Transform.SwapsDimensions() {
		display = orientation.Dimensions{Width: dims.Height, Height: dims.Width}
	}

	tags, err := exifinfo.Dump(form.Data)
	if err != nil {
		h.log.Debug().Err(err).Str("file", form.Name).Msg("exif dump failed")
		tags = []exifinfo.Tag{}
	}
	exifOrientation, _ := exifinfo.Orientation(tags)

	c.JSON(http.StatusOK, inspectResponse{
		FileName:          form.Name,
		MediaType:         detected.MIME,
		SizeBytes:         len(form.Data),
		Orientation:       info,
		Description:       info.Tag.String(),
		Dimensions:        dims,
		DisplayDimensions: display,
		Exif:              tags,
		ExifOrientation:   exifOrientation,
	})
}

// CorrectOrientation returns the upright, metadata-free JPEG.
func (h HandlerSet) CorrectOrientation(c *gin.Context) {
	quality := h.cfg.Orientation.Quality
	if q := c.Query("quality"); q != "" {
		parsed, err := strconv.ParseFloat(q, 64)
		if err != nil || parsed <= 0 || parsed > 1 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_quality"})
			return
		}
		quality = parsed
	}

	form, ok := h.readImage(c)
	if !ok {
		return
	}
	detected, err := service.ValidateImage(form.Data, form.Declared, h.cfg.Orientation.MaxUploadBytes)
	if err != nil {
		h.writeError(c, err)
		return
	}

	corrected, err := orientation.Correct(orientation.RawImage{
		Name:      form.Name,
		MediaType: detected.MIME,
		Data:      form.Data,
	}, quality)
	if err != nil {
		h.writeError(c, err)
		return
	}

	if corrected.Name != "" {
		c.Header("Content-Disposition", mime.FormatMediaType("inline", map[string]string{"filename": corrected.Name}))
	}
	c.Header(middleware.OrientationHeader, strconv.Itoa(int(corrected.Tag)))
	c.Header("X-Image-Width", strconv.Itoa(corrected.Width))
	c.Header("X-Image-Height", strconv.Itoa(corrected.Height))
	if corrected.Fallback {
		c.Header("X-Orientation-Fallback", "true")
	}
	c.Header("Last-Modified", corrected.ModifiedAt.UTC().Format(http.TimeFormat))
	c.Data(http.StatusOK, corrected.MediaType, corrected.Data)
}
