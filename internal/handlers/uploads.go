package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/nexvision/intake/internal/service"
)

type uploadResponse struct {
	ID             string    `json:"id"`
	FileName       string    `json:"fileName"`
	Status         string    `json:"status"`
	MediaType      string    `json:"mediaType"`
	SizeBytes      int64     `json:"sizeBytes"`
	Width          int       `json:"width"`
	Height         int       `json:"height"`
	OrientationTag int       `json:"orientationTag"`
	Approved       *bool     `json:"approved"`
	Reasons        []string  `json:"reasons"`
	CorrectedURL   string    `json:"correctedUrl,omitempty"`
	CreatedAt      time.Time `json:"createdAt"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

func toUploadResponse(view service.UploadView) uploadResponse {
	u := view.Upload
	return uploadResponse{
		ID:             u.ID,
		FileName:       u.FileName,
		Status:         string(u.Status),
		MediaType:      u.MediaType,
		SizeBytes:      u.SizeBytes,
		Width:          u.Width,
		Height:         u.Height,
		OrientationTag: u.OrientationTag,
		Approved:       u.Approved,
		Reasons:        nonNilStrings(u.Reasons),
		CorrectedURL:   view.CorrectedURL,
		CreatedAt:      u.CreatedAt,
		UpdatedAt:      u.UpdatedAt,
	}
}

func (h HandlerSet) CreateUpload(c *gin.Context) {
	form, ok := h.readImage(c)
	if !ok {
		return
	}

	result, err := h.uploads.Upload(c.Request.Context(), service.UploadInput{
		Name:         form.Name,
		DeclaredType: form.Declared,
		Data:         form.Data,
	})
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"upload":         toUploadResponse(service.UploadView{Upload: result.Upload}),
		"token":          result.Token,
		"tokenExpiresAt": result.TokenExpiresAt,
	})
}

func (h HandlerSet) GetUpload(c *gin.Context) {
	view, err := h.uploads.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"upload": toUploadResponse(view)})
}

type reimagineRequest struct {
	Prompt string `json:"prompt"`
}

func (h HandlerSet) Reimagine(c *gin.Context) {
	var req reimagineRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_payload"})
		return
	}

	result, err := h.uploads.Reimagine(c.Request.Context(), c.Param("id"), req.Prompt)
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"url":       result.URL,
		"provider":  result.Provider,
		"mediaType": result.MediaType,
		"cached":    result.Cached,
	})
}
