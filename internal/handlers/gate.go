package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/nexvision/intake/internal/gate"
	"github.com/nexvision/intake/internal/service"
	"github.com/nexvision/intake/internal/vision"
)

type decisionResponse struct {
	Approved        bool     `json:"approved"`
	Reasons         []string `json:"reasons"`
	Summary         []string `json:"summary"`
	IsArchitectural bool     `json:"isArchitectural"`
}

// Decide runs the content gate on a caller-supplied analysis.
func (h HandlerSet) Decide(c *gin.Context) {
	var in gate.AnalysisInput
	if err := c.ShouldBindJSON(&in); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_payload"})
		return
	}
	if in.FaceCount < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_face_count"})
		return
	}

	decision := gate.Evaluate(in)
	c.JSON(http.StatusOK, decisionResponse{
		Approved:        decision.Approved,
		Reasons:         decision.Reasons,
		Summary:         nonNilStrings(gate.Summarize(in)),
		IsArchitectural: gate.IsArchitectural(in.Labels),
	})
}

type analyzeMetadata struct {
	FileName       string `json:"fileName"`
	MediaType      string `json:"mediaType"`
	SizeBytes      int    `json:"sizeBytes"`
	OrientationTag int    `json:"orientationTag"`
	Width          int    `json:"width"`
	Height         int    `json:"height"`
	Cached         bool   `json:"cached"`
	Degraded       bool   `json:"degraded"`
}

type analyzeResponse struct {
	Success  bool            `json:"success"`
	Approved bool            `json:"approved"`
	Reasons  []string        `json:"reasons"`
	Summary  []string        `json:"summary"`
	Analysis vision.Analysis `json:"analysis"`
	Metadata analyzeMetadata `json:"metadata"`
}

// Analyze corrects the upload, labels it and returns the gate decision
// without storing anything.
func (h HandlerSet) Analyze(c *gin.Context) {
	form, ok := h.readImage(c)
	if !ok {
		return
	}

	res, err := h.analysis.Analyze(c.Request.Context(), service.AnalyzeInput{
		Name:         form.Name,
		DeclaredType: form.Declared,
		Data:         form.Data,
	})
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, analyzeResponse{
		Success:  true,
		Approved: res.Decision.Approved,
		Reasons:  res.Decision.Reasons,
		Summary:  nonNilStrings(gate.Summarize(res.Analysis.Input())),
		Analysis: res.Analysis,
		Metadata: analyzeMetadata{
			FileName:       form.Name,
			MediaType:      res.Detected.MIME,
			SizeBytes:      len(form.Data),
			OrientationTag: int(res.Corrected.Tag),
			Width:          res.Corrected.Width,
			Height:         res.Corrected.Height,
			Cached:         res.Cached,
			Degraded:       res.Degraded,
		},
	})
}

func nonNilStrings(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
