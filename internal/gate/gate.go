// Package gate decides whether analyzed photos show architectural content.
//
// Decide runs a fixed cascade over the labels, face count and moderation
// flags reported by a vision service. The first rule that fires wins:
//
//  1. a moderation flag above ModerationThreshold rejects
//  2. any detected face rejects
//  3. labels above NoiseFloor are bucketed against three word lists
//  4. strong negatives reject, architectural evidence approves, contextual
//     negatives reject, and anything else is a generic rejection
//
// The gate is a pure function and cannot fail.
package gate

import (
	"fmt"
	"sort"
	"strings"
)

const (
	NoiseFloor          = 30.0
	HeadlineThreshold   = 60.0
	ModerationThreshold = 70.0

	architecturalThreshold = 40.0
	summaryThreshold       = 50.0
	topDetections          = 5
	summaryDetections      = 8
)

// Detection is one labeled concept with a confidence between 0 and 100.
type Detection struct {
	Name       string  `json:"name"`
	Confidence float64 `json:"confidence"`
}

// AnalysisInput is what a vision service reports for one image.
type AnalysisInput struct {
	Labels          []Detection `json:"labels"`
	FaceCount       int         `json:"faceCount"`
	ModerationFlags []Detection `json:"moderationFlags"`
}

// Decision is the gate verdict. Reasons are ordered and meant for end users;
// the first one names the dominant cause.
type Decision struct {
	Approved bool     `json:"approved"`
	Reasons  []string `json:"reasons"`
}

// Evaluate is Decide over an AnalysisInput.
func Evaluate(in AnalysisInput) Decision {
	return Decide(in.Labels, in.FaceCount, in.ModerationFlags)
}

func Decide(labels []Detection, faceCount int, moderationFlags []Detection) Decision {
	if flagged := moderationNames(moderationFlags); len(flagged) > 0 {
		return reject(fmt.Sprintf("Content policy violation: %s", strings.Join(flagged, ", ")))
	}

	if faceCount > 0 {
		return reject(fmt.Sprintf(
			"People detected in image (%d face(s)). Please upload images without people for best results.",
			faceCount))
	}

	detected := above(labels, NoiseFloor)

	var architectural, strong, contextual []Detection
	for _, d := range detected {
		if indicatorWords.matches(d.Name) {
			architectural = append(architectural, d)
		}
		if strongWords.matches(d.Name) {
			strong = append(strong, d)
		}
		if contextualWords.matches(d.Name) {
			contextual = append(contextual, d)
		}
	}

	switch {
	case len(strong) > 0:
		return reject(fmt.Sprintf("Inappropriate content detected: %s", joinNames(strong)))

	case len(architectural) > 0:
		headline := above(architectural, HeadlineThreshold)
		if len(headline) == 0 {
			headline = architectural
		}
		d := Decision{
			Approved: true,
			Reasons:  []string{fmt.Sprintf("Architectural content detected: %s", joinNames(headline))},
		}
		if len(contextual) > 0 {
			d.Reasons = append(d.Reasons, fmt.Sprintf(
				"Also detected: %s (acceptable with architectural content)", joinNames(contextual)))
		}
		return d

	case len(contextual) > 0:
		return reject(
			fmt.Sprintf("No architectural content found. Detected: %s", joinNames(contextual)),
			"Please upload images of homes, buildings, or interior spaces.",
		)
	}

	d := reject(
		"No architectural content detected in this image.",
		"Please upload photos of house exteriors, building facades, or interior rooms.",
	)
	if top := strongest(detected, topDetections); len(top) > 0 {
		d.Reasons = append(d.Reasons, fmt.Sprintf("Detected: %s", joinNames(top)))
	}
	return d
}

func reject(reasons ...string) Decision {
	return Decision{Approved: false, Reasons: reasons}
}

// above keeps named detections with confidence strictly greater than floor,
// in input order.
func above(in []Detection, floor float64) []Detection {
	var out []Detection
	for _, d := range in {
		if d.Confidence > floor && strings.TrimSpace(d.Name) != "" {
			out = append(out, d)
		}
	}
	return out
}

// strongest returns up to n detections ordered by descending confidence. Ties
// keep their input order.
func strongest(in []Detection, n int) []Detection {
	sorted := append([]Detection(nil), in...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Confidence > sorted[j].Confidence
	})
	if len(sorted) > n {
		sorted = sorted[:n]
	}
	return sorted
}

// moderationNames lists the flags above ModerationThreshold. Unlike labels,
// flags are never dropped for a missing name.
func moderationNames(flags []Detection) []string {
	var out []string
	for _, f := range flags {
		if f.Confidence <= ModerationThreshold {
			continue
		}
		name := strings.TrimSpace(f.Name)
		if name == "" {
			name = "unspecified"
		}
		out = append(out, name)
	}
	return out
}

func names(in []Detection) []string {
	out := make([]string, 0, len(in))
	for _, d := range in {
		out = append(out, d.Name)
	}
	return out
}

func joinNames(in []Detection) string {
	return strings.Join(names(in), ", ")
}
