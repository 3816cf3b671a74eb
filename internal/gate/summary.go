package gate

import (
	"fmt"
	"math"
	"strings"
)

// IsArchitectural reports whether any label above 40% confidence matches an
// architectural indicator.
func IsArchitectural(labels []Detection) bool {
	for _, l := range labels {
		if l.Confidence > architecturalThreshold && indicatorWords.matches(l.Name) {
			return true
		}
	}
	return false
}

// Summarize renders an analysis for display: the strongest labels above 50%,
// the face count and any moderation flags.
func Summarize(in AnalysisInput) []string {
	var out []string

	if top := strongest(above(in.Labels, summaryThreshold), summaryDetections); len(top) > 0 {
		out = append(out, "Detected: "+withPercent(top))
	}
	if in.FaceCount > 0 {
		out = append(out, fmt.Sprintf("Faces detected: %d", in.FaceCount))
	}
	if len(in.ModerationFlags) > 0 {
		out = append(out, "Moderation flags: "+withPercent(in.ModerationFlags))
	}
	return out
}

func withPercent(in []Detection) string {
	parts := make([]string, 0, len(in))
	for _, d := range in {
		parts = append(parts, fmt.Sprintf("%s (%d%%)", d.Name, int(math.Round(d.Confidence))))
	}
	return strings.Join(parts, ", ")
}
