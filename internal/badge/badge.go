// Package badge classifies confidence scores and verification statuses into display buckets.
//
// The same mapping is used for scan results, email lists, the lead inbox and drafts, so it
// lives here as one pure, total function.
package badge

import (
	"math"
	"strings"
)

// Label is a discrete display bucket.
type Label string

const (
	High    Label = "High"
	Medium  Label = "Medium"
	Low     Label = "Low"
	Valid   Label = "Valid"
	Risky   Label = "Risky"
	Invalid Label = "Invalid"
	Unknown Label = "Unknown"
)

// Score thresholds; each is the inclusive lower bound of its bucket.
const (
	HighThreshold   = 0.7
	MediumThreshold = 0.4
)

var styleClasses = map[Label]string{
	High:    "badge-high",
	Medium:  "badge-medium",
	Low:     "badge-low",
	Valid:   "badge-valid",
	Risky:   "badge-risky",
	Invalid: "badge-invalid",
	Unknown: "badge-unknown",
}

// Badge is the derived display value. It has no lifecycle of its own.
type Badge struct {
	Label      Label  `json:"label"`
	StyleClass string `json:"styleClass"`
}

// Input carries whatever the caller knows about a record. A non-empty VerificationStatus
// takes precedence over Confidence.
type Input struct {
	Confidence         *float64
	VerificationStatus string
}

// Map classifies in. It never panics.
func Map(in Input) Badge {
	if status := strings.ToLower(strings.TrimSpace(in.VerificationStatus)); status != "" {
		switch status {
		case "valid":
			return of(Valid)
		case "risky":
			return of(Risky)
		default:
			return of(Invalid)
		}
	}
	if in.Confidence == nil {
		return of(Unknown)
	}
	return ForScore(*in.Confidence)
}

// ForScore classifies a confidence in [0,1]. Out-of-range values are clamped; NaN is Unknown.
func ForScore(score float64) Badge {
	if math.IsNaN(score) {
		return of(Unknown)
	}
	score = math.Max(0, math.Min(1, score))
	switch {
	case score >= HighThreshold:
		return of(High)
	case score >= MediumThreshold:
		return of(Medium)
	default:
		return of(Low)
	}
}

// FromQualityScore converts the backend's 0–100 quality score to a confidence.
func FromQualityScore(q int) *float64 {
	c := float64(q) / 100
	return &c
}

func of(l Label) Badge {
	return Badge{Label: l, StyleClass: styleClasses[l]}
}
