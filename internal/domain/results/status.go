package results

import "strings"

// Status is the risk label derived from a finding.
type Status string

const (
	StatusNormal      Status = "normal"
	StatusNeedsReview Status = "needs_review"
	StatusHighRisk    Status = "high_risk"
)

const (
	highConfidence = 0.7
	negativeMarker = "no signs"
)

// DeriveStatus labels a finding from its confidence and result text.
//
// A missing confidence or empty message yields StatusNormal. That default under-reports
// risk for incomplete rows and has not been confirmed by a domain owner.
func DeriveStatus(confidence *float64, message string) Status {
	if confidence == nil || strings.TrimSpace(message) == "" {
		return StatusNormal
	}
	negative := strings.Contains(strings.ToLower(message), negativeMarker)
	if *confidence >= highConfidence {
		if negative {
			return StatusNormal
		}
		return StatusHighRisk
	}
	return StatusNeedsReview
}
