package security

import "github.com/burrowci/burrow/pkg/types"

// Posture captures the runtime security configuration of a container.
type Posture struct {
	Privileged     bool
	RunAsNonRoot   bool
	ReadOnlyRootFS bool
}

// RiskScore computes a container's 0-100 risk score: ten points per open
// violation, weighted scan findings, and penalties for a weak runtime
// posture.
func RiskScore(violations []*types.Violation, scans []*types.ScanResult, posture Posture) int {
	score := 10 * len(violations)

	for _, scan := range scans {
		score += 20*scan.Critical + 10*scan.High + 5*scan.Medium
	}

	if posture.Privileged {
		score += 50
	}
	if !posture.RunAsNonRoot {
		score += 20
	}
	if !posture.ReadOnlyRootFS {
		score += 10
	}

	if score > 100 {
		score = 100
	}
	return score
}

// StatusFor maps a risk score and open violations to the posture status:
// critical at 80 or any critical violation, warning at 50 or any high
// violation, secure otherwise.
func StatusFor(score int, violations []*types.Violation) types.SecurityStatus {
	var hasCritical, hasHigh bool
	for _, v := range violations {
		switch v.Severity {
		case types.SeverityCritical:
			hasCritical = true
		case types.SeverityHigh:
			hasHigh = true
		}
	}

	switch {
	case score >= 80 || hasCritical:
		return types.SecurityStatusCritical
	case score >= 50 || hasHigh:
		return types.SecurityStatusWarning
	default:
		return types.SecurityStatusSecure
	}
}
