package probe

import (
	"fmt"
	"strings"
)

// Capability selects the emission strategy.
type Capability string

const (
	CapabilityAuto       Capability = "auto"
	CapabilityConcurrent Capability = "concurrent"
	CapabilitySerialized Capability = "serialized"
)

// ParseCapability accepts auto, concurrent or serialized.
func ParseCapability(s string) (Capability, error) {
	switch c := Capability(strings.ToLower(strings.TrimSpace(s))); c {
	case "":
		return CapabilityAuto, nil
	case CapabilityAuto, CapabilityConcurrent, CapabilitySerialized:
		return c, nil
	default:
		return "", fmt.Errorf("probe: unknown capability %q (use auto, concurrent or serialized)", s)
	}
}

// Resolve turns a configured capability into concurrent or serialized. Auto
// serializes on Windows and whenever the renderer cannot be called from two
// units at once.
func Resolve(setting Capability, snap Snapshot, rendererConcurrent bool) Capability {
	switch setting {
	case CapabilityConcurrent, CapabilitySerialized:
		return setting
	}
	if snap.Windows() || !rendererConcurrent {
		return CapabilitySerialized
	}
	return CapabilityConcurrent
}
