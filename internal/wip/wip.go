// Package wip enforces per-stage work-in-progress capacity.
package wip

// Admission is the answer to "may one more item enter this stage".
type Admission struct {
	Allowed bool `json:"allowed"`
	// Available is the remaining headroom, nil when the stage is
	// unlimited.
	Available *int `json:"available,omitempty"`
}

// CheckAdmission compares current occupancy against the stage limit.
// A nil limit means no capacity control. A limit of exactly zero also
// means unlimited: operators use 0 as an explicit opt-out, never as
// "no capacity". Negative limits are a configuration error and must be
// rejected before reaching this package.
func CheckAdmission(occupancy int, limit *int) Admission {
	if limit == nil || *limit == 0 {
		return Admission{Allowed: true}
	}
	available := *limit - occupancy
	if available < 0 {
		available = 0
	}
	return Admission{Allowed: occupancy < *limit, Available: &available}
}
