// Package resource defines resource limit types for run environments.
package resource

// Limits defines resource constraints applied to one environment.
// Zero values mean "use the configured default", not "unlimited".
type Limits struct {
	MemoryMB  int     `json:"memory_mb,omitempty" yaml:"memory_mb,omitempty"`
	CPUs      float64 `json:"cpus,omitempty" yaml:"cpus,omitempty"`
	PidsLimit int     `json:"pids_limit,omitempty" yaml:"pids_limit,omitempty"`
}

// Defaults returns the baseline limits applied when neither the request nor
// the profile overrides them.
func Defaults() Limits {
	return Limits{
		MemoryMB:  2048,
		CPUs:      2,
		PidsLimit: 512,
	}
}

// Merge returns a new Limits where non-zero fields from override replace base.
func Merge(base, override Limits) Limits {
	out := base
	if override.MemoryMB > 0 {
		out.MemoryMB = override.MemoryMB
	}
	if override.CPUs > 0 {
		out.CPUs = override.CPUs
	}
	if override.PidsLimit > 0 {
		out.PidsLimit = override.PidsLimit
	}
	return out
}

// Cap returns a new Limits where each field is capped at the corresponding
// ceiling value. A zero ceiling field means no cap for that field.
func Cap(limits, ceiling Limits) Limits {
	out := limits
	if ceiling.MemoryMB > 0 && out.MemoryMB > ceiling.MemoryMB {
		out.MemoryMB = ceiling.MemoryMB
	}
	if ceiling.CPUs > 0 && out.CPUs > ceiling.CPUs {
		out.CPUs = ceiling.CPUs
	}
	if ceiling.PidsLimit > 0 && out.PidsLimit > ceiling.PidsLimit {
		out.PidsLimit = ceiling.PidsLimit
	}
	return out
}
