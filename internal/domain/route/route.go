// Package route classifies task instructions into execution profiles. The
// classifier is a keyword-weighted scorer over lowercased instruction words:
// no model calls, deterministic, cheap enough to run on every submit.
package route

import (
	"sort"
	"strings"

	"github.com/Strob0t/Crucible/internal/domain/policy"
	"github.com/Strob0t/Crucible/internal/domain/run"
)

// Profile bundles the execution defaults applied when a request names no
// backend of its own: which agent backend to use, the container image, the
// security mode, and the verification defaults.
type Profile struct {
	Name         string              `json:"name" yaml:"name"`
	Backend      string              `json:"backend" yaml:"backend"`
	Image        string              `json:"image" yaml:"image"`
	SecurityMode policy.SecurityMode `json:"security_mode" yaml:"security_mode"`
	Verify       *run.VerifyConfig   `json:"verify,omitempty" yaml:"verify,omitempty"`

	// Keywords maps lowercase instruction words to their score weight for
	// this profile.
	Keywords map[string]int `json:"keywords,omitempty" yaml:"keywords,omitempty"`
}

// Router scores instructions against a fixed profile set.
type Router struct {
	profiles  []Profile
	fallback  string
	threshold int
}

// Option configures a Router.
type Option func(*Router)

// WithThreshold sets the minimum score a profile must reach to win; below it
// the fallback profile is returned. Default 1.
func WithThreshold(n int) Option {
	return func(r *Router) {
		if n > 0 {
			r.threshold = n
		}
	}
}

// NewRouter creates a router over the given profiles. The fallback names the
// profile returned when no keyword scores above the threshold; it must be a
// member of profiles (enforced by Lookup returning false otherwise).
func NewRouter(profiles []Profile, fallback string, opts ...Option) *Router {
	r := &Router{
		profiles:  append([]Profile(nil), profiles...),
		fallback:  fallback,
		threshold: 1,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Lookup returns a profile by exact name.
func (r *Router) Lookup(name string) (Profile, bool) {
	for _, p := range r.profiles {
		if p.Name == name {
			return p, true
		}
	}
	return Profile{}, false
}

// Profiles returns the configured profile set in declaration order.
func (r *Router) Profiles() []Profile {
	return append([]Profile(nil), r.profiles...)
}

// Classify scores the instruction against every profile's keywords and
// returns the best match, falling back to the default profile when nothing
// reaches the threshold. Ties break by declaration order, so the profile list
// doubles as a priority order.
func (r *Router) Classify(instruction string) Profile {
	words := tokenize(instruction)
	best, bestScore := Profile{}, 0
	for _, p := range r.profiles {
		score := 0
		for _, w := range words {
			score += p.Keywords[w]
		}
		if score > bestScore {
			best, bestScore = p, score
		}
	}
	if bestScore >= r.threshold {
		return best
	}
	if fb, ok := r.Lookup(r.fallback); ok {
		return fb
	}
	if len(r.profiles) > 0 {
		return r.profiles[0]
	}
	return Profile{}
}

// tokenize lowercases and splits the instruction on non-alphanumeric runes,
// deduplicating so a repeated keyword does not inflate its profile's score.
func tokenize(s string) []string {
	fields := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !(r >= 'a' && r <= 'z') && !(r >= '0' && r <= '9')
	})
	seen := make(map[string]bool, len(fields))
	out := fields[:0]
	for _, f := range fields {
		if !seen[f] {
			seen[f] = true
			out = append(out, f)
		}
	}
	sort.Strings(out)
	return out
}

// BuiltinProfiles returns the default profile set used when the configuration
// declares none.
func BuiltinProfiles() []Profile {
	return []Profile{
		{
			Name:         "implement",
			Backend:      "claude-cli",
			Image:        "crucible/agent:latest",
			SecurityMode: policy.ModeWorkspaceWrite,
			Verify:       &run.VerifyConfig{Test: "go test ./...", Build: "go build ./...", MaxFixAttempts: 2},
			Keywords: map[string]int{
				"implement": 3, "add": 2, "feature": 2, "build": 1,
				"create": 2, "write": 1, "endpoint": 1, "refactor": 2,
			},
		},
		{
			Name:         "fix",
			Backend:      "claude-cli",
			Image:        "crucible/agent:latest",
			SecurityMode: policy.ModeWorkspaceWrite,
			Verify:       &run.VerifyConfig{Test: "go test ./...", MaxFixAttempts: 3},
			Keywords: map[string]int{
				"fix": 3, "bug": 3, "crash": 2, "panic": 2, "error": 1,
				"failing": 2, "regression": 2, "broken": 2,
			},
		},
		{
			Name:         "review",
			Backend:      "claude-cli",
			Image:        "crucible/agent:latest",
			SecurityMode: policy.ModeReadOnly,
			Keywords: map[string]int{
				"review": 3, "audit": 3, "analyze": 2, "explain": 2,
				"inspect": 2, "suggest": 1, "assess": 2,
			},
		},
	}
}
