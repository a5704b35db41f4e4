package route_test

import (
	"testing"

	"github.com/Strob0t/Crucible/internal/domain/policy"
	"github.com/Strob0t/Crucible/internal/domain/route"
)

func TestClassify(t *testing.T) {
	r := route.NewRouter(route.BuiltinProfiles(), "implement")
	tests := []struct {
		instruction string
		want        string
	}{
		{"fix the panic in the websocket hub", "fix"},
		{"implement a new health endpoint", "implement"},
		{"review the auth middleware for security issues", "review"},
		{"please audit and analyze this module", "review"},
		{"do something unrelated to any keyword", "implement"}, // fallback
	}
	for _, tt := range tests {
		got := r.Classify(tt.instruction)
		if got.Name != tt.want {
			t.Errorf("Classify(%q) = %s, want %s", tt.instruction, got.Name, tt.want)
		}
	}
}

func TestClassifyRepeatedKeywordCountsOnce(t *testing.T) {
	profiles := []route.Profile{
		{Name: "a", Keywords: map[string]int{"fix": 1}},
		{Name: "b", Keywords: map[string]int{"fix": 0, "bug": 2}},
	}
	r := route.NewRouter(profiles, "a")
	// "fix fix fix" scores 1 for a, not 3; "bug" alone outweighs it.
	if got := r.Classify("fix fix fix bug"); got.Name != "b" {
		t.Fatalf("Classify = %s, want b", got.Name)
	}
}

func TestClassifyThreshold(t *testing.T) {
	profiles := []route.Profile{
		{Name: "strong", Keywords: map[string]int{"deploy": 2}},
		{Name: "fallback"},
	}
	r := route.NewRouter(profiles, "fallback", route.WithThreshold(3))
	if got := r.Classify("deploy now"); got.Name != "fallback" {
		t.Fatalf("score below threshold should fall back, got %s", got.Name)
	}
}

func TestLookup(t *testing.T) {
	r := route.NewRouter(route.BuiltinProfiles(), "implement")
	p, ok := r.Lookup("review")
	if !ok {
		t.Fatal("review profile not found")
	}
	if p.SecurityMode != policy.ModeReadOnly {
		t.Fatalf("review profile mode = %s, want read_only", p.SecurityMode)
	}
	if _, ok := r.Lookup("nope"); ok {
		t.Fatal("unknown profile reported found")
	}
}
