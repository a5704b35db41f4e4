package secrets

import (
	"regexp"
	"strings"
	"sync"
)

// Redacted replaces every masked substring.
const Redacted = "[REDACTED]"

// tokenPatterns match credential-shaped substrings independent of the vault:
// bearer headers, common API key prefixes, JWTs, and long hex/base64 blobs.
// Ordering matters: the broad blob patterns run last so a prefixed key is
// redacted as one unit.
var tokenPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)(bearer\s+)[a-z0-9._~+/=-]{8,}`),
	regexp.MustCompile(`(?i)((?:api[_-]?key|token|secret|password)["']?\s*[:=]\s*["']?)[^\s"'&]{6,}`),
	regexp.MustCompile(`\b(?:sk|pk|rk)-[A-Za-z0-9_-]{16,}\b`),
	regexp.MustCompile(`\b(?:ghp|gho|ghu|ghs|ghr)_[A-Za-z0-9]{20,}\b`),
	regexp.MustCompile(`\beyJ[A-Za-z0-9_-]{10,}\.[A-Za-z0-9_-]{10,}\.[A-Za-z0-9_-]{5,}\b`),
	regexp.MustCompile(`\b[0-9a-fA-F]{40,}\b`),
}

// Masker scrubs token-like substrings and known secret literals before any
// byte reaches persisted storage. Safe for concurrent use; Refresh swaps the
// literal set when the vault reloads.
type Masker struct {
	mu       sync.RWMutex
	literals []string
}

// NewMasker creates a masker seeded with the vault's current values. A nil
// vault yields a masker that applies only the shape patterns.
func NewMasker(vault *Vault) *Masker {
	m := &Masker{}
	m.Refresh(vault)
	return m
}

// Refresh re-reads the vault's literals. Values shorter than 6 bytes are
// skipped: masking them would shred ordinary text.
func (m *Masker) Refresh(vault *Vault) {
	var lits []string
	if vault != nil {
		for _, v := range vault.Values() {
			if len(v) >= 6 {
				lits = append(lits, v)
			}
		}
	}
	m.mu.Lock()
	m.literals = lits
	m.mu.Unlock()
}

// Mask returns s with known secret literals and token-shaped substrings
// replaced by the redaction marker.
func (m *Masker) Mask(s string) string {
	m.mu.RLock()
	lits := m.literals
	m.mu.RUnlock()
	for _, lit := range lits {
		s = strings.ReplaceAll(s, lit, Redacted)
	}
	for _, re := range tokenPatterns {
		s = re.ReplaceAllStringFunc(s, func(match string) string {
			// Patterns with a capture group keep the prefix (header name,
			// key=) and redact only the credential part.
			if groups := re.FindStringSubmatch(match); len(groups) > 1 {
				return groups[1] + Redacted
			}
			return Redacted
		})
	}
	return s
}

// MaskBytes is Mask over a byte slice.
func (m *Masker) MaskBytes(b []byte) []byte {
	return []byte(m.Mask(string(b)))
}
