package secrets

import (
	"os"
	"strings"
)

// EnvPrefix marks environment variables carrying run secrets. The part after
// the prefix becomes the secret name inside the vault.
const EnvPrefix = "CRUCIBLE_SECRET_"

// EnvLoader returns a Loader that collects every CRUCIBLE_SECRET_* variable
// from the process environment. Empty values are omitted.
func EnvLoader() Loader {
	return func() (map[string]string, error) {
		vals := make(map[string]string)
		for _, kv := range os.Environ() {
			key, val, ok := strings.Cut(kv, "=")
			if !ok || val == "" {
				continue
			}
			if name, found := strings.CutPrefix(key, EnvPrefix); found && name != "" {
				vals[name] = val
			}
		}
		return vals, nil
	}
}
