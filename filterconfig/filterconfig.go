/*
Package filterconfig provides the configuration buffer of the
interception filter from a file, and reloads it when the file changes.

The file contains the JSON configuration of the filter, e.g.:

	{"header_name": "x-tenant", "header_value": "edge", "upstream_timeout_ms": 750}

A Watcher observes the directory of the file, so that editors replacing
the file by rename are detected, too. Changes are debounced, and the
latest content is passed to the Configurer. When the new content is
rejected, the previously loaded configuration stays in effect.
*/
package filterconfig

import (
	"fmt"
	"os"
)

// EnvVar is the environment variable holding the inline filter
// configuration, when no other source is set.
const EnvVar = "INTERCEPTOR_FILTER_CONFIG"

// Configurer accepts a raw configuration buffer.
type Configurer interface {
	Configure(raw []byte) error
}

// Load reads the configuration buffer from a file. When the path is
// empty, the result is nil, and the filter uses its defaults.
func Load(path string) ([]byte, error) {
	if path == "" {
		return nil, nil
	}

	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read filter configuration: %w", err)
	}

	return b, nil
}

// Resolve returns the configuration buffer from the first set source: the
// inline value, the file, or the environment.
func Resolve(inline, path string) ([]byte, error) {
	switch {
	case inline != "":
		return []byte(inline), nil
	case path != "":
		return Load(path)
	default:
		if v, ok := os.LookupEnv(EnvVar); ok && v != "" {
			return []byte(v), nil
		}

		return nil, nil
	}
}
