package filters

import (
	"maps"
	"net/http"
	"slices"
	"strings"
)

type field struct {
	name, value string
}

// Header is an ordered header map with lower case names. It records the
// names of the fields changed by Set.
type Header struct {
	fields  []field
	changed []string
}

// NewHeader creates a header map from an http.Header. Pseudo headers are
// passed in separately, as name-value pairs, and are stored first.
func NewHeader(h http.Header, pseudo ...string) *Header {
	hm := &Header{}
	for i := 0; i+1 < len(pseudo); i += 2 {
		hm.Add(pseudo[i], pseudo[i+1])
	}

	for _, name := range slices.Sorted(maps.Keys(h)) {
		for _, v := range h[name] {
			hm.Add(name, v)
		}
	}

	return hm
}

// Add appends a field without recording it as a change.
func (h *Header) Add(name, value string) {
	h.fields = append(h.fields, field{strings.ToLower(name), value})
}

func (h *Header) Get(name string) (string, bool) {
	name = strings.ToLower(name)
	for _, f := range h.fields {
		if f.name == name {
			return f.value, true
		}
	}

	return "", false
}

func (h *Header) Set(name, value string) {
	name = strings.ToLower(name)
	fields := h.fields[:0]
	set := false
	for _, f := range h.fields {
		if f.name != name {
			fields = append(fields, f)
			continue
		}

		if !set {
			fields = append(fields, field{name, value})
			set = true
		}
	}

	if !set {
		fields = append(fields, field{name, value})
	}

	h.fields = fields
	h.markChanged(name)
}

func (h *Header) markChanged(name string) {
	for _, c := range h.changed {
		if c == name {
			return
		}
	}

	h.changed = append(h.changed, name)
}

func (h *Header) Visit(f func(name, value string)) {
	for _, fi := range h.fields {
		f(fi.name, fi.value)
	}
}

func (h *Header) Len() int { return len(h.fields) }

// Changed returns the names of the fields changed by Set, in the order of
// the first change.
func (h *Header) Changed() []string {
	return h.changed
}

// ResetChanged forgets the recorded changes.
func (h *Header) ResetChanged() {
	h.changed = nil
}

// CopyTo writes the regular fields into an http.Header, replacing the
// values of the same names. Pseudo headers are skipped.
func (h *Header) CopyTo(dst http.Header) {
	seen := make(map[string]bool)
	for _, f := range h.fields {
		if strings.HasPrefix(f.name, ":") {
			continue
		}

		key := http.CanonicalHeaderKey(f.name)
		if !seen[key] {
			dst.Del(key)
			seen[key] = true
		}

		dst.Add(key, f.value)
	}
}
