package filters

import "strings"

// Properties is the map based PropertyStore used by the engines.
type Properties map[string][]byte

func propertyKey(path []string) string {
	return strings.Join(path, "\x00")
}

func (p Properties) SetProperty(path []string, value []byte) {
	p[propertyKey(path)] = value
}

func (p Properties) GetProperty(path []string) ([]byte, bool) {
	v, ok := p[propertyKey(path)]
	return v, ok
}
