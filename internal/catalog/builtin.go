package catalog

import _ "embed"

//go:embed story.yaml
var storyYAML []byte

// StoryYAML returns the raw YAML of the built-in Story Protocol
// catalog, for writing out with `concierge init`.
func StoryYAML() []byte {
	return append([]byte(nil), storyYAML...)
}

// Builtin returns the built-in Story Protocol catalog. It panics if the
// embedded definition is invalid, which the package tests guard.
func Builtin() *Catalog {
	c, err := Parse(storyYAML)
	if err != nil {
		panic("catalog: invalid built-in catalog: " + err.Error())
	}
	return c
}
