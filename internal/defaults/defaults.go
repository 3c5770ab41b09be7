// Package defaults provides embedded copies of the default files the
// concierge init subcommand writes.
package defaults

import (
	_ "embed"

	"github.com/nugget/concierge/internal/catalog"
)

//go:generate cp ../../examples/config.example.yaml .

// ConfigYAML is the example configuration file.
//
//go:embed config.example.yaml
var ConfigYAML []byte

// CatalogYAML returns the built-in specialist catalog.
func CatalogYAML() []byte {
	return catalog.StoryYAML()
}
