package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/nugget/concierge/internal/catalog"
)

// runCatalog loads and validates a catalog, then prints it. With no
// path it uses the configured catalog, or the built-in one when no
// config file is found.
func runCatalog(w io.Writer, configPath, path, outputFmt string) error {
	var (
		cat *catalog.Catalog
		err error
	)
	switch {
	case path != "":
		cat, err = catalog.Load(path)
	default:
		cfg, cfgPath, cerr := loadConfig(configPath)
		if cerr != nil {
			if configPath != "" {
				return cerr
			}
			cat = catalog.Builtin()
			break
		}
		cat, err = loadCatalog(cfg, cfgPath)
	}
	if err != nil {
		return err
	}

	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(cat.Specialists())
	}

	for _, s := range cat.Specialists() {
		fmt.Fprintf(w, "%s (%s)\n", s.Name, s.ID)
		if s.Description != "" {
			fmt.Fprintf(w, "  %s\n", s.Description)
		}
		fmt.Fprintf(w, "  %-10s %s\n", "safe:", list(s.SafeActions))
		fmt.Fprintf(w, "  %-10s %s\n", "sensitive:", list(s.SensitiveActions))
		if len(s.Handoffs) > 0 {
			fmt.Fprintf(w, "  %-10s %s\n", "handoffs:", list(s.Handoffs))
		}
	}
	fmt.Fprintf(w, "%d specialists\n", len(cat.IDs()))
	return nil
}

func list(items []string) string {
	if len(items) == 0 {
		return "-"
	}
	return strings.Join(items, ", ")
}
