// Package catalog holds the static specialist definitions and the
// action classification registry. A [Catalog] is built once at startup
// and never mutated afterwards; every accessor hands out copies.
package catalog

import (
	"bytes"
	"fmt"
	"os"
	"slices"
	"sort"
	"strings"
	"text/template"

	"gopkg.in/yaml.v3"
)

// Classification tags an action as safe or sensitive.
type Classification string

const (
	// Safe actions are read-only and execute without confirmation.
	Safe Classification = "safe"
	// Sensitive actions have side effects and require human approval.
	Sensitive Classification = "sensitive"
)

// Specialist is the static definition of one domain unit.
type Specialist struct {
	ID          string `yaml:"id" json:"id"`
	Name        string `yaml:"name" json:"name"`
	Description string `yaml:"description" json:"description"`

	// Prompt is the system prompt template. It is rendered with the
	// conversation context fields and the current time.
	Prompt string `yaml:"prompt" json:"prompt,omitempty"`

	// Announcement is the entry announcement template rendered when
	// the unit becomes active. Empty uses [DefaultAnnouncement].
	Announcement string `yaml:"announcement" json:"announcement,omitempty"`

	// Model overrides the default reasoning model for this unit.
	Model string `yaml:"model" json:"model,omitempty"`

	// Server names the action server that hosts this unit's actions.
	// Empty means the default server.
	Server string `yaml:"server" json:"server,omitempty"`

	SafeActions      []string `yaml:"safe_actions" json:"safe_actions"`
	SensitiveActions []string `yaml:"sensitive_actions" json:"sensitive_actions"`

	// Handoffs lists other specialists this unit may delegate to.
	Handoffs []string `yaml:"handoffs" json:"handoffs,omitempty"`

	// ContextUpdates maps an action name to the context fields its
	// result may set, as context field -> result payload key.
	ContextUpdates map[string]map[string]string `yaml:"context_updates" json:"context_updates,omitempty"`
}

// Actions returns every declared action, safe ones first, in
// declaration order.
func (s Specialist) Actions() []string {
	out := make([]string, 0, len(s.SafeActions)+len(s.SensitiveActions))
	out = append(out, s.SafeActions...)
	return append(out, s.SensitiveActions...)
}

func (s Specialist) clone() Specialist {
	c := s
	c.SafeActions = slices.Clone(s.SafeActions)
	c.SensitiveActions = slices.Clone(s.SensitiveActions)
	c.Handoffs = slices.Clone(s.Handoffs)
	if s.ContextUpdates != nil {
		c.ContextUpdates = make(map[string]map[string]string, len(s.ContextUpdates))
		for action, fields := range s.ContextUpdates {
			m := make(map[string]string, len(fields))
			for k, v := range fields {
				m[k] = v
			}
			c.ContextUpdates[action] = m
		}
	}
	return c
}

// DefaultAnnouncement is used when a specialist does not declare its
// own entry announcement.
const DefaultAnnouncement = "The assistant is now the {{.Name}}. Reflect on the above conversation between the host assistant and the user. " +
	"The user's intent is unsatisfied. Use the provided tools to assist the user. Remember, you are {{.Name}}, " +
	"and the requested action is not complete until after you have successfully invoked the appropriate tool. " +
	"If the user changes their mind or needs help for other tasks, call the complete_or_escalate function to let the primary host assistant take control. " +
	"Do not mention who you are, just act as the proxy for the assistant." +
	"{{if .Request}}\n\nRequest: {{.Request}}{{end}}"

// AnnouncementData is the template input for entry announcements.
type AnnouncementData struct {
	ID      string
	Name    string
	Request string
}

// File is the on-disk YAML form of a catalog.
type File struct {
	Specialists []Specialist `yaml:"specialists"`
}

// Catalog is the immutable registry of specialists and their action
// classifications.
type Catalog struct {
	order       []string
	specialists map[string]Specialist
	classes     map[string]map[string]Classification
	announce    map[string]*template.Template
}

// New validates the definitions and builds a catalog. The definitions
// are copied; later changes to the input slice have no effect.
func New(specs []Specialist) (*Catalog, error) {
	if len(specs) == 0 {
		return nil, &ConfigError{Problem: "no specialists defined"}
	}

	c := &Catalog{
		specialists: make(map[string]Specialist, len(specs)),
		classes:     make(map[string]map[string]Classification, len(specs)),
		announce:    make(map[string]*template.Template, len(specs)),
	}

	for _, s := range specs {
		if strings.TrimSpace(s.ID) == "" {
			return nil, &ConfigError{Problem: "specialist with empty id"}
		}
		if _, dup := c.specialists[s.ID]; dup {
			return nil, &ConfigError{Specialist: s.ID, Problem: "duplicate specialist id"}
		}
		if s.Name == "" {
			s.Name = s.ID
		}

		classes := make(map[string]Classification, len(s.SafeActions)+len(s.SensitiveActions))
		for _, a := range s.SafeActions {
			if _, dup := classes[a]; dup {
				return nil, &ConfigError{Specialist: s.ID, Problem: fmt.Sprintf("action %q declared twice", a)}
			}
			classes[a] = Safe
		}
		for _, a := range s.SensitiveActions {
			if prev, dup := classes[a]; dup {
				if prev == Safe {
					return nil, &ConfigError{Specialist: s.ID, Problem: fmt.Sprintf("action %q is both safe and sensitive", a)}
				}
				return nil, &ConfigError{Specialist: s.ID, Problem: fmt.Sprintf("action %q declared twice", a)}
			}
			classes[a] = Sensitive
		}
		for a := range s.ContextUpdates {
			if _, ok := classes[a]; !ok {
				return nil, &ConfigError{Specialist: s.ID, Problem: fmt.Sprintf("context update for undeclared action %q", a)}
			}
		}

		text := s.Announcement
		if text == "" {
			text = DefaultAnnouncement
		}
		tmpl, err := template.New(s.ID).Option("missingkey=zero").Parse(text)
		if err != nil {
			return nil, &ConfigError{Specialist: s.ID, Problem: fmt.Sprintf("announcement template: %v", err)}
		}
		if s.Prompt != "" {
			if _, err := template.New(s.ID + "-prompt").Parse(s.Prompt); err != nil {
				return nil, &ConfigError{Specialist: s.ID, Problem: fmt.Sprintf("prompt template: %v", err)}
			}
		}

		c.order = append(c.order, s.ID)
		c.specialists[s.ID] = s.clone()
		c.classes[s.ID] = classes
		c.announce[s.ID] = tmpl
	}

	for _, id := range c.order {
		for _, h := range c.specialists[id].Handoffs {
			if h == id {
				return nil, &ConfigError{Specialist: id, Problem: "handoff to itself"}
			}
			if _, ok := c.specialists[h]; !ok {
				return nil, &ConfigError{Specialist: id, Problem: fmt.Sprintf("handoff to unknown specialist %q", h)}
			}
		}
	}

	return c, nil
}

// Parse builds a catalog from YAML.
func Parse(data []byte) (*Catalog, error) {
	var f File
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		return nil, fmt.Errorf("parse catalog: %w", err)
	}
	return New(f.Specialists)
}

// Load reads and validates a catalog file.
func Load(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}
	c, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return c, nil
}

// Classify returns the classification of action for the given
// specialist. It fails with [*UnknownActionError] when the action is
// not declared for that specialist.
func (c *Catalog) Classify(specialistID, action string) (Classification, error) {
	classes, ok := c.classes[specialistID]
	if !ok {
		return "", &UnknownActionError{Specialist: specialistID, Action: action}
	}
	class, ok := classes[action]
	if !ok {
		return "", &UnknownActionError{Specialist: specialistID, Action: action}
	}
	return class, nil
}

// Has reports whether a specialist with the given ID exists.
func (c *Catalog) Has(id string) bool {
	_, ok := c.specialists[id]
	return ok
}

// Specialist returns a copy of the definition with the given ID.
func (c *Catalog) Specialist(id string) (Specialist, bool) {
	s, ok := c.specialists[id]
	if !ok {
		return Specialist{}, false
	}
	return s.clone(), true
}

// IDs returns specialist IDs in declaration order.
func (c *Catalog) IDs() []string {
	return slices.Clone(c.order)
}

// Specialists returns copies of every definition in declaration order.
func (c *Catalog) Specialists() []Specialist {
	out := make([]Specialist, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, c.specialists[id].clone())
	}
	return out
}

// Announce renders the entry announcement for a specialist.
func (c *Catalog) Announce(id, request string) (string, error) {
	tmpl, ok := c.announce[id]
	if !ok {
		return "", fmt.Errorf("unknown specialist %q", id)
	}
	s := c.specialists[id]
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, AnnouncementData{ID: s.ID, Name: s.Name, Request: request}); err != nil {
		return "", fmt.Errorf("render announcement for %s: %w", id, err)
	}
	return buf.String(), nil
}

// Servers returns the distinct action server names referenced by the
// catalog, with "" standing for the default server.
func (c *Catalog) Servers() []string {
	seen := make(map[string]bool)
	var out []string
	for _, id := range c.order {
		srv := c.specialists[id].Server
		if !seen[srv] {
			seen[srv] = true
			out = append(out, srv)
		}
	}
	sort.Strings(out)
	return out
}

// ValidateAgainst checks that every declared action is offered by the
// action server its specialist is bound to. available maps a server
// name to the actions it exposes; specialists with no server use
// defaultServer. The first missing action is returned as an
// [*UnknownActionError].
func (c *Catalog) ValidateAgainst(available map[string][]string, defaultServer string) error {
	for _, id := range c.order {
		s := c.specialists[id]
		srv := s.Server
		if srv == "" {
			srv = defaultServer
		}
		offered, ok := available[srv]
		if !ok {
			return &ConfigError{Specialist: id, Problem: fmt.Sprintf("action server %q not available", srv)}
		}
		for _, a := range s.Actions() {
			if !slices.Contains(offered, a) {
				return &UnknownActionError{Specialist: id, Action: a, Server: srv}
			}
		}
	}
	return nil
}
