// Package manifest parses declarative plugin manifests into immutable
// descriptors consumed by the resolver and lifecycle controller.
package manifest

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Descriptor is the parsed, immutable form of a plugin manifest. A reload
// produces a new descriptor with a bumped Revision; descriptors are never
// mutated after Parse returns.
type Descriptor struct {
	Name        string         `yaml:"name"`
	Version     string         `yaml:"version"`
	Requires    []string       `yaml:"requires"`
	Permissions []string       `yaml:"permissions"`
	Publishes   []string       `yaml:"publishes"`
	Subscribes  []string       `yaml:"subscribes"`
	Config      map[string]any `yaml:"config"`

	// Revision distinguishes descriptor generations of the same plugin
	// across reloads. Zero for the first parse.
	Revision int `yaml:"-"`
}

// Parse decodes and validates a single manifest document.
func Parse(data []byte) (*Descriptor, error) {
	var d Descriptor
	if err := yaml.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("manifest: decode: %w", err)
	}
	if err := d.validate(); err != nil {
		return nil, err
	}
	return &d, nil
}

// Load reads and parses a manifest file.
func Load(path string) (*Descriptor, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("manifest: read %s: %w", path, err)
	}
	d, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("manifest: %s: %w", path, err)
	}
	return d, nil
}

func (d *Descriptor) validate() error {
	if d.Name == "" {
		return fmt.Errorf("manifest: missing plugin name")
	}
	if strings.ContainsAny(d.Name, " \t\n") {
		return fmt.Errorf("manifest: plugin name %q contains whitespace", d.Name)
	}
	if d.Version == "" {
		return fmt.Errorf("manifest: plugin %s: missing version", d.Name)
	}
	for _, dep := range d.Requires {
		if dep == d.Name {
			return fmt.Errorf("manifest: plugin %s depends on itself", d.Name)
		}
	}
	for _, t := range d.Publishes {
		if err := checkTopic(d.Name, t, false); err != nil {
			return err
		}
	}
	for _, t := range d.Subscribes {
		if err := checkTopic(d.Name, t, true); err != nil {
			return err
		}
	}
	return nil
}

// checkTopic validates a dot-delimited topic. Subscribe declarations may
// carry a single trailing "*" segment; publish declarations may not.
func checkTopic(plugin, topic string, pattern bool) error {
	if topic == "" {
		return fmt.Errorf("manifest: plugin %s: empty topic", plugin)
	}
	segs := strings.Split(topic, ".")
	for i, s := range segs {
		if s == "" {
			return fmt.Errorf("manifest: plugin %s: topic %q has empty segment", plugin, topic)
		}
		if strings.Contains(s, "*") {
			if !pattern || i != len(segs)-1 || s != "*" {
				return fmt.Errorf("manifest: plugin %s: topic %q: wildcard only allowed as trailing segment of a subscription", plugin, topic)
			}
		}
	}
	return nil
}

// WithRevision returns a copy of d carrying the given revision number.
func (d *Descriptor) WithRevision(rev int) *Descriptor {
	cp := *d
	cp.Revision = rev
	return &cp
}

// Names returns the sorted plugin names of a descriptor set.
func Names(set map[string]*Descriptor) []string {
	out := make([]string, 0, len(set))
	for name := range set {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
