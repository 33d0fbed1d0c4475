package config

import (
	"fmt"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Setting is one flattened configuration entry, e.g. storage.mail_suffix=mail.
type Setting struct {
	Name  string
	Value string
}

// Settings flattens the configuration into dotted names sorted by name.
func (c *Config) Settings() ([]Setting, error) {
	data, err := yaml.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal config: %w", err)
	}

	var tree map[string]any
	if err := yaml.Unmarshal(data, &tree); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	var settings []Setting
	flatten("", tree, &settings)
	sort.Slice(settings, func(i, j int) bool { return settings[i].Name < settings[j].Name })
	return settings, nil
}

func flatten(prefix string, node any, out *[]Setting) {
	switch v := node.(type) {
	case map[string]any:
		for key, child := range v {
			name := key
			if prefix != "" {
				name = prefix + "." + key
			}
			flatten(name, child, out)
		}
	case []any:
		parts := make([]string, len(v))
		for i, item := range v {
			parts[i] = fmt.Sprint(item)
		}
		*out = append(*out, Setting{Name: prefix, Value: strings.Join(parts, ",")})
	default:
		*out = append(*out, Setting{Name: prefix, Value: fmt.Sprint(v)})
	}
}
