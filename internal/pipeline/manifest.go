package pipeline

import (
	"fmt"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/resline/dify-plugin-repackaging-sub000/internal/jobs"
)

// manifest is the subset of a plugin's manifest.yaml the service reads.
// Newer manifests carry label/description as language maps, older ones as
// plain strings; i18nText accepts both.
type manifest struct {
	Name        string   `yaml:"name"`
	Author      string   `yaml:"author"`
	Version     string   `yaml:"version"`
	Label       i18nText `yaml:"label"`
	Description i18nText `yaml:"description"`
}

// i18nText decodes either a scalar or a {lang: text} map, preferring en_US.
type i18nText string

func (t *i18nText) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.ScalarNode:
		*t = i18nText(value.Value)
		return nil
	case yaml.MappingNode:
		var m map[string]string
		if err := value.Decode(&m); err != nil {
			return err
		}
		for _, lang := range []string{"en_US", "en", "zh_Hans"} {
			if v := m[lang]; v != "" {
				*t = i18nText(v)
				return nil
			}
		}
		keys := make([]string, 0, len(m))
		for k := range m {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			if m[k] != "" {
				*t = i18nText(m[k])
				return nil
			}
		}
		return nil
	default:
		return fmt.Errorf("unsupported yaml node kind %d", value.Kind)
	}
}

// parseManifest decodes manifest.yaml bytes into plugin metadata. Name and
// version are mandatory; a package without them cannot be repacked under a
// stable filename.
func parseManifest(data []byte) (*jobs.PluginMetadata, error) {
	var m manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, jobs.Wrap(jobs.CodeInvalidPackage, "manifest.yaml is not valid YAML", err)
	}
	if m.Name == "" {
		return nil, jobs.E(jobs.CodeInvalidPackage, "manifest.yaml has no plugin name")
	}
	if m.Version == "" {
		return nil, jobs.E(jobs.CodeInvalidPackage, "manifest.yaml has no plugin version")
	}
	desc := string(m.Description)
	if desc == "" {
		desc = string(m.Label)
	}
	return &jobs.PluginMetadata{
		Name:        m.Name,
		Author:      m.Author,
		Version:     m.Version,
		Description: desc,
	}, nil
}
