package job

import (
	"sort"

	bferrors "github.com/mrz1836/buildfarm/internal/errors"
)

// Built-in template identifiers.
const (
	TemplateImageBuild = "image-build"
	TemplateTest       = "test"
	TemplateLint       = "lint"
)

// Template names a backend job template and the parameter keys it requires.
type Template struct {
	ID       string   `yaml:"id" json:"id"`
	Required []string `yaml:"required" json:"required"`
}

// Catalog holds the templates a backend knows about.
type Catalog struct {
	templates map[string]Template
}

// NewCatalog creates a catalog containing templates.
func NewCatalog(templates ...Template) *Catalog {
	c := &Catalog{templates: make(map[string]Template, len(templates))}
	for _, t := range templates {
		c.Register(t)
	}
	return c
}

// DefaultCatalog returns the built-in templates.
func DefaultCatalog() *Catalog {
	return NewCatalog(
		Template{ID: TemplateImageBuild, Required: []string{KeyCommand, KeyDockerfile, KeyContextDir, KeyTargetImage, KeyPush}},
		Template{ID: TemplateTest, Required: []string{KeyImage, KeyCommand}},
		Template{ID: TemplateLint, Required: []string{KeyImage, KeyCommand}},
	)
}

// Register adds or replaces a template.
func (c *Catalog) Register(t Template) {
	c.templates[t.ID] = t
}

// Lookup returns the template with id, or ErrConfiguration if it is unknown.
func (c *Catalog) Lookup(id string) (Template, error) {
	t, ok := c.templates[id]
	if !ok {
		return Template{}, bferrors.Wrapf(bferrors.ErrConfiguration, "unknown job template %q", id)
	}
	return t, nil
}

// IDs returns the registered template IDs, sorted.
func (c *Catalog) IDs() []string {
	ids := make([]string, 0, len(c.templates))
	for id := range c.templates {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
