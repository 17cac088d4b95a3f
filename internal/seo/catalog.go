// Package seo serves the marketing template catalog, the GDD starter
// templates and the public sitemap.
package seo

import (
	_ "embed"
	"encoding/json"
	"fmt"

	"gopkg.in/yaml.v3"

	"realmforge/api/internal/store"
)

//go:embed templates.yaml
var templatesYAML []byte

//go:embed gdd_templates.yaml
var gddTemplatesYAML []byte

type Section struct {
	ID      string `yaml:"id" json:"id"`
	Title   string `yaml:"title" json:"title"`
	Content string `yaml:"content" json:"content"`
}

type FAQ struct {
	Question string `yaml:"question" json:"question"`
	Answer   string `yaml:"answer" json:"answer"`
}

type CTA struct {
	Headline    string `yaml:"headline" json:"headline"`
	Description string `yaml:"description" json:"description"`
	ButtonText  string `yaml:"buttonText" json:"buttonText"`
	Href        string `yaml:"href" json:"href"`
}

// Template is a landing page for one game genre.
type Template struct {
	Slug         string    `yaml:"slug" json:"slug"`
	Title        string    `yaml:"title" json:"title"`
	SEOTitle     string    `yaml:"seoTitle" json:"seoTitle"`
	Description  string    `yaml:"description" json:"description"`
	Keywords     []string  `yaml:"keywords" json:"keywords"`
	HeroHeadline string    `yaml:"heroHeadline" json:"heroHeadline"`
	HeroSubtext  string    `yaml:"heroSubtext" json:"heroSubtext"`
	HeroImage    string    `yaml:"heroImage,omitempty" json:"heroImage,omitempty"`
	Sections     []Section `yaml:"sections" json:"sections"`
	FAQ          []FAQ     `yaml:"faq" json:"faq"`
	CTA          CTA       `yaml:"cta" json:"cta"`
}

type Catalog struct {
	templates []Template
	bySlug    map[string]Template
}

func LoadCatalog() (*Catalog, error) {
	return ParseCatalog(templatesYAML)
}

func ParseCatalog(data []byte) (*Catalog, error) {
	var templates []Template
	if err := yaml.Unmarshal(data, &templates); err != nil {
		return nil, fmt.Errorf("parse template catalog: %w", err)
	}
	c := &Catalog{templates: templates, bySlug: make(map[string]Template, len(templates))}
	for _, t := range templates {
		if t.Slug == "" {
			return nil, fmt.Errorf("parse template catalog: template %q has no slug", t.Title)
		}
		if _, dup := c.bySlug[t.Slug]; dup {
			return nil, fmt.Errorf("parse template catalog: duplicate slug %q", t.Slug)
		}
		c.bySlug[t.Slug] = t
	}
	return c, nil
}

func (c *Catalog) List() []Template {
	out := make([]Template, len(c.templates))
	copy(out, c.templates)
	return out
}

func (c *Catalog) Get(slug string) (Template, bool) {
	t, ok := c.bySlug[slug]
	return t, ok
}

func (c *Catalog) Slugs() []string {
	slugs := make([]string, 0, len(c.templates))
	for _, t := range c.templates {
		slugs = append(slugs, t.Slug)
	}
	return slugs
}

type gddSeed struct {
	Slug        string `yaml:"slug"`
	Name        string `yaml:"name"`
	Category    string `yaml:"category"`
	Description string `yaml:"description"`
	Sections    []struct {
		Heading string `yaml:"heading"`
		Body    string `yaml:"body"`
	} `yaml:"sections"`
}

// GDDTemplates returns the starter documents with Tiptap content.
func GDDTemplates() ([]store.GDDTemplate, error) {
	var seeds []gddSeed
	if err := yaml.Unmarshal(gddTemplatesYAML, &seeds); err != nil {
		return nil, fmt.Errorf("parse gdd templates: %w", err)
	}
	out := make([]store.GDDTemplate, 0, len(seeds))
	for _, seed := range seeds {
		content := []map[string]any{heading(1, seed.Name)}
		for _, section := range seed.Sections {
			content = append(content, heading(2, section.Heading), paragraph(section.Body))
		}
		raw, err := json.Marshal(map[string]any{"type": "doc", "content": content})
		if err != nil {
			return nil, fmt.Errorf("encode gdd template %s: %w", seed.Slug, err)
		}
		out = append(out, store.GDDTemplate{
			Slug:        seed.Slug,
			Name:        seed.Name,
			Description: seed.Description,
			Category:    seed.Category,
			Content:     raw,
		})
	}
	return out, nil
}

func heading(level int, text string) map[string]any {
	return map[string]any{
		"type":    "heading",
		"attrs":   map[string]any{"level": level},
		"content": []map[string]any{{"type": "text", "text": text}},
	}
}

func paragraph(text string) map[string]any {
	return map[string]any{
		"type":    "paragraph",
		"content": []map[string]any{{"type": "text", "text": text}},
	}
}
