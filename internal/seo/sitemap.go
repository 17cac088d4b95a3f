package seo

import (
	"encoding/xml"
	"fmt"
	"io"
	"strings"
	"time"

	"realmforge/api/internal/store"
)

const sitemapNS = "http://www.sitemaps.org/schemas/sitemap/0.9"

type URL struct {
	Loc        string `xml:"loc"`
	LastMod    string `xml:"lastmod"`
	ChangeFreq string `xml:"changefreq"`
	Priority   string `xml:"priority"`
}

type urlSet struct {
	XMLName xml.Name `xml:"urlset"`
	XMLNS   string   `xml:"xmlns,attr"`
	URLs    []URL    `xml:"url"`
}

type staticRoute struct {
	path       string
	changeFreq string
	priority   float64
}

func staticRoutes(templateSlugs []string) []staticRoute {
	routes := []staticRoute{
		{"/", "weekly", 1.0},
		{"/login", "monthly", 0.8},
		{"/signup", "monthly", 0.9},
	}
	for _, slug := range templateSlugs {
		routes = append(routes, staticRoute{"/templates/" + slug, "weekly", 0.9})
	}
	return append(routes, staticRoute{"/blog", "daily", 0.9})
}

// BuildSitemap lists the static pages, one page per template and every
// published blog post.
func BuildSitemap(baseURL string, templateSlugs []string, posts []store.ContentPost, now time.Time) []URL {
	base := strings.TrimRight(baseURL, "/")
	stamp := now.UTC().Format(time.RFC3339)

	urls := make([]URL, 0, len(posts)+8)
	for _, r := range staticRoutes(templateSlugs) {
		urls = append(urls, URL{
			Loc:        base + r.path,
			LastMod:    stamp,
			ChangeFreq: r.changeFreq,
			Priority:   fmt.Sprintf("%.1f", r.priority),
		})
	}
	for _, post := range posts {
		if !post.Published || post.Type != "blog" {
			continue
		}
		urls = append(urls, URL{
			Loc:        base + "/blog/" + post.Slug,
			LastMod:    post.UpdatedAt.UTC().Format(time.RFC3339),
			ChangeFreq: "weekly",
			Priority:   "0.8",
		})
	}
	return urls
}

func WriteSitemap(w io.Writer, urls []URL) error {
	if _, err := io.WriteString(w, xml.Header); err != nil {
		return err
	}
	enc := xml.NewEncoder(w)
	enc.Indent("", "  ")
	if err := enc.Encode(urlSet{XMLNS: sitemapNS, URLs: urls}); err != nil {
		return fmt.Errorf("encode sitemap: %w", err)
	}
	_, err := io.WriteString(w, "\n")
	return err
}
