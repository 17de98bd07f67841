// Package parser turns fetched bodies into the text, title, and outlinks the
// engine feeds to the indexer and frontier.
package parser

import (
	"bytes"
	"fmt"
	"io"
	"mime"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"
	"golang.org/x/net/html/charset"
)

// Document is the parsed view of one page.
type Document struct {
	Title    string
	Text     string
	Links    []string
	NoFollow bool
	NoIndex  bool
}

// Parse decodes body using the charset declared in contentType (or sniffed
// from the document) and extracts its title, visible text and absolute
// http(s) links. Relative links resolve against <base href> when present,
// otherwise against pageURL.
func Parse(pageURL, contentType string, body []byte) (Document, error) {
	base, err := url.Parse(pageURL)
	if err != nil {
		return Document{}, fmt.Errorf("parse page url: %w", err)
	}

	reader, err := charset.NewReader(bytes.NewReader(body), contentType)
	if err != nil {
		reader = bytes.NewReader(body)
	}
	if isPlainText(contentType) {
		raw, err := io.ReadAll(reader)
		if err != nil {
			return Document{}, fmt.Errorf("read text body: %w", err)
		}
		return Document{Text: collapseSpace(string(raw))}, nil
	}

	root, err := html.Parse(reader)
	if err != nil {
		return Document{}, fmt.Errorf("parse html: %w", err)
	}
	doc := goquery.NewDocumentFromNode(root)
	doc.Find("script, style, noscript, template").Remove()

	out := Document{
		Title: collapseSpace(doc.Find("title").First().Text()),
	}
	doc.Find("meta[name]").Each(func(_ int, s *goquery.Selection) {
		name, _ := s.Attr("name")
		if !strings.EqualFold(name, "robots") {
			return
		}
		content, _ := s.Attr("content")
		for _, directive := range strings.Split(strings.ToLower(content), ",") {
			switch strings.TrimSpace(directive) {
			case "nofollow":
				out.NoFollow = true
			case "noindex":
				out.NoIndex = true
			case "none":
				out.NoFollow = true
				out.NoIndex = true
			}
		}
	})

	if href, ok := doc.Find("base[href]").First().Attr("href"); ok {
		if resolved, err := base.Parse(strings.TrimSpace(href)); err == nil {
			base = resolved
		}
	}

	content := doc.Find("body")
	if content.Length() == 0 {
		content = doc.Selection
	}
	out.Text = collapseSpace(content.Text())
	if out.Text == "" {
		out.Text = out.Title
	}

	if !out.NoFollow {
		out.Links = extractLinks(doc, base)
	}
	return out, nil
}

func extractLinks(doc *goquery.Document, base *url.URL) []string {
	seen := make(map[string]struct{})
	var links []string
	doc.Find("a[href]").Each(func(_ int, s *goquery.Selection) {
		if rel, ok := s.Attr("rel"); ok && containsToken(rel, "nofollow") {
			return
		}
		href, _ := s.Attr("href")
		href = strings.TrimSpace(href)
		if href == "" || strings.HasPrefix(href, "#") {
			return
		}
		resolved, err := base.Parse(href)
		if err != nil {
			return
		}
		if resolved.Scheme != "http" && resolved.Scheme != "https" {
			return
		}
		resolved.Fragment = ""
		link := resolved.String()
		if _, dup := seen[link]; dup {
			return
		}
		seen[link] = struct{}{}
		links = append(links, link)
	})
	return links
}

func isPlainText(contentType string) bool {
	mediaType, _, err := mime.ParseMediaType(contentType)
	return err == nil && strings.EqualFold(mediaType, "text/plain")
}

func containsToken(list, token string) bool {
	for _, field := range strings.Fields(strings.ToLower(list)) {
		if field == token {
			return true
		}
	}
	return false
}

func collapseSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
