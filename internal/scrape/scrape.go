// Package scrape implements the Web Scraper (C8): primary extraction via
// go-readability, with a CSS-selector-like fallback chain walked over
// golang.org/x/net/html when readability can't find an article. Fetching
// itself goes through internal/fetch.Fetcher so robots.txt and rate
// limiting apply.
package scrape

import (
	"context"
	"strings"

	md "github.com/JohannesKaufmann/html-to-markdown/v2"
	readability "github.com/go-shiori/go-readability"
	"golang.org/x/net/html"

	"newsvault/internal/fetch"
)

// Page is the §4.8 result shape. Page is nil when neither readability nor
// the selector fallback can find a title or body.
type Page struct {
	Title   string
	Content string
	URL     string
}

type Scraper struct {
	fetcher *fetch.Fetcher
}

func New(fetcher *fetch.Fetcher) *Scraper {
	return &Scraper{fetcher: fetcher}
}

var titleSelectors = []string{"h1", ".headline", ".title"}
var bodySelectors = []string{".article-content", ".post-content", ".entry-content", ".content"}

// Scrape fetches rawURL (respecting robots.txt via the Fetcher) and extracts
// its article title and body. It tries go-readability first; if readability
// finds nothing, it falls back to a fixed selector chain for title and body.
func (s *Scraper) Scrape(ctx context.Context, rawURL string) (*Page, error) {
	resp, err := s.fetcher.Get(ctx, rawURL)
	if err != nil {
		return nil, err
	}
	body, err := fetch.ReadBody(resp)
	if err != nil {
		return nil, err
	}
	docHTML := string(body)

	title, content := extractReadability(docHTML, rawURL)
	if title == "" && content == "" {
		title, content = extractBySelectors(docHTML)
	}
	if title == "" && content == "" {
		return nil, nil
	}

	return &Page{Title: title, Content: content, URL: rawURL}, nil
}

func extractReadability(docHTML, rawURL string) (title, content string) {
	art, err := readability.FromReader(strings.NewReader(docHTML), nil)
	if err != nil || strings.TrimSpace(art.Content) == "" {
		return "", ""
	}
	markdown, err := md.ConvertString(art.Content)
	if err != nil {
		return "", ""
	}
	return strings.TrimSpace(art.Title), strings.TrimSpace(markdown)
}

// extractBySelectors walks the parsed DOM looking for the first element
// matching each selector in titleSelectors / bodySelectors, in order. Class
// selectors (".x") and attribute-contains selectors are matched by simple
// substring checks against the class attribute, not a full CSS engine.
func extractBySelectors(docHTML string) (title, content string) {
	doc, err := html.Parse(strings.NewReader(docHTML))
	if err != nil {
		return "", ""
	}

	for _, sel := range titleSelectors {
		if node := findBySelector(doc, sel); node != nil {
			title = strings.TrimSpace(textOf(node))
			if title != "" {
				break
			}
		}
	}

	for _, sel := range bodySelectors {
		if node := findBySelector(doc, sel); node != nil {
			content = strings.TrimSpace(textOf(node))
			if content != "" {
				break
			}
		}
	}
	if content == "" {
		if node := findParagraphsUnderClassContaining(doc, "article", "content"); node != "" {
			content = node
		}
	}

	return title, content
}

func findBySelector(n *html.Node, selector string) *html.Node {
	var tag, class string
	if strings.HasPrefix(selector, ".") {
		class = selector[1:]
	} else {
		tag = selector
	}

	var found *html.Node
	var walk func(*html.Node)
	walk = func(node *html.Node) {
		if found != nil {
			return
		}
		if node.Type == html.ElementNode {
			if tag != "" && node.Data == tag {
				found = node
				return
			}
			if class != "" && hasClass(node, class) {
				found = node
				return
			}
		}
		for c := node.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
			if found != nil {
				return
			}
		}
	}
	walk(n)
	return found
}

// findParagraphsUnderClassContaining joins the text of <p> elements nested
// under any element whose class attribute contains one of the given
// substrings, matching the "[class*=\"article|content\"] p" fallback.
func findParagraphsUnderClassContaining(n *html.Node, substrs ...string) string {
	var paragraphs []string
	var walk func(*html.Node, bool)
	walk = func(node *html.Node, inside bool) {
		nowInside := inside
		if node.Type == html.ElementNode {
			if !inside && classContainsAny(node, substrs...) {
				nowInside = true
			}
			if nowInside && node.Data == "p" {
				text := strings.TrimSpace(textOf(node))
				if text != "" {
					paragraphs = append(paragraphs, text)
				}
			}
		}
		for c := node.FirstChild; c != nil; c = c.NextSibling {
			walk(c, nowInside)
		}
	}
	walk(n, false)
	return strings.Join(paragraphs, "\n\n")
}

func hasClass(node *html.Node, class string) bool {
	return classContainsAny(node, class)
}

func classContainsAny(node *html.Node, substrs ...string) bool {
	for _, attr := range node.Attr {
		if attr.Key != "class" {
			continue
		}
		for _, sub := range substrs {
			if strings.Contains(attr.Val, sub) {
				return true
			}
		}
	}
	return false
}

func textOf(n *html.Node) string {
	var sb strings.Builder
	var walk func(*html.Node)
	walk = func(node *html.Node) {
		if node.Type == html.TextNode {
			sb.WriteString(node.Data)
			sb.WriteString(" ")
		}
		for c := node.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return sb.String()
}
