// Package rss implements the RSS Crawler (C7): feed polling with a
// since-filter and HTML sanitization of item content, parsed with
// mmcdole/gofeed.
package rss

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	md "github.com/JohannesKaufmann/html-to-markdown/v2"
	"github.com/mmcdole/gofeed"
)

// Article is the §4.7 result shape.
type Article struct {
	Title       string
	Content     string
	SourceURL   string
	PublishedAt *time.Time
	Author      string
	Summary     string
}

type Crawler struct {
	parser *gofeed.Parser
}

func New() *Crawler {
	return &Crawler{parser: gofeed.NewParser()}
}

// Poll fetches and parses source, returning articles published after since
// (defaulting to now-24h per §4.7). A single entry failing to parse is
// skipped; a feed-level failure returns an error naming the feed URL.
func (c *Crawler) Poll(ctx context.Context, sourceURL string, since *time.Time) ([]Article, error) {
	cutoff := time.Now().Add(-24 * time.Hour)
	if since != nil {
		cutoff = *since
	}

	feed, err := c.parser.ParseURLWithContext(sourceURL, ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to parse feed %s: %w", sourceURL, err)
	}

	var out []Article
	for _, item := range feed.Items {
		article, ok := articleFromItem(item)
		if !ok {
			continue
		}
		if article.PublishedAt != nil && article.PublishedAt.Before(cutoff) {
			continue
		}
		out = append(out, article)
	}
	return out, nil
}

func articleFromItem(item *gofeed.Item) (Article, bool) {
	if item == nil {
		return Article{}, false
	}

	publishedAt := item.PublishedParsed
	if publishedAt == nil {
		publishedAt = item.UpdatedParsed
	}
	if publishedAt == nil {
		now := time.Now()
		publishedAt = &now
	}

	content := item.Content
	if content == "" {
		content = item.Description
	}

	article := Article{
		Title:       item.Title,
		Content:     sanitizeHTML(content),
		SourceURL:   item.Link,
		PublishedAt: publishedAt,
		Summary:     item.Description,
	}
	if item.Author != nil {
		article.Author = item.Author.Name
	}

	if article.Title == "" && article.Content == "" {
		return Article{}, false
	}
	return article, true
}

var whitespaceRun = regexp.MustCompile(`\s+`)

// sanitizeHTML removes scripts/styles and normalizes whitespace to single-
// space runs, per §4.7.
func sanitizeHTML(html string) string {
	text, err := md.ConvertString(html)
	if err != nil {
		text = html
	}
	text = whitespaceRun.ReplaceAllString(text, " ")
	return strings.TrimSpace(text)
}
