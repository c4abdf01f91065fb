// Package extractor turns a serialized page into a MediaSnapshot using
// per-platform selector records.
package extractor

import (
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/goodtune/mediabadge/internal/storage"
)

// Page is a point-in-time copy of a page's DOM. Media elements expose their
// playback position through data-current-time and data-duration attributes.
type Page struct {
	URL        string
	HTML       string
	ObservedAt time.Time
}

// Config describes how to recognise and read one platform.
type Config struct {
	Platform  string
	MediaType storage.MediaType

	// URLPatterns are case-insensitive substrings of the page URL.
	URLPatterns []string

	// TitleSelectors are tried in order; the first non-empty text wins.
	// For <meta> elements the content attribute is used.
	TitleSelectors []string

	// ProgressSelectors name elements whose inline style width is the
	// progress percentage.
	ProgressSelectors []string

	// MediaSelector names the media element used when no style progress is found.
	MediaSelector string

	// SeriesMarkers switch the media type to SeriesMediaType when any of
	// them appears in the URL.
	SeriesMarkers   []string
	SeriesMediaType storage.MediaType
}

// Matches reports whether url belongs to this platform.
func (c *Config) Matches(url string) bool {
	lower := strings.ToLower(url)
	for _, p := range c.URLPatterns {
		if p != "" && strings.Contains(lower, strings.ToLower(p)) {
			return true
		}
	}
	return false
}

func (c *Config) mediaTypeFor(url string) storage.MediaType {
	lower := strings.ToLower(url)
	for _, m := range c.SeriesMarkers {
		if m != "" && strings.Contains(lower, strings.ToLower(m)) {
			return c.SeriesMediaType
		}
	}
	return c.MediaType
}

var widthPercent = regexp.MustCompile(`(?i)(?:^|;)\s*width\s*:\s*([0-9]*\.?[0-9]+)\s*%`)

// Extract reads a snapshot from page. It returns nil when the page is not
// ready yet (no title) or cannot be parsed. Extract never modifies page.
func Extract(cfg *Config, page Page) *storage.MediaSnapshot {
	if cfg == nil {
		return nil
	}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(page.HTML))
	if err != nil {
		return nil
	}

	title := extractTitle(doc, cfg.TitleSelectors)
	if title == "" {
		return nil
	}

	snap := &storage.MediaSnapshot{
		Platform:     cfg.Platform,
		MediaType:    cfg.mediaTypeFor(page.URL),
		Title:        title,
		SourceURL:    page.URL,
		ObservedAtMs: page.ObservedAt.UnixMilli(),
	}

	if p, ok := styleProgress(doc, cfg.ProgressSelectors); ok {
		snap.ProgressPercent = &p
	} else if p, ok := mediaProgress(doc, cfg.MediaSelector); ok {
		snap.ProgressPercent = &p
	}

	return snap
}

func extractTitle(doc *goquery.Document, selectors []string) string {
	for _, sel := range selectors {
		var title string
		doc.Find(sel).EachWithBreak(func(_ int, s *goquery.Selection) bool {
			text := s.Text()
			if goquery.NodeName(s) == "meta" {
				text = s.AttrOr("content", "")
			}
			title = strings.Join(strings.Fields(text), " ")
			return title == ""
		})
		if title != "" {
			return title
		}
	}
	return ""
}

func styleProgress(doc *goquery.Document, selectors []string) (float64, bool) {
	for _, sel := range selectors {
		style, ok := doc.Find(sel).First().Attr("style")
		if !ok {
			continue
		}
		m := widthPercent.FindStringSubmatch(style)
		if m == nil {
			continue
		}
		v, err := strconv.ParseFloat(m[1], 64)
		if err != nil {
			continue
		}
		return clamp(v), true
	}
	return 0, false
}

func mediaProgress(doc *goquery.Document, selector string) (float64, bool) {
	if selector == "" {
		return 0, false
	}
	media := doc.Find(selector).First()
	current, err := strconv.ParseFloat(media.AttrOr("data-current-time", ""), 64)
	if err != nil {
		return 0, false
	}
	duration, err := strconv.ParseFloat(media.AttrOr("data-duration", ""), 64)
	if err != nil || duration <= 0 || math.IsInf(duration, 0) || math.IsNaN(duration) {
		return 0, false
	}
	return clamp(current / duration * 100), true
}

func clamp(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}
