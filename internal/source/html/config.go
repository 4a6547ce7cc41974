package html

import (
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/JakeFAU/xkcd-l10n-crawler/internal/crawler"
	"github.com/JakeFAU/xkcd-l10n-crawler/internal/fetch"
)

const (
	pagePlaceholder = "{page}"
	idPlaceholder   = "{id}"
	defaultIDRegex  = `(\d+)/?$`
)

// Selectors are goquery selectors for the parts of a site the adapter reads.
type Selectors struct {
	// Listing matches anchors pointing at item pages.
	Listing string `mapstructure:"listing" yaml:"listing"`
	// Count, when set, matches an element whose text holds the archive size.
	// The listing is then reported in count mode.
	Count string `mapstructure:"count" yaml:"count"`
	Feed  string `mapstructure:"feed" yaml:"feed"`
	Title string `mapstructure:"title" yaml:"title"`
	Image string `mapstructure:"image" yaml:"image"`
	// Alt defaults to the image's title attribute.
	Alt string `mapstructure:"alt" yaml:"alt"`
}

// Site describes where a source keeps its listing, feed, and item pages.
// Paths are resolved against BaseURL.
type Site struct {
	BaseURL string `mapstructure:"base_url" yaml:"base_url"`
	// ListingPath may contain {page} for paginated archives.
	ListingPath string `mapstructure:"listing_path" yaml:"listing_path"`
	MaxPages    int    `mapstructure:"max_pages" yaml:"max_pages"`
	FeedPath    string `mapstructure:"feed_path" yaml:"feed_path"`
	FeedWindow  int    `mapstructure:"feed_window" yaml:"feed_window"`
	// ItemPath must contain {id}.
	ItemPath string `mapstructure:"item_path" yaml:"item_path"`
	// IDPattern extracts the id from an item URL; its first group wins. It is
	// matched against the path, or against path and query when ItemPath
	// carries a query string.
	IDPattern string    `mapstructure:"id_pattern" yaml:"id_pattern"`
	Selectors Selectors `mapstructure:"selectors" yaml:"selectors"`
}

// Pages is the most listing pages a full listing walk requests.
func (s Site) Pages() int {
	switch {
	case !strings.Contains(s.ListingPath, pagePlaceholder):
		return 1
	case s.MaxPages > 0:
		return s.MaxPages
	default:
		return defaultMaxPages
	}
}

// Config controls one HTML source adapter.
type Config struct {
	Key          string
	Capabilities crawler.Capabilities
	Site         Site
	UserAgent    string
	Timeout      time.Duration
	// QPS caps outbound requests per second; zero disables the limiter.
	QPS   float64
	Burst int
	Retry fetch.Policy
}

type compiled struct {
	base      *url.URL
	idPattern *regexp.Regexp
	idInQuery bool
}

// idFrom extracts an item id from u.
func (c compiled) idFrom(u *url.URL) (int, bool) {
	if u == nil {
		return 0, false
	}
	target := u.Path
	if c.idInQuery {
		target = u.RequestURI()
	}
	m := c.idPattern.FindStringSubmatch(target)
	if len(m) < 2 {
		return 0, false
	}
	id, err := strconv.Atoi(m[1])
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

func (c Config) compile() (compiled, error) {
	if strings.TrimSpace(c.Key) == "" {
		return compiled{}, errors.New("source key is required")
	}
	base, err := url.Parse(c.Site.BaseURL)
	if err != nil || base.Scheme == "" || base.Host == "" {
		return compiled{}, fmt.Errorf("source %s: base_url must be an absolute URL", c.Key)
	}
	if !strings.Contains(c.Site.ItemPath, idPlaceholder) {
		return compiled{}, fmt.Errorf("source %s: item_path must contain %s", c.Key, idPlaceholder)
	}
	if c.Site.ListingPath == "" || c.Site.Selectors.Listing == "" {
		return compiled{}, fmt.Errorf("source %s: listing_path and selectors.listing are required", c.Key)
	}
	if c.Capabilities.HasChangeFeed && (c.Site.FeedPath == "" || c.Site.Selectors.Feed == "") {
		return compiled{}, fmt.Errorf("source %s: feed_path and selectors.feed are required for a change feed", c.Key)
	}
	if c.Site.Selectors.Title == "" || c.Site.Selectors.Image == "" {
		return compiled{}, fmt.Errorf("source %s: selectors.title and selectors.image are required", c.Key)
	}
	pattern := c.Site.IDPattern
	if pattern == "" {
		pattern = defaultIDRegex
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return compiled{}, fmt.Errorf("source %s: id_pattern: %w", c.Key, err)
	}
	if re.NumSubexp() < 1 {
		return compiled{}, fmt.Errorf("source %s: id_pattern needs a capture group", c.Key)
	}
	c2 := compiled{base: base, idPattern: re, idInQuery: strings.Contains(c.Site.ItemPath, "?")}
	const sampleID = 4242
	sample, err := base.Parse(strings.ReplaceAll(c.Site.ItemPath, idPlaceholder, strconv.Itoa(sampleID)))
	if err != nil {
		return compiled{}, fmt.Errorf("source %s: item_path: %w", c.Key, err)
	}
	if got, ok := c2.idFrom(sample); !ok || got != sampleID {
		return compiled{}, fmt.Errorf("source %s: id_pattern %q does not extract the id from item_path %q", c.Key, pattern, c.Site.ItemPath)
	}
	return c2, nil
}
