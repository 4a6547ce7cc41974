// Package html implements crawler.Source for comic sites that can be read
// with a handful of CSS selectors. Pages are fetched with colly, parsed with
// goquery, paced by a token bucket, and retried through fetch.Retrier.
package html

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/JakeFAU/xkcd-l10n-crawler/internal/crawler"
	"github.com/JakeFAU/xkcd-l10n-crawler/internal/fetch"
)

const defaultMaxPages = 50

var digitsRE = regexp.MustCompile(`\d[\d\s.,]*`)

// Source reads one translated comic site.
type Source struct {
	cfg       Config
	compiled
	collector *colly.Collector
	limiter   *rate.Limiter
	retrier   *fetch.Retrier
	logger    *zap.Logger
}

var _ crawler.Source = (*Source)(nil)

// New validates cfg and prepares the shared collector.
func New(cfg Config, logger *zap.Logger) (*Source, error) {
	c, err := cfg.compile()
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	limit := rate.Inf
	if cfg.QPS > 0 {
		limit = rate.Limit(cfg.QPS)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	logger = logger.With(zap.String("source", cfg.Key))
	return &Source{
		cfg:       cfg,
		compiled:  c,
		collector: newCollector(cfg),
		limiter:   rate.NewLimiter(limit, burst),
		retrier:   fetch.NewRetrier(cfg.Retry, logger),
		logger:    logger,
	}, nil
}

// Key implements crawler.Source.
func (s *Source) Key() string { return s.cfg.Key }

// Capabilities implements crawler.Source.
func (s *Source) Capabilities() crawler.Capabilities { return s.cfg.Capabilities }

// FetchListing walks the archive page, or its numbered pages when the
// listing path holds a {page} placeholder, until a page adds no new ids or
// maxCalls pages have been requested.
func (s *Source) FetchListing(ctx context.Context, maxCalls int) (crawler.Listing, error) {
	maxPages := s.cfg.Site.Pages()
	capped := false
	if maxCalls > 0 && maxCalls < maxPages {
		maxPages, capped = maxCalls, true
	}

	var (
		ids       []int
		seen      = make(map[int]struct{})
		calls     int
		count     = -1
		truncated bool
	)
	for n := 1; n <= maxPages; n++ {
		target := s.resolve(strings.ReplaceAll(s.cfg.Site.ListingPath, pagePlaceholder, strconv.Itoa(n)))
		pg, err := s.fetchPage(ctx, "listing", target)
		calls++
		if err != nil {
			if n > 1 && errors.Is(err, crawler.ErrNotFound) {
				break
			}
			if errors.Is(err, crawler.ErrNotFound) {
				return crawler.Listing{}, s.parseErr("listing", err)
			}
			return crawler.Listing{}, err
		}
		doc, err := goquery.NewDocumentFromReader(bytes.NewReader(pg.Body))
		if err != nil {
			return crawler.Listing{}, s.parseErr("listing", err)
		}
		if n == 1 && s.cfg.Site.Selectors.Count != "" {
			count, err = parseCount(doc.Find(s.cfg.Site.Selectors.Count).First().Text())
			if err != nil {
				return crawler.Listing{}, s.parseErr("listing count", err)
			}
		}
		added := 0
		for _, id := range s.linkedIDs(doc, pg.URL, s.cfg.Site.Selectors.Listing) {
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
			ids = append(ids, id)
			added++
		}
		if added == 0 {
			break
		}
		truncated = capped && n == maxPages
	}
	if truncated {
		s.logger.Debug("listing cut short by call budget", zap.Int("pages", calls))
	}

	if count >= 0 {
		maxID := count
		for _, id := range ids {
			maxID = max(maxID, id)
		}
		s.logger.Debug("listing fetched", zap.Int("count", count), zap.Int("max_id", maxID), zap.Int("calls", calls))
		l := crawler.NewCountListing(count, maxID, calls)
		l.Truncated = truncated
		return l, nil
	}
	if len(ids) == 0 {
		return crawler.Listing{}, s.parseErr("listing", errors.New("no item links matched"))
	}
	s.logger.Debug("listing fetched", zap.Int("ids", len(ids)), zap.Int("calls", calls))
	l := crawler.NewIDListing(ids, calls)
	l.Truncated = truncated
	return l, nil
}

// FetchChangeFeed returns the ids on the recent-activity page in page order.
func (s *Source) FetchChangeFeed(ctx context.Context) (crawler.Feed, error) {
	if !s.cfg.Capabilities.HasChangeFeed {
		return crawler.Feed{}, crawler.ErrUnsupported
	}
	pg, err := s.fetchPage(ctx, "feed", s.resolve(s.cfg.Site.FeedPath))
	if err != nil {
		if errors.Is(err, crawler.ErrNotFound) {
			return crawler.Feed{}, s.parseErr("feed", err)
		}
		return crawler.Feed{}, err
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(pg.Body))
	if err != nil {
		return crawler.Feed{}, s.parseErr("feed", err)
	}
	ids := s.linkedIDs(doc, pg.URL, s.cfg.Site.Selectors.Feed)
	if len(ids) == 0 {
		return crawler.Feed{}, s.parseErr("feed", errors.New("no item links matched"))
	}
	window := s.cfg.Site.FeedWindow
	if window <= 0 {
		window = len(ids)
	}
	return crawler.NewFeed(ids, window, 1), nil
}

// FetchItem implements crawler.Source. A redirect to a different id means
// the requested one does not exist.
func (s *Source) FetchItem(ctx context.Context, id int) (crawler.Item, error) {
	pg, err := s.fetchPage(ctx, "item", s.itemURL(id))
	if err != nil {
		return crawler.Item{}, err
	}
	if got, ok := s.idFrom(pg.URL); !ok || got != id {
		return crawler.Item{}, crawler.ErrNotFound
	}
	return s.parseItem(pg, id)
}

// FetchItemOrNearest follows the site's redirect from a missing id to the
// next published one. Redirects that land below id, or off any item page,
// mean the id space is exhausted.
func (s *Source) FetchItemOrNearest(ctx context.Context, id int) (crawler.Item, error) {
	if !s.cfg.Capabilities.HasNearestRedirect {
		return crawler.Item{}, crawler.ErrUnsupported
	}
	pg, err := s.fetchPage(ctx, "item", s.itemURL(id))
	if err != nil {
		return crawler.Item{}, err
	}
	got, ok := s.idFrom(pg.URL)
	if !ok || got < id {
		return crawler.Item{}, crawler.ErrNotFound
	}
	if got != id {
		s.logger.Debug("redirected to nearest item", zap.Int("id", id), zap.Int("nearest", got))
	}
	return s.parseItem(pg, got)
}

func (s *Source) fetchPage(ctx context.Context, op, target string) (page, error) {
	return fetch.Do(ctx, s.retrier, op, func(ctx context.Context) (page, error) {
		pg, err := s.get(ctx, target)
		if err == nil {
			return pg, nil
		}
		var se *statusError
		if errors.As(err, &se) {
			if se.code == http.StatusNotFound {
				return page{}, crawler.ErrNotFound
			}
			return page{}, &crawler.FetchError{URL: target, StatusCode: se.code, Err: se.err}
		}
		return page{}, &crawler.FetchError{URL: target, Err: err}
	})
}

func (s *Source) parseItem(pg page, id int) (crawler.Item, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(pg.Body))
	if err != nil {
		return crawler.Item{}, s.parseErr(fmt.Sprintf("item %d", id), err)
	}
	sel := s.cfg.Site.Selectors
	title := strings.TrimSpace(doc.Find(sel.Title).First().Text())
	img := doc.Find(sel.Image).First()
	src, _ := img.Attr("src")
	if title == "" && src == "" {
		return crawler.Item{}, s.parseErr(fmt.Sprintf("item %d", id), errors.New("title and image not found"))
	}
	alt := img.AttrOr("title", img.AttrOr("alt", ""))
	if sel.Alt != "" {
		alt = strings.TrimSpace(doc.Find(sel.Alt).First().Text())
	}
	imageRef := src
	if ref, err := url.Parse(src); err == nil && src != "" {
		imageRef = pg.URL.ResolveReference(ref).String()
	}
	return crawler.Item{
		ID:        id,
		Title:     title,
		ImageRef:  imageRef,
		AltText:   alt,
		OriginURL: pg.URL.String(),
	}, nil
}

// linkedIDs returns item ids linked by the matched elements, in document
// order and without repeats.
func (s *Source) linkedIDs(doc *goquery.Document, pageURL *url.URL, selector string) []int {
	var ids []int
	seen := make(map[int]struct{})
	doc.Find(selector).Each(func(_ int, el *goquery.Selection) {
		href, ok := el.Attr("href")
		if !ok {
			href, ok = el.Find("a[href]").First().Attr("href")
		}
		if !ok {
			return
		}
		ref, err := url.Parse(strings.TrimSpace(href))
		if err != nil {
			return
		}
		id, ok := s.idFrom(pageURL.ResolveReference(ref))
		if !ok {
			return
		}
		if _, dup := seen[id]; dup {
			return
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	})
	return ids
}

func (s *Source) itemURL(id int) string {
	return s.resolve(strings.ReplaceAll(s.cfg.Site.ItemPath, idPlaceholder, strconv.Itoa(id)))
}

func (s *Source) resolve(path string) string {
	ref, err := url.Parse(path)
	if err != nil {
		return s.base.String() + path
	}
	return s.base.ResolveReference(ref).String()
}

func (s *Source) parseErr(what string, err error) error {
	return &crawler.ParseError{Source: s.cfg.Key, What: what, Err: err}
}

func parseCount(text string) (int, error) {
	raw := digitsRE.FindString(text)
	if raw == "" {
		return 0, fmt.Errorf("no number in %q", strings.TrimSpace(text))
	}
	digits := strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, raw)
	n, err := strconv.Atoi(digits)
	if err != nil {
		return 0, fmt.Errorf("parse count %q: %w", raw, err)
	}
	if n <= 0 {
		return 0, fmt.Errorf("count %d is not positive", n)
	}
	return n, nil
}
