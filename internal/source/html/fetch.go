package html

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/gocolly/colly/v2"
)

const defaultTimeout = 15 * time.Second

type page struct {
	URL  *url.URL
	Body []byte
}

func newCollector(cfg Config) *colly.Collector {
	opts := []colly.CollectorOption{colly.AllowURLRevisit(), colly.Async(false)}
	if cfg.UserAgent != "" {
		opts = append(opts, colly.UserAgent(cfg.UserAgent))
	}
	c := colly.NewCollector(opts...)
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	c.SetRequestTimeout(timeout)
	c.WithTransport(newHTTPTransport())
	return c
}

// get performs one GET and returns the body and the URL after redirects.
// A 404 maps to statusError so callers can tell missing pages from failures.
func (s *Source) get(ctx context.Context, rawURL string) (page, error) {
	if err := s.limiter.Wait(ctx); err != nil {
		return page{}, fmt.Errorf("rate limit wait: %w", err)
	}
	collector := s.collector.Clone()

	var (
		result page
		status int
		cbErr  error
	)
	collector.OnResponse(func(r *colly.Response) {
		result = page{URL: r.Request.URL, Body: append([]byte(nil), r.Body...)}
		status = r.StatusCode
	})
	collector.OnError(func(r *colly.Response, err error) {
		if r != nil {
			status = r.StatusCode
		}
		cbErr = err
	})

	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(rawURL)
	}()

	select {
	case <-ctx.Done():
		return page{}, &statusError{url: rawURL, err: ctx.Err()}
	case err := <-done:
		if cbErr != nil {
			err = cbErr
		}
		if err != nil {
			return page{}, &statusError{url: rawURL, code: status, err: err}
		}
		if status >= http.StatusBadRequest {
			return page{}, &statusError{url: rawURL, code: status, err: errors.New(http.StatusText(status))}
		}
		return result, nil
	}
}

type statusError struct {
	url  string
	code int
	err  error
}

func (e *statusError) Error() string {
	if e.code > 0 {
		return fmt.Sprintf("GET %s: status %d", e.url, e.code)
	}
	return fmt.Sprintf("GET %s: %v", e.url, e.err)
}

func (e *statusError) Unwrap() error { return e.err }

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          20,
		IdleConnTimeout:       90 * time.Second,
	}
}
