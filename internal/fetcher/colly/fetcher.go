// Package collyfetcher implements archive.Fetcher using gocolly.
package collyfetcher

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/JakeFAU/sensor-archive-downloader/internal/archive"
	"github.com/JakeFAU/sensor-archive-downloader/internal/metrics"
)

// Defaults applied by New for zero config values.
const (
	DefaultBaseURL     = "https://archive.sensor.community/"
	DefaultMetadataURL = "https://data.sensor.community/airrohr/v1/sensor/"
	DefaultUserAgent   = "sensorarchive/1.0"
	DefaultTimeout     = 30 * time.Second
	DefaultDelimiter   = ';'

	// DefaultMaxBodyBytes matches colly's own cap when none is configured.
	DefaultMaxBodyBytes = 10 << 20
)

// Config controls collector behavior.
type Config struct {
	BaseURL      string
	UserAgent    string
	Timeout      time.Duration
	MaxBodyBytes int
	Delimiter    rune

	// MetadataURL is the sensor API root used by Locate.
	MetadataURL string

	// Transport replaces the default pooled transport. Used by tests.
	Transport http.RoundTripper
}

// Fetcher downloads daily CSVs with retry and backoff.
type Fetcher struct {
	cfg       Config
	base      *url.URL
	metadata  *url.URL
	collector *colly.Collector
	retry     archive.RetryPolicy
	limiter   archive.RateLimiter
	logger    *zap.Logger
}

type collectorHooks interface {
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

type attemptResult struct {
	body   []byte
	status int
	err    error

	// contentLength is the declared length, or -1 when the header is absent.
	contentLength int64
}

// New builds a Fetcher. The limiter may be nil.
func New(cfg Config, retry archive.RetryPolicy, limiter archive.RateLimiter, logger *zap.Logger) (*Fetcher, error) {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.MetadataURL == "" {
		cfg.MetadataURL = DefaultMetadataURL
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = DefaultUserAgent
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Delimiter == 0 {
		cfg.Delimiter = DefaultDelimiter
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = DefaultMaxBodyBytes
	}
	if retry == nil {
		retry = archive.NewExponentialRetryPolicy(0, 0, 0)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	base, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("base url must be http or https, got %q", cfg.BaseURL)
	}
	metadata, err := url.Parse(cfg.MetadataURL)
	if err != nil {
		return nil, fmt.Errorf("parse metadata url: %w", err)
	}
	if metadata.Scheme != "http" && metadata.Scheme != "https" {
		return nil, fmt.Errorf("metadata url must be http or https, got %q", cfg.MetadataURL)
	}

	options := []colly.CollectorOption{
		colly.AllowURLRevisit(),
		colly.IgnoreRobotsTxt(),
		colly.UserAgent(cfg.UserAgent),
		colly.MaxBodySize(cfg.MaxBodyBytes),
	}
	c := colly.NewCollector(options...)

	// Clones share the backend, so transport and timeout are set once here.
	transport := cfg.Transport
	if transport == nil {
		transport = newHTTPTransport()
	}
	c.WithTransport(transport)
	c.SetRequestTimeout(cfg.Timeout)

	return &Fetcher{
		cfg:       cfg,
		base:      base,
		metadata:  metadata,
		collector: c,
		retry:     retry,
		limiter:   limiter,
		logger:    logger.Named("fetcher"),
	}, nil
}

// URL returns the archive location of a work unit.
func (f *Fetcher) URL(unit archive.WorkUnit) string {
	return f.base.JoinPath(unit.ObjectName()).String()
}

// Fetch downloads one daily file. It never returns an error; every failure is
// captured in the outcome.
func (f *Fetcher) Fetch(ctx context.Context, unit archive.WorkUnit) archive.Outcome {
	target := f.URL(unit)
	logger := f.logger.With(zap.String("sensor_id", unit.SensorID), zap.String("date", unit.DateString()))

	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return archive.Failed(unit, archive.ReasonCanceled, attempt-1, err)
		}
		if f.limiter != nil {
			if err := f.limiter.Wait(ctx, target); err != nil {
				return archive.Failed(unit, archive.ReasonCanceled, attempt-1, err)
			}
		}

		start := time.Now()
		res, err := f.runCollector(ctx, f.collector.Clone(), target)
		if err != nil {
			return archive.Failed(unit, archive.ReasonCanceled, attempt, err)
		}
		metrics.ObserveFetchAttempt(res.status, time.Since(start))

		if res.err == nil {
			if terr := f.checkComplete(res); terr != nil {
				logger.Warn("archive body truncated", zap.Int("attempt", attempt), zap.Error(terr))
				return archive.Failed(unit, archive.ReasonMalformedResponse, attempt, terr).WithStatus(res.status)
			}
			if verr := validateCSV(res.body, f.cfg.Delimiter); verr != nil {
				logger.Warn("archive returned unusable body", zap.Int("attempt", attempt), zap.Error(verr))
				return archive.Failed(unit, archive.ReasonMalformedResponse, attempt, verr).WithStatus(res.status)
			}
			return archive.Fetched(unit, res.body, attempt).WithStatus(res.status)
		}
		if res.status == http.StatusNotFound || res.status == http.StatusGone {
			return archive.Skipped(unit, archive.ReasonNoDataUpstream, attempt).WithStatus(res.status)
		}
		if ctx.Err() != nil {
			return archive.Failed(unit, archive.ReasonCanceled, attempt, ctx.Err()).WithStatus(res.status)
		}
		if !f.retry.ShouldRetry(res.err, attempt) {
			logger.Warn("archive request failed",
				zap.Int("attempt", attempt),
				zap.Int("status", res.status),
				zap.Error(res.err),
			)
			return archive.Failed(unit, failureReason(res.err), attempt, res.err).WithStatus(res.status)
		}

		wait := f.retry.Backoff(attempt)
		logger.Debug("retrying archive request",
			zap.Int("attempt", attempt),
			zap.Int("status", res.status),
			zap.Duration("backoff", wait),
			zap.Error(res.err),
		)
		if err := sleepContext(ctx, wait); err != nil {
			return archive.Failed(unit, archive.ReasonCanceled, attempt, err).WithStatus(res.status)
		}
	}
}

func (f *Fetcher) configureCollectorHooks(hooks collectorHooks, res *attemptResult) {
	hooks.OnResponse(func(r *colly.Response) {
		res.status = r.StatusCode
		res.body = append([]byte(nil), r.Body...)
		res.contentLength = -1
		if r.Headers != nil {
			if n, err := strconv.ParseInt(r.Headers.Get("Content-Length"), 10, 64); err == nil {
				res.contentLength = n
			}
		}
	})

	hooks.OnError(func(r *colly.Response, err error) {
		if r != nil && r.StatusCode > 0 {
			res.status = r.StatusCode
			res.err = &archive.StatusError{Code: r.StatusCode}
			return
		}
		res.err = fmt.Errorf("archive request: %w", err)
	})
}

// runCollector performs one visit. The returned error is only set when ctx ends
// first; the visit goroutine is then abandoned and finishes on the request timeout.
func (f *Fetcher) runCollector(ctx context.Context, collector *colly.Collector, target string) (attemptResult, error) {
	done := make(chan attemptResult, 1)
	go func() {
		var res attemptResult
		f.configureCollectorHooks(collector, &res)
		if err := collector.Visit(target); err != nil && res.err == nil {
			res.err = fmt.Errorf("colly visit failed: %w", err)
		}
		done <- res
	}()

	select {
	case <-ctx.Done():
		return attemptResult{}, fmt.Errorf("colly fetch canceled: %w", ctx.Err())
	case res := <-done:
		return res, nil
	}
}

// checkComplete rejects bodies cut off by the collector's size cap, which colly
// truncates without reporting an error. A body of exactly the cap is treated as
// truncated.
func (f *Fetcher) checkComplete(res attemptResult) error {
	got := int64(len(res.body))
	if got >= int64(f.cfg.MaxBodyBytes) {
		return fmt.Errorf("%w: body reached the %d byte limit", archive.ErrMalformedResponse, f.cfg.MaxBodyBytes)
	}
	if res.contentLength >= 0 && got < res.contentLength {
		return fmt.Errorf("%w: got %d of %d bytes", archive.ErrMalformedResponse, got, res.contentLength)
	}
	return nil
}

func failureReason(err error) archive.Reason {
	var statusErr *archive.StatusError
	switch {
	case errors.As(err, &statusErr):
		return archive.ReasonHTTPStatus
	case errors.Is(err, archive.ErrMalformedResponse):
		return archive.ReasonMalformedResponse
	default:
		return archive.ReasonNetworkError
	}
}

// validateCSV accepts a body that parses completely and has a header with at
// least two columns.
func validateCSV(body []byte, delimiter rune) error {
	if len(bytes.TrimSpace(body)) == 0 {
		return fmt.Errorf("%w: empty body", archive.ErrMalformedResponse)
	}
	r := csv.NewReader(bytes.NewReader(body))
	r.Comma = delimiter
	r.FieldsPerRecord = -1
	r.LazyQuotes = true
	r.ReuseRecord = true

	header, err := r.Read()
	if err != nil {
		return fmt.Errorf("%w: read header: %v", archive.ErrMalformedResponse, err)
	}
	if len(header) < 2 {
		return fmt.Errorf("%w: header has %d column(s)", archive.ErrMalformedResponse, len(header))
	}
	for {
		_, err := r.Read()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("%w: %v", archive.ErrMalformedResponse, err)
		}
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return fmt.Errorf("backoff interrupted: %w", ctx.Err())
	case <-timer.C:
		return nil
	}
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   32,
		IdleConnTimeout:       90 * time.Second,
	}
}
