// Package soda implements the Source Client (§4.1): a paginated HTTP client
// against a Socrata-style (SODA) dataset portal.
package soda

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/cityworks/permit-pipeline/internal/pipeerr"
	"github.com/cityworks/permit-pipeline/internal/ratelimit"
	"github.com/cityworks/permit-pipeline/internal/resilience"
)

const pageSize = 10000

// Query narrows a Fetch call with SODA's `$where`/`$order` clauses and an
// optional delta cursor.
type Query struct {
	Where string
	Order string
	Since *time.Time
}

// Record is one upstream row, still in its loosely-typed JSON shape. Callers
// (the per-dataset parsers in package ingest) extract fields through the
// typed accessors below instead of touching raw JSON, per §9's "dynamic
// row-shaped records" pattern.
type Record struct {
	raw gjson.Result
}

// ParseRecord builds a Record from a single raw JSON object, for callers
// (tests, or future non-HTTP sources) that already have one row in hand.
func ParseRecord(raw string) Record {
	return Record{raw: gjson.Parse(raw)}
}

// String returns the value of field as a string, or "" if absent or null;
// numbers, booleans and nested JSON come back in their JSON text form.
func (r Record) String(field string) string {
	return r.raw.Get(field).String()
}

// Float returns the parsed float value of field and whether it was present
// and parsable.
func (r Record) Float(field string) (float64, bool) {
	v := r.raw.Get(field)
	if !v.Exists() {
		return 0, false
	}
	switch v.Type {
	case gjson.Number:
		return v.Float(), true
	case gjson.String:
		f, err := strconv.ParseFloat(strings.TrimSpace(v.String()), 64)
		if err != nil {
			return 0, false
		}
		return f, true
	default:
		return 0, false
	}
}

// Int returns the parsed int value of field and whether it was present.
func (r Record) Int(field string) (int, bool) {
	f, ok := r.Float(field)
	if !ok {
		return 0, false
	}
	return int(f), true
}

// Time parses field as a SODA floating timestamp (RFC3339 or
// "2006-01-02T15:04:05.000").
func (r Record) Time(field string) (time.Time, bool) {
	raw := strings.TrimSpace(r.raw.Get(field).String())
	if raw == "" {
		return time.Time{}, false
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02T15:04:05.000", "2006-01-02T15:04:05", "2006-01-02"} {
		if t, err := time.Parse(layout, raw); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// Config configures a Client.
type Config struct {
	BaseURL  string
	AppToken string
	Timeout  time.Duration
	Limiter  *ratelimit.Limiter
}

// Client is the paginated Source Client of §4.1.
type Client struct {
	cfg    Config
	client *ratelimit.Client
}

// New constructs a Client. If cfg.Limiter is nil, a default limiter is
// created for this Client alone (callers that want the shared rate budget of
// §5 across all ingestors must pass the same *ratelimit.Limiter in).
func New(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Limiter == nil {
		cfg.Limiter = ratelimit.New(ratelimit.DefaultConfig())
	}
	return &Client{
		cfg:    cfg,
		client: ratelimit.NewClient(&http.Client{Timeout: cfg.Timeout}, cfg.Limiter),
	}
}

// Page is one page of records delivered over a Fetch channel, or a terminal
// error if the page (after retries) failed. A Page carrying Err is always
// the last value sent before the channel closes.
type Page struct {
	Records []Record
	Err     error
}

// Fetch streams every record matching q from dataset as a lazy sequence of
// pages (§9), paging through the portal at a fixed page size of 10,000 until
// a short page is returned. A background goroutine does the fetching, so a
// caller upserting one page overlaps with the network read of the next
// page instead of waiting for the whole dataset to land in memory first. It
// retries transient failures with exponential backoff per §4.1's retry
// policy and stops immediately on a FatalError.
func (c *Client) Fetch(ctx context.Context, datasetID string, q Query) <-chan Page {
	out := make(chan Page, 1)

	go func() {
		defer close(out)
		offset := 0

		for {
			var page []Record
			fetchPage := func() error {
				p, err := c.fetchPage(ctx, datasetID, q, offset)
				if err != nil {
					if pipeerr.IsFatal(err) {
						return resilience.Permanent(err)
					}
					return err
				}
				page = p
				return nil
			}

			if err := resilience.Retry(ctx, resilience.SourceClientRetryConfig(), fetchPage); err != nil {
				select {
				case out <- Page{Err: err}:
				case <-ctx.Done():
				}
				return
			}

			select {
			case out <- Page{Records: page}:
			case <-ctx.Done():
				return
			}

			if len(page) < pageSize {
				return
			}
			offset += pageSize
		}
	}()

	return out
}

func (c *Client) fetchPage(ctx context.Context, datasetID string, q Query, offset int) ([]Record, error) {
	u, err := url.Parse(fmt.Sprintf("%s/resource/%s.json", strings.TrimRight(c.cfg.BaseURL, "/"), datasetID))
	if err != nil {
		return nil, pipeerr.NewFatal("build request url", err)
	}

	params := u.Query()
	params.Set("$limit", strconv.Itoa(pageSize))
	params.Set("$offset", strconv.Itoa(offset))
	if q.Where != "" || q.Since != nil {
		where := q.Where
		if q.Since != nil {
			clause := fmt.Sprintf("data_as_of >= '%s'", q.Since.UTC().Format("2006-01-02T15:04:05"))
			if where == "" {
				where = clause
			} else {
				where = where + " AND " + clause
			}
		}
		params.Set("$where", where)
	}
	if q.Order != "" {
		params.Set("$order", q.Order)
	}
	u.RawQuery = params.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, pipeerr.NewFatal("build request", err)
	}
	if c.cfg.AppToken != "" {
		req.Header.Set("X-App-Token", c.cfg.AppToken)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, pipeerr.NewTransient("fetch page", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, pipeerr.NewTransient("read response body", err)
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		retryAfter := parseRetryAfter(resp.Header.Get("Retry-After"))
		return nil, pipeerr.NewTransientWithRetryAfter("fetch page", fmt.Errorf("429 rate limited"), retryAfter)
	}
	if resp.StatusCode >= 500 {
		return nil, pipeerr.NewTransient("fetch page", fmt.Errorf("upstream status %d", resp.StatusCode))
	}
	if resp.StatusCode >= 400 {
		return nil, pipeerr.NewFatal("fetch page", fmt.Errorf("upstream status %d: %s", resp.StatusCode, string(body)))
	}

	parsed := gjson.ParseBytes(body)
	if !parsed.IsArray() {
		return nil, pipeerr.NewFatal("parse response", fmt.Errorf("expected a JSON array, dataset schema may have changed"))
	}

	var records []Record
	parsed.ForEach(func(_, value gjson.Result) bool {
		records = append(records, Record{raw: value})
		return true
	})
	return records, nil
}

func parseRetryAfter(header string) time.Duration {
	if header == "" {
		return 0
	}
	if secs, err := strconv.Atoi(header); err == nil {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(header); err == nil {
		return time.Until(t)
	}
	return 0
}
