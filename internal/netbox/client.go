// Package netbox fetches collections and single objects from the NetBox REST
// API. Collections are paginated through the `next` links NetBox returns;
// callers get a plain slice in API order.
package netbox

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/gustycube/netbox-import/internal/circuitbreaker"
	"github.com/gustycube/netbox-import/internal/httpclient"
	"github.com/gustycube/netbox-import/internal/metrics"
	"github.com/gustycube/netbox-import/internal/rate"
	"github.com/gustycube/netbox-import/internal/record"
	"github.com/gustycube/netbox-import/internal/telemetry"
)

var (
	ErrUnexpectedStatus  = errors.New("unexpected status code")
	ErrUnauthorized      = errors.New("netbox rejected the api token")
	ErrMalformedResponse = errors.New("malformed netbox response")
)

// Fetcher is the read side of the API the pipeline depends on.
type Fetcher interface {
	Fetch(ctx context.Context, path string) ([]*record.Mapping, error)
	Get(ctx context.Context, link string) (*record.Mapping, error)
}

type Options struct {
	BaseURL            string
	Token              string
	PageSize           int
	Timeout            time.Duration
	InsecureSkipVerify bool
	UserAgent          string

	// RateLimit is requests per second per host; zero disables limiting.
	RateLimit float64
	RateBurst int

	// RetryMaxElapsed bounds the total time spent retrying one request.
	// Zero disables retries.
	RetryMaxElapsed time.Duration
}

type Client struct {
	base       *url.URL
	token      string
	ua         string
	pageSize   int
	retryFor   time.Duration
	hc         *httpclient.ResilientClient
	limiter    *rate.PerHost
	log        *zap.SugaredLogger
	newBackOff func() backoff.BackOff
}

func NewClient(opts Options, log *zap.SugaredLogger) (*Client, error) {
	if opts.BaseURL == "" {
		return nil, errors.New("netbox base url is required")
	}
	base, err := url.Parse(opts.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if !base.IsAbs() {
		return nil, fmt.Errorf("base url %q must be absolute", opts.BaseURL)
	}
	if !strings.HasSuffix(base.Path, "/") {
		base.Path += "/"
	}
	if opts.PageSize <= 0 {
		opts.PageSize = 1000
	}
	if opts.UserAgent == "" {
		opts.UserAgent = "netbox-import/1.0"
	}

	breakerCfg := httpclient.DefaultBreakerConfig()
	breakerCfg.OnStateChange = func(host string, from, to circuitbreaker.State) {
		log.Warnw("netbox circuit breaker changed state", "host", host, "from", from.String(), "to", to.String())
	}

	c := &Client{
		base:     base,
		token:    opts.Token,
		ua:       opts.UserAgent,
		pageSize: opts.PageSize,
		retryFor: opts.RetryMaxElapsed,
		hc: httpclient.NewResilientClient(httpclient.New(httpclient.Options{
			Timeout:            opts.Timeout,
			InsecureSkipVerify: opts.InsecureSkipVerify,
		}), breakerCfg),
		limiter: rate.New(opts.RateLimit, opts.RateBurst),
		log:     log,
	}
	c.newBackOff = c.defaultBackOff
	return c, nil
}

func (c *Client) defaultBackOff() backoff.BackOff {
	if c.retryFor <= 0 {
		return &backoff.StopBackOff{}
	}
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = c.retryFor
	return bo
}

// OpenHosts lists the API hosts whose circuit breaker is currently open,
// sorted.
func (c *Client) OpenHosts() []string {
	var open []string
	for host, s := range c.hc.Stats() {
		if s.State == circuitbreaker.StateOpen {
			open = append(open, host)
		}
	}
	sort.Strings(open)
	return open
}

// Fetch returns every object of the collection at path, following `next`
// links until NetBox reports no further page. Any failed page fails the
// whole fetch.
func (c *Client) Fetch(ctx context.Context, path string) ([]*record.Mapping, error) {
	ctx, span := telemetry.Tracer("netbox").Start(ctx, "netbox.Fetch")
	defer span.End()
	span.SetAttributes(attribute.String("netbox.path", path))

	first, err := c.endpoint(path)
	if err != nil {
		return nil, err
	}
	first = withQuery(first, "limit", strconv.Itoa(c.pageSize))

	var out []*record.Mapping
	seen := make(map[string]struct{})
	for next := first; next != ""; {
		if _, dup := seen[next]; dup {
			return nil, telemetry.Fail(span, fmt.Errorf("%w: pagination loops back to %s", ErrMalformedResponse, next))
		}
		seen[next] = struct{}{}

		page, err := c.getJSON(ctx, next)
		if err != nil {
			return nil, telemetry.Fail(span, fmt.Errorf("fetch %s: %w", path, err))
		}
		results, link, err := parsePage(page)
		if err != nil {
			return nil, telemetry.Fail(span, fmt.Errorf("fetch %s: %w", path, err))
		}
		out = append(out, results...)

		next = ""
		if link != "" {
			if next, err = c.endpoint(link); err != nil {
				return nil, err
			}
		}
	}

	span.SetAttributes(attribute.Int("netbox.objects", len(out)))
	c.log.Debugw("fetched collection", "path", path, "objects", len(out), "pages", len(seen))
	return out, nil
}

// Get fetches a single object by its API link. Relative links resolve
// against the base URL.
func (c *Client) Get(ctx context.Context, link string) (*record.Mapping, error) {
	ctx, span := telemetry.Tracer("netbox").Start(ctx, "netbox.Get")
	defer span.End()
	span.SetAttributes(attribute.String("netbox.link", link))

	u, err := c.endpoint(link)
	if err != nil {
		return nil, err
	}
	v, err := c.getJSON(ctx, u)
	if err != nil {
		return nil, telemetry.Fail(span, fmt.Errorf("get %s: %w", link, err))
	}
	m, ok := v.AsMapping()
	if !ok {
		return nil, fmt.Errorf("get %s: %w: expected object, got %s", link, ErrMalformedResponse, v.Kind())
	}
	return m, nil
}

// Ping checks that the API answers and accepts the token.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.getJSON(ctx, c.base.String())
	return err
}

// endpoint turns a collection path or object link into an absolute URL.
// Host-relative links ("/api/...") keep their path; bare paths
// ("dcim/devices") are placed under the base URL with a trailing slash.
func (c *Client) endpoint(link string) (string, error) {
	u, err := url.Parse(link)
	if err != nil {
		return "", fmt.Errorf("parse link %q: %w", link, err)
	}
	if u.IsAbs() {
		return u.String(), nil
	}
	if strings.HasPrefix(u.Path, "/") {
		return c.base.ResolveReference(u).String(), nil
	}
	ref := &url.URL{Path: strings.Trim(u.Path, "/") + "/", RawQuery: u.RawQuery}
	return c.base.ResolveReference(ref).String(), nil
}

func withQuery(raw, key, value string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	q := u.Query()
	if q.Get(key) == "" {
		q.Set(key, value)
	}
	u.RawQuery = q.Encode()
	return u.String()
}

func parsePage(page record.Value) ([]*record.Mapping, string, error) {
	m, ok := page.AsMapping()
	if !ok {
		return nil, "", fmt.Errorf("%w: expected page object, got %s", ErrMalformedResponse, page.Kind())
	}
	rv, ok := m.Get("results")
	if !ok {
		return nil, "", fmt.Errorf("%w: page has no results", ErrMalformedResponse)
	}
	seq, ok := rv.AsSequence()
	if !ok {
		return nil, "", fmt.Errorf("%w: results is %s", ErrMalformedResponse, rv.Kind())
	}
	out := make([]*record.Mapping, 0, len(seq))
	for i, item := range seq {
		obj, ok := item.AsMapping()
		if !ok {
			return nil, "", fmt.Errorf("%w: result %d is %s", ErrMalformedResponse, i, item.Kind())
		}
		out = append(out, obj)
	}

	var next string
	if nv, ok := m.Get("next"); ok && !nv.IsNull() {
		s, ok := nv.AsString()
		if !ok {
			return nil, "", fmt.Errorf("%w: next is %s", ErrMalformedResponse, nv.Kind())
		}
		next = s
	}
	return out, next, nil
}

// getJSON performs one GET with rate limiting, circuit breaking and
// exponential backoff. Network errors, 5xx and 429 are retried; everything
// else is permanent.
func (c *Client) getJSON(ctx context.Context, u string) (record.Value, error) {
	parsed, err := url.Parse(u)
	if err != nil {
		return record.Value{}, err
	}
	host := parsed.Host

	op := func() (record.Value, error) {
		if err := c.limiter.Wait(ctx, host); err != nil {
			return record.Value{}, backoff.Permanent(err)
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, http.NoBody)
		if err != nil {
			return record.Value{}, backoff.Permanent(err)
		}
		req.Header.Set("Accept", "application/json")
		req.Header.Set("User-Agent", c.ua)
		if c.token != "" {
			req.Header.Set("Authorization", "Token "+c.token)
		}

		resp, err := c.hc.Do(req)
		if err != nil {
			switch {
			case httpclient.IsHTTPError(err):
				code := httpclient.GetHTTPStatusCode(err)
				metrics.APIRequests.WithLabelValues(strconv.Itoa(code)).Inc()
				return record.Value{}, fmt.Errorf("%w: %d", ErrUnexpectedStatus, code)
			case circuitbreaker.IsRejected(err), ctx.Err() != nil:
				metrics.APIRequests.WithLabelValues("error").Inc()
				return record.Value{}, backoff.Permanent(err)
			default:
				metrics.APIRequests.WithLabelValues("error").Inc()
				return record.Value{}, err
			}
		}
		defer resp.Body.Close()
		metrics.APIRequests.WithLabelValues(strconv.Itoa(resp.StatusCode)).Inc()

		switch {
		case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusForbidden:
			return record.Value{}, backoff.Permanent(fmt.Errorf("%w: %d", ErrUnauthorized, resp.StatusCode))
		case resp.StatusCode == http.StatusTooManyRequests:
			return record.Value{}, fmt.Errorf("%w: %d", ErrUnexpectedStatus, resp.StatusCode)
		case resp.StatusCode < 200 || resp.StatusCode >= 300:
			return record.Value{}, backoff.Permanent(fmt.Errorf("%w: %d", ErrUnexpectedStatus, resp.StatusCode))
		}

		v, err := record.Decode(resp.Body)
		if err != nil {
			return record.Value{}, backoff.Permanent(fmt.Errorf("%w: %v", ErrMalformedResponse, err))
		}
		return v, nil
	}

	notify := func(err error, wait time.Duration) {
		c.log.Warnw("netbox request failed, retrying", "url", u, "err", err, "wait", wait)
	}
	return backoff.RetryNotifyWithData(op, backoff.WithContext(c.newBackOff(), ctx), notify)
}
