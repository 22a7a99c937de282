package cmc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
)

const ListingsPath = "/v1/cryptocurrency/listings/historical"

// ErrTransport is matched by every error that prevented a page from being
// received and decoded.
var ErrTransport = errors.New("transport error")

// HTTPError is returned when the server answers with a non-2xx status.
type HTTPError struct {
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	body := e.Body
	if len(body) > 200 {
		body = body[:200] + "..."
	}
	return fmt.Sprintf("unexpected status %d: %s", e.StatusCode, body)
}

func (e *HTTPError) Is(target error) bool {
	return target == ErrTransport
}

// ListingParams are the query parameters of the historical listings endpoint.
type ListingParams struct {
	Convert []string
	Date    time.Time
	Limit   int
	Start   int
}

func (p ListingParams) Values() url.Values {
	seen := make(map[string]bool, len(p.Convert))
	codes := make([]string, 0, len(p.Convert))
	for _, c := range p.Convert {
		c = strings.ToUpper(strings.TrimSpace(c))
		if c == "" || seen[c] {
			continue
		}
		seen[c] = true
		codes = append(codes, c)
	}

	v := url.Values{}
	if len(codes) > 0 {
		v.Set("convert", strings.Join(codes, ","))
	}
	if !p.Date.IsZero() {
		v.Set("date", p.Date.Format(time.DateOnly))
	}
	if p.Limit > 0 {
		v.Set("limit", strconv.Itoa(p.Limit))
	}
	if p.Start > 0 {
		v.Set("start", strconv.Itoa(p.Start))
	}
	return v
}

type Client struct {
	http   *resty.Client
	server string
	proxy  string
	log    *zap.Logger
}

type Option func(*Client)

func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.http.SetTimeout(d) }
}

// WithProxy routes every request through proxyURL, e.g. http://1.2.3.4:8080.
// An empty URL leaves the client direct.
func WithProxy(proxyURL string) Option {
	return func(c *Client) {
		if proxyURL == "" {
			return
		}
		c.proxy = proxyURL
		c.http.SetProxy(proxyURL)
	}
}

func WithLogger(log *zap.Logger) Option {
	return func(c *Client) { c.log = log }
}

func NewClient(server string, opts ...Option) *Client {
	client := resty.New()
	client.SetTimeout(30 * time.Second)
	client.SetHeader("Accept", "application/json")

	c := &Client{
		http:   client,
		server: strings.TrimRight(server, "/"),
		log:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Page requests one page of listings. Records are returned undecoded so a
// malformed record can be rejected on its own later.
func (c *Client) Page(ctx context.Context, params url.Values) ([]json.RawMessage, error) {
	endpoint := c.server + ListingsPath
	fields := []zap.Field{
		zap.String("url", endpoint),
		zap.String("params", params.Encode()),
		zap.String("proxy", c.proxy),
	}

	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParamsFromValues(params).
		Get(endpoint)
	if err != nil {
		c.log.Warn("Listings request", append(fields, zap.String("status", "failure"), zap.Error(err))...)
		return nil, fmt.Errorf("%w: %w", ErrTransport, err)
	}
	if code := resp.StatusCode(); code < 200 || code > 299 {
		herr := &HTTPError{StatusCode: code, Body: string(resp.Body())}
		c.log.Warn("Listings request", append(fields, zap.String("status", "failure"), zap.Int("http_status", code))...)
		return nil, herr
	}

	var body struct {
		Data []json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(resp.Body(), &body); err != nil {
		c.log.Warn("Listings request", append(fields, zap.String("status", "failure"), zap.Error(err))...)
		return nil, fmt.Errorf("%w: decoding listings page: %w", ErrTransport, err)
	}

	c.log.Info("Listings request", append(fields,
		zap.String("status", "success"),
		zap.Int("records", len(body.Data)),
		zap.Duration("took", resp.Time()))...)
	return body.Data, nil
}
