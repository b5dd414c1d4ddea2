// Package fetch provides the source adapters that read exchange rates from upstream providers.
package fetch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"
)

// Errors produced by the shared client. Adapters convert all of them into a nil quote.
var (
	ErrRateLimited      = errors.New("upstream rate limit reached")
	ErrUnexpectedStatus = errors.New("unexpected upstream status")
	ErrMalformedPayload = errors.New("malformed upstream payload")
	ErrMissingRate      = errors.New("rate missing from payload")
	errResponseTooLarge = errors.New("upstream response too large")
)

const (
	maxResponseBytes = 2 << 20
	defaultUserAgent = "remesa-rates/1.0"
)

// ClientOptions configures the shared upstream client
type ClientOptions struct {
	// RPS and Burst bound requests per upstream host; RPS <= 0 disables limiting
	RPS   float64
	Burst int

	// RetryMax is the number of retries for connection errors and 5xx responses
	RetryMax int

	// RetryWaitMin and RetryWaitMax bound the backoff between retries
	RetryWaitMin time.Duration
	RetryWaitMax time.Duration
}

// DefaultClientOptions returns options sized for a 3-5s adapter deadline
func DefaultClientOptions() ClientOptions {
	return ClientOptions{
		RPS:          2,
		Burst:        5,
		RetryMax:     1,
		RetryWaitMin: 200 * time.Millisecond,
		RetryWaitMax: time.Second,
	}
}

// Client is the outbound HTTP transport shared by all adapters.
// Identical GETs in flight at the same time are coalesced into a single upstream call.
type Client struct {
	httpClient *http.Client
	opts       ClientOptions

	group singleflight.Group

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewClient creates a client with retry, per-host rate limiting and request coalescing
func NewClient(opts ClientOptions) *Client {
	return &Client{
		httpClient: StandardClient(newRetryClient(opts)),
		opts:       opts,
		limiters:   make(map[string]*rate.Limiter),
	}
}

// newRetryClient creates a new HTTP client with retry capabilities
func newRetryClient(opts ClientOptions) *retryablehttp.Client {
	c := retryablehttp.NewClient()
	c.RetryMax = opts.RetryMax
	c.RetryWaitMin = opts.RetryWaitMin
	c.RetryWaitMax = opts.RetryWaitMax
	c.Logger = nil
	return c
}

// StandardClient converts a retryablehttp.Client to a standard http.Client
func StandardClient(retryClient *retryablehttp.Client) *http.Client {
	return retryClient.StandardClient()
}

// GetJSON fetches rawURL and decodes the body into out.
func (c *Client) GetJSON(ctx context.Context, rawURL string, out interface{}) error {
	body, err := c.get(ctx, rawURL)
	if err != nil {
		markThrottled(ctx, err)
		return err
	}
	return decodeStrict(body, out)
}

// PostJSON sends payload as JSON and decodes the response into out. POSTs are never coalesced.
func (c *Client) PostJSON(ctx context.Context, rawURL string, payload interface{}, out interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("error encoding request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, rawURL, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("error creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	body, err := c.do(req)
	if err != nil {
		markThrottled(ctx, err)
		return err
	}
	return decodeStrict(body, out)
}

// get coalesces concurrent requests for the same URL. Each caller still honours its own ctx.
func (c *Client) get(ctx context.Context, rawURL string) ([]byte, error) {
	ch := c.group.DoChan(rawURL, func() (interface{}, error) {
		// Detached from the first caller's cancellation but keeps its deadline.
		reqCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), remaining(ctx))
		defer cancel()

		req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, rawURL, nil)
		if err != nil {
			return nil, fmt.Errorf("error creating request: %w", err)
		}
		return c.do(req)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		if res.Shared {
			logrus.WithField("url", rawURL).Debug("Reused in-flight upstream response")
		}
		return res.Val.([]byte), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Client) do(req *http.Request) ([]byte, error) {
	if !c.limiter(req.URL).Allow() {
		return nil, fmt.Errorf("%w: %s", ErrRateLimited, req.URL.Host)
	}

	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", defaultUserAgent)

	logrus.Debugf("Fetching %s %s", req.Method, req.URL.Redacted())
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("error fetching %s: %w", req.URL.Host, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return nil, fmt.Errorf("%w: %s returned %d: %s", ErrUnexpectedStatus, req.URL.Host, resp.StatusCode, string(snippet))
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes+1))
	if err != nil {
		return nil, fmt.Errorf("error reading response: %w", err)
	}
	if int64(len(body)) > maxResponseBytes {
		return nil, errResponseTooLarge
	}
	return body, nil
}

func (c *Client) limiter(u *url.URL) *rate.Limiter {
	c.mu.Lock()
	defer c.mu.Unlock()

	l, ok := c.limiters[u.Host]
	if !ok {
		limit := rate.Inf
		burst := c.opts.Burst
		if c.opts.RPS > 0 {
			limit = rate.Limit(c.opts.RPS)
		}
		if burst < 1 {
			burst = 1
		}
		l = rate.NewLimiter(limit, burst)
		c.limiters[u.Host] = l
	}
	return l
}

func decodeStrict(body []byte, out interface{}) error {
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	return nil
}

// remaining returns the time left on ctx, or a conservative default when it has no deadline.
func remaining(ctx context.Context) time.Duration {
	if deadline, ok := ctx.Deadline(); ok {
		if d := time.Until(deadline); d > 0 {
			return d
		}
		return time.Millisecond
	}
	return 10 * time.Second
}
