// Package httpretry wraps an HTTP client with bounded retries for transient
// failures. Used for fetching carrier-hosted assets (recording URLs), where
// a 503 or a dropped connection is routine and a client error is final.
package httpretry

import (
	"fmt"
	"io"
	"log"
	"math/rand"
	"net/http"
	"strconv"
	"time"
)

// Doer executes a single HTTP request. *http.Client satisfies it.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Client retries transient failures with exponential backoff and jitter.
// A Retry-After header on a 429/503 response overrides the computed delay.
type Client struct {
	inner    Doer
	attempts int
	base     time.Duration
	ceiling  time.Duration
}

// New wraps inner with up to attempts retries after the first try.
// A nil inner gets a default client with a 30s timeout.
func New(inner Doer, attempts int) *Client {
	if inner == nil {
		inner = &http.Client{Timeout: 30 * time.Second}
	}
	if attempts <= 0 {
		attempts = 3
	}
	return &Client{
		inner:    inner,
		attempts: attempts,
		base:     time.Second,
		ceiling:  20 * time.Second,
	}
}

// Do runs the request, retrying on connection errors and on 429/5xx
// responses. Client errors and successes return immediately. The last
// response is returned unread so the caller can inspect it.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	var lastErr error

	for try := 0; try <= c.attempts; try++ {
		if err := req.Context().Err(); err != nil {
			if lastErr != nil {
				return nil, lastErr
			}
			return nil, err
		}

		resp, err := c.inner.Do(req)
		if err != nil {
			if req.Context().Err() != nil {
				return nil, err
			}
			lastErr = err
			if !c.pause(req, c.backoff(try, nil)) {
				return nil, lastErr
			}
			continue
		}

		if !retryable(resp.StatusCode) || try == c.attempts {
			return resp, nil
		}

		delay := c.backoff(try, resp)
		// Drain so the transport can reuse the connection.
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
		lastErr = fmt.Errorf("httpretry: status %d from %s", resp.StatusCode, req.URL.Host)

		log.Printf("[HTTPRetry] %s %s returned %d, retry %d/%d in %s",
			req.Method, req.URL.Path, resp.StatusCode, try+1, c.attempts, delay)
		if !c.pause(req, delay) {
			return nil, lastErr
		}
	}

	return nil, lastErr
}

// pause sleeps for delay, rewinding the request body for the next try.
// Returns false if the request context ended first.
func (c *Client) pause(req *http.Request, delay time.Duration) bool {
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-req.Context().Done():
		return false
	}
	if req.GetBody != nil {
		body, err := req.GetBody()
		if err != nil {
			return false
		}
		req.Body = body
	}
	return true
}

// backoff doubles from base up to ceiling with full jitter. When the
// response carries a parseable Retry-After, that wins.
func (c *Client) backoff(try int, resp *http.Response) time.Duration {
	if resp != nil {
		if after := resp.Header.Get("Retry-After"); after != "" {
			if secs, err := strconv.Atoi(after); err == nil && secs > 0 {
				return time.Duration(secs) * time.Second
			}
		}
	}
	d := c.base << try
	if d > c.ceiling {
		d = c.ceiling
	}
	jittered := time.Duration(rand.Float64() * float64(d))
	if jittered < 100*time.Millisecond {
		jittered = 100 * time.Millisecond
	}
	return jittered
}

func retryable(status int) bool {
	switch status {
	case http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}
	return false
}
