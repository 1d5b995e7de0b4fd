package github

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/JakeFAU/repo-census/internal/crawler"
)

const (
	rateLimitedType       = "RATE_LIMITED"
	defaultRateLimitPause = time.Minute
	maxErrorBodyPeek      = 1 << 20
)

// rateLimitTransport turns GitHub rate-limit responses into
// *crawler.RateLimitedError so callers can wait for the reset instead of
// burning retries. GraphQL reports primary limits as a 200 with an error of
// type RATE_LIMITED; REST-style 403/429 responses cover secondary limits.
type rateLimitTransport struct {
	wrapped   http.RoundTripper
	userAgent string
	now       func() time.Time
}

func (t *rateLimitTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if t.userAgent != "" {
		req = req.Clone(req.Context())
		req.Header.Set("User-Agent", t.userAgent)
	}
	resp, err := t.wrapped.RoundTrip(req)
	if err != nil {
		return nil, err
	}
	switch resp.StatusCode {
	case http.StatusForbidden, http.StatusTooManyRequests:
		if resp.StatusCode == http.StatusTooManyRequests ||
			resp.Header.Get("X-RateLimit-Remaining") == "0" ||
			resp.Header.Get("Retry-After") != "" {
			drain(resp)
			return nil, &crawler.RateLimitedError{
				Reset:   t.resetFrom(resp.Header),
				Message: fmt.Sprintf("rate limited (http %d)", resp.StatusCode),
			}
		}
	case http.StatusOK:
		body, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return nil, fmt.Errorf("read graphql response: %w", readErr)
		}
		if msg, limited := rateLimitedPayload(body); limited {
			return nil, &crawler.RateLimitedError{Reset: t.resetFrom(resp.Header), Message: msg}
		}
		resp.Body = io.NopCloser(bytes.NewReader(body))
	}
	return resp, nil
}

func (t *rateLimitTransport) resetFrom(h http.Header) time.Time {
	now := time.Now
	if t.now != nil {
		now = t.now
	}
	if v := h.Get("X-RateLimit-Reset"); v != "" {
		if epoch, err := strconv.ParseInt(v, 10, 64); err == nil {
			return time.Unix(epoch, 0).UTC()
		}
	}
	if v := h.Get("Retry-After"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil {
			return now().Add(time.Duration(secs) * time.Second)
		}
	}
	return now().Add(defaultRateLimitPause)
}

type graphqlErrors struct {
	Errors []struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"errors"`
}

func rateLimitedPayload(body []byte) (string, bool) {
	if !bytes.Contains(body, []byte(rateLimitedType)) {
		return "", false
	}
	var payload graphqlErrors
	if err := json.Unmarshal(body, &payload); err != nil {
		return "", false
	}
	for _, e := range payload.Errors {
		if e.Type == rateLimitedType {
			if e.Message == "" {
				return "rate limited", true
			}
			return e.Message, true
		}
	}
	return "", false
}

func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxErrorBodyPeek))
	_ = resp.Body.Close()
}
