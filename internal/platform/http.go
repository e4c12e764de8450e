package platform

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/go-querystring/query"
	"golang.org/x/time/rate"
)

const maxErrorBody = 512

// NewHTTPClient returns a client bounded by timeout whose requests are throttled to ratePerSec.
// ratePerSec <= 0 disables throttling.
func NewHTTPClient(timeout time.Duration, ratePerSec float64) *http.Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	var transport http.RoundTripper = http.DefaultTransport
	if ratePerSec > 0 {
		burst := int(ratePerSec)
		if burst < 1 {
			burst = 1
		}
		transport = &limitedTransport{
			base:    http.DefaultTransport,
			limiter: rate.NewLimiter(rate.Limit(ratePerSec), burst),
		}
	}
	return &http.Client{Timeout: timeout, Transport: transport}
}

type limitedTransport struct {
	base    http.RoundTripper
	limiter *rate.Limiter
}

func (t *limitedTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if err := t.limiter.Wait(req.Context()); err != nil {
		return nil, err
	}
	return t.base.RoundTrip(req)
}

// APIError is a non-2xx response from a platform API.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("status %d: %s", e.StatusCode, e.Body)
}

// Retryable reports whether the status suggests a transient condition.
func (e *APIError) Retryable() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

// apiClient issues JSON and form requests against one platform.
type apiClient struct {
	http *http.Client
}

type response struct {
	Header http.Header
	Body   []byte
}

func (c apiClient) do(req *http.Request, out any) (response, error) {
	resp, err := c.http.Do(req)
	if err != nil {
		return response{}, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return response{}, fmt.Errorf("read body: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return response{}, &APIError{StatusCode: resp.StatusCode, Body: truncate(string(body), maxErrorBody)}
	}
	if out != nil && len(body) > 0 {
		if err := json.Unmarshal(body, out); err != nil {
			return response{}, fmt.Errorf("decode response: %w", err)
		}
	}
	return response{Header: resp.Header, Body: body}, nil
}

func (c apiClient) getJSON(ctx context.Context, endpoint, bearer string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	req.Header.Set("Accept", "application/json")
	_, err = c.do(req, out)
	return err
}

func (c apiClient) sendJSON(ctx context.Context, method, endpoint, bearer string, headers map[string]string, in, out any) (response, error) {
	payload, err := json.Marshal(in)
	if err != nil {
		return response{}, fmt.Errorf("encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, bytes.NewReader(payload))
	if err != nil {
		return response{}, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	return c.do(req, out)
}

// sendForm encodes form (a struct with `url` tags) as application/x-www-form-urlencoded.
func (c apiClient) sendForm(ctx context.Context, method, endpoint string, form any, out any, basic ...string) (response, error) {
	values, err := query.Values(form)
	if err != nil {
		return response{}, fmt.Errorf("encode form: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, strings.NewReader(values.Encode()))
	if err != nil {
		return response{}, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if len(basic) == 2 {
		req.SetBasicAuth(basic[0], basic[1])
	}
	return c.do(req, out)
}

// withQuery appends query parameters to endpoint.
func withQuery(endpoint string, params url.Values) string {
	if len(params) == 0 {
		return endpoint
	}
	sep := "?"
	if strings.Contains(endpoint, "?") {
		sep = "&"
	}
	return endpoint + sep + params.Encode()
}

// failure converts an error from a publish step into a failed Result.
func failure(step string, err error) Result {
	var apiErr *APIError
	switch {
	case errors.As(err, &apiErr):
		return Failed(fmt.Sprintf("%s failed: %s", step, apiErr.Error()), apiErr.Retryable())
	case errors.Is(err, context.DeadlineExceeded):
		return Failed(step+" timed out", true)
	case isTimeout(err):
		return Failed(step+" timed out", true)
	default:
		return Failed(fmt.Sprintf("%s failed: %v", step, err), true)
	}
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
