package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

var (
	ErrUnexpectedStatus = errors.New("provider: unexpected response status")
	ErrInvalidResponse  = errors.New("provider: invalid response body")
)

// StatusError carries the provider's non-2xx response.
type StatusError struct {
	Method string
	Path   string
	Code   int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("provider: %s %s returned %d", e.Method, e.Path, e.Code)
}

func (e *StatusError) Unwrap() error { return ErrUnexpectedStatus }

const maxResponseBytes = 1 << 20

type Client struct {
	baseURL  string
	token    string
	http     *http.Client
	validate *validator.Validate
}

func NewClient(baseURL, accessToken string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL:  strings.TrimRight(baseURL, "/"),
		token:    accessToken,
		http:     &http.Client{Timeout: timeout},
		validate: validator.New(),
	}
}

// FetchPayment is the canonical read of a payment; webhook bodies only point
// at it.
func (c *Client) FetchPayment(ctx context.Context, paymentID string) (*Payment, error) {
	path := "/v1/payments/" + url.PathEscape(paymentID)
	raw, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}

	var p Payment
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidResponse, err)
	}
	if err := c.validate.Struct(&p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidResponse, err)
	}
	p.Raw = raw
	return &p, nil
}

func (c *Client) CreatePreference(ctx context.Context, req PreferenceRequest) (*Preference, error) {
	if err := c.validate.Struct(&req); err != nil {
		return nil, fmt.Errorf("invalid preference request: %w", err)
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal preference: %w", err)
	}

	raw, err := c.do(ctx, http.MethodPost, "/checkout/preferences", body)
	if err != nil {
		return nil, err
	}

	var pref Preference
	if err := json.Unmarshal(raw, &pref); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidResponse, err)
	}
	if err := c.validate.Struct(&pref); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidResponse, err)
	}
	return &pref, nil
}

func (c *Client) do(ctx context.Context, method, path string, body []byte) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("provider %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("read provider response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &StatusError{Method: method, Path: path, Code: resp.StatusCode, Body: string(raw)}
	}
	return raw, nil
}
