// Package upstream talks to the remote REST API: the auth contract (login, refresh), a few typed
// account lookups, and raw request passthrough for the proxy.
package upstream

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

	"github.com/hashicorp/go-retryablehttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

var (
	// ErrLoginRejected is returned when the upstream refuses the credentials.
	ErrLoginRejected = errors.New("upstream: login rejected")
	// ErrRefreshRejected is returned when the upstream refuses a refresh exchange.
	ErrRefreshRejected = errors.New("upstream: refresh rejected")
	// ErrProtocol is returned when a success response lacks a required field.
	ErrProtocol = errors.New("upstream: protocol error")
	// ErrUnreachable wraps transport failures.
	ErrUnreachable = errors.New("upstream: unreachable")
	// ErrStatus is returned by typed calls when the upstream answers non-2xx.
	ErrStatus = errors.New("upstream: unexpected status")
	// ErrResponseTooLarge is returned, wrapped in ErrUnreachable, when a body exceeds the cap.
	ErrResponseTooLarge = errors.New("upstream: response body too large")
)

// DefaultContentType is used when a response carries no content type.
const DefaultContentType = "application/octet-stream"

// DefaultMaxResponseBytes caps bodies read from the upstream when Options.MaxResponseBytes is zero.
const DefaultMaxResponseBytes = 32 << 20

// Response is a relayed upstream answer; it doubles as the warm cache snapshot.
type Response struct {
	Status      int
	ContentType string
	Body        []byte
}

// OK reports a 2xx status.
func (r *Response) OK() bool { return r != nil && r.Status >= 200 && r.Status < 300 }

// TokenPair is the credential pair issued at login.
type TokenPair struct {
	Auth    string
	Refresh string
}

// Account is the subset of account/me the gateway reads.
type Account struct {
	UserID string
	Email  string
}

// Options configures a Client.
type Options struct {
	BaseURL  string
	Timeout  time.Duration
	RetryMax int
	// MaxResponseBytes caps response bodies; larger bodies fail instead of being truncated.
	MaxResponseBytes int64
	// Transport overrides the HTTP transport; nil means http.DefaultTransport.
	Transport http.RoundTripper
}

// Client is safe for concurrent use.
type Client struct {
	base    *url.URL
	plain   *http.Client
	retry   *retryablehttp.Client
	maxBody int64
}

// NewClient returns a client rooted at opts.BaseURL. Non-idempotent calls use a plain client;
// GETs go through a retrying client.
func NewClient(opts Options) (*Client, error) {
	base, err := url.Parse(opts.BaseURL)
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("upstream: invalid base URL %q", opts.BaseURL)
	}
	if !strings.HasSuffix(base.Path, "/") {
		base.Path += "/"
	}
	transport := opts.Transport
	if transport == nil {
		transport = http.DefaultTransport
	}
	transport = otelhttp.NewTransport(transport)

	plain := &http.Client{Transport: transport, Timeout: opts.Timeout}

	retry := retryablehttp.NewClient()
	retry.HTTPClient = &http.Client{Transport: transport, Timeout: opts.Timeout}
	retry.RetryMax = opts.RetryMax
	retry.RetryWaitMin = 100 * time.Millisecond
	retry.RetryWaitMax = 2 * time.Second
	retry.Logger = nil
	// Hand non-2xx answers back to the caller after the last attempt instead of an error.
	retry.ErrorHandler = retryablehttp.PassthroughErrorHandler

	maxBody := opts.MaxResponseBytes
	if maxBody <= 0 {
		maxBody = DefaultMaxResponseBytes
	}
	return &Client{base: base, plain: plain, retry: retry, maxBody: maxBody}, nil
}

// URL joins the base URL with path and, when non-empty, rawQuery.
func (c *Client) URL(path, rawQuery string) string {
	u := c.base.String() + strings.TrimPrefix(path, "/")
	if rawQuery != "" {
		u += "?" + rawQuery
	}
	return u
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type loginResponse struct {
	Auth    *string `json:"auth"`
	Refresh *string `json:"refresh"`
}

type refreshRequest struct {
	ExpiredToken string `json:"expired_token"`
	RefreshToken string `json:"refresh_token"`
}

type refreshResponse struct {
	Auth *string `json:"auth"`
}

// Login exchanges credentials for a token pair. Both tokens must be present.
func (c *Client) Login(ctx context.Context, email, password string) (TokenPair, error) {
	var out loginResponse
	status, err := c.postJSON(ctx, "auth/login", loginRequest{Email: email, Password: password}, &out)
	if err != nil {
		return TokenPair{}, err
	}
	if status < 200 || status >= 300 {
		return TokenPair{}, fmt.Errorf("%w: status %d", ErrLoginRejected, status)
	}
	if out.Auth == nil || *out.Auth == "" || out.Refresh == nil || *out.Refresh == "" {
		return TokenPair{}, fmt.Errorf("%w: login response missing auth or refresh", ErrProtocol)
	}
	return TokenPair{Auth: *out.Auth, Refresh: *out.Refresh}, nil
}

// Refresh exchanges an expired access token and the refresh token for a new access token.
func (c *Client) Refresh(ctx context.Context, expiredToken, refreshToken string) (string, error) {
	var out refreshResponse
	status, err := c.postJSON(ctx, "auth/refresh", refreshRequest{ExpiredToken: expiredToken, RefreshToken: refreshToken}, &out)
	if err != nil {
		return "", err
	}
	if status < 200 || status >= 300 {
		return "", fmt.Errorf("%w: status %d", ErrRefreshRejected, status)
	}
	if out.Auth == nil || *out.Auth == "" {
		return "", fmt.Errorf("%w: refresh response missing auth", ErrProtocol)
	}
	return *out.Auth, nil
}

// postJSON sends body as JSON and decodes a 2xx reply into out. Non-2xx replies are returned
// by status without decoding.
func (c *Client) postJSON(ctx context.Context, path string, body, out any) (int, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return 0, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.URL(path, ""), bytes.NewReader(payload))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.plain.Do(req)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, c.maxBody))
		return resp.StatusCode, nil
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, c.maxBody)).Decode(out); err != nil {
		return resp.StatusCode, fmt.Errorf("%w: %v", ErrProtocol, err)
	}
	return resp.StatusCode, nil
}

// Get fetches path with the bearer token, retrying transient failures.
func (c *Client) Get(ctx context.Context, path, bearer string) (*Response, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, c.URL(path, ""), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+bearer)
	resp, err := c.retry.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	return c.readResponse(resp)
}

// Request is a single passthrough call.
type Request struct {
	Method      string
	Path        string
	RawQuery    string
	Bearer      string
	Body        []byte
	ContentType string
}

// Send issues r once, without retries, and returns the upstream answer whatever its status.
func (c *Client) Send(ctx context.Context, r Request) (*Response, error) {
	var body io.Reader
	if len(r.Body) > 0 {
		body = bytes.NewReader(r.Body)
	}
	req, err := http.NewRequestWithContext(ctx, r.Method, c.URL(r.Path, r.RawQuery), body)
	if err != nil {
		return nil, err
	}
	if r.Bearer != "" {
		req.Header.Set("Authorization", "Bearer "+r.Bearer)
	}
	if len(r.Body) > 0 && r.ContentType != "" {
		req.Header.Set("Content-Type", r.ContentType)
	}
	resp, err := c.plain.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	return c.readResponse(resp)
}

// readResponse reads the whole body. A body over the cap is an error rather than a silent
// truncation, so relayed bytes are always complete.
func (c *Client) readResponse(resp *http.Response) (*Response, error) {
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, c.maxBody+1))
	if err != nil {
		return nil, fmt.Errorf("%w: reading body: %v", ErrUnreachable, err)
	}
	if int64(len(body)) > c.maxBody {
		return nil, fmt.Errorf("%w: %w: over %d bytes", ErrUnreachable, ErrResponseTooLarge, c.maxBody)
	}
	ct := resp.Header.Get("Content-Type")
	if ct == "" {
		ct = DefaultContentType
	}
	return &Response{Status: resp.StatusCode, ContentType: ct, Body: body}, nil
}

type accountResponse struct {
	UserID *string `json:"user_id"`
	Email  *string `json:"email"`
}

// Me reads account/me. Absent fields are left empty.
func (c *Client) Me(ctx context.Context, bearer string) (Account, error) {
	resp, err := c.Get(ctx, "account/me", bearer)
	if err != nil {
		return Account{}, err
	}
	if !resp.OK() {
		return Account{}, fmt.Errorf("%w: account/me returned %d", ErrStatus, resp.Status)
	}
	var out accountResponse
	if err := json.Unmarshal(resp.Body, &out); err != nil {
		return Account{}, fmt.Errorf("%w: account/me: %v", ErrProtocol, err)
	}
	var acc Account
	if out.UserID != nil {
		acc.UserID = *out.UserID
	}
	if out.Email != nil {
		acc.Email = *out.Email
	}
	return acc, nil
}

type whoamiResponse struct {
	You *struct {
		Expires uint64 `json:"expires"`
	} `json:"you"`
}

// WhoAmI posts to whoami and returns you.expires. A reply without "you" is ErrProtocol; a
// missing expires reads as zero.
func (c *Client) WhoAmI(ctx context.Context, bearer string) (uint64, error) {
	resp, err := c.Send(ctx, Request{Method: http.MethodPost, Path: "whoami", Bearer: bearer})
	if err != nil {
		return 0, err
	}
	if !resp.OK() {
		return 0, fmt.Errorf("%w: whoami returned %d", ErrStatus, resp.Status)
	}
	var out whoamiResponse
	if err := json.Unmarshal(resp.Body, &out); err != nil {
		return 0, fmt.Errorf("%w: whoami: %v", ErrProtocol, err)
	}
	if out.You == nil {
		return 0, fmt.Errorf("%w: whoami response missing you", ErrProtocol)
	}
	return out.You.Expires, nil
}
