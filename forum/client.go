package forum

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
	"unicode/utf8"

	apperrors "github.com/alexjbarnes/forum-sync/internal/errors"
)

// TransientError wraps an error that is likely temporary and safe to retry.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// IsTransient reports whether err (or any error in its chain) is a
// TransientError.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

const (
	maxRedirects = 10

	httpClientTimeout = 30 * time.Second

	// maxAPIResponseBytes caps response body reads. A full post list
	// with responses is the largest payload.
	maxAPIResponseBytes = 8 * 1024 * 1024
)

// Client talks to the forum HTTP API, the write collaborator that
// persists changes and triggers the broadcast pushes.
type Client struct {
	httpClient *http.Client
	baseURL    string
}

// sameHostRedirectPolicy follows redirects only when the target host
// matches the original request host.
func sameHostRedirectPolicy(req *http.Request, via []*http.Request) error {
	if len(via) >= maxRedirects {
		return errors.New("stopped after 10 redirects")
	}

	if len(via) > 0 {
		origHost := via[0].URL.Host
		if req.URL.Host != origHost {
			return fmt.Errorf("redirect to different host blocked: %s -> %s", origHost, req.URL.Host)
		}
	}

	return nil
}

// NewClient creates an API client for baseURL. If httpClient is nil, a
// client with a 30-second timeout and same-host redirect policy is
// created.
func NewClient(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{
			Timeout:       httpClientTimeout,
			CheckRedirect: sameHostRedirectPolicy,
		}
	}

	return &Client{
		httpClient: httpClient,
		baseURL:    strings.TrimRight(baseURL, "/"),
	}
}

// sanitizeResponseBody truncates a response body to 256 bytes and
// replaces control characters so it is safe to log.
func sanitizeResponseBody(body []byte) string {
	const maxLen = 256
	if len(body) > maxLen {
		body = body[:maxLen]
	}

	var clean []byte

	for len(body) > 0 {
		r, size := utf8.DecodeRune(body)
		if r == utf8.RuneError && size <= 1 {
			clean = append(clean, '?')
			body = body[1:]

			continue
		}

		if r < 0x20 && r != '\n' && r != '\r' && r != '\t' {
			clean = append(clean, '?')
		} else {
			clean = append(clean, body[:size]...)
		}

		body = body[size:]
	}

	return string(clean)
}

// do sends a request with an optional JSON body and decodes a 2xx
// response into result when result is non-nil.
func (c *Client) do(ctx context.Context, method, endpoint string, body, result any) error {
	var reader io.Reader

	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshalling request body: %w", err)
		}

		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+endpoint, reader)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	req.Header.Set("Accept", "application/json")

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		// Network errors (timeouts, connection refused, DNS failures)
		// are transient by nature.
		return &TransientError{Err: fmt.Errorf("%w: %s %s: %w", apperrors.ErrAPIRequest, method, endpoint, err)}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxAPIResponseBytes))
	if err != nil {
		return &TransientError{Err: fmt.Errorf("%w: reading response from %s: %w", apperrors.ErrAPIRequest, endpoint, err)}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return statusError(method, endpoint, resp.StatusCode, respBody)
	}

	if result != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, result); err != nil {
			return fmt.Errorf("%w: decoding response from %s: %w", apperrors.ErrAPIResponse, endpoint, err)
		}
	}

	return nil
}

func statusError(method, endpoint string, code int, body []byte) error {
	detail := sanitizeResponseBody(body)

	var apiErr APIError
	if json.Unmarshal(body, &apiErr) == nil && apiErr.Message != "" {
		detail = sanitizeResponseBody([]byte(apiErr.Message))
	}

	err := fmt.Errorf("%w: %s %s returned %d: %s", apperrors.ErrAPIResponse, method, endpoint, code, detail)

	switch {
	case code == http.StatusNotFound:
		return fmt.Errorf("%w: %w", apperrors.ErrPostNotFound, err)
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return fmt.Errorf("%w: %w", apperrors.ErrUnauthorized, err)
	case isTransientStatus(code):
		return &TransientError{Err: err}
	}

	return err
}

// isTransientStatus returns true for HTTP status codes that indicate a
// temporary server-side problem worth retrying.
func isTransientStatus(code int) bool {
	switch code {
	case http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}

	return false
}

func postPath(id string) string {
	return "/api/post/" + url.PathEscape(id)
}

// ListPosts returns every post with its responses.
func (c *Client) ListPosts(ctx context.Context) ([]Post, error) {
	var posts []Post
	if err := c.do(ctx, http.MethodGet, "/api/post", nil, &posts); err != nil {
		return nil, fmt.Errorf("listing posts: %w", err)
	}

	for i := range posts {
		posts[i].normalize()
	}

	return posts, nil
}

// GetPost fetches one post.
func (c *Client) GetPost(ctx context.Context, id string) (*Post, error) {
	var p Post
	if err := c.do(ctx, http.MethodGet, postPath(id), nil, &p); err != nil {
		return nil, fmt.Errorf("getting post %s: %w", id, err)
	}

	p.normalize()

	return &p, nil
}

// CreatePost creates a question. The server broadcasts new_question on
// success, including to this client.
func (c *Client) CreatePost(ctx context.Context, req CreatePostRequest) (*Post, error) {
	var p Post
	if err := c.do(ctx, http.MethodPost, "/api/post", req, &p); err != nil {
		return nil, fmt.Errorf("creating post: %w", err)
	}

	p.normalize()

	return &p, nil
}

// UpdatePost changes the title, content or status of a post.
func (c *Client) UpdatePost(ctx context.Context, id string, req UpdatePostRequest) (*Post, error) {
	var p Post
	if err := c.do(ctx, http.MethodPut, postPath(id), req, &p); err != nil {
		return nil, fmt.Errorf("updating post %s: %w", id, err)
	}

	p.normalize()

	return &p, nil
}

// DeletePost removes a post.
func (c *Client) DeletePost(ctx context.Context, id string) error {
	if err := c.do(ctx, http.MethodDelete, postPath(id), nil, nil); err != nil {
		return fmt.Errorf("deleting post %s: %w", id, err)
	}

	return nil
}

// CreateResponse adds a response to a post.
func (c *Client) CreateResponse(ctx context.Context, req CreateResponseRequest) (*Response, error) {
	var r Response
	if err := c.do(ctx, http.MethodPost, "/api/responses", req, &r); err != nil {
		return nil, fmt.Errorf("creating response: %w", err)
	}

	return &r, nil
}
