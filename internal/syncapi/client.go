// ABOUTME: HTTP/JSON client for the server's sync, manifest and bootstrap endpoints
// ABOUTME: Separates transport failures from completed requests with non-success status

package syncapi

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
)

// ErrNotFound is returned when the server reports 404 for a read endpoint
var ErrNotFound = errors.New("not found")

// maxErrorBody bounds how much of an error response is kept for diagnostics.
const maxErrorBody = 512

// TransportError means the request never completed: DNS, connection reset,
// timeout or cancellation.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// HTTPError means the request completed with a non-success status.
type HTTPError struct {
	StatusCode int
	Message    string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Message)
}

// IsTransport reports whether err is (or wraps) a TransportError.
func IsTransport(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}

// Client talks to the server collaborator over HTTP/JSON.
type Client struct {
	baseURL    string
	httpClient *http.Client
	userAgent  string
}

// NewClient creates a client targeting baseURL (e.g. "http://localhost:8000").
// A nil httpClient uses a client without a global timeout; callers bound each
// request with their context.
func NewClient(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpClient,
		userAgent:  "brainweb-sync",
	}
}

// BaseURL returns the server base URL.
func (c *Client) BaseURL() string { return c.baseURL }

// PostEvents submits a batch to POST /sync/events.
//
// For any completed request it returns the HTTP status and the decoded body;
// a non-2xx body that isn't a valid SyncResponse yields an empty response and
// no error, so the caller can attribute the failure per event. A request that
// never completed returns a *TransportError.
func (c *Client) PostEvents(ctx context.Context, events []SyncEvent) (*SyncResponse, int, error) {
	status, body, err := c.do(ctx, http.MethodPost, "/sync/events", SyncRequest{Events: events})
	if err != nil {
		return nil, 0, err
	}

	var resp SyncResponse
	if len(bytes.TrimSpace(body)) > 0 {
		if err := json.Unmarshal(body, &resp); err != nil {
			if IsSuccess(status) {
				return nil, status, fmt.Errorf("decoding sync response: %w", err)
			}
			resp = SyncResponse{}
		}
	}
	return &resp, status, nil
}

// GetManifest fetches GET /offline/manifest for a scope.
func (c *Client) GetManifest(ctx context.Context, graphID, branchID string) (*Manifest, error) {
	var m Manifest
	if err := c.getJSON(ctx, "/offline/manifest?"+scopeQuery(graphID, branchID), &m); err != nil {
		return nil, err
	}
	return &m, nil
}

// GetBootstrap fetches GET /offline/bootstrap for a scope.
// A 404 means the server has no data for the scope yet and returns ErrNotFound.
func (c *Client) GetBootstrap(ctx context.Context, graphID, branchID string) (*Bootstrap, error) {
	var b Bootstrap
	if err := c.getJSON(ctx, "/offline/bootstrap?"+scopeQuery(graphID, branchID), &b); err != nil {
		return nil, err
	}
	return &b, nil
}

// Ping checks GET /health and returns nil when the server answers 2xx.
func (c *Client) Ping(ctx context.Context) error {
	status, body, err := c.do(ctx, http.MethodGet, "/health", nil)
	if err != nil {
		return err
	}
	if !IsSuccess(status) {
		return &HTTPError{StatusCode: status, Message: truncate(body)}
	}
	return nil
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	status, body, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	if status == http.StatusNotFound {
		return ErrNotFound
	}
	if !IsSuccess(status) {
		return &HTTPError{StatusCode: status, Message: errorMessage(body)}
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decoding %s: %w", path, err)
	}
	return nil
}

// do performs a request and returns status and body for completed requests.
func (c *Client) do(ctx context.Context, method, path string, body any) (int, []byte, error) {
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return 0, nil, fmt.Errorf("marshaling request body: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return 0, nil, fmt.Errorf("creating request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.userAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, &TransportError{Op: method + " " + pathOnly(path), Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, &TransportError{Op: "reading " + pathOnly(path), Err: err}
	}
	return resp.StatusCode, respBody, nil
}

func scopeQuery(graphID, branchID string) string {
	q := url.Values{}
	q.Set("graph_id", graphID)
	q.Set("branch_id", branchID)
	return q.Encode()
}

// IsSuccess reports whether an HTTP status is in the 2xx range.
func IsSuccess(status int) bool {
	return status >= 200 && status < 300
}

func errorMessage(body []byte) string {
	var errResp struct {
		Error  string `json:"error"`
		Detail string `json:"detail"`
	}
	if json.Unmarshal(body, &errResp) == nil {
		if errResp.Error != "" {
			return errResp.Error
		}
		if errResp.Detail != "" {
			return errResp.Detail
		}
	}
	return truncate(body)
}

func truncate(body []byte) string {
	s := strings.TrimSpace(string(body))
	if len(s) > maxErrorBody {
		return s[:maxErrorBody]
	}
	return s
}

func pathOnly(p string) string {
	if i := strings.IndexByte(p, '?'); i >= 0 {
		return p[:i]
	}
	return p
}
