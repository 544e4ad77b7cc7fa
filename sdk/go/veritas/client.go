package veritas

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Version is the SDK release reported in the User-Agent header.
const Version = "0.1.0"

const userAgent = "veritas-go/" + Version

// Config holds the settings needed to construct a Client.
type Config struct {
	// BaseURL is the root URL of the VERITAS server (e.g. "http://localhost:8428").
	BaseURL string

	// KeyID identifies the API key used to obtain JWT tokens.
	KeyID string

	// APIKey is the secret half of the key, as printed by the genkey tool.
	APIKey string

	// HMACSecret enables request signing. Set it to the server's shared
	// secret when the server enforces signed requests; leave it empty
	// otherwise.
	HMACSecret string

	// HTTPClient is an optional custom HTTP client. If nil, a default client
	// with a 30-second timeout is used.
	HTTPClient *http.Client

	// Timeout applies to individual API requests. Defaults to 30 seconds.
	Timeout time.Duration
}

// Client is an HTTP client for the VERITAS decision gateway API.
// All methods are safe for concurrent use.
type Client struct {
	baseURL  string
	client   *http.Client
	tokenMgr *tokenManager
	signer   *requestSigner
}

// NewClient creates a Client from the given configuration.
// Returns an error if BaseURL, KeyID, or APIKey is empty.
func NewClient(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("veritas: BaseURL is required")
	}
	if cfg.KeyID == "" {
		return nil, fmt.Errorf("veritas: KeyID is required")
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("veritas: APIKey is required")
	}

	baseURL := strings.TrimRight(cfg.BaseURL, "/")

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout == 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	c := &Client{
		baseURL:  baseURL,
		client:   httpClient,
		tokenMgr: newTokenManager(baseURL, cfg.KeyID, cfg.APIKey, httpClient),
	}
	if cfg.HMACSecret != "" {
		c.signer = newRequestSigner(cfg.HMACSecret)
	}
	return c, nil
}

// Decide runs a query through the decision pipeline and returns the sealed
// outcome. Deny and hold are decisions, not errors: check
// DecisionResponse.DecisionStatus. An error satisfying IsTrustLogUnavailable
// means the verdict could not be sealed and must be treated as hold.
func (c *Client) Decide(ctx context.Context, req DecideRequest) (*DecisionResponse, error) {
	var resp DecisionResponse
	if err := c.post(ctx, "/v1/decide", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// TrustLogOptions control pagination for the TrustLog method.
type TrustLogOptions struct {
	// Cursor is the opaque position returned by a previous page.
	Cursor string
	// Limit is the page size. The server defaults to 50 and caps at 200.
	Limit int
}

// TrustLogPage is one page of sealed records, oldest first.
type TrustLogPage struct {
	Records    []TrustLogRecord
	NextCursor string
	HasMore    bool
	Limit      int
}

// TrustLog lists sealed trust log records in chain order.
func (c *Client) TrustLog(ctx context.Context, opts *TrustLogOptions) (*TrustLogPage, error) {
	params := url.Values{}
	if opts != nil {
		if opts.Cursor != "" {
			params.Set("cursor", opts.Cursor)
		}
		if opts.Limit > 0 {
			params.Set("limit", strconv.Itoa(opts.Limit))
		}
	}
	path := "/v1/trustlog"
	if len(params) > 0 {
		path += "?" + params.Encode()
	}

	body, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}

	var envelope listEnvelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, fmt.Errorf("veritas: decode response envelope: %w", err)
	}
	page := &TrustLogPage{
		NextCursor: envelope.NextCursor,
		HasMore:    envelope.HasMore,
		Limit:      envelope.Limit,
	}
	if err := json.Unmarshal(envelope.Data, &page.Records); err != nil {
		return nil, fmt.Errorf("veritas: decode records: %w", err)
	}
	return page, nil
}

// GetTrustLogRecord retrieves one sealed record by id.
func (c *Client) GetTrustLogRecord(ctx context.Context, id string) (*TrustLogRecord, error) {
	var resp TrustLogRecord
	if err := c.get(ctx, "/v1/trustlog/"+url.PathEscape(id), &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// RequestChain retrieves every record sealed for one request together with
// a continuity verdict. An unknown request id yields an empty report, not
// an error.
func (c *Client) RequestChain(ctx context.Context, requestID string) (*RequestChainReport, error) {
	var resp RequestChainReport
	if err := c.get(ctx, "/v1/trustlog/request/"+url.PathEscape(requestID), &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// VerifyTrustLog re-walks the whole hash chain and reports the first break,
// if any. Requires admin role.
func (c *Client) VerifyTrustLog(ctx context.Context) (*VerifyReport, error) {
	var resp VerifyReport
	if err := c.post(ctx, "/v1/trustlog/verify", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ReloadPolicy re-reads the server's safety policy file. Requires admin
// role. Reloaded is false when the file content has not changed.
func (c *Client) ReloadPolicy(ctx context.Context) (*PolicyReloadResponse, error) {
	var resp PolicyReloadResponse
	if err := c.post(ctx, "/v1/admin/policy/reload", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Health checks the server's health status. This endpoint does not require
// authentication and will work even if the client has invalid credentials.
func (c *Client) Health(ctx context.Context) (*HealthResponse, error) {
	var resp HealthResponse
	if err := c.getNoAuth(ctx, "/health", &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ---------------------------------------------------------------------------
// HTTP transport
// ---------------------------------------------------------------------------

// apiEnvelope is the server's standard response wrapper.
type apiEnvelope struct {
	Data json.RawMessage `json:"data"`
}

// listEnvelope is the server's cursor-paginated list wrapper.
type listEnvelope struct {
	Data       json.RawMessage `json:"data"`
	NextCursor string          `json:"next_cursor"`
	HasMore    bool            `json:"has_more"`
	Limit      int             `json:"limit"`
}

// apiErrorEnvelope is the server's standard error response wrapper.
type apiErrorEnvelope struct {
	Error struct {
		Code    string         `json:"code"`
		Message string         `json:"message"`
		Details map[string]any `json:"details"`
	} `json:"error"`
}

func (c *Client) post(ctx context.Context, path string, body any, dest any) error {
	var encoded []byte
	if body != nil {
		var err error
		encoded, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("veritas: marshal request body: %w", err)
		}
	}

	raw, err := c.do(ctx, http.MethodPost, path, encoded)
	if err != nil {
		return err
	}
	return unwrapData(raw, dest)
}

func (c *Client) get(ctx context.Context, path string, dest any) error {
	raw, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	return unwrapData(raw, dest)
}

// do performs an authenticated request and returns the raw response body.
// The signature, when signing is configured, covers the exact bytes sent.
func (c *Client) do(ctx context.Context, method, path string, body []byte) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("veritas: create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	token, err := c.tokenMgr.getToken(ctx)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("User-Agent", userAgent)
	if c.signer != nil {
		c.signer.sign(req, body)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("veritas: %s %s: %w", method, path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	return handleResponse(resp)
}

func (c *Client) getNoAuth(ctx context.Context, path string, dest any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("veritas: create request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("veritas: GET %s: %w", path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := handleResponse(resp)
	if err != nil {
		return err
	}
	return unwrapData(raw, dest)
}

func handleResponse(resp *http.Response) ([]byte, error) {
	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("veritas: read response body: %w", err)
	}
	if resp.StatusCode >= 400 {
		return nil, parseErrorResponse(resp.StatusCode, bodyBytes)
	}
	return bodyBytes, nil
}

// unwrapData decodes the server's { "data": ... } envelope into dest.
func unwrapData(raw []byte, dest any) error {
	if dest == nil {
		return nil
	}
	var envelope apiEnvelope
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return fmt.Errorf("veritas: decode response envelope: %w", err)
	}
	if envelope.Data == nil {
		return fmt.Errorf("veritas: response envelope has no data")
	}
	return json.Unmarshal(envelope.Data, dest)
}

func parseErrorResponse(statusCode int, body []byte) *Error {
	apiErr := &Error{StatusCode: statusCode}

	var envelope apiErrorEnvelope
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Error.Message != "" {
		apiErr.Code = envelope.Error.Code
		apiErr.Message = envelope.Error.Message
		apiErr.Details = envelope.Error.Details
	} else {
		apiErr.Code = http.StatusText(statusCode)
		apiErr.Message = string(body)
	}

	return apiErr
}
