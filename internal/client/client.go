package client

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

	"github.com/dreamware/twinlogy/internal/query"
	"github.com/dreamware/twinlogy/internal/telemetry"
)

// DefaultTimeout bounds a single request made by the default HTTP client.
const DefaultTimeout = 5 * time.Second

// maxErrorBody caps how much of a failed response is kept in a StatusError.
const maxErrorBody = 64 << 10

var defaultHTTPClient = &http.Client{Timeout: DefaultTimeout}

// StatusError is returned when the server answers with a status of 300 or
// above.
type StatusError struct {
	URL    string
	Status int
	Body   []byte
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("http %s: %d", e.URL, e.Status)
}

// PostJSON sends body as JSON to url and decodes the response into out.
//
// Parameters:
//   - ctx: Context for cancellation and deadlines
//   - hc: HTTP client to use; nil means a client with DefaultTimeout
//   - url: Full request URL
//   - body: Value to marshal as the request body
//   - out: Destination for the decoded response; nil discards it
//
// Returns:
//   - error: Marshal, transport, *StatusError or decode failure
func PostJSON(ctx context.Context, hc *http.Client, url string, body, out any) error {
	reqBody, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(reqBody))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return do(hc, req, out)
}

// GetJSON fetches url and decodes the JSON response into out.
func GetJSON(ctx context.Context, hc *http.Client, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	return do(hc, req, out)
}

func do(hc *http.Client, req *http.Request, out any) error {
	if hc == nil {
		hc = defaultHTTPClient
	}
	resp, err := hc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &StatusError{URL: req.URL.String(), Status: resp.StatusCode, Body: body}
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// IngestResponse is the body of a successful POST /ingest.
type IngestResponse struct {
	Status string           `json:"status"`
	Stored telemetry.Record `json:"stored"`
}

// ErrorResponse is the body of a rejected request.
type ErrorResponse struct {
	Error   string                 `json:"error"`
	Details []telemetry.FieldError `json:"details,omitempty"`
}

// Health is the body of GET /health.
type Health struct {
	Status    string       `json:"status"`
	Uptime    float64      `json:"uptime"`
	Timestamp string       `json:"timestamp"`
	Records   int          `json:"records"`
	Store     *StoreStatus `json:"store,omitempty"`
	Sinks     []SinkStatus `json:"sinks,omitempty"`
}

// StoreStatus reports the record log and its persistence outcomes.
type StoreStatus struct {
	Appends          uint64 `json:"appends"`
	PersistFailures  uint64 `json:"persistFailures"`
	LastPersistError string `json:"lastPersistError,omitempty"`
}

// SinkStatus is the delivery health of one downstream sink.
type SinkStatus struct {
	Sink             string     `json:"sink"`
	Status           string     `json:"status"`
	ConsecutiveFails int        `json:"consecutiveFails"`
	Delivered        uint64     `json:"delivered"`
	Failed           uint64     `json:"failed"`
	LastError        string     `json:"lastError,omitempty"`
	LastAttempt      *time.Time `json:"lastAttempt,omitempty"`
	LastSuccess      *time.Time `json:"lastSuccess,omitempty"`
}

// Client is a typed client for the twinlogy HTTP API.
type Client struct {
	base string
	hc   *http.Client
}

// New returns a client for the server at baseURL. hc may be nil.
func New(baseURL string, hc *http.Client) *Client {
	return &Client{base: strings.TrimRight(baseURL, "/"), hc: hc}
}

// Ingest submits one reading and returns the stored record. A validation
// rejection is returned as a *telemetry.ValidationError.
func (c *Client) Ingest(ctx context.Context, p telemetry.Payload) (telemetry.Record, error) {
	var resp IngestResponse
	err := PostJSON(ctx, c.hc, c.base+"/ingest", p, &resp)
	if err != nil {
		var se *StatusError
		if errors.As(err, &se) && se.Status == http.StatusBadRequest {
			var body ErrorResponse
			if json.Unmarshal(se.Body, &body) == nil && len(body.Details) > 0 {
				return telemetry.Record{}, &telemetry.ValidationError{Details: body.Details}
			}
		}
		return telemetry.Record{}, fmt.Errorf("ingest: %w", err)
	}
	return resp.Stored, nil
}

// Query fetches one page from /data. params carries filter and paging
// parameters exactly as the server reads them.
func (c *Client) Query(ctx context.Context, params url.Values) (query.Page, error) {
	var page query.Page
	u := c.base + "/data"
	if len(params) > 0 {
		u += "?" + params.Encode()
	}
	if err := GetJSON(ctx, c.hc, u, &page); err != nil {
		return query.Page{}, fmt.Errorf("query: %w", err)
	}
	return page, nil
}

// Health fetches /health.
func (c *Client) Health(ctx context.Context) (Health, error) {
	var h Health
	if err := GetJSON(ctx, c.hc, c.base+"/health", &h); err != nil {
		return Health{}, fmt.Errorf("health: %w", err)
	}
	return h, nil
}
