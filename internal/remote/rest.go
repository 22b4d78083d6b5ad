package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// REST is a client for PostgREST-style backends (Supabase and compatible).
type REST struct {
	baseURL    string
	apiKey     string
	token      *Token
	httpClient *http.Client
	logger     *slog.Logger
	now        func() time.Time
}

// NewREST creates a REST client. token may be nil, in which case the API key
// is also sent as the bearer credential.
func NewREST(baseURL, apiKey string, token *Token, timeout time.Duration, logger *slog.Logger) *REST {
	if logger == nil {
		logger = slog.Default()
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &REST{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		token:   token,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		logger: logger.With("component", "remote.rest"),
		now:    time.Now,
	}
}

// Token returns the session token, nil when the API key is used alone.
func (c *REST) Token() *Token { return c.token }

// HealthURL is a cheap endpoint for connectivity probes.
func (c *REST) HealthURL() string { return c.baseURL + "/rest/v1/" }

// apiError is the PostgREST error body.
type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details"`
	Hint    string `json:"hint"`
}

func (c *REST) Insert(ctx context.Context, req WriteRequest) (Record, error) {
	if err := checkIdent(req.Collection); err != nil {
		return nil, &Error{Class: ClassValidation, Collection: req.Collection, Err: err}
	}

	q := url.Values{}
	prefer := "return=representation"
	if req.ConflictColumn != "" {
		if err := checkIdent(req.ConflictColumn); err != nil {
			return nil, &Error{Class: ClassValidation, Collection: req.Collection, Err: err}
		}
		q.Set("on_conflict", req.ConflictColumn)
		prefer += ",resolution=merge-duplicates"
	}

	body, err := json.Marshal(req.Record)
	if err != nil {
		return nil, &Error{Class: ClassValidation, Collection: req.Collection, Err: fmt.Errorf("marshal record: %w", err)}
	}

	endpoint := c.baseURL + "/rest/v1/" + req.Collection
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Prefer", prefer)
	if req.IdempotencyKey != "" {
		httpReq.Header.Set("Idempotency-Key", req.IdempotencyKey)
	}

	var rows []Record
	if err := c.do(httpReq, req.Collection, &rows); err != nil {
		return nil, err
	}
	c.logger.Debug("record written", "collection", req.Collection, "key", req.IdempotencyKey)
	if len(rows) == 0 {
		return Record{}, nil
	}
	return rows[0], nil
}

func (c *REST) Exists(ctx context.Context, collection, column, value string) (bool, error) {
	if err := checkIdent(collection, column); err != nil {
		return false, &Error{Class: ClassValidation, Collection: collection, Err: err}
	}
	q := url.Values{}
	q.Set("select", column)
	q.Set(column, "eq."+value)
	q.Set("limit", "1")

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/rest/v1/"+collection+"?"+q.Encode(), nil)
	if err != nil {
		return false, fmt.Errorf("create request: %w", err)
	}

	var rows []Record
	if err := c.do(httpReq, collection, &rows); err != nil {
		return false, err
	}
	return len(rows) > 0, nil
}

func (c *REST) do(req *http.Request, collection string, out interface{}) error {
	bearer := c.apiKey
	if c.token != nil {
		if err := c.token.Check(c.now(), 10*time.Second); err != nil {
			return &Error{Class: ClassAuth, Collection: collection, Err: err}
		}
		bearer = c.token.Raw()
	}
	req.Header.Set("apikey", c.apiKey)
	req.Header.Set("Authorization", "Bearer "+bearer)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return transportError(collection, err)
	}
	defer resp.Body.Close() //nolint:errcheck

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return transportError(collection, fmt.Errorf("read response: %w", err))
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		e := &Error{
			Class:      classForStatus(resp.StatusCode),
			Status:     resp.StatusCode,
			Collection: collection,
			Message:    strings.TrimSpace(string(respBody)),
		}
		var ae apiError
		if json.Unmarshal(respBody, &ae) == nil && ae.Message != "" {
			e.Code = ae.Code
			e.Message = ae.Message
			if ae.Details != "" {
				e.Message += ": " + ae.Details
			}
			// unique_violation
			if ae.Code == "23505" {
				e.Class = ClassConflict
			}
		}
		return e
	}

	if out == nil || len(bytes.TrimSpace(respBody)) == 0 {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("parse response: %w", err)
	}
	return nil
}
