package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"time"
)

// LibSQL writes to a libSQL/Turso database over the Hrana HTTP pipeline.
// It has no cgo dependencies.
type LibSQL struct {
	baseURL    string
	authToken  string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewLibSQL creates a client. libsql:// URLs are rewritten to https://.
func NewLibSQL(databaseURL, authToken string, timeout time.Duration, logger *slog.Logger) *LibSQL {
	if logger == nil {
		logger = slog.Default()
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	baseURL := databaseURL
	if strings.HasPrefix(baseURL, "libsql://") {
		baseURL = "https://" + strings.TrimPrefix(baseURL, "libsql://")
	}

	return &LibSQL{
		baseURL:   strings.TrimRight(baseURL, "/"),
		authToken: authToken,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		logger: logger.With("component", "remote.libsql"),
	}
}

// HealthURL is a cheap endpoint for connectivity probes.
func (c *LibSQL) HealthURL() string { return c.baseURL + "/health" }

type pipelineRequest struct {
	Requests []pipelineStep `json:"requests"`
}

type pipelineStep struct {
	Type string     `json:"type"` // "execute" or "close"
	Stmt *Statement `json:"stmt,omitempty"`
}

// Statement is a SQL statement with positional arguments.
type Statement struct {
	SQL  string        `json:"sql"`
	Args []interface{} `json:"args,omitempty"`
}

type pipelineResponse struct {
	Results []pipelineResult `json:"results"`
}

type pipelineResult struct {
	Type     string           `json:"type"` // "ok" or "error"
	Response *executeResponse `json:"response,omitempty"`
	Error    *PipelineError   `json:"error,omitempty"`
}

type executeResponse struct {
	Type   string           `json:"type"`
	Result *StatementResult `json:"result,omitempty"`
}

type column struct {
	Name string `json:"name"`
}

// StatementResult holds rows returned by one statement.
type StatementResult struct {
	Cols         []column            `json:"cols"`
	Rows         [][]json.RawMessage `json:"rows"`
	AffectedRows int64               `json:"affected_row_count"`
}

// PipelineError is a statement-level error reported by the server.
type PipelineError struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

func (e *PipelineError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	return e.Message
}

// hranaValue converts a Go value to the tagged Hrana value format.
func hranaValue(v interface{}) interface{} {
	switch val := v.(type) {
	case nil:
		return map[string]interface{}{"type": "null"}
	case string:
		return map[string]interface{}{"type": "text", "value": val}
	case bool:
		n := "0"
		if val {
			n = "1"
		}
		return map[string]interface{}{"type": "integer", "value": n}
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return map[string]interface{}{"type": "integer", "value": fmt.Sprintf("%d", val)}
	case float32, float64:
		return map[string]interface{}{"type": "float", "value": val}
	case time.Time:
		return map[string]interface{}{"type": "text", "value": val.UTC().Format(time.RFC3339Nano)}
	default:
		// Nested values (transaction items) are stored as JSON text.
		b, err := json.Marshal(val)
		if err != nil {
			return map[string]interface{}{"type": "text", "value": fmt.Sprintf("%v", val)}
		}
		return map[string]interface{}{"type": "text", "value": string(b)}
	}
}

func convertArgs(args []interface{}) []interface{} {
	if args == nil {
		return nil
	}
	converted := make([]interface{}, len(args))
	for i, arg := range args {
		converted[i] = hranaValue(arg)
	}
	return converted
}

// execute runs statements in one pipeline and closes the stream. The first
// statement error is returned.
func (c *LibSQL) execute(ctx context.Context, collection string, stmts ...Statement) ([]pipelineResult, error) {
	req := pipelineRequest{}
	for i := range stmts {
		s := Statement{SQL: stmts[i].SQL, Args: convertArgs(stmts[i].Args)}
		req.Requests = append(req.Requests, pipelineStep{Type: "execute", Stmt: &s})
	}
	req.Requests = append(req.Requests, pipelineStep{Type: "close"})

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v2/pipeline", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.authToken != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.authToken)
	}

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, transportError(collection, err)
	}
	defer httpResp.Body.Close() //nolint:errcheck

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, transportError(collection, fmt.Errorf("read response: %w", err))
	}
	if httpResp.StatusCode != http.StatusOK {
		return nil, &Error{
			Class:      classForStatus(httpResp.StatusCode),
			Status:     httpResp.StatusCode,
			Collection: collection,
			Message:    strings.TrimSpace(string(respBody)),
		}
	}

	var resp pipelineResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, fmt.Errorf("parse response: %w", err)
	}
	for i, r := range resp.Results {
		if r.Type == "error" && r.Error != nil {
			return nil, &Error{
				Class:      classForSQLite(r.Error),
				Collection: collection,
				Code:       r.Error.Code,
				Message:    fmt.Sprintf("statement %d: %s", i, r.Error.Message),
				Err:        r.Error,
			}
		}
	}
	return resp.Results, nil
}

func classForSQLite(e *PipelineError) Class {
	msg := strings.ToUpper(e.Message + " " + e.Code)
	switch {
	case strings.Contains(msg, "UNIQUE") || strings.Contains(msg, "PRIMARY KEY"):
		return ClassConflict
	case strings.Contains(msg, "AUTH") || strings.Contains(msg, "PERMISSION"):
		return ClassAuth
	case strings.Contains(msg, "BUSY") || strings.Contains(msg, "LOCKED"):
		return ClassNetwork
	}
	return ClassValidation
}

// Exec runs statements in a single pipeline.
func (c *LibSQL) Exec(ctx context.Context, stmts ...Statement) error {
	_, err := c.execute(ctx, "", stmts...)
	return err
}

func (c *LibSQL) Insert(ctx context.Context, req WriteRequest) (Record, error) {
	cols := make([]string, 0, len(req.Record))
	for k := range req.Record {
		cols = append(cols, k)
	}
	sort.Strings(cols)
	if err := checkIdent(append([]string{req.Collection}, cols...)...); err != nil {
		return nil, &Error{Class: ClassValidation, Collection: req.Collection, Err: err}
	}
	if len(cols) == 0 {
		return nil, &Error{Class: ClassValidation, Collection: req.Collection, Message: "empty record"}
	}

	args := make([]interface{}, len(cols))
	for i, col := range cols {
		args[i] = req.Record[col]
	}
	sql := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		req.Collection, strings.Join(cols, ", "), strings.TrimSuffix(strings.Repeat("?, ", len(cols)), ", "))
	if req.ConflictColumn != "" {
		if err := checkIdent(req.ConflictColumn); err != nil {
			return nil, &Error{Class: ClassValidation, Collection: req.Collection, Err: err}
		}
		sql += fmt.Sprintf(" ON CONFLICT(%s) DO NOTHING", req.ConflictColumn)
	}

	if _, err := c.execute(ctx, req.Collection, Statement{SQL: sql, Args: args}); err != nil {
		return nil, err
	}
	c.logger.Debug("record written", "collection", req.Collection, "key", req.IdempotencyKey)
	return req.Record, nil
}

func (c *LibSQL) Exists(ctx context.Context, collection, column, value string) (bool, error) {
	if err := checkIdent(collection, column); err != nil {
		return false, &Error{Class: ClassValidation, Collection: collection, Err: err}
	}
	results, err := c.execute(ctx, collection, Statement{
		SQL:  fmt.Sprintf("SELECT 1 FROM %s WHERE %s = ? LIMIT 1", collection, column),
		Args: []interface{}{value},
	})
	if err != nil {
		return false, err
	}
	if len(results) == 0 || results[0].Response == nil || results[0].Response.Result == nil {
		return false, nil
	}
	return len(results[0].Response.Result.Rows) > 0, nil
}
