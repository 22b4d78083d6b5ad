package remote

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func signedToken(t *testing.T, exp time.Time) string {
	t.Helper()
	claims := jwt.RegisteredClaims{Subject: "rider-1", ExpiresAt: jwt.NewNumericDate(exp)}
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-secret"))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return s
}

// fakePostgREST stores rows per table and honours on_conflict.
type fakePostgREST struct {
	mu     sync.Mutex
	rows   map[string][]Record
	posts  int
	status int
	body   string
}

func (f *fakePostgREST) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if r.Header.Get("apikey") != "anon" {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	if f.status != 0 {
		w.WriteHeader(f.status)
		w.Write([]byte(f.body))
		return
	}

	table := strings.TrimPrefix(r.URL.Path, "/rest/v1/")
	switch r.Method {
	case http.MethodPost:
		f.posts++
		var rec Record
		json.NewDecoder(r.Body).Decode(&rec)
		if col := r.URL.Query().Get("on_conflict"); col != "" {
			for _, existing := range f.rows[table] {
				if existing[col] == rec[col] {
					w.WriteHeader(http.StatusCreated)
					json.NewEncoder(w).Encode([]Record{existing})
					return
				}
			}
		}
		f.rows[table] = append(f.rows[table], rec)
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode([]Record{rec})
	case http.MethodGet:
		var out []Record
		for col, vals := range r.URL.Query() {
			if col == "select" || col == "limit" {
				continue
			}
			want := strings.TrimPrefix(vals[0], "eq.")
			for _, row := range f.rows[table] {
				if row[col] == want {
					out = append(out, row)
				}
			}
		}
		json.NewEncoder(w).Encode(out)
	}
}

func TestRESTInsertUpsertsByClientID(t *testing.T) {
	fake := &fakePostgREST{rows: map[string][]Record{}}
	srv := httptest.NewServer(fake)
	defer srv.Close()

	c := NewREST(srv.URL, "anon", nil, time.Second, nil)
	ctx := context.Background()
	req := WriteRequest{
		Collection:     "stock_movements",
		Record:         Record{"client_id": "op-1", "quantity": 3},
		IdempotencyKey: "op-1",
		ConflictColumn: "client_id",
	}

	for i := 0; i < 2; i++ {
		rec, err := c.Insert(ctx, req)
		if err != nil {
			t.Fatalf("Insert failed: %v", err)
		}
		if rec["client_id"] != "op-1" {
			t.Errorf("unexpected record %v", rec)
		}
	}
	if n := len(fake.rows["stock_movements"]); n != 1 {
		t.Errorf("expected 1 stored row after replay, got %d", n)
	}

	ok, err := c.Exists(ctx, "stock_movements", "client_id", "op-1")
	if err != nil || !ok {
		t.Errorf("expected row to exist: %v %v", ok, err)
	}
	ok, _ = c.Exists(ctx, "stock_movements", "client_id", "op-2")
	if ok {
		t.Error("unexpected row for op-2")
	}
}

func TestRESTErrorClasses(t *testing.T) {
	tests := []struct {
		status int
		body   string
		want   Class
	}{
		{http.StatusBadRequest, `{"code":"23502","message":"null value in column"}`, ClassValidation},
		{http.StatusUnprocessableEntity, ``, ClassValidation},
		{http.StatusConflict, `{"code":"23505","message":"duplicate key"}`, ClassConflict},
		{http.StatusBadRequest, `{"code":"23505","message":"duplicate key"}`, ClassConflict},
		{http.StatusForbidden, `{"message":"permission denied"}`, ClassAuth},
		{http.StatusServiceUnavailable, `upstream down`, ClassNetwork},
		{http.StatusTooManyRequests, ``, ClassNetwork},
		{http.StatusGatewayTimeout, ``, ClassTimeout},
	}
	for _, tt := range tests {
		fake := &fakePostgREST{rows: map[string][]Record{}, status: tt.status, body: tt.body}
		srv := httptest.NewServer(fake)
		c := NewREST(srv.URL, "anon", nil, time.Second, nil)

		_, err := c.Insert(context.Background(), WriteRequest{Collection: "transactions", Record: Record{"a": 1}})
		var re *Error
		if !errors.As(err, &re) {
			t.Errorf("status %d: expected *Error, got %v", tt.status, err)
		} else if re.Class != tt.want {
			t.Errorf("status %d: expected %s, got %s", tt.status, tt.want, re.Class)
		}
		srv.Close()
	}
}

func TestRESTUnreachableIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	c := NewREST(url, "anon", nil, time.Second, nil)
	_, err := c.Insert(context.Background(), WriteRequest{Collection: "transactions", Record: Record{"a": 1}})
	if !IsTransient(err) {
		t.Errorf("expected transient error, got %v", err)
	}
}

func TestRESTTimeoutClass(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	c := NewREST(srv.URL, "anon", nil, 50*time.Millisecond, nil)
	_, err := c.Insert(context.Background(), WriteRequest{Collection: "transactions", Record: Record{"a": 1}})
	if Classify(err) != ClassTimeout {
		t.Errorf("expected timeout class, got %s (%v)", Classify(err), err)
	}
}

func TestRESTExpiredTokenFailsFast(t *testing.T) {
	fake := &fakePostgREST{rows: map[string][]Record{}}
	srv := httptest.NewServer(fake)
	defer srv.Close()

	tok, err := ParseToken(signedToken(t, time.Now().Add(-time.Minute)))
	if err != nil {
		t.Fatalf("ParseToken failed: %v", err)
	}
	c := NewREST(srv.URL, "anon", tok, time.Second, nil)
	_, err = c.Insert(context.Background(), WriteRequest{Collection: "transactions", Record: Record{"a": 1}})
	if Classify(err) != ClassAuth || !errors.Is(err, ErrTokenExpired) {
		t.Errorf("expected auth failure from expired token, got %v", err)
	}
	if fake.posts != 0 {
		t.Errorf("expired token must not reach the server, got %d posts", fake.posts)
	}
}

func TestRESTRejectsBadIdentifiers(t *testing.T) {
	c := NewREST("http://127.0.0.1:1", "anon", nil, time.Second, nil)
	_, err := c.Insert(context.Background(), WriteRequest{Collection: "transactions;drop", Record: Record{"a": 1}})
	if Classify(err) != ClassValidation {
		t.Errorf("expected validation error, got %v", err)
	}
}

func TestTokenCheck(t *testing.T) {
	now := time.Now()
	tok, err := ParseToken(signedToken(t, now.Add(time.Hour)))
	if err != nil {
		t.Fatalf("ParseToken failed: %v", err)
	}
	if err := tok.Check(now, time.Minute); err != nil {
		t.Errorf("fresh token rejected: %v", err)
	}
	if err := tok.Check(now.Add(2*time.Hour), 0); !errors.Is(err, ErrTokenExpired) {
		t.Errorf("expected ErrTokenExpired, got %v", err)
	}
	if _, err := ParseToken("not-a-jwt"); err == nil {
		t.Error("expected parse error")
	}
}

func TestNewSelectsDriver(t *testing.T) {
	if _, err := New(Options{Driver: "rest"}, nil); err == nil {
		t.Error("expected error without url")
	}
	s, err := New(Options{Driver: "libsql", URL: "libsql://db.example.turso.io"}, nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	l, ok := s.(*LibSQL)
	if !ok {
		t.Fatalf("expected *LibSQL, got %T", s)
	}
	if l.baseURL != "https://db.example.turso.io" {
		t.Errorf("libsql url not rewritten: %s", l.baseURL)
	}
	if _, err := New(Options{Driver: "grpc", URL: "x"}, nil); err == nil {
		t.Error("expected unknown driver error")
	}
}
