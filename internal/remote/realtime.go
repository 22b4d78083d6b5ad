package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

// Change is a row change pushed by the realtime service.
type Change struct {
	Type      string `json:"type"` // INSERT, UPDATE, DELETE
	Schema    string `json:"schema"`
	Table     string `json:"table"`
	Record    Record `json:"record,omitempty"`
	OldRecord Record `json:"old_record,omitempty"`
	CommitAt  string `json:"commit_timestamp,omitempty"`
}

// Filter selects the changes to receive.
type Filter struct {
	Schema string // defaults to "public"
	Table  string
	Event  string // "*", "INSERT", "UPDATE" or "DELETE"
	// Predicate is a PostgREST-style filter such as "rider_id=eq.42".
	Predicate string
}

// phxMessage is a Phoenix channel frame.
type phxMessage struct {
	Topic   string          `json:"topic"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
	Ref     string          `json:"ref,omitempty"`
}

// Realtime subscribes to row changes over the backend's Phoenix websocket.
// The sync core never depends on it; it backs operator tooling.
type Realtime struct {
	endpoint  string
	apiKey    string
	token     *Token
	heartbeat time.Duration
	logger    *slog.Logger
	ref       atomic.Int64
}

// NewRealtime derives the websocket endpoint from the REST base URL.
func NewRealtime(baseURL, apiKey string, token *Token, logger *slog.Logger) (*Realtime, error) {
	if logger == nil {
		logger = slog.Default()
	}
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("remote: parse realtime url: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	}
	u.Path += "/realtime/v1/websocket"
	q := u.Query()
	q.Set("apikey", apiKey)
	q.Set("vsn", "1.0.0")
	u.RawQuery = q.Encode()

	return &Realtime{
		endpoint:  u.String(),
		apiKey:    apiKey,
		token:     token,
		heartbeat: 30 * time.Second,
		logger:    logger.With("component", "remote.realtime"),
	}, nil
}

func (r *Realtime) nextRef() string {
	return strconv.FormatInt(r.ref.Add(1), 10)
}

// Subscribe joins a channel for f and calls fn for every change until ctx is
// cancelled or the connection fails.
func (r *Realtime) Subscribe(ctx context.Context, f Filter, fn func(Change)) error {
	if f.Schema == "" {
		f.Schema = "public"
	}
	if f.Event == "" {
		f.Event = "*"
	}

	conn, _, err := websocket.Dial(ctx, r.endpoint, nil)
	if err != nil {
		return transportError(f.Table, fmt.Errorf("dial realtime: %w", err))
	}
	defer conn.Close(websocket.StatusNormalClosure, "unsubscribe") //nolint:errcheck

	topic := "realtime:" + f.Schema + ":" + f.Table
	change := map[string]string{"event": f.Event, "schema": f.Schema, "table": f.Table}
	if f.Predicate != "" {
		change["filter"] = f.Predicate
	}
	join := map[string]interface{}{
		"config": map[string]interface{}{
			"postgres_changes": []map[string]string{change},
		},
	}
	if r.token != nil {
		join["access_token"] = r.token.Raw()
	}
	payload, _ := json.Marshal(join)
	if err := wsjson.Write(ctx, conn, phxMessage{Topic: topic, Event: "phx_join", Payload: payload, Ref: r.nextRef()}); err != nil {
		return transportError(f.Table, fmt.Errorf("join %s: %w", topic, err))
	}
	r.logger.Info("realtime channel joined", "topic", topic, "filter", f.Predicate)

	hbCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go r.heartbeatLoop(hbCtx, conn)

	for {
		var msg phxMessage
		if err := wsjson.Read(ctx, conn, &msg); err != nil {
			if ctx.Err() != nil || websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				return nil
			}
			return transportError(f.Table, err)
		}

		switch msg.Event {
		case "postgres_changes":
			var body struct {
				Data Change `json:"data"`
			}
			if err := json.Unmarshal(msg.Payload, &body); err != nil {
				r.logger.Warn("bad change payload", "error", err)
				continue
			}
			fn(body.Data)
		case "phx_reply":
			var reply struct {
				Status   string          `json:"status"`
				Response json.RawMessage `json:"response"`
			}
			if json.Unmarshal(msg.Payload, &reply) == nil && reply.Status == "error" {
				return &Error{Class: ClassAuth, Collection: f.Table, Message: string(reply.Response)}
			}
		case "phx_error", "phx_close":
			return &Error{Class: ClassNetwork, Collection: f.Table, Err: errors.New("channel " + msg.Event)}
		}
	}
}

func (r *Realtime) heartbeatLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(r.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			msg := phxMessage{Topic: "phoenix", Event: "heartbeat", Payload: json.RawMessage(`{}`), Ref: r.nextRef()}
			if err := wsjson.Write(ctx, conn, msg); err != nil {
				r.logger.Debug("heartbeat failed", "error", err)
				return
			}
		}
	}
}
