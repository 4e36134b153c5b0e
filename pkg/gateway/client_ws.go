// Copyright 2026 Teradata
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package gateway

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/teradata-labs/tentickle/pkg/events"
	"github.com/teradata-labs/tentickle/pkg/types"
)

const (
	wsReconnectBaseBackoff = 500 * time.Millisecond
	wsReconnectMaxBackoff  = 30 * time.Second
	wsDialTimeout          = 10 * time.Second
)

// WSClient is the remote-client side of the websocket transport (spec §4.2:
// "reconnect with exponential backoff and in-flight-request replay"). A
// request that fails mid-flight because the connection dropped is replayed
// on the next connection rather than surfaced to the caller; requests are
// serialized over one connection, matching the server's per-connection
// read loop.
type WSClient struct {
	url    string
	logger *zap.Logger

	mu   sync.Mutex // serializes roundTrip and guards conn
	conn *websocket.Conn

	maxAttempts int
}

// DialWS connects a WSClient to url (e.g. the TENTICKLE_DAEMON_URL value).
// The initial dial also goes through the backoff loop, so a daemon that is
// still starting up does not fail the client immediately.
func DialWS(ctx context.Context, url string, logger *zap.Logger) (*WSClient, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &WSClient{url: url, logger: logger, maxAttempts: 5}
	backoff := wsReconnectBaseBackoff
	var err error
	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		if _, err = c.ensureConn(ctx); err == nil {
			return c, nil
		}
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		backoff *= 2
		if backoff > wsReconnectMaxBackoff {
			backoff = wsReconnectMaxBackoff
		}
	}
	return nil, fmt.Errorf("gateway: ws dial failed after %d attempts: %w", c.maxAttempts, err)
}

// Send routes an input batch to the session named by key on the remote
// daemon.
func (c *WSClient) Send(ctx context.Context, key string, input []types.Message) (string, error) {
	resp, err := c.roundTrip(ctx, wireRequest{Op: "send", Key: key, Envelope: InputEnvelope{Messages: input}})
	if err != nil {
		return "", err
	}
	if resp.Error != "" {
		return "", fmt.Errorf("gateway: remote send: %s", resp.Error)
	}
	return resp.ExecutionID, nil
}

// Abort signals cancellation to the session's active execution.
func (c *WSClient) Abort(ctx context.Context, key string) error {
	resp, err := c.roundTrip(ctx, wireRequest{Op: "abort", Key: key})
	if err != nil {
		return err
	}
	if resp.Error != "" {
		return fmt.Errorf("gateway: remote abort: %s", resp.Error)
	}
	return nil
}

// Confirm answers a pending tool-confirmation request on the remote session.
func (c *WSClient) Confirm(ctx context.Context, key, toolUseID string, approved bool) error {
	resp, err := c.roundTrip(ctx, wireRequest{Op: "confirm", Key: key, ToolUseID: toolUseID, Approved: approved})
	if err != nil {
		return err
	}
	if resp.Error != "" {
		return fmt.Errorf("gateway: remote confirm: %s", resp.Error)
	}
	return nil
}

// Subscribe attaches to the remote session's event stream. Events arrive on
// the returned channel until execution_end, an unrecoverable connection
// error, or ctx cancellation; the channel is then closed. Subscribe holds
// the connection for the stream's lifetime, so use a dedicated WSClient per
// concurrent subscription.
func (c *WSClient) Subscribe(ctx context.Context, key string) (<-chan WireEvent, error) {
	c.mu.Lock()
	conn, err := c.ensureConnLocked(ctx)
	if err != nil {
		c.mu.Unlock()
		return nil, err
	}
	if err := conn.WriteJSON(wireRequest{Op: "subscribe", Key: key}); err != nil {
		c.dropConnLocked(conn)
		c.mu.Unlock()
		return nil, fmt.Errorf("gateway: subscribe request: %w", err)
	}
	c.mu.Unlock()

	out := make(chan WireEvent, 64)
	go func() {
		defer close(out)
		for {
			var ev WireEvent
			if err := conn.ReadJSON(&ev); err != nil {
				return
			}
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
			if ev.Type == events.ExecutionEnd {
				return
			}
		}
	}()
	return out, nil
}

// Close tears down the connection.
func (c *WSClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		err := c.conn.Close()
		c.conn = nil
		return err
	}
	return nil
}

// roundTrip writes req and reads its response, reconnecting with
// exponential backoff and replaying req on a fresh connection whenever the
// write or read fails mid-flight.
func (c *WSClient) roundTrip(ctx context.Context, req wireRequest) (wireResponse, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	backoff := wsReconnectBaseBackoff
	var lastErr error
	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		conn, err := c.ensureConnLocked(ctx)
		if err == nil {
			if err = conn.WriteJSON(req); err == nil {
				var resp wireResponse
				if err = conn.ReadJSON(&resp); err == nil {
					return resp, nil
				}
			}
			c.dropConnLocked(conn)
		}
		lastErr = err
		c.logger.Warn("gateway: ws request failed, will reconnect and replay",
			zap.String("op", req.Op), zap.Int("attempt", attempt), zap.Error(err))

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return wireResponse{}, ctx.Err()
		}
		backoff *= 2
		if backoff > wsReconnectMaxBackoff {
			backoff = wsReconnectMaxBackoff
		}
	}
	return wireResponse{}, fmt.Errorf("gateway: ws request failed after %d attempts: %w", c.maxAttempts, lastErr)
}

func (c *WSClient) ensureConn(ctx context.Context) (*websocket.Conn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ensureConnLocked(ctx)
}

func (c *WSClient) ensureConnLocked(ctx context.Context) (*websocket.Conn, error) {
	if c.conn != nil {
		return c.conn, nil
	}
	dialCtx, cancel := context.WithTimeout(ctx, wsDialTimeout)
	defer cancel()
	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, c.url, nil)
	if err != nil {
		return nil, fmt.Errorf("gateway: dial %s: %w", c.url, err)
	}
	c.conn = conn
	return conn, nil
}

func (c *WSClient) dropConnLocked(conn *websocket.Conn) {
	conn.Close()
	if c.conn == conn {
		c.conn = nil
	}
}
