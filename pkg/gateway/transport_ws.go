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
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/teradata-labs/tentickle/pkg/events"
)

// WebSocketTransport upgrades HTTP connections and pumps one client's
// send/abort/subscribe traffic over a single socket, grounded on
// vanducng-goclaw's internal/gateway/server.go Server/handleWebSocket.
type WebSocketTransport struct {
	gw       *Gateway
	logger   *zap.Logger
	upgrader websocket.Upgrader

	httpServer *http.Server

	mu      sync.Mutex
	clients map[*wsClient]struct{}
}

type wsClient struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func (c *wsClient) writeJSON(v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteJSON(v)
}

// NewWebSocketTransport builds a transport for gw. BuildMux mounts the
// websocket endpoint at /ws, and Start takes the listen address.
func NewWebSocketTransport(gw *Gateway, logger *zap.Logger) *WebSocketTransport {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WebSocketTransport{
		gw:     gw,
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// same-origin isn't meaningful for a local daemon; every origin
			// is accepted, matching vanducng-goclaw's local-network server.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		clients: make(map[*wsClient]struct{}),
	}
}

// BuildMux registers the websocket endpoint and a health probe.
func (t *WebSocketTransport) BuildMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", t.handleWebSocket)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	return mux
}

// Start serves the mux on addr until ctx is cancelled, then shuts down
// within a bounded grace period (spec §4.2 daemon lifecycle).
func (t *WebSocketTransport) Start(ctx context.Context, addr string) error {
	t.httpServer = &http.Server{Addr: addr, Handler: t.BuildMux()}

	errCh := make(chan error, 1)
	go func() {
		if err := t.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return t.httpServer.Shutdown(shutdownCtx)
	}
}

func (t *WebSocketTransport) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := t.upgrader.Upgrade(w, r, nil)
	if err != nil {
		t.logger.Warn("gateway: websocket upgrade failed", zap.Error(err))
		return
	}
	client := &wsClient{conn: conn}

	t.mu.Lock()
	t.clients[client] = struct{}{}
	t.mu.Unlock()
	defer func() {
		t.mu.Lock()
		delete(t.clients, client)
		t.mu.Unlock()
		conn.Close()
	}()

	ctx := r.Context()
	for {
		var req wireRequest
		if err := conn.ReadJSON(&req); err != nil {
			return
		}
		t.handleRequest(ctx, client, req)
	}
}

func (t *WebSocketTransport) handleRequest(ctx context.Context, client *wsClient, req wireRequest) {
	switch req.Op {
	case "send":
		execID, err := t.gw.Send(ctx, req.Key, req.Envelope.Messages)
		resp := wireResponse{ExecutionID: execID}
		if err != nil {
			resp.Error = err.Error()
		}
		_ = client.writeJSON(resp)

	case "abort":
		resp := wireResponse{}
		if err := t.gw.Abort(ctx, req.Key); err != nil {
			resp.Error = err.Error()
		}
		_ = client.writeJSON(resp)

	case "confirm":
		resp := wireResponse{}
		if err := t.gw.Confirm(ctx, req.Key, req.ToolUseID, req.Approved); err != nil {
			resp.Error = err.Error()
		}
		_ = client.writeJSON(resp)

	case "subscribe":
		_, sub, err := t.gw.Subscribe(ctx, req.Key, nil)
		if err != nil {
			_ = client.writeJSON(wireResponse{Error: err.Error()})
			return
		}
		go func() {
			defer sub.Unsubscribe()
			for {
				select {
				case ev, ok := <-sub.C:
					if !ok {
						return
					}
					if err := client.writeJSON(toWire(ev)); err != nil {
						return
					}
					if ev.Type == events.ExecutionEnd {
						return
					}
				case <-ctx.Done():
					return
				}
			}
		}()

	default:
		_ = client.writeJSON(wireResponse{Error: "gateway: unknown op " + req.Op})
	}
}
