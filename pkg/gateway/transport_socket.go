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
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"syscall"

	"go.uber.org/zap"

	"github.com/teradata-labs/tentickle/pkg/events"
)

// SocketTransport serves the Gateway over a Unix domain socket using
// length-prefixed JSON frames (SPEC_FULL.md §4.2 "added"). One connection
// handles one request/response exchange for send/abort, or streams
// WireEvents indefinitely for subscribe.
type SocketTransport struct {
	gw     *Gateway
	path   string
	logger *zap.Logger

	mu       sync.Mutex
	listener net.Listener
	wg       sync.WaitGroup
}

// NewSocketTransport binds a SocketTransport to path; Serve actually listens.
func NewSocketTransport(gw *Gateway, path string, logger *zap.Logger) *SocketTransport {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SocketTransport{gw: gw, path: path, logger: logger}
}

// Serve binds the socket, unlinking a stale one first (spec §6 "A stale
// socket MUST be unlinked before rebinding"), and accepts connections until
// ctx is cancelled.
func (t *SocketTransport) Serve(ctx context.Context) error {
	if err := removeStaleSocket(t.path); err != nil {
		return err
	}
	if err := os.MkdirAll(dirOf(t.path), 0o700); err != nil {
		return fmt.Errorf("gateway: create socket dir: %w", err)
	}
	ln, err := net.Listen("unix", t.path)
	if err != nil {
		return fmt.Errorf("gateway: listen on %s: %w", t.path, err)
	}
	if err := os.Chmod(t.path, 0o600); err != nil {
		ln.Close()
		return fmt.Errorf("gateway: chmod socket: %w", err)
	}

	t.mu.Lock()
	t.listener = ln
	t.mu.Unlock()

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				t.wg.Wait()
				return nil
			}
			t.logger.Warn("gateway: socket accept failed", zap.Error(err))
			continue
		}
		t.wg.Add(1)
		go func() {
			defer t.wg.Done()
			t.handleConn(ctx, conn)
		}()
	}
}

// Close stops accepting new connections and unlinks the socket file.
func (t *SocketTransport) Close() {
	t.mu.Lock()
	ln := t.listener
	t.mu.Unlock()
	if ln != nil {
		ln.Close()
	}
	os.Remove(t.path)
}

func (t *SocketTransport) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	var req wireRequest
	if err := readFrame(conn, &req); err != nil {
		return
	}

	switch req.Op {
	case "send":
		execID, err := t.gw.Send(ctx, req.Key, req.Envelope.Messages)
		resp := wireResponse{ExecutionID: execID}
		if err != nil {
			resp.Error = err.Error()
		}
		_ = writeFrame(conn, resp)

	case "abort":
		resp := wireResponse{}
		if err := t.gw.Abort(ctx, req.Key); err != nil {
			resp.Error = err.Error()
		}
		_ = writeFrame(conn, resp)

	case "confirm":
		resp := wireResponse{}
		if err := t.gw.Confirm(ctx, req.Key, req.ToolUseID, req.Approved); err != nil {
			resp.Error = err.Error()
		}
		_ = writeFrame(conn, resp)

	case "subscribe":
		_, sub, err := t.gw.Subscribe(ctx, req.Key, nil)
		if err != nil {
			_ = writeFrame(conn, wireResponse{Error: err.Error()})
			return
		}
		defer sub.Unsubscribe()
		for {
			select {
			case ev, ok := <-sub.C:
				if !ok {
					return
				}
				if err := writeFrame(conn, toWire(ev)); err != nil {
					return
				}
				if ev.Type == events.ExecutionEnd {
					return
				}
			case <-ctx.Done():
				return
			}
		}

	default:
		_ = writeFrame(conn, wireResponse{Error: fmt.Sprintf("gateway: unknown op %q", req.Op)})
	}
}

// removeStaleSocket unlinks path if it's a socket with no live listener
// behind it. Any non-"connection refused" dial error is treated as "some
// other process may still own this" and left alone.
func removeStaleSocket(path string) error {
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("gateway: stat socket path: %w", err)
	}
	conn, err := net.Dial("unix", path)
	if err == nil {
		conn.Close()
		return fmt.Errorf("gateway: socket %s already has a listener", path)
	}
	if !errors.Is(err, syscall.ECONNREFUSED) {
		return fmt.Errorf("gateway: socket %s is not stale: %w", path, err)
	}
	return os.Remove(path)
}

func dirOf(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' {
			return path[:i]
		}
	}
	return "."
}
