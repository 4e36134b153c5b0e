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

	"go.uber.org/zap"

	"github.com/teradata-labs/tentickle/internal/pubsub"
	"github.com/teradata-labs/tentickle/pkg/events"
	"github.com/teradata-labs/tentickle/pkg/session"
	"github.com/teradata-labs/tentickle/pkg/types"
)

// DrainGracePeriod bounds how long Stop waits for its drain pass (cancel
// each in-flight execution, pause and close each mounted session) to finish
// (spec §4.2 "exit within a bounded grace period (5 seconds)"). Stop does
// not wait for the cancelled executions to return and does not touch
// transports.
const DrainGracePeriod = 5 * time.Second

// sessionEntry tracks one mounted Session. execCancel, when non-nil,
// cancels whichever execution is currently running against it — replaced
// at the start of each Send and cleared when it returns, so Abort always
// targets the live execution rather than a stale one (spec §4.1 "abort()").
type sessionEntry struct {
	sess       *session.Session
	mu         sync.Mutex
	execCancel context.CancelFunc
}

// beginExecution derives a cancellable context for one Send call and
// records its cancel func as the entry's current abort target.
func (e *sessionEntry) beginExecution(parent context.Context) context.Context {
	ctx, cancel := context.WithCancel(parent)
	e.mu.Lock()
	e.execCancel = cancel
	e.mu.Unlock()
	return ctx
}

func (e *sessionEntry) endExecution() {
	e.mu.Lock()
	e.execCancel = nil
	e.mu.Unlock()
}

// abort cancels the in-flight execution, if any; a no-op otherwise.
func (e *sessionEntry) abort() {
	e.mu.Lock()
	cancel := e.execCancel
	e.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Gateway owns a map of named Apps and routes every inbound request to the
// (app, localKey) tuple it names, creating sessions lazily and idempotently
// (spec §4.2).
type Gateway struct {
	mu       sync.Mutex
	apps     map[string]App
	defApp   string
	entries  map[string]*sessionEntry // keyed by "appName:localKey"
	inFlight map[string]chan struct{} // dedups concurrent creation for the same key

	plugins []GatewayPlugin
	logger  *zap.Logger
}

// New builds a Gateway with no apps registered; call Register for each App.
func New(defaultApp string, logger *zap.Logger) *Gateway {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gateway{
		apps:     make(map[string]App),
		defApp:   defaultApp,
		entries:  make(map[string]*sessionEntry),
		inFlight: make(map[string]chan struct{}),
		logger:   logger,
	}
}

// Register adds an App to the gateway's registry, keyed by its Name().
func (g *Gateway) Register(app App) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.apps[app.Name()] = app
}

// AddPlugin attaches a hot-pluggable GatewayPlugin (spec §4.2). Start is
// called immediately.
func (g *Gateway) AddPlugin(ctx context.Context, p GatewayPlugin) error {
	if err := p.Start(ctx, g); err != nil {
		return fmt.Errorf("gateway: start plugin %q: %w", p.Name(), err)
	}
	g.mu.Lock()
	g.plugins = append(g.plugins, p)
	g.mu.Unlock()
	return nil
}

// resolve parses key, looks up the owning App, and returns the (app,
// localKey) tuple along with the composite entry key used for dedup.
func (g *Gateway) resolve(key string) (App, string, string, error) {
	appName, localKey, err := ParseSessionKey(key)
	if err != nil {
		return nil, "", "", err
	}
	if appName == "" {
		appName = g.defApp
	}

	g.mu.Lock()
	app, ok := g.apps[appName]
	g.mu.Unlock()
	if !ok {
		return nil, "", "", fmt.Errorf("gateway: no app registered for %q", appName)
	}
	return app, localKey, appName + ":" + localKey, nil
}

// entryFor returns the sessionEntry for key, creating it lazily via the
// owning App's Open. Concurrent calls for the same key dedupe onto a single
// Open (spec §4.2 "concurrent creation requests for the same key MUST
// deduplicate").
func (g *Gateway) entryFor(ctx context.Context, key string) (*sessionEntry, error) {
	app, localKey, entryKey, err := g.resolve(key)
	if err != nil {
		return nil, err
	}

	for {
		g.mu.Lock()
		if entry, ok := g.entries[entryKey]; ok {
			g.mu.Unlock()
			return entry, nil
		}
		if wait, ok := g.inFlight[entryKey]; ok {
			g.mu.Unlock()
			select {
			case <-wait:
				continue
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		wait := make(chan struct{})
		g.inFlight[entryKey] = wait
		g.mu.Unlock()

		sess, openErr := app.Open(ctx, localKey)

		g.mu.Lock()
		delete(g.inFlight, entryKey)
		var entry *sessionEntry
		if openErr == nil {
			entry = &sessionEntry{sess: sess}
			g.entries[entryKey] = entry
		}
		g.mu.Unlock()
		close(wait)

		if openErr != nil {
			return nil, fmt.Errorf("gateway: open session %q: %w", key, openErr)
		}
		return entry, nil
	}
}

// sessionFor is a convenience wrapper over entryFor for callers that only
// need the Session, not its cancellation scope.
func (g *Gateway) sessionFor(ctx context.Context, key string) (*session.Session, string, error) {
	entry, err := g.entryFor(ctx, key)
	if err != nil {
		return nil, "", err
	}
	return entry.sess, entry.sess.ID(), nil
}

// Abort signals cancellation to the active execution on the session named
// by key (spec §4.1 "abort()"). The engine stops after the current tick's
// in-flight model/tool resolves; Abort itself does not block on that.
func (g *Gateway) Abort(ctx context.Context, key string) error {
	entry, err := g.entryFor(ctx, key)
	if err != nil {
		return err
	}
	entry.abort()
	return nil
}

// Send routes an input batch to the session named by key, creating it
// lazily if needed, and runs the owning App's execution for it (spec §4.2,
// §4.1 "send(input) -> executionId"). The execution runs under a context
// derived from ctx so that a later Abort(key) can cancel it independently
// of the caller's own request lifetime.
func (g *Gateway) Send(ctx context.Context, key string, input []types.Message) (string, error) {
	app, _, entryKey, err := g.resolve(key)
	if err != nil {
		return "", err
	}
	entry, err := g.entryFor(ctx, key)
	if err != nil {
		return "", err
	}

	executor, ok := app.(Executor)
	if !ok {
		return "", fmt.Errorf("gateway: app %q does not implement Executor", entryKey)
	}

	execCtx := entry.beginExecution(ctx)
	defer entry.endExecution()

	exec, err := executor.Execute(execCtx, entry.sess, types.TriggerSend, input)
	if err != nil {
		return "", err
	}
	if exec == nil {
		// an execution was already running; input was queued (spec §4.1).
		return "", nil
	}
	return exec.ID, nil
}

// Confirm answers a pending tool-confirmation request on the session named
// by key (spec §4.1 step 4). Returns an error if no tool is suspended on
// toolUseID.
func (g *Gateway) Confirm(ctx context.Context, key, toolUseID string, approved bool) error {
	entry, err := g.entryFor(ctx, key)
	if err != nil {
		return err
	}
	if !entry.sess.ResolveConfirmation(toolUseID, approved) {
		return fmt.Errorf("gateway: no pending confirmation %q on session %q", toolUseID, key)
	}
	return nil
}

// Subscribe attaches a listener to the session named by key's event stream
// (spec §4.2 "fan out the session's event stream back over the originating
// transport").
func (g *Gateway) Subscribe(ctx context.Context, key string, filter func(events.Event) bool) (*session.Session, *pubsub.Subscription[events.Event], error) {
	sess, _, err := g.sessionFor(ctx, key)
	if err != nil {
		return nil, nil, err
	}
	return sess, sess.Subscribe(filter), nil
}

// Executor runs an App's ExecutionConfig against a Session. Apps that want
// Gateway.Send to actually drive an execution (rather than just mint
// Sessions) implement this alongside App.
type Executor interface {
	Execute(ctx context.Context, sess *session.Session, trigger types.TriggerType, input []types.Message) (*types.Execution, error)
}

// Stop drains the gateway (spec §4.2 "Daemon lifecycle"): stop every plugin,
// then cancel each mounted session's in-flight execution, mark the session
// paused and close its event stream, waiting up to DrainGracePeriod for that
// pass. It signals cancellation only; it does not wait for the cancelled
// executions to return. Transports are
// expected to have already stopped accepting new connections before Stop is
// called.
func (g *Gateway) Stop() {
	g.mu.Lock()
	entries := make([]*sessionEntry, 0, len(g.entries))
	for _, e := range g.entries {
		entries = append(entries, e)
	}
	plugins := g.plugins
	g.mu.Unlock()

	for _, p := range plugins {
		p.Stop()
	}

	done := make(chan struct{})
	go func() {
		for _, e := range entries {
			e.abort()
			e.sess.SetStatus(types.SessionPaused)
			e.sess.Close()
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(DrainGracePeriod):
		g.logger.Warn("gateway: drain did not finish within grace period", zap.Duration("grace", DrainGracePeriod))
	}
}
