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

package main

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/teradata-labs/tentickle/pkg/engine"
	"github.com/teradata-labs/tentickle/pkg/session"
	"github.com/teradata-labs/tentickle/pkg/store"
	"github.com/teradata-labs/tentickle/pkg/types"
)

// chatApp is the default gateway.App: one persistent chat session per local
// key, restored from the store on first Open and driven by a single shared
// ExecutionConfig (spec §4.2, §4.1). Additional Apps (e.g. a Telegram
// bridge) register their own key namespace alongside this one.
type chatApp struct {
	name   string
	store  *store.Store
	cfg    engine.ExecutionConfig
	runner *engine.Runner
	logger *zap.Logger
}

func newChatApp(name string, st *store.Store, cfg engine.ExecutionConfig, runner *engine.Runner, logger *zap.Logger) *chatApp {
	return &chatApp{name: name, store: st, cfg: cfg, runner: runner, logger: logger}
}

func (a *chatApp) Name() string { return a.name }

// Open restores localKey's session from the store if it exists, otherwise
// mints a fresh one and persists its row immediately.
func (a *chatApp) Open(ctx context.Context, localKey string) (*session.Session, error) {
	sessionID := a.name + ":" + localKey

	snap, err := a.store.Load(ctx, sessionID)
	if err == nil && snap != nil {
		return session.Restore(
			snap.Session.ID, snap.Session.Type, snap.Session.WorkspacePath,
			snap.Session.OwnerEntityID, snap.Session.Status, snap.Session.Tick,
			snap.Timeline, snap.ComState, a.logger,
		), nil
	}

	if err := a.store.CreateSession(ctx, sessionID, types.SessionTypeChat, "", "", "", localKey); err != nil {
		return nil, fmt.Errorf("tentickle: create session %q: %w", sessionID, err)
	}
	return session.New(sessionID, types.SessionTypeChat, "", localKey, a.logger), nil
}

// Execute drives one execution of a.cfg against sess (gateway.Executor).
func (a *chatApp) Execute(ctx context.Context, sess *session.Session, trigger types.TriggerType, input []types.Message) (*types.Execution, error) {
	for i := range input {
		if input[i].ID == "" {
			input[i].ID = uuid.NewString()
		}
	}
	return a.runner.Run(ctx, sess, a.cfg, trigger, input)
}
