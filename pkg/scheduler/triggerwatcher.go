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

package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/teradata-labs/tentickle/pkg/types"
)

// Sender is the subset of Gateway.Send the watcher needs.
type Sender interface {
	Send(ctx context.Context, key string, input []types.Message) (string, error)
}

// TriggerWatcher drains trigger files from a directory in timestamp order
// and delivers them to a Gateway (spec §4.4 "TriggerWatcher").
type TriggerWatcher struct {
	dir           string
	gateway       Sender
	jobs          *JobStore
	defaultTarget string
	logger        *zap.Logger
	onError       func(jobID string, err error)

	watcher *fsnotify.Watcher

	mu       sync.Mutex
	inFlight map[string]struct{}

	stopCh chan struct{}
	doneCh chan struct{}
}

// NewTriggerWatcher builds a watcher over dir, delivering to gateway. Target
// falls back to defaultTarget when a Trigger's own Target is empty.
// onError, if non-nil, is called for every delivery failure (spec §4.4
// "emits an error to the caller's onError hook").
func NewTriggerWatcher(dir string, gateway Sender, jobs *JobStore, defaultTarget string, onError func(jobID string, err error), logger *zap.Logger) (*TriggerWatcher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("scheduler: create trigger watcher: %w", err)
	}
	return &TriggerWatcher{
		dir:           dir,
		gateway:       gateway,
		jobs:          jobs,
		defaultTarget: defaultTarget,
		logger:        logger,
		onError:       onError,
		watcher:       fw,
		inFlight:      make(map[string]struct{}),
		stopCh:        make(chan struct{}),
		doneCh:        make(chan struct{}),
	}, nil
}

// Start drains every existing trigger file in timestamp order (recovering
// missed firings across restarts), then watches for new ones until ctx is
// cancelled or Stop is called.
func (w *TriggerWatcher) Start(ctx context.Context) error {
	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		return fmt.Errorf("scheduler: create triggers dir: %w", err)
	}
	if err := w.watcher.Add(w.dir); err != nil {
		return fmt.Errorf("scheduler: watch triggers dir: %w", err)
	}

	w.drainExisting(ctx)

	go func() {
		defer close(w.doneCh)
		for {
			select {
			case <-w.stopCh:
				return
			case <-ctx.Done():
				return
			case ev, ok := <-w.watcher.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Create|fsnotify.Write) == 0 {
					continue
				}
				w.process(ctx, ev.Name)
			case err, ok := <-w.watcher.Errors:
				if !ok {
					return
				}
				w.logger.Warn("scheduler: trigger watcher error", zap.Error(err))
			}
		}
	}()
	return nil
}

// Stop detaches the watcher; a drain loop in progress stops at the next
// file boundary (spec §4.4 "Cancellation").
func (w *TriggerWatcher) Stop() {
	close(w.stopCh)
	<-w.doneCh
	w.watcher.Close()
}

func (w *TriggerWatcher) drainExisting(ctx context.Context) {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		w.logger.Warn("scheduler: failed to list triggers dir", zap.Error(err))
		return
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".json") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names) // epochMs prefix sorts chronologically

	for _, name := range names {
		select {
		case <-w.stopCh:
			return
		case <-ctx.Done():
			return
		default:
		}
		w.process(ctx, filepath.Join(w.dir, name))
	}
}

func (w *TriggerWatcher) process(ctx context.Context, path string) {
	w.mu.Lock()
	if _, busy := w.inFlight[path]; busy {
		w.mu.Unlock()
		return
	}
	w.inFlight[path] = struct{}{}
	w.mu.Unlock()
	defer func() {
		w.mu.Lock()
		delete(w.inFlight, path)
		w.mu.Unlock()
	}()

	raw, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			w.logger.Warn("scheduler: failed to read trigger file", zap.String("file", path), zap.Error(err))
		}
		return
	}
	var t Trigger
	if err := json.Unmarshal(raw, &t); err != nil {
		w.logger.Warn("scheduler: malformed trigger file", zap.String("file", path), zap.Error(err))
		return
	}

	target := t.Target
	if target == "" {
		target = w.defaultTarget
	}

	input := []types.Message{{
		Role: types.RoleEvent,
		Metadata: map[string]any{
			"source":     map[string]any{"type": "cron"},
			"event_type": "cron_trigger",
			"job_id":     t.JobID,
		},
		Blocks: []types.ContentBlock{{Type: types.BlockText, TextContent: t.Prompt}},
	}}

	if _, err := w.gateway.Send(ctx, target, input); err != nil {
		if w.onError != nil {
			w.onError(t.JobID, err)
		}
		return // preserve the file for retry on next start
	}

	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		w.logger.Warn("scheduler: failed to remove delivered trigger", zap.String("file", path), zap.Error(err))
	}
	if t.Oneshot && w.jobs != nil {
		if err := w.jobs.Delete(t.JobID); err != nil {
			w.logger.Warn("scheduler: failed to delete oneshot job", zap.String("job", t.JobID), zap.Error(err))
		}
	}
}
