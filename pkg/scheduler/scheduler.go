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
	"os"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Scheduler holds one cron entry per enabled Job and re-syncs against the
// JobStore on every change (spec §4.4 "Scheduler").
type Scheduler struct {
	store       *JobStore
	triggersDir string
	logger      *zap.Logger
	engine      *cron.Cron

	mu      sync.Mutex
	entries map[string]cron.EntryID // job id -> cron entry
	exprs   map[string]string       // job id -> cron expression currently scheduled

	stopCh chan struct{}
	doneCh chan struct{}
}

// New builds a Scheduler over store, writing trigger files into
// triggersDir when jobs fire.
func New(store *JobStore, triggersDir string, logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		store:       store,
		triggersDir: triggersDir,
		logger:      logger,
		engine:      cron.New(),
		entries:     make(map[string]cron.EntryID),
		exprs:       make(map[string]string),
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
	}
}

// Start performs an initial sync, starts the cron engine, and spawns a
// goroutine that re-syncs on every JobStore.OnChange signal until Stop.
func (s *Scheduler) Start(ctx context.Context) error {
	if err := s.sync(); err != nil {
		return err
	}
	s.engine.Start()

	changes := s.store.OnChange()
	go func() {
		defer close(s.doneCh)
		for {
			select {
			case <-s.stopCh:
				return
			case <-ctx.Done():
				return
			case <-changes:
				if err := s.sync(); err != nil {
					s.logger.Warn("scheduler: resync failed", zap.Error(err))
				}
			}
		}
	}()
	return nil
}

// Stop detaches the change listener and stops every timer (spec §4.4
// "Cancellation").
func (s *Scheduler) Stop() {
	close(s.stopCh)
	<-s.doneCh
	stopCtx := s.engine.Stop()
	<-stopCtx.Done()
}

// sync reconciles cron entries against the current enabled job set:
// removed/disabled jobs lose their timer, changed cron expressions get a
// fresh timer, unchanged expressions keep their existing entry identity
// (spec §4.4, invariant 8).
func (s *Scheduler) sync() error {
	jobs, err := s.store.ListEnabled()
	if err != nil {
		return err
	}
	seen := make(map[string]struct{}, len(jobs))

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, job := range jobs {
		seen[job.ID] = struct{}{}
		id := job.ID

		if existingExpr, ok := s.exprs[id]; ok && existingExpr == job.Cron {
			continue // identity preserved, nothing to do
		}
		if entryID, ok := s.entries[id]; ok {
			s.engine.Remove(entryID)
		}

		jobID := id
		entryID, err := s.engine.AddFunc(job.Cron, func() { s.fire(jobID) })
		if err != nil {
			s.logger.Warn("scheduler: skipping job with invalid cron expression",
				zap.String("job", jobID), zap.String("cron", job.Cron), zap.Error(err))
			delete(s.entries, id)
			delete(s.exprs, id)
			continue
		}
		s.entries[id] = entryID
		s.exprs[id] = job.Cron
	}

	for id, entryID := range s.entries {
		if _, ok := seen[id]; !ok {
			s.engine.Remove(entryID)
			delete(s.entries, id)
			delete(s.exprs, id)
		}
	}
	return nil
}

// fire re-reads the job (it may have been mutated since scheduling), gates
// on its heartbeat file if one is configured, and writes a trigger record
// (spec §4.4, scenario S3).
func (s *Scheduler) fire(jobID string) {
	job, err := s.store.Get(jobID)
	if err != nil {
		s.logger.Warn("scheduler: job vanished before firing", zap.String("job", jobID), zap.Error(err))
		return
	}
	if !job.Enabled {
		return
	}

	if hb := job.HeartbeatFile(); hb != "" {
		content, err := os.ReadFile(hb)
		if err != nil || len(content) == 0 {
			return
		}
		job.Prompt = job.Prompt + "\n\n---\n\n" + string(content)
	}

	firedAt := time.Now()
	t := Trigger{
		JobID:   job.ID,
		JobName: job.Name,
		Target:  job.Target,
		Prompt:  job.Prompt,
		FiredAt: firedAt,
		Oneshot: job.Oneshot,
	}
	if err := writeTrigger(s.triggersDir, t); err != nil {
		s.logger.Error("scheduler: failed to write trigger", zap.String("job", jobID), zap.Error(err))
		return
	}

	job.LastFired = &firedAt
	if _, err := s.store.Update(job); err != nil {
		s.logger.Warn("scheduler: failed to record lastFired", zap.String("job", jobID), zap.Error(err))
	}
}
