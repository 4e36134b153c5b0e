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
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// JobStore is the persistent, one-file-per-job collection of Jobs under
// dir (spec §4.4 "JobStore"). Its onChange channel fires after every
// create/update/delete so Scheduler can re-sync.
type JobStore struct {
	dir    string
	logger *zap.Logger

	mu   sync.RWMutex
	subs []chan struct{}
}

// NewJobStore opens dir as a JobStore, creating it if missing.
func NewJobStore(dir string, logger *zap.Logger) (*JobStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("scheduler: create jobs dir: %w", err)
	}
	return &JobStore{dir: dir, logger: logger}, nil
}

// OnChange registers a channel that receives a (non-blocking) notification
// after every mutation. Callers should drain it promptly; a full channel
// drops the notification rather than blocking the mutator.
func (s *JobStore) OnChange() <-chan struct{} {
	ch := make(chan struct{}, 1)
	s.mu.Lock()
	s.subs = append(s.subs, ch)
	s.mu.Unlock()
	return ch
}

func (s *JobStore) notify() {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, ch := range s.subs {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

func (s *JobStore) path(id string) string {
	return filepath.Join(s.dir, id+".json")
}

// Create assigns job.ID (slugified name, suffixed on collision, random if
// the slug is empty) and writes it to disk (spec §4.4).
func (s *JobStore) Create(job Job) (Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := slugify(job.Name)
	if id == "" {
		id = uuid.NewString()
	} else if _, err := os.Stat(s.path(id)); err == nil {
		for n := 2; ; n++ {
			candidate := fmt.Sprintf("%s-%d", id, n)
			if _, err := os.Stat(s.path(candidate)); os.IsNotExist(err) {
				id = candidate
				break
			}
		}
	}
	job.ID = id

	if err := s.write(job); err != nil {
		return Job{}, err
	}
	s.notify()
	return job, nil
}

// Update overwrites the job file for job.ID, which must already exist.
func (s *JobStore) Update(job Job) (Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := os.Stat(s.path(job.ID)); err != nil {
		return Job{}, fmt.Errorf("scheduler: job %q not found: %w", job.ID, err)
	}
	if err := s.write(job); err != nil {
		return Job{}, err
	}
	s.notify()
	return job, nil
}

// Delete removes the job file for id.
func (s *JobStore) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.Remove(s.path(id)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("scheduler: delete job %q: %w", id, err)
	}
	s.notify()
	return nil
}

func (s *JobStore) write(job Job) error {
	body, err := json.MarshalIndent(job, "", "  ")
	if err != nil {
		return fmt.Errorf("scheduler: marshal job %q: %w", job.ID, err)
	}
	if err := os.WriteFile(s.path(job.ID), body, 0o644); err != nil {
		return fmt.Errorf("scheduler: write job %q: %w", job.ID, err)
	}
	return nil
}

// List returns every well-formed job file in the directory, sorted by id.
// A file missing an "id" field, or that fails to parse, is skipped (spec
// §4.4 "Malformed files are skipped, not fatal.").
func (s *JobStore) List() ([]Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("scheduler: read jobs dir: %w", err)
	}

	var jobs []Job
	for _, ent := range entries {
		if ent.IsDir() || !strings.HasSuffix(ent.Name(), ".json") {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(s.dir, ent.Name()))
		if err != nil {
			s.logger.Warn("scheduler: skipping unreadable job file", zap.String("file", ent.Name()), zap.Error(err))
			continue
		}
		var job Job
		if err := json.Unmarshal(raw, &job); err != nil {
			s.logger.Warn("scheduler: skipping malformed job file", zap.String("file", ent.Name()), zap.Error(err))
			continue
		}
		if job.ID == "" {
			continue
		}
		jobs = append(jobs, job)
	}
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].ID < jobs[j].ID })
	return jobs, nil
}

// ListEnabled returns only enabled jobs.
func (s *JobStore) ListEnabled() ([]Job, error) {
	all, err := s.List()
	if err != nil {
		return nil, err
	}
	var enabled []Job
	for _, j := range all {
		if j.Enabled {
			enabled = append(enabled, j)
		}
	}
	return enabled, nil
}

// Get returns the current on-disk state of job id.
func (s *JobStore) Get(id string) (Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	raw, err := os.ReadFile(s.path(id))
	if err != nil {
		return Job{}, err
	}
	var job Job
	if err := json.Unmarshal(raw, &job); err != nil {
		return Job{}, fmt.Errorf("scheduler: job %q is malformed: %w", id, err)
	}
	return job, nil
}
