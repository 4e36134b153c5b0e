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

// Package scheduler holds a file-based collection of cron Jobs, fires them
// on schedule into the triggers directory, and drains trigger files back
// into the Gateway (spec §4.4).
package scheduler

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Job is a cron-style schedule (spec §3 "Job").
type Job struct {
	ID         string            `json:"id"`
	Name       string            `json:"name"`
	Cron       string            `json:"cron"`
	Target     string            `json:"target"`
	Prompt     string            `json:"prompt"`
	Oneshot    bool              `json:"oneshot"`
	Enabled    bool              `json:"enabled"`
	LastFired  *time.Time        `json:"lastFired,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// HeartbeatFile returns the job's configured heartbeat gate path, if any.
func (j Job) HeartbeatFile() string {
	return j.Metadata["heartbeatFile"]
}

var slugPattern = regexp.MustCompile(`[^a-z0-9]+`)

// slugify lowercases name and replaces runs of non-alphanumerics with "-",
// trimming leading/trailing dashes (spec §4.4 "id is the slugified name").
func slugify(name string) string {
	s := slugPattern.ReplaceAllString(strings.ToLower(name), "-")
	return strings.Trim(s, "-")
}

// Trigger is the record written to the triggers directory when a job fires
// (spec §6 "Trigger file format").
type Trigger struct {
	JobID   string    `json:"jobId"`
	JobName string    `json:"jobName"`
	Target  string    `json:"target"`
	Prompt  string    `json:"prompt"`
	FiredAt time.Time `json:"firedAt"`
	Oneshot bool      `json:"oneshot"`
}

// triggerFilename returns the lexicographically-chronological filename for
// a trigger fired at firedAt for jobID (spec §6 "<epochMs>-<jobId>.json").
func triggerFilename(firedAt time.Time, jobID string) string {
	return fmt.Sprintf("%d-%s.json", firedAt.UnixMilli(), jobID)
}

// writeTrigger atomically writes a Trigger file into dir.
func writeTrigger(dir string, t Trigger) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("scheduler: create triggers dir: %w", err)
	}
	body, err := json.MarshalIndent(t, "", "  ")
	if err != nil {
		return fmt.Errorf("scheduler: marshal trigger: %w", err)
	}
	final := filepath.Join(dir, triggerFilename(t.FiredAt, t.JobID))
	tmp := final + ".tmp-" + uuid.NewString()
	if err := os.WriteFile(tmp, body, 0o644); err != nil {
		return fmt.Errorf("scheduler: write trigger: %w", err)
	}
	if err := os.Rename(tmp, final); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("scheduler: rename trigger into place: %w", err)
	}
	return nil
}
