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

// Package config resolves the on-disk locations tentickle uses: the data
// directory, the daemon socket and pidfile, and the jobs/triggers
// directories the scheduler owns.
package config

import (
	"os"
	"path/filepath"
	"strings"
)

// GetDataDir returns the tentickle data directory.
//
// Priority:
//  1. TENTICKLE_DATA_DIR environment variable (if set and non-empty)
//  2. ~/.tentickle (default)
//
// The returned path is always absolute; a leading "~/" is expanded to the
// user's home directory.
func GetDataDir() string {
	if dir := os.Getenv("TENTICKLE_DATA_DIR"); dir != "" {
		return expandPath(dir)
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return ".tentickle"
	}
	return filepath.Join(homeDir, ".tentickle")
}

// GetSubDir returns a subdirectory within the data directory, e.g.
// GetSubDir("jobs") returns ~/.tentickle/jobs.
func GetSubDir(subdir string) string {
	return filepath.Join(GetDataDir(), subdir)
}

// DBPath returns the path to the single SQLite database file.
func DBPath() string {
	return filepath.Join(GetDataDir(), "tentickle.db")
}

// JobsDir returns the directory holding one JSON file per scheduled job.
func JobsDir() string {
	return GetSubDir("jobs")
}

// TriggersDir returns the directory the scheduler writes trigger files into
// and the TriggerWatcher drains them from.
func TriggersDir() string {
	return GetSubDir("triggers")
}

// SocketPath returns the daemon's Unix domain socket path.
//
// Priority:
//  1. TENTICKLE_SOCKET environment variable
//  2. <dataDir>/daemon.sock
func SocketPath() string {
	if s := os.Getenv("TENTICKLE_SOCKET"); s != "" {
		return expandPath(s)
	}
	return filepath.Join(GetDataDir(), "daemon.sock")
}

// PidfilePath returns the daemon's pidfile path.
func PidfilePath() string {
	return filepath.Join(GetDataDir(), "daemon.pid")
}

// DaemonURL returns a remote websocket URL for the daemon, if configured.
func DaemonURL() string {
	return os.Getenv("TENTICKLE_DAEMON_URL")
}

func expandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(homeDir, path[2:])
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return path
	}
	return abs
}
