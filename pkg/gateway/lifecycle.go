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
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"
)

// WritePidfile writes the current process pid to path, creating its parent
// directory if needed (spec §6 "Pidfile at <dataDir>/daemon.pid").
func WritePidfile(path string) error {
	if err := os.MkdirAll(dirOf(path), 0o700); err != nil {
		return fmt.Errorf("gateway: create pidfile dir: %w", err)
	}
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o600)
}

// RemovePidfile removes path, ignoring a missing file.
func RemovePidfile(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("gateway: remove pidfile: %w", err)
	}
	return nil
}

// ReadPidfile returns the pid recorded at path.
func ReadPidfile(path string) (int, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(raw)))
	if err != nil {
		return 0, fmt.Errorf("gateway: pidfile %s does not contain a pid: %w", path, err)
	}
	return pid, nil
}

// IsRunning reports whether pid names a live process, using signal 0 to
// probe without actually delivering anything (spec §6 "stale socket (no
// process at the pidfile's pid)").
func IsRunning(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}
