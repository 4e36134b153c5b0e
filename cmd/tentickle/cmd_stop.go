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
	"fmt"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/teradata-labs/tentickle/pkg/config"
	"github.com/teradata-labs/tentickle/pkg/gateway"
)

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Signal the running daemon to drain and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		pidPath := config.PidfilePath()
		pid, err := gateway.ReadPidfile(pidPath)
		if err != nil {
			return wrapUnreachable(fmt.Errorf("no daemon pidfile at %s: %w", pidPath, err))
		}
		if !gateway.IsRunning(pid) {
			_ = gateway.RemovePidfile(pidPath)
			return wrapUnreachable(fmt.Errorf("daemon process %d is not running (stale pidfile removed)", pid))
		}
		if err := syscall.Kill(pid, syscall.SIGTERM); err != nil {
			return fmt.Errorf("signal daemon (pid %d): %w", pid, err)
		}
		fmt.Printf("sent SIGTERM to tentickle daemon (pid %d)\n", pid)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(stopCmd)
}
