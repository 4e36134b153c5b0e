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
	"net"

	"github.com/spf13/cobra"

	"github.com/teradata-labs/tentickle/pkg/config"
	"github.com/teradata-labs/tentickle/pkg/gateway"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Report whether the tentickle daemon is reachable",
	RunE: func(cmd *cobra.Command, args []string) error {
		pidPath := config.PidfilePath()
		pid, err := gateway.ReadPidfile(pidPath)
		if err != nil || !gateway.IsRunning(pid) {
			return wrapUnreachable(fmt.Errorf("daemon not running"))
		}

		conn, err := net.Dial("unix", config.SocketPath())
		if err != nil {
			return wrapUnreachable(fmt.Errorf("pidfile names a live process (%d) but socket %s is unreachable: %w", pid, config.SocketPath(), err))
		}
		conn.Close()

		fmt.Printf("tentickle daemon running (pid %d, socket %s)\n", pid, config.SocketPath())
		return nil
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
