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
	"os"

	"github.com/spf13/cobra"
)

// exit codes (spec §6 "Exit codes: 0 success; 1 generic error; 2
// daemon-unreachable").
const (
	exitOK          = 0
	exitError       = 1
	exitUnreachable = 2
)

var rootCmd = &cobra.Command{
	Use:   "tentickle",
	Short: "A local, persistent runtime for long-lived autonomous agents",
	Long: `tentickle runs agent sessions as a background daemon: a session's
timeline survives restarts, tool calls resume across crashes, and cron jobs
and external events feed back into the same execution engine.

With no subcommand, tentickle probes its Unix socket for a running daemon
and reports the daemon's pid and socket path; no terminal UI is bundled.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runAttach(cmd.Context())
	},
}

// Execute runs the root command, translating errors into the spec's exit
// code contract.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "tentickle:", err)
		if _, ok := err.(unreachableError); ok {
			os.Exit(exitUnreachable)
		}
		os.Exit(exitError)
	}
}

// unreachableError marks an error that should map to exit code 2 (daemon
// unreachable) instead of the generic 1.
type unreachableError struct{ error }

func wrapUnreachable(err error) error { return unreachableError{err} }
