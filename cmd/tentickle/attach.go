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
	"net"

	"github.com/teradata-labs/tentickle/pkg/config"
	"github.com/teradata-labs/tentickle/pkg/gateway"
)

// runAttach is what a bare `tentickle` invocation runs: auto-detect a
// running daemon and report it. A full terminal UI (spec §6 "default:
// launch TUI") is a rendering-layer concern outside this repo's scope
// (DESIGN.md "Dropped teacher dependencies") — this stub gives the same
// auto-detect signal a TUI front end would rely on before attaching.
func runAttach(ctx context.Context) error {
	pid, err := gateway.ReadPidfile(config.PidfilePath())
	if err != nil || !gateway.IsRunning(pid) {
		return wrapUnreachable(fmt.Errorf("no tentickle daemon running; start one with 'tentickle start'"))
	}

	conn, err := net.Dial("unix", config.SocketPath())
	if err != nil {
		return wrapUnreachable(fmt.Errorf("daemon pid %d found but socket unreachable: %w", pid, err))
	}
	conn.Close()

	fmt.Printf("tentickle daemon is running (pid %d) — attach a client to %s\n", pid, config.SocketPath())
	return nil
}
