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
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/teradata-labs/tentickle/pkg/config"
	"github.com/teradata-labs/tentickle/pkg/engine"
	"github.com/teradata-labs/tentickle/pkg/gateway"
	"github.com/teradata-labs/tentickle/pkg/scheduler"
	"github.com/teradata-labs/tentickle/pkg/store"
)

var (
	startForeground bool
	startPort       int
	startAgent      string
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the tentickle daemon",
	RunE: func(cmd *cobra.Command, args []string) error {
		if !startForeground {
			return fmt.Errorf("daemonizing (fork to background) is not implemented in this build; pass --foreground")
		}
		return runDaemon(cmd.Context(), startPort, startAgent)
	},
}

func init() {
	startCmd.Flags().BoolVar(&startForeground, "foreground", false, "run in the foreground instead of forking to background")
	startCmd.Flags().IntVar(&startPort, "port", 0, "TCP port for the websocket transport (0 disables it)")
	startCmd.Flags().StringVar(&startAgent, "agent", "default", "name of the App namespace to mount as the default app")
	rootCmd.AddCommand(startCmd)
}

func runDaemon(ctx context.Context, port int, agentName string) error {
	logger, err := zap.NewDevelopment()
	if err != nil {
		logger = zap.NewNop()
	}
	defer logger.Sync()

	pidPath := config.PidfilePath()
	if pid, err := gateway.ReadPidfile(pidPath); err == nil && gateway.IsRunning(pid) {
		return fmt.Errorf("daemon already running (pid %d)", pid)
	}
	if err := gateway.WritePidfile(pidPath); err != nil {
		return fmt.Errorf("write pidfile: %w", err)
	}
	defer gateway.RemovePidfile(pidPath)

	st, err := store.Open(config.DBPath(), logger)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	if n, err := st.RecoverCrashedExecutions(ctx); err != nil {
		logger.Warn("failed to recover crashed executions", zap.Error(err))
	} else if n > 0 {
		logger.Info("recovered crashed executions", zap.Int("count", n))
	}

	runner := engine.NewRunner(st, logger)
	cfg := engine.ExecutionConfig{} // a real Model/Tools/Grounding set is wired in by the embedding host
	app := newChatApp(agentName, st, cfg, runner, logger)

	gw := gateway.New(agentName, logger)
	gw.Register(app)
	defer gw.Stop()

	jobStore, err := scheduler.NewJobStore(config.JobsDir(), logger)
	if err != nil {
		return fmt.Errorf("open job store: %w", err)
	}
	sched := scheduler.New(jobStore, config.TriggersDir(), logger)
	if err := sched.Start(ctx); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}
	defer sched.Stop()

	watcher, err := scheduler.NewTriggerWatcher(config.TriggersDir(), gw, jobStore, agentName+":default",
		func(jobID string, err error) { logger.Warn("trigger delivery failed", zap.String("job", jobID), zap.Error(err)) },
		logger)
	if err != nil {
		return fmt.Errorf("start trigger watcher: %w", err)
	}
	watcherCtx, cancelWatcher := context.WithCancel(ctx)
	if err := watcher.Start(watcherCtx); err != nil {
		cancelWatcher()
		return fmt.Errorf("start trigger watcher: %w", err)
	}
	defer func() { cancelWatcher(); watcher.Stop() }()

	socketTransport := gateway.NewSocketTransport(gw, config.SocketPath(), logger)
	socketErrCh := make(chan error, 1)
	go func() {
		if err := socketTransport.Serve(ctx); err != nil {
			socketErrCh <- err
		}
	}()
	defer socketTransport.Close()

	var wsTransport *gateway.WebSocketTransport
	wsErrCh := make(chan error, 1)
	if port > 0 {
		wsTransport = gateway.NewWebSocketTransport(gw, logger)
		go func() {
			if err := wsTransport.Start(ctx, ":"+strconv.Itoa(port)); err != nil {
				wsErrCh <- err
			}
		}()
	}

	logger.Info("tentickle daemon ready",
		zap.String("socket", config.SocketPath()),
		zap.Int("ws_port", port))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, os.Interrupt)

	select {
	case <-sigCh:
		logger.Info("received shutdown signal, draining")
	case err := <-socketErrCh:
		logger.Error("socket transport failed", zap.Error(err))
	case err := <-wsErrCh:
		logger.Error("websocket transport failed", zap.Error(err))
	case <-ctx.Done():
	}

	return nil
}
