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

// Package gateway owns a map of named Apps, each minting Sessions on demand,
// and fans out their event streams over three simultaneous transports:
// in-process, Unix domain socket, and WebSocket (spec §4.2).
package gateway

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/teradata-labs/tentickle/pkg/session"
	"github.com/teradata-labs/tentickle/pkg/types"
)

// App mints Sessions on demand, keyed within the app by an arbitrary local
// key (spec §4.2).
type App interface {
	// Name identifies this app in session-key routing.
	Name() string
	// Open returns the existing session for localKey, or mints a new one.
	// Gateway guarantees at most one concurrent Open call per (app,
	// localKey) actually creates a session — see Gateway.entryFor.
	Open(ctx context.Context, localKey string) (*session.Session, error)
}

// sessionKeyPattern is the wire format of spec §6: "UTF-8 string, max 256
// bytes, [a-zA-Z0-9_.-]+(:[a-zA-Z0-9_.-]+)?".
var sessionKeyPattern = regexp.MustCompile(`^[a-zA-Z0-9_.-]+(:[a-zA-Z0-9_.-]+)?$`)

// ParseSessionKey splits a wire-format session key into (appName, localKey)
// per spec §4.2 "Session key syntax: [appName:]localKey". A key without the
// ":" prefix has an empty appName, routing to the gateway's defaultApp.
func ParseSessionKey(key string) (appName, localKey string, err error) {
	if len(key) == 0 || len(key) > 256 {
		return "", "", fmt.Errorf("gateway: session key must be 1-256 bytes, got %d", len(key))
	}
	if !sessionKeyPattern.MatchString(key) {
		return "", "", fmt.Errorf("gateway: session key %q does not match [a-zA-Z0-9_.-]+(:[a-zA-Z0-9_.-]+)?", key)
	}
	if idx := strings.IndexByte(key, ':'); idx >= 0 {
		return key[:idx], key[idx+1:], nil
	}
	return "", key, nil
}

// InputEnvelope is the send() request body (spec §6 "Input envelope").
type InputEnvelope struct {
	Messages    []types.Message `json:"messages"`
	Attachments []string        `json:"attachments,omitempty"`
}
