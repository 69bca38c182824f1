// Copyright 2024 The Nakama Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package server

import (
	"context"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"
)

// Identity is the (userType, userId) pair identifying a logical user,
// independent of how many connections they have open. It is established once
// at connection setup and never renegotiated.
type Identity struct {
	UserID   string
	UserType string
}

// Key returns the presence map key for this identity.
func (i Identity) Key() string {
	return i.UserType + "_" + i.UserID
}

// SessionCloseReason describes why a session was closed, for logging and
// cleanup decisions.
type SessionCloseReason uint8

const (
	SessionCloseReasonUnknown SessionCloseReason = iota
	SessionCloseReasonDisconnect
	SessionCloseReasonTransportError
	SessionCloseReasonQueueFull
	SessionCloseReasonShutdown
)

func (r SessionCloseReason) String() string {
	switch r {
	case SessionCloseReasonDisconnect:
		return "disconnect"
	case SessionCloseReasonTransportError:
		return "transport_error"
	case SessionCloseReasonQueueFull:
		return "queue_full"
	case SessionCloseReasonShutdown:
		return "shutdown"
	default:
		return "unknown"
	}
}

// Session is one live bidirectional channel instance belonging to one
// Identity. Sends are fire-and-forget: they enqueue onto the session's
// outgoing queue and never block the caller.
type Session interface {
	ID() uuid.UUID
	Identity() Identity
	UserKey() string
	ClientIP() string
	ClientPort() string

	Context() context.Context
	Logger() *zap.Logger

	// Consume runs the inbound read loop until the connection closes.
	// Events from the same session are processed in the order sent.
	Consume()

	Send(envelope *Envelope) error
	SendBytes(payload []byte) error

	// Close is idempotent and performs full cleanup of the session's
	// registry, presence, and channel state.
	Close(msg string, reason SessionCloseReason)
}
