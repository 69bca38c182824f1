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
	"sync"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

// SessionRegistry holds every live session on this process, keyed by session
// ID. It is the authority for "send to everyone" style addressing and for the
// connection count reported on the status surface.
type SessionRegistry struct {
	sync.RWMutex
	logger  *zap.Logger
	metrics Metrics

	sessions     map[uuid.UUID]Session
	sessionCount *atomic.Int32
}

func NewSessionRegistry(logger *zap.Logger, metrics Metrics) *SessionRegistry {
	return &SessionRegistry{
		logger:  logger,
		metrics: metrics,

		sessions:     make(map[uuid.UUID]Session),
		sessionCount: atomic.NewInt32(0),
	}
}

func (r *SessionRegistry) Count() int {
	return int(r.sessionCount.Load())
}

func (r *SessionRegistry) Get(sessionID uuid.UUID) Session {
	r.RLock()
	session := r.sessions[sessionID]
	r.RUnlock()
	return session
}

func (r *SessionRegistry) Add(session Session) {
	r.Lock()
	r.sessions[session.ID()] = session
	r.Unlock()

	count := r.sessionCount.Inc()
	r.metrics.GaugeSessions(float64(count))
}

func (r *SessionRegistry) Remove(sessionID uuid.UUID) {
	r.Lock()
	_, found := r.sessions[sessionID]
	if found {
		delete(r.sessions, sessionID)
	}
	r.Unlock()

	if found {
		count := r.sessionCount.Dec()
		r.metrics.GaugeSessions(float64(count))
	}
}

// Range iterates over live sessions. The callback must not call back into
// the registry.
func (r *SessionRegistry) Range(fn func(session Session) bool) {
	r.RLock()
	sessions := make([]Session, 0, len(r.sessions))
	for _, session := range r.sessions {
		sessions = append(sessions, session)
	}
	r.RUnlock()

	for _, session := range sessions {
		if !fn(session) {
			break
		}
	}
}

// Stop closes every live session, used during graceful shutdown.
func (r *SessionRegistry) Stop() {
	r.Range(func(session Session) bool {
		session.Close("server shutting down", SessionCloseReasonShutdown)
		return true
	})
	r.logger.Info("Session registry stopped")
}
