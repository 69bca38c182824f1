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
	"time"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"
)

// OfflineHandler is invoked when a user's offline grace period expires with
// no remaining connections. lastSeen is the time the user's final connection
// dropped, not the time the grace period expired.
type OfflineHandler func(identity Identity, lastSeen time.Time)

// offlineTask is a pending offline announcement for a user key. A reconnect
// inside the grace period marks the task stale instead of racing to stop the
// timer, so a fire that has already left the timer runtime is still ignored.
type offlineTask struct {
	timer    *time.Timer
	stale    bool
	lastSeen time.Time
}

// PresenceRegistry tracks which users are online and with how many
// simultaneous connections. A user is online while at least one of their
// sessions is live; when the last one drops the user is only announced
// offline after a grace period with no reconnect.
type PresenceRegistry struct {
	sync.Mutex
	logger *zap.Logger
	config *Config

	// entries maps user key to that user's live sessions.
	entries map[string]map[uuid.UUID]Session
	// pending maps user key to an armed offline task, if any.
	pending map[string]*offlineTask

	offlineHandler OfflineHandler
	metrics        Metrics
}

func NewPresenceRegistry(logger *zap.Logger, config *Config, metrics Metrics) *PresenceRegistry {
	return &PresenceRegistry{
		logger:  logger,
		config:  config,
		metrics: metrics,

		entries: make(map[string]map[uuid.UUID]Session),
		pending: make(map[string]*offlineTask),
	}
}

// SetOfflineHandler installs the callback invoked when a user goes offline.
// Must be called before any session registers.
func (p *PresenceRegistry) SetOfflineHandler(fn OfflineHandler) {
	p.Lock()
	p.offlineHandler = fn
	p.Unlock()
}

// Register records a session under its user key. Returns true when this is
// the user's first live connection, i.e. the user transitioned to online.
// Any pending offline task for the user is cancelled.
func (p *PresenceRegistry) Register(session Session) bool {
	userKey := session.UserKey()

	p.Lock()
	if task, ok := p.pending[userKey]; ok {
		task.stale = true
		task.timer.Stop()
		delete(p.pending, userKey)
	}

	sessions, ok := p.entries[userKey]
	if !ok {
		sessions = make(map[uuid.UUID]Session, 1)
		p.entries[userKey] = sessions
	}
	first := len(sessions) == 0
	sessions[session.ID()] = session
	online := p.countOnlineLocked()
	p.Unlock()

	p.metrics.GaugeOnlineUsers(float64(online))
	return first
}

// Unregister removes a session from its user key. When it was the user's
// last connection an offline task is armed: after the grace period, if the
// user has not reconnected, the offline handler fires exactly once.
func (p *PresenceRegistry) Unregister(session Session) {
	userKey := session.UserKey()
	identity := session.Identity()

	p.Lock()
	sessions, ok := p.entries[userKey]
	if !ok {
		p.Unlock()
		return
	}
	if _, ok := sessions[session.ID()]; !ok {
		p.Unlock()
		return
	}
	delete(sessions, session.ID())
	if len(sessions) > 0 {
		p.Unlock()
		return
	}

	// Last connection for this user. Supersede any previous task before
	// arming a new one.
	if task, ok := p.pending[userKey]; ok {
		task.stale = true
		task.timer.Stop()
	}
	task := &offlineTask{lastSeen: time.Now()}
	task.timer = time.AfterFunc(p.config.Presence.GetOfflineGrace(), func() {
		p.fireOffline(userKey, identity, task)
	})
	p.pending[userKey] = task
	online := p.countOnlineLocked()
	p.Unlock()

	p.metrics.GaugeOnlineUsers(float64(online))
}

// fireOffline runs in the timer goroutine at grace expiry. It re-checks
// presence under the lock: a reconnect may have landed after the timer was
// committed to run, in which case the task is stale and does nothing.
func (p *PresenceRegistry) fireOffline(userKey string, identity Identity, task *offlineTask) {
	p.Lock()
	if task.stale {
		p.Unlock()
		return
	}
	if sessions, ok := p.entries[userKey]; ok && len(sessions) > 0 {
		p.Unlock()
		return
	}
	delete(p.entries, userKey)
	if p.pending[userKey] == task {
		delete(p.pending, userKey)
	}
	handler := p.offlineHandler
	online := p.countOnlineLocked()
	p.Unlock()

	p.metrics.GaugeOnlineUsers(float64(online))
	p.logger.Debug("User offline", zap.String("user_key", userKey))
	if handler != nil {
		handler(identity, task.lastSeen)
	}
}

// IsOnline reports whether the user has at least one live connection.
func (p *PresenceRegistry) IsOnline(userKey string) bool {
	p.Lock()
	sessions, ok := p.entries[userKey]
	online := ok && len(sessions) > 0
	p.Unlock()
	return online
}

// SessionsFor returns a snapshot of the user's live sessions.
func (p *PresenceRegistry) SessionsFor(userKey string) []Session {
	p.Lock()
	sessions := p.entries[userKey]
	out := make([]Session, 0, len(sessions))
	for _, session := range sessions {
		out = append(out, session)
	}
	p.Unlock()
	return out
}

// CountOnline returns the number of distinct users with live connections.
func (p *PresenceRegistry) CountOnline() int {
	p.Lock()
	count := p.countOnlineLocked()
	p.Unlock()
	return count
}

// countOnlineLocked excludes keys whose session set is empty while their
// offline grace timer runs. Must be called with the lock held.
func (p *PresenceRegistry) countOnlineLocked() int {
	count := 0
	for _, sessions := range p.entries {
		if len(sessions) > 0 {
			count++
		}
	}
	return count
}
