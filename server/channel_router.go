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
	"go.uber.org/zap"
)

// Channel name builders. Every connected user is auto-joined to their
// personal channel; conversation channels are joined on request.
func userChannel(userKey string) string {
	return "user_" + userKey
}

func conversationChannel(conversationID string) string {
	return "conversation_" + conversationID
}

// ChannelRouter fans envelopes out to channel members. Membership is indexed
// both by channel and by session so that a disconnect can drop all of a
// session's memberships in one call.
type ChannelRouter struct {
	sync.RWMutex
	logger          *zap.Logger
	sessionRegistry *SessionRegistry

	byChannel map[string]map[uuid.UUID]Session
	bySession map[uuid.UUID]map[string]struct{}
}

func NewChannelRouter(logger *zap.Logger, sessionRegistry *SessionRegistry) *ChannelRouter {
	return &ChannelRouter{
		logger:          logger,
		sessionRegistry: sessionRegistry,

		byChannel: make(map[string]map[uuid.UUID]Session),
		bySession: make(map[uuid.UUID]map[string]struct{}),
	}
}

// Join adds the session to the channel. Joining a channel the session is
// already in is a no-op.
func (r *ChannelRouter) Join(channel string, session Session) {
	sessionID := session.ID()

	r.Lock()
	members, ok := r.byChannel[channel]
	if !ok {
		members = make(map[uuid.UUID]Session, 1)
		r.byChannel[channel] = members
	}
	members[sessionID] = session

	channels, ok := r.bySession[sessionID]
	if !ok {
		channels = make(map[string]struct{}, 2)
		r.bySession[sessionID] = channels
	}
	channels[channel] = struct{}{}
	r.Unlock()
}

// Leave removes the session from the channel. Leaving a channel the session
// is not in is a no-op.
func (r *ChannelRouter) Leave(channel string, session Session) {
	sessionID := session.ID()

	r.Lock()
	if members, ok := r.byChannel[channel]; ok {
		delete(members, sessionID)
		if len(members) == 0 {
			delete(r.byChannel, channel)
		}
	}
	if channels, ok := r.bySession[sessionID]; ok {
		delete(channels, channel)
		if len(channels) == 0 {
			delete(r.bySession, sessionID)
		}
	}
	r.Unlock()
}

// LeaveAll drops every membership held by the session. Called on disconnect.
func (r *ChannelRouter) LeaveAll(session Session) {
	sessionID := session.ID()

	r.Lock()
	for channel := range r.bySession[sessionID] {
		if members, ok := r.byChannel[channel]; ok {
			delete(members, sessionID)
			if len(members) == 0 {
				delete(r.byChannel, channel)
			}
		}
	}
	delete(r.bySession, sessionID)
	r.Unlock()
}

// Channels returns a snapshot of the channels the session is a member of.
func (r *ChannelRouter) Channels(session Session) []string {
	r.RLock()
	channels := make([]string, 0, len(r.bySession[session.ID()]))
	for channel := range r.bySession[session.ID()] {
		channels = append(channels, channel)
	}
	r.RUnlock()
	return channels
}

// Publish sends the envelope to every member of the channel. Members whose
// outgoing queue is full are closed by the send path; delivery is
// best-effort.
func (r *ChannelRouter) Publish(channel string, envelope *Envelope) {
	r.publish(channel, envelope, uuid.Nil)
}

// PublishExcept sends the envelope to every member of the channel except the
// named session, typically the event's origin.
func (r *ChannelRouter) PublishExcept(channel string, envelope *Envelope, except Session) {
	r.publish(channel, envelope, except.ID())
}

func (r *ChannelRouter) publish(channel string, envelope *Envelope, except uuid.UUID) {
	payload, err := envelope.Marshal()
	if err != nil {
		r.logger.Error("Could not marshal envelope", zap.String("event", envelope.Event), zap.Error(err))
		return
	}

	r.RLock()
	members := r.byChannel[channel]
	sessions := make([]Session, 0, len(members))
	for sessionID, session := range members {
		if sessionID == except {
			continue
		}
		sessions = append(sessions, session)
	}
	r.RUnlock()

	for _, session := range sessions {
		// A session mid-close may still be indexed for a moment.
		if session.Context().Err() != nil {
			continue
		}
		_ = session.SendBytes(payload)
	}
}

// SendToSession delivers the envelope to a single session.
func (r *ChannelRouter) SendToSession(session Session, envelope *Envelope) {
	payload, err := envelope.Marshal()
	if err != nil {
		r.logger.Error("Could not marshal envelope", zap.String("event", envelope.Event), zap.Error(err))
		return
	}
	_ = session.SendBytes(payload)
}

// SendToAll delivers the envelope to every live session on the server.
func (r *ChannelRouter) SendToAll(envelope *Envelope) {
	r.sendToAll(envelope, uuid.Nil)
}

// SendToAllExcept delivers the envelope to every live session except one.
func (r *ChannelRouter) SendToAllExcept(envelope *Envelope, except Session) {
	r.sendToAll(envelope, except.ID())
}

func (r *ChannelRouter) sendToAll(envelope *Envelope, except uuid.UUID) {
	payload, err := envelope.Marshal()
	if err != nil {
		r.logger.Error("Could not marshal envelope", zap.String("event", envelope.Event), zap.Error(err))
		return
	}
	r.sessionRegistry.Range(func(session Session) bool {
		if session.ID() != except && session.Context().Err() == nil {
			_ = session.SendBytes(payload)
		}
		return true
	})
}
