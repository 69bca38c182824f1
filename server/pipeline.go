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
	"encoding/json"
	"net"
	"time"

	"go.uber.org/zap"
)

// Pipeline routes decoded envelopes from sessions to the relay handlers.
type Pipeline struct {
	logger          *zap.Logger
	config          *Config
	sessionRegistry *SessionRegistry
	presence        *PresenceRegistry
	router          *ChannelRouter
	metrics         Metrics
}

func NewPipeline(logger *zap.Logger, config *Config, sessionRegistry *SessionRegistry, presence *PresenceRegistry, router *ChannelRouter, metrics Metrics) *Pipeline {
	return &Pipeline{
		logger:          logger,
		config:          config,
		sessionRegistry: sessionRegistry,
		presence:        presence,
		router:          router,
		metrics:         metrics,
	}
}

// OnConnect registers presence and channel membership for a freshly accepted
// session and announces the user online to everyone else. The announcement is
// repeated for every new connection, even when the user was already online,
// so watchers recover from a missed earlier broadcast.
func (p *Pipeline) OnConnect(session Session) {
	first := p.presence.Register(session)
	p.router.Join(userChannel(session.UserKey()), session)

	identity := session.Identity()
	envelope, err := NewEnvelope(EventUserStatusChange, map[string]any{
		"userId":    identity.UserID,
		"userType":  identity.UserType,
		"status":    "online",
		"timestamp": time.Now().UnixMilli(),
	})
	if err != nil {
		session.Logger().Error("Could not build status envelope", zap.Error(err))
		return
	}
	p.router.SendToAllExcept(envelope, session)

	session.Logger().Info("User connected",
		zap.String("user_key", session.UserKey()),
		zap.String("client_addr", net.JoinHostPort(session.ClientIP(), session.ClientPort())),
		zap.Bool("first_connection", first))
}

// ProcessEnvelope dispatches one inbound envelope. A malformed or unknown
// event is dropped without affecting the connection; the return value is
// false only when the session should be torn down.
func (p *Pipeline) ProcessEnvelope(logger *zap.Logger, session Session, in *Envelope) bool {
	switch in.Event {
	case EventJoinConversation:
		p.joinConversation(logger, session, in)
	case EventLeaveConversation:
		p.leaveConversation(logger, session, in)
	case EventSendMessage:
		p.sendMessage(logger, session, in)
	case EventTypingStart:
		p.typing(logger, session, in, true)
	case EventTypingStop:
		p.typing(logger, session, in, false)
	case EventMarkAsRead:
		p.markAsRead(logger, session, in)
	case EventCheckOnlineStatus:
		p.checkOnlineStatus(logger, session, in)
	case EventSendNotification:
		p.sendNotification(logger, session, in)
	case EventInitiateCall:
		p.initiateCall(logger, session, in)
	case EventAcceptCall:
		p.callStateChange(logger, session, in, EventCallAccepted, "acceptedBy")
	case EventRejectCall:
		p.callStateChange(logger, session, in, EventCallRejected, "rejectedBy")
	case EventEndCall:
		p.callStateChange(logger, session, in, EventCallEnded, "endedBy")
	case EventCallSignal:
		p.callSignal(logger, session, in)
	default:
		logger.Warn("Received unrecognized event", zap.String("event", in.Event))
		p.metrics.EventDropped()
	}
	return true
}

// decode unmarshals an event payload, dropping the event on failure.
func (p *Pipeline) decode(logger *zap.Logger, event string, payload json.RawMessage, v any) bool {
	if err := json.Unmarshal(payload, v); err != nil {
		logger.Warn("Received malformed event payload", zap.String("event", event), zap.Error(err))
		p.metrics.EventDropped()
		return false
	}
	return true
}

// send replies to the originating session only.
func (p *Pipeline) send(logger *zap.Logger, session Session, event string, payload any) {
	envelope, err := NewEnvelope(event, payload)
	if err != nil {
		logger.Error("Could not build reply envelope", zap.Error(err))
		return
	}
	p.router.SendToSession(session, envelope)
}
