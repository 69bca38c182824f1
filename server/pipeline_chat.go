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
	"time"

	"github.com/samber/lo"
	"go.uber.org/zap"
)

// conversationID extracts a conversation identifier from a payload that is
// either an object with a conversationId field or a bare identifier.
func (p *Pipeline) conversationID(logger *zap.Logger, event string, payload json.RawMessage) (string, bool) {
	var req conversationRequest
	if err := json.Unmarshal(payload, &req); err == nil && req.ConversationID != "" {
		return req.ConversationID.String(), true
	}
	var bare FlexString
	if err := json.Unmarshal(payload, &bare); err == nil && bare != "" {
		return bare.String(), true
	}
	logger.Warn("Received event without conversation identifier", zap.String("event", event))
	p.metrics.EventDropped()
	return "", false
}

func (p *Pipeline) joinConversation(logger *zap.Logger, session Session, in *Envelope) {
	conversationID, ok := p.conversationID(logger, in.Event, in.Payload)
	if !ok {
		return
	}

	p.router.Join(conversationChannel(conversationID), session)
	logger.Debug("Session joined conversation", zap.String("conversation_id", conversationID))

	identity := session.Identity()
	envelope, err := NewEnvelope(EventUserJoinedConversation, map[string]any{
		"userId":         identity.UserID,
		"userType":       identity.UserType,
		"conversationId": conversationID,
		"timestamp":      time.Now().UnixMilli(),
	})
	if err != nil {
		logger.Error("Could not build join envelope", zap.Error(err))
		return
	}
	p.router.PublishExcept(conversationChannel(conversationID), envelope, session)
}

func (p *Pipeline) leaveConversation(logger *zap.Logger, session Session, in *Envelope) {
	conversationID, ok := p.conversationID(logger, in.Event, in.Payload)
	if !ok {
		return
	}

	p.router.Leave(conversationChannel(conversationID), session)
	logger.Debug("Session left conversation", zap.String("conversation_id", conversationID))

	identity := session.Identity()
	envelope, err := NewEnvelope(EventUserLeftConversation, map[string]any{
		"userId":         identity.UserID,
		"userType":       identity.UserType,
		"conversationId": conversationID,
		"timestamp":      time.Now().UnixMilli(),
	})
	if err != nil {
		logger.Error("Could not build leave envelope", zap.Error(err))
		return
	}
	p.router.PublishExcept(conversationChannel(conversationID), envelope, session)
}

func (p *Pipeline) sendMessage(logger *zap.Logger, session Session, in *Envelope) {
	var req sendMessageRequest
	if !p.decode(logger, in.Event, in.Payload, &req) {
		return
	}
	if req.ConversationID == "" {
		logger.Warn("Received message without conversation identifier")
		p.metrics.EventDropped()
		return
	}

	now := time.Now().UnixMilli()

	// Keep the stored message untouched; the relayed copy carries the
	// client's temp ID so the sender's optimistic UI can reconcile it.
	messageData := make(map[string]any, len(req.Message)+2)
	for k, v := range req.Message {
		messageData[k] = v
	}
	messageData["tempId"] = req.TempID
	messageData["timestamp"] = now

	envelope, err := NewEnvelope(EventNewMessage, messageData)
	if err != nil {
		logger.Error("Could not build message envelope", zap.Error(err))
		return
	}

	conversationID := req.ConversationID.String()
	p.router.Publish(conversationChannel(conversationID), envelope)

	// Recipients outside the conversation channel still need the message
	// for their notification badge. Without a participant roster the only
	// reachable audience is everyone; receivers filter on conversation_id.
	if _, ok := req.Message["conversation_id"]; ok {
		p.router.SendToAll(envelope)
	}

	p.send(logger, session, EventMessageSent, map[string]any{
		"tempId":         req.TempID,
		"messageId":      req.Message["id"],
		"conversationId": req.ConversationID,
		"timestamp":      now,
	})
}

func (p *Pipeline) typing(logger *zap.Logger, session Session, in *Envelope, isTyping bool) {
	conversationID, ok := p.conversationID(logger, in.Event, in.Payload)
	if !ok {
		return
	}

	identity := session.Identity()
	envelope, err := NewEnvelope(EventUserTyping, map[string]any{
		"userId":         identity.UserID,
		"userType":       identity.UserType,
		"conversationId": conversationID,
		"isTyping":       isTyping,
		"timestamp":      time.Now().UnixMilli(),
	})
	if err != nil {
		logger.Error("Could not build typing envelope", zap.Error(err))
		return
	}
	p.router.PublishExcept(conversationChannel(conversationID), envelope, session)
}

func (p *Pipeline) markAsRead(logger *zap.Logger, session Session, in *Envelope) {
	var req markAsReadRequest
	if !p.decode(logger, in.Event, in.Payload, &req) {
		return
	}
	if req.ConversationID == "" {
		logger.Warn("Received read receipt without conversation identifier")
		p.metrics.EventDropped()
		return
	}

	identity := session.Identity()
	envelope, err := NewEnvelope(EventMessagesRead, map[string]any{
		"userId":         identity.UserID,
		"userType":       identity.UserType,
		"conversationId": req.ConversationID,
		"messageIds":     req.MessageIDs,
		"readAt":         time.Now().UnixMilli(),
	})
	if err != nil {
		logger.Error("Could not build read receipt envelope", zap.Error(err))
		return
	}
	p.router.PublishExcept(conversationChannel(req.ConversationID.String()), envelope, session)
}

func (p *Pipeline) checkOnlineStatus(logger *zap.Logger, session Session, in *Envelope) {
	var req checkOnlineStatusRequest
	if !p.decode(logger, in.Event, in.Payload, &req) {
		return
	}

	statuses := lo.SliceToMap(req.UserIDs, func(ref identityRef) (string, bool) {
		key := Identity{UserID: ref.UserID.String(), UserType: ref.UserType.String()}.Key()
		return key, p.presence.IsOnline(key)
	})

	p.send(logger, session, EventOnlineStatuses, statuses)
}
