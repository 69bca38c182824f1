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
	"time"

	"go.uber.org/zap"
)

// initiateCall rings the target user. The ring is delivered twice on
// purpose: once through the target's personal channel and once directly to
// each of their live sessions. Channel membership and presence can disagree
// for a moment around connect and disconnect, and a missed ring is worse
// than a duplicate one, so receivers deduplicate on the call ID.
func (p *Pipeline) initiateCall(logger *zap.Logger, session Session, in *Envelope) {
	var req initiateCallRequest
	if !p.decode(logger, in.Event, in.Payload, &req) {
		return
	}
	if req.ToUserID == "" || req.ToUserType == "" {
		logger.Warn("Received call initiation without target identity")
		p.metrics.EventDropped()
		return
	}

	targetKey := Identity{UserID: req.ToUserID.String(), UserType: req.ToUserType.String()}.Key()
	identity := session.Identity()

	initiatorName := req.InitiatorName
	if initiatorName == "" {
		initiatorName = "Unknown"
	}

	payload := make(map[string]any, len(req.Call)+4)
	for k, v := range req.Call {
		payload[k] = v
	}
	payload["initiator_id"] = identity.UserID
	payload["initiator_type"] = identity.UserType
	payload["initiator_name"] = initiatorName
	payload["timestamp"] = time.Now().UnixMilli()

	envelope, err := NewEnvelope(EventIncomingCall, payload)
	if err != nil {
		logger.Error("Could not build call envelope", zap.Error(err))
		return
	}

	targets := p.presence.SessionsFor(targetKey)
	logger.Info("Call initiated",
		zap.String("target_user_key", targetKey),
		zap.Int("target_sessions", len(targets)))

	p.router.Publish(userChannel(targetKey), envelope)
	for _, target := range targets {
		p.router.SendToSession(target, envelope)
	}
}

// callStateChange relays accept, reject and end transitions. The transition
// is broadcast to every live session; clients that are not party to the call
// ignore it by call ID.
func (p *Pipeline) callStateChange(logger *zap.Logger, session Session, in *Envelope, event, byField string) {
	var req callStateRequest
	if !p.decode(logger, in.Event, in.Payload, &req) {
		return
	}
	if req.CallID == "" {
		logger.Warn("Received call state change without call identifier", zap.String("event", in.Event))
		p.metrics.EventDropped()
		return
	}

	logger.Info("Call state changed",
		zap.String("event", event),
		zap.String("call_id", req.CallID.String()),
		zap.String("by_user_key", Identity{UserID: req.UserID.String(), UserType: req.UserType.String()}.Key()))

	envelope, err := NewEnvelope(event, map[string]any{
		"callId": req.CallID,
		"id":     req.CallID,
		byField: map[string]any{
			"id":   req.UserID,
			"type": req.UserType,
		},
		"timestamp": time.Now().UnixMilli(),
	})
	if err != nil {
		logger.Error("Could not build call state envelope", zap.Error(err))
		return
	}
	p.router.SendToAll(envelope)
}

// callSignal forwards WebRTC negotiation payloads between call parties with
// the same dual delivery as the initial ring.
func (p *Pipeline) callSignal(logger *zap.Logger, session Session, in *Envelope) {
	var req callSignalRequest
	if !p.decode(logger, in.Event, in.Payload, &req) {
		return
	}
	callID := req.callID()
	if callID == "" || req.ToUserID == "" || req.ToUserType == "" {
		logger.Warn("Received call signal without routing fields")
		p.metrics.EventDropped()
		return
	}

	targetKey := Identity{UserID: req.ToUserID.String(), UserType: req.ToUserType.String()}.Key()
	identity := session.Identity()

	envelope, err := NewEnvelope(EventCallSignal, map[string]any{
		"callId":  callID,
		"id":      callID,
		"call_id": callID,
		"signal":  req.Signal,
		"from": map[string]any{
			"id":   identity.UserID,
			"type": identity.UserType,
		},
		"timestamp": time.Now().UnixMilli(),
	})
	if err != nil {
		logger.Error("Could not build call signal envelope", zap.Error(err))
		return
	}

	p.router.Publish(userChannel(targetKey), envelope)
	for _, target := range p.presence.SessionsFor(targetKey) {
		p.router.SendToSession(target, envelope)
	}
}
