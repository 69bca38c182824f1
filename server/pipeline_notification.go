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

// sendNotification relays a notification to every connection the target user
// has. When the target is offline the notification is dropped silently;
// durable delivery is the caller's responsibility.
func (p *Pipeline) sendNotification(logger *zap.Logger, session Session, in *Envelope) {
	var req sendNotificationRequest
	if !p.decode(logger, in.Event, in.Payload, &req) {
		return
	}
	if req.TargetUserID == "" || req.TargetUserType == "" {
		logger.Warn("Received notification without target identity")
		p.metrics.EventDropped()
		return
	}

	targetKey := Identity{UserID: req.TargetUserID.String(), UserType: req.TargetUserType.String()}.Key()

	payload := make(map[string]any, len(req.Notification)+1)
	for k, v := range req.Notification {
		payload[k] = v
	}
	payload["timestamp"] = time.Now().UnixMilli()

	envelope, err := NewEnvelope(EventNewNotification, payload)
	if err != nil {
		logger.Error("Could not build notification envelope", zap.Error(err))
		return
	}
	p.router.Publish(userChannel(targetKey), envelope)
}
