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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type pipelineHarness struct {
	registry *SessionRegistry
	presence *PresenceRegistry
	router   *ChannelRouter
	pipeline *Pipeline
}

func newPipelineHarness(t *testing.T) *pipelineHarness {
	t.Helper()
	logger := zap.NewNop()
	config := NewConfig()
	metrics := &fakeMetrics{}

	registry := NewSessionRegistry(logger, metrics)
	presence := NewPresenceRegistry(logger, config, metrics)
	router := NewChannelRouter(logger, registry)
	pipeline := NewPipeline(logger, config, registry, presence, router, metrics)

	return &pipelineHarness{
		registry: registry,
		presence: presence,
		router:   router,
		pipeline: pipeline,
	}
}

// connect runs the full accept path for a fake session.
func (h *pipelineHarness) connect(s *fakeSession) {
	h.registry.Add(s)
	h.pipeline.OnConnect(s)
}

// process feeds one inbound event through the pipeline.
func (h *pipelineHarness) process(t *testing.T, s Session, event string, payload any) bool {
	t.Helper()
	envelope, err := NewEnvelope(event, payload)
	require.NoError(t, err)
	return h.pipeline.ProcessEnvelope(zap.NewNop(), s, envelope)
}

// lastPayload decodes the payload of the most recent envelope with the given
// event name sent to the session.
func lastPayload(t *testing.T, s *fakeSession, event string) map[string]any {
	t.Helper()
	envelopes := s.envelopes(t)
	for i := len(envelopes) - 1; i >= 0; i-- {
		if envelopes[i].Event != event {
			continue
		}
		var payload map[string]any
		require.NoError(t, json.Unmarshal(envelopes[i].Payload, &payload))
		return payload
	}
	t.Fatalf("no %q envelope sent to session %s", event, s.UserKey())
	return nil
}

func countEvents(t *testing.T, s *fakeSession, event string) int {
	t.Helper()
	count := 0
	for _, name := range s.eventsSent(t) {
		if name == event {
			count++
		}
	}
	return count
}

func TestPipelineOnConnectAnnouncesOnlineToOthers(t *testing.T) {
	h := newPipelineHarness(t)

	watcher := newFakeSession("2", "tutor")
	h.connect(watcher)

	joiner := newFakeSession("7", "student")
	h.connect(joiner)

	payload := lastPayload(t, watcher, EventUserStatusChange)
	assert.Equal(t, "7", payload["userId"])
	assert.Equal(t, "student", payload["userType"])
	assert.Equal(t, "online", payload["status"])
	assert.Contains(t, payload, "timestamp")

	// The connecting session must not receive its own announcement.
	assert.Zero(t, countEvents(t, joiner, EventUserStatusChange))

	// The session is reachable through its personal channel.
	assert.Contains(t, h.router.Channels(joiner), "user_student_7")
	assert.True(t, h.presence.IsOnline("student_7"))
}

func TestPipelineJoinConversationNotifiesMembers(t *testing.T) {
	h := newPipelineHarness(t)

	resident := newFakeSession("2", "tutor")
	h.connect(resident)
	h.process(t, resident, EventJoinConversation, map[string]any{"conversationId": 42})

	joiner := newFakeSession("7", "student")
	h.connect(joiner)
	h.process(t, joiner, EventJoinConversation, map[string]any{"conversationId": "42"})

	payload := lastPayload(t, resident, EventUserJoinedConversation)
	assert.Equal(t, "7", payload["userId"])
	assert.Equal(t, "42", payload["conversationId"])
	assert.Zero(t, countEvents(t, joiner, EventUserJoinedConversation))
}

func TestPipelineJoinConversationAcceptsBareIdentifier(t *testing.T) {
	h := newPipelineHarness(t)

	s := newFakeSession("7", "student")
	h.connect(s)
	h.process(t, s, EventJoinConversation, "42")

	assert.Contains(t, h.router.Channels(s), "conversation_42")
}

func TestPipelineLeaveConversationStopsDelivery(t *testing.T) {
	h := newPipelineHarness(t)

	leaver := newFakeSession("7", "student")
	other := newFakeSession("2", "tutor")
	h.connect(leaver)
	h.connect(other)
	h.process(t, leaver, EventJoinConversation, "42")
	h.process(t, other, EventJoinConversation, "42")

	h.process(t, leaver, EventLeaveConversation, "42")

	payload := lastPayload(t, other, EventUserLeftConversation)
	assert.Equal(t, "7", payload["userId"])
	assert.NotContains(t, h.router.Channels(leaver), "conversation_42")
}

func TestPipelineSendMessageDeliversToRoomAndAcksSender(t *testing.T) {
	h := newPipelineHarness(t)

	sender := newFakeSession("7", "student")
	receiver := newFakeSession("2", "tutor")
	h.connect(sender)
	h.connect(receiver)
	h.process(t, sender, EventJoinConversation, "42")
	h.process(t, receiver, EventJoinConversation, "42")

	h.process(t, sender, EventSendMessage, map[string]any{
		"conversationId": "42",
		"tempId":         "tmp-1",
		"message": map[string]any{
			"id":   99,
			"body": "hello",
		},
	})

	message := lastPayload(t, receiver, EventNewMessage)
	assert.Equal(t, "hello", message["body"])
	assert.Equal(t, "tmp-1", message["tempId"])
	assert.Contains(t, message, "timestamp")

	ack := lastPayload(t, sender, EventMessageSent)
	assert.Equal(t, "tmp-1", ack["tempId"])
	assert.Equal(t, float64(99), ack["messageId"])
	assert.Equal(t, "42", ack["conversationId"])

	// The sender is a room member and receives its own message too.
	assert.Equal(t, 1, countEvents(t, sender, EventNewMessage))

	// Without conversation_id inside the message there is no global copy.
	outsider := newFakeSession("3", "parent")
	h.connect(outsider)
	assert.Zero(t, countEvents(t, outsider, EventNewMessage))
}

func TestPipelineSendMessageFansOutGloballyForNotification(t *testing.T) {
	h := newPipelineHarness(t)

	sender := newFakeSession("7", "student")
	outsider := newFakeSession("3", "parent")
	h.connect(sender)
	h.connect(outsider)
	h.process(t, sender, EventJoinConversation, "42")

	h.process(t, sender, EventSendMessage, map[string]any{
		"conversationId": "42",
		"tempId":         "tmp-2",
		"message": map[string]any{
			"id":              100,
			"conversation_id": 42,
			"body":            "ping",
		},
	})

	// The outsider is not in the room but still gets the notification copy.
	message := lastPayload(t, outsider, EventNewMessage)
	assert.Equal(t, "ping", message["body"])
}

func TestPipelineTypingIndicatorExcludesSender(t *testing.T) {
	h := newPipelineHarness(t)

	typist := newFakeSession("7", "student")
	watcher := newFakeSession("2", "tutor")
	h.connect(typist)
	h.connect(watcher)
	h.process(t, typist, EventJoinConversation, "42")
	h.process(t, watcher, EventJoinConversation, "42")

	h.process(t, typist, EventTypingStart, map[string]any{"conversationId": "42"})
	payload := lastPayload(t, watcher, EventUserTyping)
	assert.Equal(t, true, payload["isTyping"])
	assert.Equal(t, "7", payload["userId"])

	h.process(t, typist, EventTypingStop, map[string]any{"conversationId": "42"})
	payload = lastPayload(t, watcher, EventUserTyping)
	assert.Equal(t, false, payload["isTyping"])

	assert.Zero(t, countEvents(t, typist, EventUserTyping))
}

func TestPipelineMarkAsReadNotifiesRoom(t *testing.T) {
	h := newPipelineHarness(t)

	reader := newFakeSession("7", "student")
	author := newFakeSession("2", "tutor")
	h.connect(reader)
	h.connect(author)
	h.process(t, reader, EventJoinConversation, "42")
	h.process(t, author, EventJoinConversation, "42")

	h.process(t, reader, EventMarkAsRead, map[string]any{
		"conversationId": "42",
		"messageIds":     []any{1, 2, 3},
	})

	payload := lastPayload(t, author, EventMessagesRead)
	assert.Equal(t, "7", payload["userId"])
	assert.Equal(t, "42", payload["conversationId"])
	assert.Len(t, payload["messageIds"], 3)
	assert.Contains(t, payload, "readAt")
	assert.Zero(t, countEvents(t, reader, EventMessagesRead))
}

func TestPipelineCheckOnlineStatusRepliesToOriginOnly(t *testing.T) {
	h := newPipelineHarness(t)

	asker := newFakeSession("7", "student")
	online := newFakeSession("2", "tutor")
	bystander := newFakeSession("4", "tutor")
	h.connect(asker)
	h.connect(online)
	h.connect(bystander)

	h.process(t, asker, EventCheckOnlineStatus, map[string]any{
		"userIds": []map[string]any{
			{"userId": 2, "userType": "tutor"},
			{"userId": "9", "userType": "student"},
		},
	})

	statuses := lastPayload(t, asker, EventOnlineStatuses)
	assert.Equal(t, true, statuses["tutor_2"])
	assert.Equal(t, false, statuses["student_9"])
	assert.Zero(t, countEvents(t, online, EventOnlineStatuses))
	assert.Zero(t, countEvents(t, bystander, EventOnlineStatuses))
}

func TestPipelineSendNotificationReachesAllTargetConnections(t *testing.T) {
	h := newPipelineHarness(t)

	sender := newFakeSession("7", "student")
	target1 := newFakeSession("2", "tutor")
	target2 := newFakeSession("2", "tutor")
	h.connect(sender)
	h.connect(target1)
	h.connect(target2)

	h.process(t, sender, EventSendNotification, map[string]any{
		"targetUserId":   "2",
		"targetUserType": "tutor",
		"notification":   map[string]any{"title": "New booking"},
	})

	for _, target := range []*fakeSession{target1, target2} {
		payload := lastPayload(t, target, EventNewNotification)
		assert.Equal(t, "New booking", payload["title"])
		assert.Contains(t, payload, "timestamp")
	}
	assert.Zero(t, countEvents(t, sender, EventNewNotification))
}

func TestPipelineSendNotificationToOfflineUserIsDropped(t *testing.T) {
	h := newPipelineHarness(t)

	sender := newFakeSession("7", "student")
	h.connect(sender)

	// No error and no delivery anywhere.
	assert.True(t, h.process(t, sender, EventSendNotification, map[string]any{
		"targetUserId":   "2",
		"targetUserType": "tutor",
		"notification":   map[string]any{"title": "lost"},
	}))
	assert.Zero(t, countEvents(t, sender, EventNewNotification))
}

func TestPipelineInitiateCallDualDelivery(t *testing.T) {
	h := newPipelineHarness(t)

	caller := newFakeSession("7", "student")
	callee := newFakeSession("2", "tutor")
	h.connect(caller)
	h.connect(callee)

	h.process(t, caller, EventInitiateCall, map[string]any{
		"call":           map[string]any{"id": "c-1", "call_type": "video"},
		"to_user_id":     2,
		"to_user_type":   "tutor",
		"initiator_name": "Ada",
	})

	// One copy through the personal channel plus one direct copy.
	assert.Equal(t, 2, countEvents(t, callee, EventIncomingCall))

	payload := lastPayload(t, callee, EventIncomingCall)
	assert.Equal(t, "c-1", payload["id"])
	assert.Equal(t, "video", payload["call_type"])
	assert.Equal(t, "7", payload["initiator_id"])
	assert.Equal(t, "student", payload["initiator_type"])
	assert.Equal(t, "Ada", payload["initiator_name"])
	assert.Zero(t, countEvents(t, caller, EventIncomingCall))
}

func TestPipelineInitiateCallDefaultsInitiatorName(t *testing.T) {
	h := newPipelineHarness(t)

	caller := newFakeSession("7", "student")
	callee := newFakeSession("2", "tutor")
	h.connect(caller)
	h.connect(callee)

	h.process(t, caller, EventInitiateCall, map[string]any{
		"call":         map[string]any{"id": "c-2"},
		"to_user_id":   "2",
		"to_user_type": "tutor",
	})

	payload := lastPayload(t, callee, EventIncomingCall)
	assert.Equal(t, "Unknown", payload["initiator_name"])
}

func TestPipelineCallStateChangesBroadcast(t *testing.T) {
	h := newPipelineHarness(t)

	actor := newFakeSession("2", "tutor")
	other := newFakeSession("7", "student")
	h.connect(actor)
	h.connect(other)

	cases := []struct {
		inbound string
		event   string
		byField string
	}{
		{EventAcceptCall, EventCallAccepted, "acceptedBy"},
		{EventRejectCall, EventCallRejected, "rejectedBy"},
		{EventEndCall, EventCallEnded, "endedBy"},
	}
	for _, tc := range cases {
		h.process(t, actor, tc.inbound, map[string]any{
			"call_id":   "c-1",
			"user_id":   "2",
			"user_type": "tutor",
		})

		// Every live session hears the transition, the actor included.
		for _, s := range []*fakeSession{actor, other} {
			payload := lastPayload(t, s, tc.event)
			assert.Equal(t, "c-1", payload["callId"])
			assert.Equal(t, "c-1", payload["id"])
			by, ok := payload[tc.byField].(map[string]any)
			require.True(t, ok, "missing %s", tc.byField)
			assert.Equal(t, "2", by["id"])
			assert.Equal(t, "tutor", by["type"])
		}
	}
}

func TestPipelineCallSignalDualDeliveryAndIDFallback(t *testing.T) {
	h := newPipelineHarness(t)

	caller := newFakeSession("7", "student")
	callee := newFakeSession("2", "tutor")
	h.connect(caller)
	h.connect(callee)

	h.process(t, caller, EventCallSignal, map[string]any{
		"call_id":      "c-1",
		"signal":       map[string]any{"type": "offer", "sdp": "v=0"},
		"to_user_id":   "2",
		"to_user_type": "tutor",
	})

	assert.Equal(t, 2, countEvents(t, callee, EventCallSignal))

	payload := lastPayload(t, callee, EventCallSignal)
	assert.Equal(t, "c-1", payload["callId"])
	assert.Equal(t, "c-1", payload["call_id"])
	assert.Equal(t, "c-1", payload["id"])
	from, ok := payload["from"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "7", from["id"])
	assert.Equal(t, "student", from["type"])
	signal, ok := payload["signal"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "offer", signal["type"])
}

func TestPipelineCallSignalReachesEveryTargetConnection(t *testing.T) {
	h := newPipelineHarness(t)

	caller := newFakeSession("7", "student")
	calleePhone := newFakeSession("2", "tutor")
	calleeLaptop := newFakeSession("2", "tutor")
	h.connect(caller)
	h.connect(calleePhone)
	h.connect(calleeLaptop)

	h.process(t, caller, EventCallSignal, map[string]any{
		"callId":       "c-1",
		"signal":       map[string]any{"type": "answer"},
		"to_user_id":   "2",
		"to_user_type": "tutor",
	})

	// Every one of the target's connections hears the signal, through the
	// personal channel and again directly.
	for _, callee := range []*fakeSession{calleePhone, calleeLaptop} {
		assert.Equal(t, 2, countEvents(t, callee, EventCallSignal))
		payload := lastPayload(t, callee, EventCallSignal)
		assert.Equal(t, "c-1", payload["callId"])
	}
	assert.Zero(t, countEvents(t, caller, EventCallSignal))
}

func TestPipelineCallSignalToOfflineTargetDeliversNothing(t *testing.T) {
	h := newPipelineHarness(t)

	caller := newFakeSession("7", "student")
	bystander := newFakeSession("3", "parent")
	h.connect(caller)
	h.connect(bystander)

	before := len(caller.eventsSent(t))

	assert.True(t, h.process(t, caller, EventCallSignal, map[string]any{
		"call_id":      "c-gone",
		"signal":       map[string]any{"type": "offer"},
		"to_user_id":   "2",
		"to_user_type": "tutor",
	}))

	// No delivery anywhere and nothing bounced back to the sender.
	assert.Zero(t, countEvents(t, bystander, EventCallSignal))
	assert.Len(t, caller.eventsSent(t), before)
	assert.False(t, caller.closed)
}

func TestPipelineMalformedPayloadKeepsConnection(t *testing.T) {
	h := newPipelineHarness(t)

	s := newFakeSession("7", "student")
	h.connect(s)

	malformed := &Envelope{Event: EventSendMessage, Payload: json.RawMessage(`"not an object"`)}
	assert.True(t, h.pipeline.ProcessEnvelope(zap.NewNop(), s, malformed))
	assert.False(t, s.closed)
}

func TestPipelineUnknownEventIsIgnored(t *testing.T) {
	h := newPipelineHarness(t)

	s := newFakeSession("7", "student")
	h.connect(s)

	assert.True(t, h.process(t, s, "no_such_event", map[string]any{}))
	assert.False(t, s.closed)
}
