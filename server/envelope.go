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
	"fmt"
	"strconv"
)

// Inbound event names accepted on a session.
const (
	EventJoinConversation  = "join_conversation"
	EventLeaveConversation = "leave_conversation"
	EventSendMessage       = "send_message"
	EventTypingStart       = "typing_start"
	EventTypingStop        = "typing_stop"
	EventMarkAsRead        = "mark_as_read"
	EventCheckOnlineStatus = "check_online_status"
	EventSendNotification  = "send_notification"
	EventInitiateCall      = "initiate_call"
	EventAcceptCall        = "accept_call"
	EventRejectCall        = "reject_call"
	EventEndCall           = "end_call"
)

// Outbound event names pushed to sessions.
const (
	EventUserStatusChange       = "user_status_change"
	EventUserJoinedConversation = "user_joined_conversation"
	EventUserLeftConversation   = "user_left_conversation"
	EventNewMessage             = "new_message"
	EventMessageSent            = "message_sent"
	EventUserTyping             = "user_typing"
	EventMessagesRead           = "messages_read"
	EventOnlineStatuses         = "online_statuses"
	EventNewNotification        = "new_notification"
	EventIncomingCall           = "incoming_call"
	EventCallAccepted           = "call_accepted"
	EventCallRejected           = "call_rejected"
	EventCallEnded              = "call_ended"
	EventCallSignal             = "call_signal"
)

// Envelope is the framing used in both directions on the socket: an event
// name plus an opaque JSON payload.
type Envelope struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewEnvelope marshals the given payload into an outbound envelope.
func NewEnvelope(event string, payload any) (*Envelope, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("could not marshal %q payload: %w", event, err)
	}
	return &Envelope{Event: event, Payload: data}, nil
}

// Marshal encodes the full envelope for transport.
func (e *Envelope) Marshal() ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("could not marshal %q envelope: %w", e.Event, err)
	}
	return data, nil
}

// FlexString accepts either a JSON string or a bare JSON number. Clients are
// inconsistent about whether identifiers travel as strings or numbers, so
// identifier fields are type-agnostic on the wire and normalized to strings
// here.
type FlexString string

func (f *FlexString) UnmarshalJSON(data []byte) error {
	if len(data) == 0 || string(data) == "null" {
		*f = ""
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*f = FlexString(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*f = FlexString(n.String())
	return nil
}

func (f FlexString) MarshalJSON() ([]byte, error) {
	return []byte(strconv.Quote(string(f))), nil
}

func (f FlexString) String() string {
	return string(f)
}

// Inbound payload shapes. Fields marked required are checked by the pipeline
// before the event is acted on; events failing the check are dropped.

type conversationRequest struct {
	ConversationID FlexString `json:"conversationId"`
}

type sendMessageRequest struct {
	ConversationID FlexString     `json:"conversationId"`
	Message        map[string]any `json:"message"`
	TempID         FlexString     `json:"tempId"`
}

type markAsReadRequest struct {
	ConversationID FlexString `json:"conversationId"`
	MessageIDs     []any      `json:"messageIds"`
}

type identityRef struct {
	UserID   FlexString `json:"userId"`
	UserType FlexString `json:"userType"`
}

type checkOnlineStatusRequest struct {
	UserIDs []identityRef `json:"userIds"`
}

type sendNotificationRequest struct {
	TargetUserID   FlexString     `json:"targetUserId"`
	TargetUserType FlexString     `json:"targetUserType"`
	Notification   map[string]any `json:"notification"`
}

type initiateCallRequest struct {
	Call          map[string]any `json:"call"`
	ToUserID      FlexString     `json:"to_user_id"`
	ToUserType    FlexString     `json:"to_user_type"`
	InitiatorName string         `json:"initiator_name"`
}

type callStateRequest struct {
	CallID   FlexString `json:"call_id"`
	UserID   FlexString `json:"user_id"`
	UserType FlexString `json:"user_type"`
}

type callSignalRequest struct {
	CallID     FlexString      `json:"callId"`
	CallIDAlt  FlexString      `json:"call_id"`
	Signal     json.RawMessage `json:"signal"`
	ToUserID   FlexString      `json:"to_user_id"`
	ToUserType FlexString      `json:"to_user_type"`
}

// callID returns whichever spelling the client used.
func (r *callSignalRequest) callID() FlexString {
	if r.CallID != "" {
		return r.CallID
	}
	return r.CallIDAlt
}
