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
	"encoding/json"
	"errors"
	"net"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

var ErrSessionQueueFull = errors.New("session outgoing queue full")

var _ Session = (*sessionWS)(nil)

type sessionWS struct {
	logger   *zap.Logger
	config   *Config
	id       uuid.UUID
	identity Identity
	userKey  string

	clientIP   string
	clientPort string

	ctx         context.Context
	ctxCancelFn context.CancelFunc

	pingPeriodDuration time.Duration
	pongWaitDuration   time.Duration
	writeWaitDuration  time.Duration

	sessionRegistry *SessionRegistry
	presence        *PresenceRegistry
	router          *ChannelRouter
	pipeline        *Pipeline
	metrics         Metrics

	stopped                *atomic.Bool
	conn                   *websocket.Conn
	connMu                 chan struct{} // guards concurrent writes to conn
	receivedMessageCounter int
	pingTimer              *time.Timer
	pingTimerCAS           *atomic.Uint32
	outgoingCh             chan []byte
}

// NewSessionWS wraps an upgraded websocket connection with an authenticated
// identity. The session is not registered or consuming yet.
func NewSessionWS(logger *zap.Logger, config *Config, identity Identity, clientIP, clientPort string, conn *websocket.Conn, sessionRegistry *SessionRegistry, presence *PresenceRegistry, router *ChannelRouter, pipeline *Pipeline, metrics Metrics) Session {
	sessionID := uuid.Must(uuid.NewV4())
	sessionLogger := logger.With(zap.String("sid", sessionID.String()), zap.String("uid", identity.Key()))

	sessionLogger.Info("New websocket session connected", zap.String("client_ip", clientIP))

	ctx, ctxCancelFn := context.WithCancel(context.Background())

	connMu := make(chan struct{}, 1)
	connMu <- struct{}{}

	return &sessionWS{
		logger:   sessionLogger,
		config:   config,
		id:       sessionID,
		identity: identity,
		userKey:  identity.Key(),

		clientIP:   clientIP,
		clientPort: clientPort,

		ctx:         ctx,
		ctxCancelFn: ctxCancelFn,

		pingPeriodDuration: config.Socket.GetPingPeriod(),
		pongWaitDuration:   config.Socket.GetPongWait(),
		writeWaitDuration:  config.Socket.GetWriteWait(),

		sessionRegistry: sessionRegistry,
		presence:        presence,
		router:          router,
		pipeline:        pipeline,
		metrics:         metrics,

		stopped:                atomic.NewBool(false),
		conn:                   conn,
		connMu:                 connMu,
		receivedMessageCounter: config.Socket.PingBackoffThreshold,
		pingTimer:              time.NewTimer(config.Socket.GetPingPeriod()),
		pingTimerCAS:           atomic.NewUint32(1),
		outgoingCh:             make(chan []byte, config.Socket.OutgoingQueueSize),
	}
}

func (s *sessionWS) ID() uuid.UUID {
	return s.id
}

func (s *sessionWS) Identity() Identity {
	return s.identity
}

func (s *sessionWS) UserKey() string {
	return s.userKey
}

func (s *sessionWS) ClientIP() string {
	return s.clientIP
}

func (s *sessionWS) ClientPort() string {
	return s.clientPort
}

func (s *sessionWS) Context() context.Context {
	return s.ctx
}

func (s *sessionWS) Logger() *zap.Logger {
	return s.logger
}

func (s *sessionWS) Consume() {
	s.conn.SetReadLimit(s.config.Socket.MaxMessageSizeBytes)
	if err := s.conn.SetReadDeadline(time.Now().Add(s.pongWaitDuration)); err != nil {
		s.logger.Warn("Failed to set initial read deadline", zap.Error(err))
		s.Close("failed to set initial read deadline", SessionCloseReasonTransportError)
		return
	}
	s.conn.SetPongHandler(func(string) error {
		s.maybeResetPingTimer()
		return nil
	})

	// Start a routine to process outbound messages.
	go s.processOutgoing()

	var reason string
	closeReason := SessionCloseReasonDisconnect

IncomingLoop:
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			// Ignore "normal" websocket errors.
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				// Ignore the underlying connection being shut down while the read was waiting for data.
				var opErr *net.OpError
				if !errors.As(err, &opErr) || opErr.Err.Error() != "use of closed network connection" {
					s.logger.Debug("Error reading message from client", zap.Error(err))
					reason = err.Error()
					closeReason = SessionCloseReasonTransportError
				}
			}
			break
		}
		s.metrics.MessageReceived(int64(len(data)))

		s.receivedMessageCounter--
		if s.receivedMessageCounter <= 0 {
			s.receivedMessageCounter = s.config.Socket.PingBackoffThreshold
			if !s.maybeResetPingTimer() {
				reason = "error updating ping timer"
				closeReason = SessionCloseReasonTransportError
				break IncomingLoop
			}
		}

		request := &Envelope{}
		if err := json.Unmarshal(data, request); err != nil || request.Event == "" {
			// Malformed events are dropped, not fatal: a misbehaving client
			// must never corrupt shared state or take down the process.
			s.logger.Warn("Received malformed payload, dropping event", zap.Binary("data", data))
			s.metrics.EventDropped()
			continue
		}

		if !s.pipeline.ProcessEnvelope(s.logger, s, request) {
			reason = "error processing message"
			break IncomingLoop
		}
	}

	s.Close(reason, closeReason)
}

func (s *sessionWS) maybeResetPingTimer() bool {
	// If there's already a reset in progress there's no need to wait.
	if !s.pingTimerCAS.CompareAndSwap(1, 0) {
		return true
	}
	defer s.pingTimerCAS.CompareAndSwap(0, 1)

	if s.stopped.Load() {
		return false
	}
	// CAS ensures concurrency is not a problem here.
	if !s.pingTimer.Stop() {
		select {
		case <-s.pingTimer.C:
		default:
		}
	}
	s.pingTimer.Reset(s.pingPeriodDuration)
	if err := s.conn.SetReadDeadline(time.Now().Add(s.pongWaitDuration)); err != nil {
		s.logger.Warn("Failed to set read deadline", zap.Error(err))
		s.Close("failed to set read deadline", SessionCloseReasonTransportError)
		return false
	}
	return true
}

func (s *sessionWS) processOutgoing() {
	var reason string
OutgoingLoop:
	for {
		select {
		case <-s.ctx.Done():
			// Session is closing, close the outgoing process routine.
			break OutgoingLoop
		case <-s.pingTimer.C:
			// Periodically send pings.
			if msg, ok := s.pingNow(); !ok {
				// If the ping fails the session will be stopped, clean up the loop.
				reason = msg
				break OutgoingLoop
			}
		case payload := <-s.outgoingCh:
			if ok := s.writeMessage(websocket.TextMessage, payload); !ok {
				reason = "could not write message"
				break OutgoingLoop
			}
			s.metrics.MessageSent(int64(len(payload)))
		}
	}
	s.Close(reason, SessionCloseReasonTransportError)
}

// writeMessage performs a single deadline-bounded write. gorilla/websocket
// does not allow concurrent writers, so the connection write lock is held
// for the duration.
func (s *sessionWS) writeMessage(messageType int, payload []byte) bool {
	<-s.connMu
	defer func() { s.connMu <- struct{}{} }()

	if s.stopped.Load() {
		// The connection may have stopped between the payload being queued
		// and reaching here.
		return false
	}
	if err := s.conn.SetWriteDeadline(time.Now().Add(s.writeWaitDuration)); err != nil {
		s.logger.Warn("Failed to set write deadline", zap.Error(err))
		return false
	}
	if err := s.conn.WriteMessage(messageType, payload); err != nil {
		s.logger.Warn("Could not write message", zap.Error(err))
		return false
	}
	return true
}

func (s *sessionWS) pingNow() (string, bool) {
	if !s.writeMessage(websocket.PingMessage, []byte{}) {
		return "could not send ping", false
	}
	return "", true
}

func (s *sessionWS) Send(envelope *Envelope) error {
	payload, err := envelope.Marshal()
	if err != nil {
		s.logger.Warn("Could not marshal envelope", zap.Error(err))
		return err
	}
	return s.SendBytes(payload)
}

func (s *sessionWS) SendBytes(payload []byte) error {
	// Attempt to queue the message and observe failure.
	select {
	case s.outgoingCh <- payload:
		return nil
	default:
		// The outgoing queue is full, likely because the remote client can't
		// keep up. Terminate the connection immediately: the only alternative
		// that doesn't block the server is silently dropping messages.
		s.logger.Warn("Could not write message, session outgoing queue full")
		// Close in a goroutine as the method can block.
		go s.Close(ErrSessionQueueFull.Error(), SessionCloseReasonQueueFull)
		return ErrSessionQueueFull
	}
}

func (s *sessionWS) Close(msg string, reason SessionCloseReason) {
	// Cancel any ongoing operations tied to this session.
	s.ctxCancelFn()

	if !s.stopped.CompareAndSwap(false, true) {
		return
	}

	// When the close originates inside the session, ensure cleanup of all
	// external references. Channel membership first so late broadcasts for
	// rooms this session was in no longer address it, then presence so the
	// offline debouncer sees the final connection count.
	s.router.LeaveAll(s)
	s.presence.Unregister(s)
	s.sessionRegistry.Remove(s.id)

	// Clean up internals.
	s.pingTimer.Stop()

	// Send the close frame and close the socket.
	<-s.connMu
	if err := s.conn.WriteControl(websocket.CloseMessage, []byte{}, time.Now().Add(s.writeWaitDuration)); err != nil {
		// This may not be possible if the socket was already fully closed by an error.
		s.logger.Debug("Could not send close message", zap.Error(err))
	}
	if err := s.conn.Close(); err != nil {
		s.logger.Debug("Could not close", zap.Error(err))
	}
	s.connMu <- struct{}{}

	s.logger.Info("Closed client connection", zap.String("reason", reason.String()), zap.String("msg", msg))
}
