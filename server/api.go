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
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// ApiServer is the HTTP front door: the socket endpoint plus the status
// surface and the Prometheus scrape endpoint.
type ApiServer struct {
	logger          *zap.Logger
	config          *Config
	sessionRegistry *SessionRegistry
	presence        *PresenceRegistry
	router          *ChannelRouter
	pipeline        *Pipeline
	metrics         Metrics

	httpServer *http.Server
	startedAt  time.Time
}

func NewApiServer(logger *zap.Logger, config *Config, sessionRegistry *SessionRegistry, presence *PresenceRegistry, channelRouter *ChannelRouter, pipeline *Pipeline, metrics Metrics) *ApiServer {
	s := &ApiServer{
		logger:          logger,
		config:          config,
		sessionRegistry: sessionRegistry,
		presence:        presence,
		router:          channelRouter,
		pipeline:        pipeline,
		metrics:         metrics,
		startedAt:       time.Now(),
	}

	r := mux.NewRouter()
	r.HandleFunc("/ws", s.serveWebSocket).Methods(http.MethodGet)
	r.HandleFunc("/health", s.serveHealth).Methods(http.MethodGet)
	r.HandleFunc("/", s.serveRoot).Methods(http.MethodGet)
	r.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)

	handler := handlers.CORS(
		handlers.AllowedOrigins(config.Socket.AllowedOrigins),
		handlers.AllowedMethods([]string{http.MethodGet, http.MethodPost, http.MethodOptions}),
		handlers.AllowedHeaders([]string{"Authorization", "Content-Type"}),
		handlers.AllowCredentials(),
	)(r)

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", config.Port),
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0, // Socket upgrades hold the connection open.
		IdleTimeout:  config.Socket.GetPongWait() + config.Socket.GetPingPeriod(),
	}

	return s
}

func (s *ApiServer) Start() error {
	s.logger.Info("Starting API server", zap.Int("port", s.config.Port))
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("api server listener failed: %w", err)
	}
	return nil
}

func (s *ApiServer) Stop(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// identityFromRequest authenticates the socket request before upgrade.
// Default mode reads userId and userType query parameters. When a token
// secret is configured, a signed token carrying uid and uty claims is
// required instead, as a Bearer header or a token query parameter.
func (s *ApiServer) identityFromRequest(r *http.Request) (Identity, error) {
	if secret := s.config.Auth.TokenSecret; secret != "" {
		var token string
		if auth := r.Header.Get("Authorization"); auth != "" {
			const prefix = "Bearer "
			if !strings.HasPrefix(auth, prefix) {
				return Identity{}, fmt.Errorf("missing or invalid token")
			}
			token = auth[len(prefix):]
		} else {
			token = r.URL.Query().Get("token")
		}
		if token == "" {
			return Identity{}, fmt.Errorf("missing or invalid token")
		}

		claims := jwt.MapClaims{}
		parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
			}
			return []byte(secret), nil
		})
		if err != nil || !parsed.Valid {
			return Identity{}, fmt.Errorf("missing or invalid token")
		}
		userID, _ := claims["uid"].(string)
		userType, _ := claims["uty"].(string)
		if userID == "" || userType == "" {
			return Identity{}, fmt.Errorf("token missing identity claims")
		}
		return Identity{UserID: userID, UserType: userType}, nil
	}

	userID := r.URL.Query().Get("userId")
	userType := r.URL.Query().Get("userType")
	if userID == "" || userType == "" {
		return Identity{}, fmt.Errorf("missing userId or userType")
	}
	return Identity{UserID: userID, UserType: userType}, nil
}

func (s *ApiServer) serveWebSocket(w http.ResponseWriter, r *http.Request) {
	identity, err := s.identityFromRequest(r)
	if err != nil {
		s.logger.Debug("Rejected socket connection", zap.Error(err))
		http.Error(w, "Authentication error: "+err.Error(), http.StatusUnauthorized)
		return
	}

	upgrader := &websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// http.Error is invoked automatically from within the Upgrade function.
		s.logger.Debug("Could not upgrade to WebSocket", zap.Error(err))
		return
	}

	clientIP, clientPort := extractClientAddressFromRequest(s.logger, r)

	session := NewSessionWS(s.logger, s.config, identity, clientIP, clientPort, conn, s.sessionRegistry, s.presence, s.router, s.pipeline, s.metrics)
	s.sessionRegistry.Add(session)
	s.pipeline.OnConnect(session)

	// Blocks until the connection drops.
	session.Consume()
}

func (s *ApiServer) checkOrigin(r *http.Request) bool {
	origins := s.config.Socket.AllowedOrigins
	if len(origins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	for _, allowed := range origins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	return false
}

func (s *ApiServer) serveHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"connections": s.sessionRegistry.Count(),
		"uptime":      time.Since(s.startedAt).Seconds(),
	})
}

func (s *ApiServer) serveRoot(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{
		"message":     "Brainers Hub Socket Server",
		"version":     "1.0.0",
		"connections": s.sessionRegistry.Count(),
	}
	if s.config.APIBaseURL != "" {
		body["apiBaseUrl"] = s.config.APIBaseURL
	}
	writeJSON(w, http.StatusOK, body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// extractClientAddressFromRequest resolves the client address, preferring
// forwarding headers set by a proxy in front of the server.
func extractClientAddressFromRequest(logger *zap.Logger, r *http.Request) (string, string) {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		if idx := strings.Index(forwarded, ","); idx >= 0 {
			forwarded = forwarded[:idx]
		}
		return strings.TrimSpace(forwarded), ""
	}
	ip, port, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		logger.Debug("Could not parse remote address", zap.String("addr", r.RemoteAddr), zap.Error(err))
		return r.RemoteAddr, ""
	}
	return ip, port
}
