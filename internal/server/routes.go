package server

import (
	"encoding/json"
	"fmt"
	"maps"
	"net/http"
	"strconv"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

func (s *Server) RegisterRoutes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", s.healthHandler)

	mux.HandleFunc("/websocket", s.websocketHandler)

	return s.corsMiddleware(mux)
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Accept, Authorization, Content-Type")
		w.Header().Set("Access-Control-Allow-Credentials", "false")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	stats := map[string]string{
		"status":            "up",
		"store":             "memory",
		"rooms":             strconv.Itoa(s.hub.Len()),
		"matches_connected": strconv.Itoa(s.registry.MatchCount()),
	}
	if s.db != nil {
		stats["store"] = "postgres"
		maps.Copy(stats, s.db.Health(r.Context()))
	}

	resp, err := json.Marshal(stats)
	if err != nil {
		http.Error(w, "Failed to marshal health check response", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if stats["status"] != "up" {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	if _, err := w.Write(resp); err != nil {
		s.log.Debug("health_write_failed", zap.Error(err))
	}
}

func (s *Server) websocketHandler(w http.ResponseWriter, r *http.Request) {
	socket, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		s.log.Debug("websocket_accept_failed", zap.Error(err))
		return
	}

	connID := uuid.NewString()
	client := NewClient(connID, wsTransport{conn: socket}, s.cfg.SendBuffer, s.cfg.SendTimeout)
	s.registry.Start(client)
	s.log.Debug("connection_opened", zap.String("conn_id", connID))

	defer func() {
		s.rateLimiter.RemoveConnection(connID)
		s.disconnects.HandleDisconnect(client)
		s.log.Debug("connection_closed",
			zap.String("conn_id", connID),
			zap.String("user_id", client.UserID()),
			zap.String("match_id", client.MatchID()),
		)
	}()

	ctx := r.Context()
	for {
		msgType, data, err := socket.Read(ctx)
		if err != nil {
			return
		}
		if msgType != websocket.MessageText {
			continue
		}

		if !s.rateLimiter.Allow(connID) {
			s.registry.Send(client, encodeMessage(rejectedMessage("", ErrRateLimited)))
			continue
		}

		var msg ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			s.registry.Send(client, encodeMessage(rejectedMessage("", fmt.Errorf("%w: invalid JSON", ErrBadRequest))))
			continue
		}
		if err := ValidateMessageType(msg.Type); err != nil {
			s.registry.Send(client, encodeMessage(rejectedMessage(msg.MatchID, err)))
			continue
		}

		s.dispatcher.Dispatch(ctx, client, msg)
	}
}
