package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/pkg/errors"

	"github.com/aide-sh/aide/pkg/chats"
	"github.com/aide-sh/aide/pkg/logger"
	"github.com/aide-sh/aide/pkg/restart"
)

// chatSummary is one listing row of the REST API.
type chatSummary struct {
	ID            string `json:"id"`
	Title         string `json:"title,omitempty"`
	LastMessageAt string `json:"last_message_at"`
	MessageCount  int    `json:"message_count"`
}

func (s *Server) handleListChats(w http.ResponseWriter, r *http.Request) {
	summaries, err := s.chats.List()
	if err != nil {
		s.writeErrorResponse(w, r, http.StatusInternalServerError, "failed to list chats", err)
		return
	}
	out := make([]chatSummary, 0, len(summaries))
	for _, summary := range summaries {
		out = append(out, chatSummary{
			ID:            summary.ChatID,
			Title:         summary.Title,
			LastMessageAt: summary.LastMessageAt.Format("2006-01-02T15:04:05Z07:00"),
			MessageCount:  summary.MessageCount,
		})
	}
	s.writeJSONResponse(w, r, map[string]any{"chats": out})
}

func (s *Server) handleGetChat(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	chat, err := s.chats.Load(id)
	if err != nil {
		if errors.Is(err, chats.ErrNotFound) {
			s.writeErrorResponse(w, r, http.StatusNotFound, "chat not found", nil)
			return
		}
		s.writeErrorResponse(w, r, http.StatusInternalServerError, "failed to load chat", err)
		return
	}
	s.writeJSONResponse(w, r, map[string]any{
		"id":       chat.ID,
		"title":    chat.Title,
		"messages": chat.Visible(),
		"usage":    chat.Usage,
	})
}

func (s *Server) handleDeleteChat(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.chats.Delete(id); err != nil {
		if errors.Is(err, chats.ErrNotFound) {
			s.writeErrorResponse(w, r, http.StatusNotFound, "chat not found", nil)
			return
		}
		s.writeErrorResponse(w, r, http.StatusInternalServerError, "failed to delete chat", err)
		return
	}
	s.writeJSONResponse(w, r, map[string]any{"success": true})
}

// restartRequest is the agent-initiated restart payload.
type restartRequest struct {
	SessionID          string `json:"session_id"`
	Reason             string `json:"reason"`
	MessageCount       int    `json:"message_count"`
	ContinuationPrompt string `json:"continuation_prompt"`
}

// handleRestart writes the continuation marker, spawns the start script
// detached, and terminates this process. The next startup resumes the
// conversation from the marker.
func (s *Server) handleRestart(w http.ResponseWriter, r *http.Request) {
	if s.Restart == nil {
		s.writeErrorResponse(w, r, http.StatusServiceUnavailable, "restart is not configured", nil)
		return
	}
	var req restartRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeErrorResponse(w, r, http.StatusBadRequest, "invalid restart request", err)
		return
	}
	if req.SessionID == "" {
		s.writeErrorResponse(w, r, http.StatusBadRequest, "session_id is required", nil)
		return
	}
	if err := s.Restart.WriteMarker(restart.Marker{
		SessionID:          req.SessionID,
		RestartTime:        time.Now().UTC(),
		Reason:             req.Reason,
		MessageCount:       req.MessageCount,
		ContinuationPrompt: req.ContinuationPrompt,
	}); err != nil {
		s.writeErrorResponse(w, r, http.StatusInternalServerError, "failed to write restart marker", err)
		return
	}
	s.writeJSONResponse(w, r, map[string]any{"success": true, "status": "restarting"})

	go func() {
		ctx := logger.WithLogger(context.Background(), logger.G(r.Context()))
		if s.RestartScript != "" {
			if err := restart.SpawnDetached(ctx, s.RestartScript, s.RestartLogPath); err != nil {
				logger.G(ctx).WithError(err).Error("failed to spawn restart script")
			}
		}
		s.terminateSelf(ctx)
	}()
}

func (s *Server) writeJSONResponse(w http.ResponseWriter, r *http.Request, data any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.G(r.Context()).WithError(err).Error("failed to encode JSON response")
		http.Error(w, "internal server error", http.StatusInternalServerError)
	}
}

func (s *Server) writeErrorResponse(w http.ResponseWriter, r *http.Request, statusCode int, message string, err error) {
	if err != nil {
		logger.G(r.Context()).WithError(err).Error(message)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	response := map[string]any{
		"error":   message,
		"status":  statusCode,
		"success": false,
	}
	if err := json.NewEncoder(w).Encode(response); err != nil {
		logger.G(r.Context()).WithError(err).Error("failed to encode error response")
	}
}
