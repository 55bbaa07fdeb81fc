// Package handlers exposes the conversational scheduling agent over HTTP.
package handlers

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/healthsched/platform/internal/conversation"
	"github.com/healthsched/platform/internal/llm"
	"github.com/healthsched/platform/pkg/logging"
)

// ChatHandler serves the chat endpoints: starting a thread, sending a turn,
// and reading back the visible transcript.
type ChatHandler struct {
	controller *conversation.Controller
	store      *conversation.StateStore
	logger     *logging.Logger
}

func NewChatHandler(controller *conversation.Controller, store *conversation.StateStore, logger *logging.Logger) *ChatHandler {
	if logger == nil {
		logger = logging.Default()
	}
	return &ChatHandler{
		controller: controller,
		store:      store,
		logger:     logger,
	}
}

type startResponse struct {
	ThreadID string `json:"thread_id"`
}

type messageRequest struct {
	Text string `json:"text"`
}

type messageResponse struct {
	ThreadID string `json:"thread_id"`
	Reply    string `json:"reply"`
}

type historyMessage struct {
	Role string `json:"role"`
	Text string `json:"text"`
}

type historyResponse struct {
	ThreadID string           `json:"thread_id"`
	Messages []historyMessage `json:"messages"`
}

// Start allocates a fresh thread identifier. State is created lazily on the
// first message.
func (h *ChatHandler) Start(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, startResponse{ThreadID: uuid.NewString()})
}

// Message runs one conversation turn.
func (h *ChatHandler) Message(w http.ResponseWriter, r *http.Request) {
	threadID := chi.URLParam(r, "threadID")
	if threadID == "" {
		writeError(w, http.StatusBadRequest, "missing thread id")
		return
	}

	var req messageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		writeError(w, http.StatusBadRequest, "text is required")
		return
	}

	reply, err := h.controller.HandleTurn(r.Context(), threadID, req.Text)
	if err != nil {
		h.logger.Error("turn failed", "thread_id", threadID, "error", err)
		// The controller already shaped a user-safe reply.
	}

	writeJSON(w, http.StatusOK, messageResponse{ThreadID: threadID, Reply: reply})
}

// History returns the user-visible transcript: user and assistant text only,
// tool plumbing elided.
func (h *ChatHandler) History(w http.ResponseWriter, r *http.Request) {
	threadID := chi.URLParam(r, "threadID")
	if threadID == "" {
		writeError(w, http.StatusBadRequest, "missing thread id")
		return
	}

	state, err := h.store.Load(r.Context(), threadID)
	if err != nil {
		h.logger.Error("history load failed", "thread_id", threadID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load history")
		return
	}

	resp := historyResponse{ThreadID: threadID, Messages: []historyMessage{}}
	if state != nil {
		for _, msg := range state.Messages {
			if msg.Role != llm.ChatRoleUser && msg.Role != llm.ChatRoleAssistant {
				continue
			}
			if strings.TrimSpace(msg.Content) == "" {
				continue
			}
			resp.Messages = append(resp.Messages, historyMessage{Role: msg.Role, Text: msg.Content})
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// HealthCheck reports liveness.
func (h *ChatHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
