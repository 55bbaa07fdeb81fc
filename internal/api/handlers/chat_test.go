package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-chi/chi/v5"
	pgxmock "github.com/pashagolub/pgxmock/v4"
	"github.com/redis/go-redis/v9"

	"github.com/healthsched/platform/internal/booking"
	"github.com/healthsched/platform/internal/conversation"
	"github.com/healthsched/platform/internal/llm"
	"github.com/healthsched/platform/internal/scheduling"
	"github.com/healthsched/platform/internal/specialty"
	"github.com/healthsched/platform/pkg/logging"
)

type cannedPlanner struct {
	text string
}

func (p *cannedPlanner) Decide(ctx context.Context, req conversation.PlanRequest) (conversation.Decision, error) {
	return conversation.Decision{Text: p.text}, nil
}

type cannedLLM struct{}

func (cannedLLM) Complete(ctx context.Context, req llm.Request) (llm.Response, error) {
	return llm.Response{Text: `{"match_found": false, "matches": []}`}, nil
}

func newTestHandler(t *testing.T, planner conversation.Planner) (*ChatHandler, *conversation.StateStore) {
	t.Helper()

	mr := miniredis.RunT(t)
	redisClient := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = redisClient.Close() })

	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("pgxmock: %v", err)
	}
	t.Cleanup(mock.Close)

	logger := logging.Default()
	store := scheduling.NewStore(mock)
	search := scheduling.NewService(store, scheduling.DefaultConfig(), logger)
	engine := booking.NewEngine(store, logger)
	resolver := specialty.NewResolver(cannedLLM{}, "test-model", specialty.NewVocabularyCache(store), logger)

	registry := conversation.NewRegistry(resolver, search, engine)
	dispatcher := conversation.NewDispatcher(registry, "patient-default", logger)
	stateStore := conversation.NewStateStore(redisClient, time.Hour)
	controller := conversation.NewController(planner, dispatcher, registry, stateStore, conversation.ControllerConfig{
		MaxIterations:    6,
		PlannerTimeout:   time.Second,
		DefaultPatientID: "patient-default",
	}, logger)

	return NewChatHandler(controller, stateStore, logger), stateStore
}

func newTestRouter(h *ChatHandler) http.Handler {
	r := chi.NewRouter()
	r.Post("/chat/start", h.Start)
	r.Post("/chat/{threadID}/messages", h.Message)
	r.Get("/chat/{threadID}/history", h.History)
	r.Get("/healthz", h.HealthCheck)
	return r
}

func TestStartReturnsThreadID(t *testing.T) {
	h, _ := newTestHandler(t, &cannedPlanner{text: "hi"})
	r := newTestRouter(h)

	req := httptest.NewRequest(http.MethodPost, "/chat/start", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status %d", rec.Code)
	}
	var resp struct {
		ThreadID string `json:"thread_id"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.ThreadID == "" {
		t.Fatalf("expected a thread id")
	}
}

func TestMessageRoundTrip(t *testing.T) {
	h, _ := newTestHandler(t, &cannedPlanner{text: "Hello! How can I help?"})
	r := newTestRouter(h)

	body := strings.NewReader(`{"text":"hi there"}`)
	req := httptest.NewRequest(http.MethodPost, "/chat/thread-1/messages", body)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status %d: %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		Reply string `json:"reply"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Reply != "Hello! How can I help?" {
		t.Fatalf("unexpected reply: %q", resp.Reply)
	}
}

func TestMessageRejectsEmptyText(t *testing.T) {
	h, _ := newTestHandler(t, &cannedPlanner{text: "unused"})
	r := newTestRouter(h)

	req := httptest.NewRequest(http.MethodPost, "/chat/thread-1/messages", strings.NewReader(`{"text":"  "}`))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestHistoryElidesToolMessages(t *testing.T) {
	h, store := newTestHandler(t, &cannedPlanner{text: "unused"})
	r := newTestRouter(h)

	state := conversation.NewState("patient-1")
	state.Messages = []llm.ChatMessage{
		{Role: llm.ChatRoleUser, Content: "book me a doctor"},
		{Role: llm.ChatRoleAssistant, ToolCalls: []llm.ToolCall{{ID: "c1", Name: "find_doctors_and_initial_slots"}}},
		{Role: llm.ChatRoleTool, ToolCallID: "c1", ToolName: "find_doctors_and_initial_slots", Content: `{"status":"success"}`},
		{Role: llm.ChatRoleAssistant, Content: "Here are your options."},
	}
	if err := store.Save(context.Background(), "thread-h", state); err != nil {
		t.Fatalf("seed: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/chat/thread-h/history", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status %d", rec.Code)
	}
	var resp struct {
		Messages []struct {
			Role string `json:"role"`
			Text string `json:"text"`
		} `json:"messages"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Messages) != 2 {
		t.Fatalf("expected 2 visible messages, got %d", len(resp.Messages))
	}
	if resp.Messages[1].Text != "Here are your options." {
		t.Fatalf("unexpected transcript: %+v", resp.Messages)
	}
}

func TestHistoryUnknownThreadIsEmpty(t *testing.T) {
	h, _ := newTestHandler(t, &cannedPlanner{text: "unused"})
	r := newTestRouter(h)

	req := httptest.NewRequest(http.MethodGet, "/chat/ghost/history", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"messages":[]`) {
		t.Fatalf("expected empty message list, got %s", rec.Body.String())
	}
}
