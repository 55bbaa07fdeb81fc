package conversation

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/healthsched/platform/internal/llm"
	"github.com/healthsched/platform/pkg/logging"
)

var turnTracer = otel.Tracer("healthsched.internal.conversation")

const (
	defaultMaxIterations  = 6
	defaultPlannerTimeout = 60 * time.Second
)

const (
	apologyPlannerFailure = "I'm sorry, I'm having trouble thinking that through right now. Please try again in a moment."
	apologyCeilingReached = "I'm sorry, that request took more steps than I can handle in one go. Could you rephrase or break it into smaller steps?"
)

// ControllerConfig bounds one turn of the loop.
type ControllerConfig struct {
	// MaxIterations is the hard ceiling on planner calls per turn.
	MaxIterations int
	// PlannerTimeout bounds each individual planner call.
	PlannerTimeout time.Duration
	// DefaultPatientID seeds PatientFHIRID for fresh threads.
	DefaultPatientID string
}

func (c ControllerConfig) withDefaults() ControllerConfig {
	if c.MaxIterations <= 0 {
		c.MaxIterations = defaultMaxIterations
	}
	if c.PlannerTimeout <= 0 {
		c.PlannerTimeout = defaultPlannerTimeout
	}
	return c
}

// Controller runs the per-turn loop: plan, dispatch requested tools, fold
// results, plan again, until the planner answers in plain text or the
// iteration ceiling trips.
type Controller struct {
	planner    Planner
	dispatcher *Dispatcher
	registry   *Registry
	store      *StateStore
	cfg        ControllerConfig
	logger     *logging.Logger
}

func NewController(planner Planner, dispatcher *Dispatcher, registry *Registry, store *StateStore, cfg ControllerConfig, logger *logging.Logger) *Controller {
	if planner == nil || dispatcher == nil || registry == nil || store == nil {
		panic("conversation: controller requires planner, dispatcher, registry, and store")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Controller{
		planner:    planner,
		dispatcher: dispatcher,
		registry:   registry,
		store:      store,
		cfg:        cfg.withDefaults(),
		logger:     logger,
	}
}

// HandleTurn processes one user message on a thread and returns the
// assistant's answer. State is persisted on every exit path so the message
// log is never lost, and never contains fabricated results: a planner
// failure ends the turn with the state exactly as of the last fold.
func (c *Controller) HandleTurn(ctx context.Context, threadID, userMessage string) (string, error) {
	ctx, span := turnTracer.Start(ctx, "conversation.turn")
	defer span.End()
	span.SetAttributes(attribute.String("healthsched.thread_id", threadID))

	started := time.Now()
	defer func() {
		turnDuration.Observe(time.Since(started).Seconds())
	}()

	state, err := c.store.Load(ctx, threadID)
	if err != nil {
		span.RecordError(err)
		turnsTotal.WithLabelValues("state_error").Inc()
		return apologyPlannerFailure, err
	}
	if state == nil {
		state = NewState(c.cfg.DefaultPatientID)
	}

	state.appendMessage(llm.ChatMessage{Role: llm.ChatRoleUser, Content: userMessage})

	specs := c.registry.Specs()
	for iteration := 1; iteration <= c.cfg.MaxIterations; iteration++ {
		decision, err := c.decide(ctx, state, specs)
		if err != nil {
			span.RecordError(err)
			c.logger.Error("planner call failed", "thread_id", threadID, "iteration", iteration, "error", err)
			c.persist(ctx, threadID, state)
			turnsTotal.WithLabelValues("planner_error").Inc()
			return apologyPlannerFailure, err
		}

		if len(decision.ToolCalls) == 0 {
			state.appendMessage(llm.ChatMessage{Role: llm.ChatRoleAssistant, Content: decision.Text})
			if err := c.store.Save(ctx, threadID, state); err != nil {
				span.RecordError(err)
				c.logger.Error("state save failed", "thread_id", threadID, "error", err)
			}
			plannerIterations.Observe(float64(iteration))
			turnsTotal.WithLabelValues("completed").Inc()
			return decision.Text, nil
		}

		state.appendMessage(llm.ChatMessage{
			Role:      llm.ChatRoleAssistant,
			Content:   decision.Text,
			ToolCalls: decision.ToolCalls,
		})
		for _, call := range decision.ToolCalls {
			result := c.dispatcher.Execute(ctx, state, call)
			state.appendMessage(result)
		}
	}

	c.logger.Error("turn exceeded iteration ceiling", "thread_id", threadID, "ceiling", c.cfg.MaxIterations)
	state.appendMessage(llm.ChatMessage{Role: llm.ChatRoleAssistant, Content: apologyCeilingReached})
	c.persist(ctx, threadID, state)
	plannerIterations.Observe(float64(c.cfg.MaxIterations))
	turnsTotal.WithLabelValues("ceiling").Inc()
	return apologyCeilingReached, nil
}

// decide makes one planner call with the context summary injected just
// before the latest user message. The summary never enters the canonical
// log.
func (c *Controller) decide(ctx context.Context, state *State, specs []llm.ToolSpec) (Decision, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.PlannerTimeout)
	defer cancel()

	return c.planner.Decide(ctx, PlanRequest{
		System:   []string{systemPrompt},
		Messages: c.planMessages(state),
		Tools:    specs,
	})
}

// planMessages builds the transcript for one planner call. When pending
// clarification or validated terms exist, a synthetic assistant message is
// inserted immediately before the most recent user message.
func (c *Controller) planMessages(state *State) []llm.ChatMessage {
	summary := state.contextSummary()
	if summary == "" {
		return state.Messages
	}

	insertAt := len(state.Messages)
	for i := len(state.Messages) - 1; i >= 0; i-- {
		if state.Messages[i].Role == llm.ChatRoleUser {
			insertAt = i
			break
		}
	}

	messages := make([]llm.ChatMessage, 0, len(state.Messages)+1)
	messages = append(messages, state.Messages[:insertAt]...)
	messages = append(messages, llm.ChatMessage{Role: llm.ChatRoleAssistant, Content: summary})
	messages = append(messages, state.Messages[insertAt:]...)
	return messages
}

func (c *Controller) persist(ctx context.Context, threadID string, state *State) {
	if err := c.store.Save(ctx, threadID, state); err != nil {
		c.logger.Error("state save failed", "thread_id", threadID, "error", err)
	}
}
