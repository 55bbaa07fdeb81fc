package conversation

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/healthsched/platform/internal/llm"
	"github.com/healthsched/platform/pkg/logging"
)

var dispatchTracer = otel.Tracer("healthsched.internal.conversation.dispatch")

// Dispatcher executes planner tool calls against the registry and applies
// the state reconciliation rules. Component failures never escape: they
// become error-status results so the loop keeps its protocol.
type Dispatcher struct {
	registry       *Registry
	defaultPatient string
	logger         *logging.Logger
}

func NewDispatcher(registry *Registry, defaultPatient string, logger *logging.Logger) *Dispatcher {
	if registry == nil {
		panic("conversation: registry cannot be nil")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Dispatcher{
		registry:       registry,
		defaultPatient: defaultPatient,
		logger:         logger,
	}
}

// Execute runs one tool call, reconciles state, and returns the tool-result
// message to append to the transcript.
func (d *Dispatcher) Execute(ctx context.Context, state *State, call llm.ToolCall) llm.ChatMessage {
	ctx, span := dispatchTracer.Start(ctx, "conversation.dispatch")
	defer span.End()
	span.SetAttributes(attribute.String("healthsched.tool", call.Name))

	status, payload := d.run(ctx, state, call)
	span.SetAttributes(attribute.String("healthsched.tool_status", status))
	toolInvocationsTotal.WithLabelValues(call.Name, status).Inc()

	body, err := json.Marshal(payload)
	if err != nil {
		d.logger.Error("tool result marshal failed", "tool", call.Name, "error", err)
		body = []byte(`{"status":"error","message":"Internal error encoding the tool result."}`)
	}

	return llm.ChatMessage{
		Role:       llm.ChatRoleTool,
		ToolCallID: call.ID,
		ToolName:   call.Name,
		Content:    string(body),
	}
}

// run resolves, injects, and invokes the handler, returning the final status
// and the payload for the transcript. State is untouched until the call is
// known to be executable: an unknown name, bad arguments, or a missing
// patient identity produce a failure result with no state change.
func (d *Dispatcher) run(ctx context.Context, state *State, call llm.ToolCall) (string, any) {
	t, ok := d.registry.lookup(call.Name)
	if !ok {
		d.logger.Warn("planner requested unknown tool", "tool", call.Name)
		return StatusError, errorEnvelope(fmt.Sprintf("Unknown operation %q.", call.Name))
	}

	args, err := decodeArgs(call.Arguments)
	if err != nil {
		d.logger.Warn("tool arguments unparseable", "tool", call.Name, "error", err)
		return StatusError, errorEnvelope("The operation arguments could not be parsed.")
	}

	if t.requiresPatient && args.stringField(patientFieldName) == "" {
		patient := state.PatientFHIRID
		if patient == "" {
			patient = d.defaultPatient
		}
		if patient == "" {
			d.logger.Error("no patient identity available for tool", "tool", call.Name)
			return StatusError, errorEnvelope("No patient identity is configured for this conversation.")
		}
		args[patientFieldName] = patient
	}

	if missing := missingRequiredArgs(t.spec.Parameters, args); len(missing) > 0 {
		d.logger.Warn("tool call missing required arguments", "tool", call.Name, "missing", missing)
		return StatusError, errorEnvelope(fmt.Sprintf("Missing required arguments: %s.", strings.Join(missing, ", ")))
	}

	state.resetTransient()

	payload, out, err := t.handler(ctx, args)
	if err != nil {
		// The handler already shaped a user-safe envelope; log the detail
		// and keep the protocol moving.
		d.logger.Error("tool execution failed", "tool", call.Name, "status", out.status, "error", err)
	}
	if out.status == "" {
		out.status = StatusError
	}
	reduce(state, call.Name, out)
	return out.status, payload
}

func errorEnvelope(message string) map[string]string {
	return map[string]string{"status": StatusError, "message": message}
}
