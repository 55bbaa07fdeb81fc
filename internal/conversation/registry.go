package conversation

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/healthsched/platform/internal/booking"
	"github.com/healthsched/platform/internal/llm"
	"github.com/healthsched/platform/internal/scheduling"
	"github.com/healthsched/platform/internal/specialty"
)

// Operation names exposed to the planner.
const (
	ToolValidateSpecialtyTerm   = "validate_specialty_term"
	ToolFindDoctors             = "find_doctors_and_initial_slots"
	ToolFindMoreSlots           = "find_more_available_slots"
	ToolFindSpecificAppointment = "find_specific_appointment"
	ToolGetPatientAppointments  = "get_patient_appointments"
	ToolExecuteBooking          = "execute_booking"
	ToolExecuteUpdate           = "execute_update"
	ToolExecuteCancellation     = "execute_cancellation"
)

// Statuses shared across tool envelopes.
const (
	StatusSuccess            = "success"
	StatusSuccessWithWarning = "success_with_warning"
	StatusFoundSpecific      = "found_specific"
	StatusFoundMultiple      = "found_multiple"
	StatusError              = "error"
)

// toolArgs is the decoded argument payload of one tool call.
type toolArgs map[string]any

func (a toolArgs) stringField(name string) string {
	v, _ := a[name].(string)
	return v
}

func (a toolArgs) stringSlice(name string) []string {
	raw, ok := a[name].([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// handlerFunc executes one operation. The returned payload is marshaled into
// the tool-result message; the outcome feeds the state reducer.
type handlerFunc func(ctx context.Context, args toolArgs) (payload any, out toolOutcome, err error)

// tool is one registry entry: the schema shown to the planner plus the
// handler and its context requirements.
type tool struct {
	spec            llm.ToolSpec
	requiresPatient bool
	handler         handlerFunc
}

// Registry maps operation names to their schema and handler. The set is
// fixed at construction; the planner can never invoke anything outside it.
type Registry struct {
	tools []tool
	index map[string]int
}

// NewRegistry wires the full operation catalogue over the resolver, the
// search service, and the booking engine.
func NewRegistry(resolver *specialty.Resolver, search *scheduling.Service, engine *booking.Engine) *Registry {
	r := &Registry{index: make(map[string]int)}

	r.register(tool{
		spec: llm.ToolSpec{
			Name:        ToolValidateSpecialtyTerm,
			Description: "Validate the patient's free-text description of the kind of doctor they need against the canonical specialty vocabulary. Must succeed before any doctor search.",
			Parameters: llm.Schema{
				Type: "object",
				Properties: map[string]llm.Schema{
					"user_specialty_term": {Type: "string", Description: "The patient's words for the specialty, e.g. 'heart doctor'."},
				},
				Required: []string{"user_specialty_term"},
			},
		},
		handler: func(ctx context.Context, args toolArgs) (any, toolOutcome, error) {
			res, err := resolver.Resolve(ctx, args.stringField("user_specialty_term"))
			return res, toolOutcome{status: res.Status, validatedTerms: res.ValidatedTerms}, err
		},
	})

	r.register(tool{
		spec: llm.ToolSpec{
			Name:        ToolFindDoctors,
			Description: "Find doctors matching already-validated canonical specialty terms, each with a short preview of upcoming free slots.",
			Parameters: llm.Schema{
				Type: "object",
				Properties: map[string]llm.Schema{
					"db_specialty_terms": {
						Type:        "array",
						Description: "Canonical specialty terms exactly as returned by validate_specialty_term.",
						Items:       &llm.Schema{Type: "string"},
					},
				},
				Required: []string{"db_specialty_terms"},
			},
		},
		handler: func(ctx context.Context, args toolArgs) (any, toolOutcome, error) {
			res, err := search.FindDoctorsWithInitialSlots(ctx, args.stringSlice("db_specialty_terms"))
			return res, toolOutcome{status: res.Status, doctors: res.Doctors}, err
		},
	})

	r.register(tool{
		spec: llm.ToolSpec{
			Name:        ToolFindMoreSlots,
			Description: "List all free slots for one doctor over the next few weeks, optionally starting from a given date.",
			Parameters: llm.Schema{
				Type: "object",
				Properties: map[string]llm.Schema{
					"practitioner_npi": {Type: "string", Description: "The doctor's NPI from a prior search result."},
					"start_date":       {Type: "string", Description: "Optional start date, YYYY-MM-DD. Defaults to today."},
				},
				Required: []string{"practitioner_npi"},
			},
		},
		handler: func(ctx context.Context, args toolArgs) (any, toolOutcome, error) {
			res, err := search.FindMoreAvailableSlots(ctx, args.stringField("practitioner_npi"), args.stringField("start_date"))
			return res, toolOutcome{status: res.Status, slots: res.RawSlots}, err
		},
	})

	r.register(tool{
		spec: llm.ToolSpec{
			Name:        ToolFindSpecificAppointment,
			Description: "Identify which of the patient's confirmed appointments they are talking about, from a slot ID or a free-text description.",
			Parameters: llm.Schema{
				Type: "object",
				Properties: map[string]llm.Schema{
					"patient_fhir_id":  {Type: "string", Description: "The patient identifier. Injected automatically when omitted."},
					"appointment_info": {Type: "string", Description: "The patient's description of the appointment, or a slot ID."},
				},
				Required: []string{"appointment_info"},
			},
		},
		requiresPatient: true,
		handler: func(ctx context.Context, args toolArgs) (any, toolOutcome, error) {
			res, err := search.FindSpecificAppointment(ctx, args.stringField("patient_fhir_id"), args.stringField("appointment_info"))
			candidates := res.RawAppointments
			if res.AppointmentDetails != nil {
				candidates = []scheduling.AppointmentDetail{*res.AppointmentDetails}
			}
			return res, toolOutcome{status: res.Status, candidates: candidates}, err
		},
	})

	r.register(tool{
		spec: llm.ToolSpec{
			Name:        ToolGetPatientAppointments,
			Description: "List all of the patient's upcoming confirmed appointments.",
			Parameters: llm.Schema{
				Type: "object",
				Properties: map[string]llm.Schema{
					"patient_fhir_id": {Type: "string", Description: "The patient identifier. Injected automatically when omitted."},
				},
			},
		},
		requiresPatient: true,
		handler: func(ctx context.Context, args toolArgs) (any, toolOutcome, error) {
			res, err := search.ListPatientAppointments(ctx, args.stringField("patient_fhir_id"))
			return res, toolOutcome{status: res.Status}, err
		},
	})

	r.register(tool{
		spec: llm.ToolSpec{
			Name:        ToolExecuteBooking,
			Description: "Book a free slot for the patient. Only call after the patient has explicitly confirmed the exact slot.",
			Parameters: llm.Schema{
				Type: "object",
				Properties: map[string]llm.Schema{
					"patient_fhir_id": {Type: "string", Description: "The patient identifier. Injected automatically when omitted."},
					"slot_fhir_id":    {Type: "string", Description: "The exact slot ID to book."},
				},
				Required: []string{"slot_fhir_id"},
			},
		},
		requiresPatient: true,
		handler: func(ctx context.Context, args toolArgs) (any, toolOutcome, error) {
			res, err := engine.ExecuteBooking(ctx, args.stringField("patient_fhir_id"), args.stringField("slot_fhir_id"))
			return res, toolOutcome{status: res.Status}, err
		},
	})

	r.register(tool{
		spec: llm.ToolSpec{
			Name:        ToolExecuteUpdate,
			Description: "Move the patient's confirmed appointment to a different slot. Only call after the patient has confirmed both slots.",
			Parameters: llm.Schema{
				Type: "object",
				Properties: map[string]llm.Schema{
					"patient_fhir_id":  {Type: "string", Description: "The patient identifier. Injected automatically when omitted."},
					"old_slot_fhir_id": {Type: "string", Description: "The slot ID of the existing appointment."},
					"new_slot_fhir_id": {Type: "string", Description: "The free slot ID to move to."},
				},
				Required: []string{"old_slot_fhir_id", "new_slot_fhir_id"},
			},
		},
		requiresPatient: true,
		handler: func(ctx context.Context, args toolArgs) (any, toolOutcome, error) {
			res, err := engine.ExecuteUpdate(ctx, args.stringField("patient_fhir_id"), args.stringField("old_slot_fhir_id"), args.stringField("new_slot_fhir_id"))
			return res, toolOutcome{status: res.Status}, err
		},
	})

	r.register(tool{
		spec: llm.ToolSpec{
			Name:        ToolExecuteCancellation,
			Description: "Cancel the patient's confirmed appointment in a slot. Only call after the patient has explicitly confirmed the cancellation.",
			Parameters: llm.Schema{
				Type: "object",
				Properties: map[string]llm.Schema{
					"patient_fhir_id":        {Type: "string", Description: "The patient identifier. Injected automatically when omitted."},
					"slot_fhir_id_to_cancel": {Type: "string", Description: "The slot ID of the appointment to cancel."},
				},
				Required: []string{"slot_fhir_id_to_cancel"},
			},
		},
		requiresPatient: true,
		handler: func(ctx context.Context, args toolArgs) (any, toolOutcome, error) {
			res, err := engine.ExecuteCancellation(ctx, args.stringField("patient_fhir_id"), args.stringField("slot_fhir_id_to_cancel"))
			return res, toolOutcome{status: res.Status}, err
		},
	})

	return r
}

func (r *Registry) register(t tool) {
	if _, exists := r.index[t.spec.Name]; exists {
		panic(fmt.Sprintf("conversation: duplicate tool %q", t.spec.Name))
	}
	r.index[t.spec.Name] = len(r.tools)
	r.tools = append(r.tools, t)
}

// Specs returns the operation catalogue in registration order.
func (r *Registry) Specs() []llm.ToolSpec {
	specs := make([]llm.ToolSpec, 0, len(r.tools))
	for _, t := range r.tools {
		specs = append(specs, t.spec)
	}
	return specs
}

func (r *Registry) lookup(name string) (tool, bool) {
	i, ok := r.index[name]
	if !ok {
		return tool{}, false
	}
	return r.tools[i], true
}

// patientFieldName is the injected argument shared by every tool that needs
// the patient identity.
const patientFieldName = "patient_fhir_id"

// missingRequiredArgs reports required schema fields that are absent or
// empty after context injection.
func missingRequiredArgs(schema llm.Schema, args toolArgs) []string {
	var missing []string
	for _, name := range schema.Required {
		v, ok := args[name]
		if !ok {
			missing = append(missing, name)
			continue
		}
		switch value := v.(type) {
		case string:
			if value == "" {
				missing = append(missing, name)
			}
		case []any:
			if len(value) == 0 {
				missing = append(missing, name)
			}
		case nil:
			missing = append(missing, name)
		}
	}
	return missing
}

func decodeArgs(raw json.RawMessage) (toolArgs, error) {
	if len(raw) == 0 {
		return toolArgs{}, nil
	}
	var args toolArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, fmt.Errorf("conversation: decode tool arguments: %w", err)
	}
	if args == nil {
		args = toolArgs{}
	}
	return args, nil
}
