// Package conversation drives the turn-by-turn loop between the patient, the
// planning model, and the scheduling tools: it loads per-thread state, lets
// the model decide which operation to run next, executes the operations, and
// folds their results back into state until the model answers in plain text.
package conversation

import (
	"fmt"
	"strings"

	"github.com/healthsched/platform/internal/llm"
	"github.com/healthsched/platform/internal/scheduling"
)

// Clarification flags naming the follow-up input still required from the
// patient before an execution operation may run.
const (
	ClarifyConfirmAction        = "confirm_action"
	ClarifyMultipleAppointments = "multiple_appointments_found"
)

// State is the per-thread conversation state. The message log is append-only;
// every other field is replaced wholesale by the reconciliation rules in
// reduce, never merged.
type State struct {
	PatientFHIRID     string                         `json:"patient_fhir_id"`
	Messages          []llm.ChatMessage              `json:"messages"`
	ValidatedTerms    []string                       `json:"validated_terms,omitempty"`
	DoctorResults     []scheduling.DoctorMatch       `json:"doctor_results,omitempty"`
	SlotResults       []scheduling.Slot              `json:"slot_results,omitempty"`
	Candidates        []scheduling.AppointmentDetail `json:"candidates,omitempty"`
	ClarificationFlag string                         `json:"clarification_flag,omitempty"`
	LastStatus        string                         `json:"last_status,omitempty"`
}

// NewState creates the empty-default state for a fresh thread.
func NewState(patientFHIRID string) *State {
	return &State{PatientFHIRID: patientFHIRID}
}

func (s *State) appendMessage(msg llm.ChatMessage) {
	s.Messages = append(s.Messages, msg)
}

// resetTransient clears the fields that never survive into the next
// operation: the clarification flag, appointment candidates, and cached
// search results. Validated terms persist until resolution replaces them.
func (s *State) resetTransient() {
	s.ClarificationFlag = ""
	s.Candidates = nil
	s.DoctorResults = nil
	s.SlotResults = nil
}

// toolOutcome carries what a handler produced, for reconciliation.
type toolOutcome struct {
	status         string
	validatedTerms []string
	doctors        []scheduling.DoctorMatch
	slots          []scheduling.Slot
	candidates     []scheduling.AppointmentDetail
}

// reduce is the single reconciliation law for conversation state, keyed on
// operation identity and result status. The planner only chooses which
// operation runs; it never touches state directly.
func reduce(s *State, toolName string, out toolOutcome) {
	s.LastStatus = out.status

	switch toolName {
	case ToolValidateSpecialtyTerm:
		if out.status == StatusSuccess {
			s.ValidatedTerms = out.validatedTerms
		} else {
			s.ValidatedTerms = nil
		}
	case ToolFindDoctors:
		if out.status == StatusSuccess {
			s.DoctorResults = out.doctors
		}
	case ToolFindMoreSlots:
		if out.status == StatusSuccess {
			s.SlotResults = out.slots
		}
	case ToolFindSpecificAppointment:
		switch out.status {
		case StatusFoundSpecific:
			s.Candidates = out.candidates
			s.ClarificationFlag = ClarifyConfirmAction
		case StatusFoundMultiple:
			s.Candidates = out.candidates
			s.ClarificationFlag = ClarifyMultipleAppointments
		}
	case ToolExecuteBooking, ToolExecuteUpdate, ToolExecuteCancellation:
		if out.status == StatusSuccess || out.status == StatusSuccessWithWarning {
			// A completed mutation invalidates everything cached; the next
			// request must re-search.
			s.ValidatedTerms = nil
			s.DoctorResults = nil
			s.SlotResults = nil
			s.Candidates = nil
			s.ClarificationFlag = ""
		}
	}
}

// contextSummary renders the synthetic assistant message injected before the
// latest user message when pending state should steer the planner. It is
// never persisted into the canonical log.
func (s *State) contextSummary() string {
	var parts []string
	if len(s.ValidatedTerms) > 0 {
		parts = append(parts, fmt.Sprintf("The specialty has already been validated as: %s. Use these exact terms for doctor searches instead of validating again.", strings.Join(s.ValidatedTerms, ", ")))
	}
	switch s.ClarificationFlag {
	case ClarifyConfirmAction:
		if len(s.Candidates) == 1 {
			c := s.Candidates[0]
			parts = append(parts, fmt.Sprintf("A candidate appointment is pending confirmation: slot %s with %s. Ask the patient to confirm before executing any change.", c.SlotID, c.PractitionerName))
		} else {
			parts = append(parts, "A candidate appointment is pending confirmation. Ask the patient to confirm before executing any change.")
		}
	case ClarifyMultipleAppointments:
		parts = append(parts, fmt.Sprintf("Multiple appointments matched the patient's description (%d candidates). Ask which slot ID they mean before proceeding.", len(s.Candidates)))
	}
	if len(parts) == 0 {
		return ""
	}
	return "Context: " + strings.Join(parts, " ")
}
