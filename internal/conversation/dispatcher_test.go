package conversation

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	pgxmock "github.com/pashagolub/pgxmock/v4"

	"github.com/healthsched/platform/internal/booking"
	"github.com/healthsched/platform/internal/llm"
	"github.com/healthsched/platform/internal/scheduling"
	"github.com/healthsched/platform/internal/specialty"
	"github.com/healthsched/platform/pkg/logging"
)

func newTestDispatcher(t *testing.T) (*Dispatcher, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("pgxmock: %v", err)
	}
	t.Cleanup(mock.Close)

	logger := logging.Default()
	store := scheduling.NewStore(mock)
	search := scheduling.NewService(store, scheduling.DefaultConfig(), logger)
	engine := booking.NewEngine(store, logger)
	resolver := specialty.NewResolver(&scriptedLLM{text: `{"match_found": false, "matches": []}`}, "test-model", specialty.NewVocabularyCache(store), logger)

	registry := NewRegistry(resolver, search, engine)
	return NewDispatcher(registry, "patient-default", logger), mock
}

func emptyAppointmentRows() *pgxmock.Rows {
	return pgxmock.NewRows([]string{
		"appointment_id", "slot_fhir_id", "start_time", "end_time",
		"practitioner_name", "practitioner_npi", "role_display", "specialty_display",
	})
}

func TestDispatcherInjectsDefaultPatient(t *testing.T) {
	dispatcher, mock := newTestDispatcher(t)
	mock.ExpectQuery("SELECT a.appointment_id").
		WithArgs("patient-default").
		WillReturnRows(emptyAppointmentRows())

	state := NewState("")
	result := dispatcher.Execute(context.Background(), state, llm.ToolCall{
		ID:        "call-1",
		Name:      ToolGetPatientAppointments,
		Arguments: json.RawMessage(`{}`),
	})

	if result.Role != llm.ChatRoleTool || result.ToolCallID != "call-1" {
		t.Fatalf("unexpected result message: %+v", result)
	}
	if !strings.Contains(result.Content, `"not_found"`) {
		t.Fatalf("unexpected payload: %s", result.Content)
	}
}

func TestDispatcherPrefersStatePatient(t *testing.T) {
	dispatcher, mock := newTestDispatcher(t)
	mock.ExpectQuery("SELECT a.appointment_id").
		WithArgs("patient-42").
		WillReturnRows(emptyAppointmentRows())

	state := NewState("patient-42")
	dispatcher.Execute(context.Background(), state, llm.ToolCall{
		ID:        "call-1",
		Name:      ToolGetPatientAppointments,
		Arguments: json.RawMessage(`{}`),
	})

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestDispatcherUnknownToolLeavesStateUntouched(t *testing.T) {
	dispatcher, _ := newTestDispatcher(t)

	state := NewState("patient-1")
	state.ClarificationFlag = ClarifyConfirmAction
	state.Candidates = []scheduling.AppointmentDetail{{SlotID: "slot-sched-abc-001"}}
	state.ValidatedTerms = []string{"Cardiology"}
	result := dispatcher.Execute(context.Background(), state, llm.ToolCall{
		ID:        "call-1",
		Name:      "frobnicate",
		Arguments: json.RawMessage(`{}`),
	})

	if !strings.Contains(result.Content, `"error"`) {
		t.Fatalf("expected error envelope, got %s", result.Content)
	}
	if state.ClarificationFlag != ClarifyConfirmAction {
		t.Fatalf("clarification flag lost: %q", state.ClarificationFlag)
	}
	if len(state.Candidates) != 1 {
		t.Fatalf("candidates lost: %+v", state.Candidates)
	}
	if len(state.ValidatedTerms) != 1 {
		t.Fatalf("validated terms lost: %v", state.ValidatedTerms)
	}
}

func TestDispatcherUnparseableArgsLeaveStateUntouched(t *testing.T) {
	dispatcher, _ := newTestDispatcher(t)

	state := NewState("patient-1")
	state.ClarificationFlag = ClarifyMultipleAppointments
	state.Candidates = []scheduling.AppointmentDetail{{SlotID: "slot-sched-abc-001"}, {SlotID: "slot-sched-abc-002"}}
	result := dispatcher.Execute(context.Background(), state, llm.ToolCall{
		ID:        "call-1",
		Name:      ToolExecuteBooking,
		Arguments: json.RawMessage(`{not json`),
	})

	if !strings.Contains(result.Content, `"error"`) {
		t.Fatalf("expected error envelope, got %s", result.Content)
	}
	if state.ClarificationFlag != ClarifyMultipleAppointments || len(state.Candidates) != 2 {
		t.Fatalf("pending clarification lost on bad arguments: %+v", state)
	}
}

func TestDispatcherRejectsMissingRequiredArgs(t *testing.T) {
	dispatcher, mock := newTestDispatcher(t)

	state := NewState("patient-1")
	state.ClarificationFlag = ClarifyConfirmAction
	result := dispatcher.Execute(context.Background(), state, llm.ToolCall{
		ID:        "call-1",
		Name:      ToolExecuteBooking,
		Arguments: json.RawMessage(`{}`),
	})

	if !strings.Contains(result.Content, "slot_fhir_id") {
		t.Fatalf("expected missing-argument envelope, got %s", result.Content)
	}
	if state.ClarificationFlag != ClarifyConfirmAction {
		t.Fatalf("state must be untouched when the call is rejected")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("no query should run: %v", err)
	}
}

func TestDispatcherSpecificAppointmentSetsClarification(t *testing.T) {
	dispatcher, mock := newTestDispatcher(t)
	start := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	mock.ExpectQuery("SELECT a.appointment_id").
		WithArgs("patient-1", "slot-sched-abc-001").
		WillReturnRows(emptyAppointmentRows().
			AddRow(int64(41), "slot-sched-abc-001", start, start.Add(time.Hour), "Alice Hart", "npi-100", "Doctor", "Cardiology"))

	state := NewState("patient-1")
	args, _ := json.Marshal(map[string]string{"appointment_info": "my visit slot-sched-abc-001"})
	dispatcher.Execute(context.Background(), state, llm.ToolCall{
		ID:        "call-1",
		Name:      ToolFindSpecificAppointment,
		Arguments: args,
	})

	if state.ClarificationFlag != ClarifyConfirmAction {
		t.Fatalf("expected confirm_action flag, got %q", state.ClarificationFlag)
	}
	if len(state.Candidates) != 1 || state.Candidates[0].SlotID != "slot-sched-abc-001" {
		t.Fatalf("candidate not stored: %+v", state.Candidates)
	}
}

func TestDispatcherBookingSuccessClearsCachedState(t *testing.T) {
	dispatcher, mock := newTestDispatcher(t)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT status FROM slots").
		WithArgs("slot-sched-abc-001").
		WillReturnRows(pgxmock.NewRows([]string{"status"}).AddRow("free"))
	mock.ExpectExec("UPDATE slots SET status = 'busy'").
		WithArgs("slot-sched-abc-001").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec("INSERT INTO appointments").
		WithArgs("patient-1", "slot-sched-abc-001").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectQuery("SELECT p.first_name").
		WithArgs("slot-sched-abc-001").
		WillReturnRows(pgxmock.NewRows([]string{"name"}).AddRow("Alice Hart"))
	mock.ExpectCommit()

	state := NewState("patient-1")
	state.ValidatedTerms = []string{"Cardiology"}
	state.DoctorResults = []scheduling.DoctorMatch{{Name: "Alice Hart", NPI: "npi-100"}}
	state.SlotResults = []scheduling.Slot{{ID: "slot-sched-abc-001"}}

	args, _ := json.Marshal(map[string]string{"slot_fhir_id": "slot-sched-abc-001"})
	dispatcher.Execute(context.Background(), state, llm.ToolCall{
		ID:        "call-1",
		Name:      ToolExecuteBooking,
		Arguments: args,
	})

	if state.LastStatus != StatusSuccess {
		t.Fatalf("expected success, got %q", state.LastStatus)
	}
	if state.ValidatedTerms != nil || state.DoctorResults != nil || state.SlotResults != nil ||
		state.Candidates != nil || state.ClarificationFlag != "" {
		t.Fatalf("cached state must be cleared after a successful mutation: %+v", state)
	}
}

func TestReduceResolutionFailureClearsTerms(t *testing.T) {
	state := NewState("patient-1")
	state.ValidatedTerms = []string{"Cardiology"}

	reduce(state, ToolValidateSpecialtyTerm, toolOutcome{status: "not_found"})
	if state.ValidatedTerms != nil {
		t.Fatalf("failed validation must clear terms, got %v", state.ValidatedTerms)
	}
}

func TestContextSummaryMultipleCandidates(t *testing.T) {
	state := NewState("patient-1")
	state.ClarificationFlag = ClarifyMultipleAppointments
	state.Candidates = []scheduling.AppointmentDetail{
		{SlotID: "slot-sched-abc-001"},
		{SlotID: "slot-sched-abc-002"},
	}

	summary := state.contextSummary()
	if !strings.Contains(summary, "2 candidates") {
		t.Fatalf("unexpected summary: %q", summary)
	}
}
