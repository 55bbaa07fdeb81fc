package booking

import (
	"context"
	"strings"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	pgxmock "github.com/pashagolub/pgxmock/v4"

	"github.com/healthsched/platform/pkg/logging"
)

func newTestEngine(t *testing.T) (*Engine, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("pgxmock: %v", err)
	}
	t.Cleanup(mock.Close)
	return NewEngine(mock, logging.Default()), mock
}

func TestExecuteBookingSuccess(t *testing.T) {
	engine, mock := newTestEngine(t)

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

	result, err := engine.ExecuteBooking(context.Background(), "patient-1", "slot-sched-abc-001")
	if err != nil {
		t.Fatalf("execute booking: %v", err)
	}
	if result.Status != StatusSuccess {
		t.Fatalf("expected success, got %s (%s)", result.Status, result.Message)
	}
	if !strings.Contains(result.Message, "Alice Hart") {
		t.Fatalf("expected practitioner name in message, got %q", result.Message)
	}
}

func TestExecuteBookingSlotTaken(t *testing.T) {
	engine, mock := newTestEngine(t)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT status FROM slots").
		WithArgs("slot-sched-abc-001").
		WillReturnRows(pgxmock.NewRows([]string{"status"}).AddRow("busy"))

	result, err := engine.ExecuteBooking(context.Background(), "patient-1", "slot-sched-abc-001")
	if err != nil {
		t.Fatalf("execute booking: %v", err)
	}
	if result.Status != StatusConflict {
		t.Fatalf("expected conflict, got %s", result.Status)
	}
}

func TestExecuteBookingSlotMissing(t *testing.T) {
	engine, mock := newTestEngine(t)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT status FROM slots").
		WithArgs("slot-bogus-000000000").
		WillReturnRows(pgxmock.NewRows([]string{"status"}))

	result, err := engine.ExecuteBooking(context.Background(), "patient-1", "slot-bogus-000000000")
	if err != nil {
		t.Fatalf("execute booking: %v", err)
	}
	if result.Status != StatusNotFound {
		t.Fatalf("expected not_found, got %s", result.Status)
	}
}

func TestExecuteBookingUniqueViolationIsConflict(t *testing.T) {
	engine, mock := newTestEngine(t)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT status FROM slots").
		WithArgs("slot-sched-abc-001").
		WillReturnRows(pgxmock.NewRows([]string{"status"}).AddRow("free"))
	mock.ExpectExec("UPDATE slots SET status = 'busy'").
		WithArgs("slot-sched-abc-001").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec("INSERT INTO appointments").
		WithArgs("patient-1", "slot-sched-abc-001").
		WillReturnError(&pgconn.PgError{Code: "23505", ConstraintName: "uq_appointments_confirmed_slot"})

	result, err := engine.ExecuteBooking(context.Background(), "patient-1", "slot-sched-abc-001")
	if err != nil {
		t.Fatalf("execute booking: %v", err)
	}
	if result.Status != StatusConflict {
		t.Fatalf("expected conflict on unique violation, got %s", result.Status)
	}
}

func TestExecuteUpdateSuccess(t *testing.T) {
	engine, mock := newTestEngine(t)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT appointment_id FROM appointments").
		WithArgs("patient-1", "slot-sched-abc-001").
		WillReturnRows(pgxmock.NewRows([]string{"appointment_id"}).AddRow(int64(41)))
	mock.ExpectQuery("SELECT status FROM slots").
		WithArgs("slot-sched-abc-002").
		WillReturnRows(pgxmock.NewRows([]string{"status"}).AddRow("free"))
	mock.ExpectExec("UPDATE appointments SET slot_fhir_id").
		WithArgs("slot-sched-abc-002", int64(41)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec("UPDATE slots SET status = 'free'").
		WithArgs("slot-sched-abc-001").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec("UPDATE slots SET status = 'busy'").
		WithArgs("slot-sched-abc-002").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()

	result, err := engine.ExecuteUpdate(context.Background(), "patient-1", "slot-sched-abc-001", "slot-sched-abc-002")
	if err != nil {
		t.Fatalf("execute update: %v", err)
	}
	if result.Status != StatusSuccess || result.SlotID != "slot-sched-abc-002" {
		t.Fatalf("unexpected result: %+v", result)
	}
}

func TestExecuteUpdateSameSlotNoChange(t *testing.T) {
	engine, _ := newTestEngine(t)

	result, err := engine.ExecuteUpdate(context.Background(), "patient-1", "slot-sched-abc-001", "slot-sched-abc-001")
	if err != nil {
		t.Fatalf("execute update: %v", err)
	}
	if result.Status != StatusNoChange {
		t.Fatalf("expected no_change, got %s", result.Status)
	}
}

func TestExecuteUpdateOldAppointmentMissing(t *testing.T) {
	engine, mock := newTestEngine(t)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT appointment_id FROM appointments").
		WithArgs("patient-1", "slot-sched-abc-001").
		WillReturnRows(pgxmock.NewRows([]string{"appointment_id"}))

	result, err := engine.ExecuteUpdate(context.Background(), "patient-1", "slot-sched-abc-001", "slot-sched-abc-002")
	if err != nil {
		t.Fatalf("execute update: %v", err)
	}
	if result.Status != StatusNotFoundOld {
		t.Fatalf("expected not_found_old, got %s", result.Status)
	}
}

func TestExecuteUpdateNewSlotTaken(t *testing.T) {
	engine, mock := newTestEngine(t)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT appointment_id FROM appointments").
		WithArgs("patient-1", "slot-sched-abc-001").
		WillReturnRows(pgxmock.NewRows([]string{"appointment_id"}).AddRow(int64(41)))
	mock.ExpectQuery("SELECT status FROM slots").
		WithArgs("slot-sched-abc-002").
		WillReturnRows(pgxmock.NewRows([]string{"status"}).AddRow("busy"))

	result, err := engine.ExecuteUpdate(context.Background(), "patient-1", "slot-sched-abc-001", "slot-sched-abc-002")
	if err != nil {
		t.Fatalf("execute update: %v", err)
	}
	if result.Status != StatusConflictNew {
		t.Fatalf("expected conflict_new, got %s", result.Status)
	}
}

func TestExecuteCancellationSuccess(t *testing.T) {
	engine, mock := newTestEngine(t)

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE appointments SET status = 'cancelled'").
		WithArgs("patient-1", "slot-sched-abc-001").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec("UPDATE slots SET status = 'free'").
		WithArgs("slot-sched-abc-001").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()

	result, err := engine.ExecuteCancellation(context.Background(), "patient-1", "slot-sched-abc-001")
	if err != nil {
		t.Fatalf("execute cancellation: %v", err)
	}
	if result.Status != StatusSuccess {
		t.Fatalf("expected success, got %s", result.Status)
	}
}

func TestExecuteCancellationNotFound(t *testing.T) {
	engine, mock := newTestEngine(t)

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE appointments SET status = 'cancelled'").
		WithArgs("patient-1", "slot-sched-abc-001").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	result, err := engine.ExecuteCancellation(context.Background(), "patient-1", "slot-sched-abc-001")
	if err != nil {
		t.Fatalf("execute cancellation: %v", err)
	}
	if result.Status != StatusNotFound {
		t.Fatalf("expected not_found, got %s", result.Status)
	}
}

func TestExecuteCancellationSlotAlreadyFree(t *testing.T) {
	engine, mock := newTestEngine(t)

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE appointments SET status = 'cancelled'").
		WithArgs("patient-1", "slot-sched-abc-001").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec("UPDATE slots SET status = 'free'").
		WithArgs("slot-sched-abc-001").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectCommit()

	result, err := engine.ExecuteCancellation(context.Background(), "patient-1", "slot-sched-abc-001")
	if err != nil {
		t.Fatalf("execute cancellation: %v", err)
	}
	if result.Status != StatusSuccessWithWarning {
		t.Fatalf("expected success_with_warning, got %s", result.Status)
	}
}
