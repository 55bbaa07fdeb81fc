// Package booking executes the transactional write path for appointments:
// booking a free slot, moving a confirmed appointment, and cancelling one.
// Every operation runs in a single transaction with row locks on the slots
// involved, so two patients racing for the same slot cannot both win.
package booking

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/healthsched/platform/pkg/logging"
)

var tracer = otel.Tracer("healthsched.internal.booking")

// Operation result statuses, consumed by the conversation dispatcher.
const (
	StatusSuccess            = "success"
	StatusSuccessWithWarning = "success_with_warning"
	StatusConflict           = "conflict"
	StatusNotFound           = "not_found"
	StatusNotFoundOld        = "not_found_old"
	StatusConflictNew        = "conflict_new"
	StatusNoChange           = "no_change"
	StatusError              = "error"
)

// uniqueViolation is the Postgres error code raised by the partial unique
// index that allows at most one confirmed appointment per slot.
const uniqueViolation = "23505"

type db interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Result is the envelope every booking operation returns.
type Result struct {
	Status  string `json:"status"`
	Message string `json:"message"`
	SlotID  string `json:"slot_id,omitempty"`
}

// Engine performs the appointment mutations.
type Engine struct {
	db     db
	logger *logging.Logger
}

func NewEngine(db db, logger *logging.Logger) *Engine {
	if logger == nil {
		logger = logging.Default()
	}
	return &Engine{db: db, logger: logger}
}

// ExecuteBooking books slotID for the patient. The slot row is locked and
// re-verified inside the transaction; a slot that is missing reports
// not_found, a slot that is no longer free reports conflict.
func (e *Engine) ExecuteBooking(ctx context.Context, patientID, slotID string) (Result, error) {
	ctx, span := tracer.Start(ctx, "booking.execute_booking")
	defer span.End()
	span.SetAttributes(attribute.String("healthsched.slot_id", slotID))

	if e == nil || e.db == nil {
		return Result{Status: StatusError, Message: "Booking is not configured."}, fmt.Errorf("booking: database not configured")
	}
	if patientID == "" || slotID == "" {
		return Result{Status: StatusError, Message: "A slot ID is required to book."}, fmt.Errorf("booking: missing patientID or slotID")
	}

	tx, err := e.db.Begin(ctx)
	if err != nil {
		return Result{Status: StatusError, Message: "A database error occurred while booking."}, fmt.Errorf("booking: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var status string
	err = tx.QueryRow(ctx, `
		SELECT status FROM slots WHERE slot_fhir_id = $1 FOR UPDATE
	`, slotID).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return Result{
			Status:  StatusNotFound,
			Message: fmt.Sprintf("I couldn't find the slot %s. It may be invalid.", slotID),
			SlotID:  slotID,
		}, nil
	}
	if err != nil {
		return Result{Status: StatusError, Message: "A database error occurred while booking."}, fmt.Errorf("booking: lock slot: %w", err)
	}
	if status != "free" {
		return Result{
			Status:  StatusConflict,
			Message: fmt.Sprintf("Sorry, the slot %s was just taken by someone else. Would you like to look for another time?", slotID),
			SlotID:  slotID,
		}, nil
	}

	if _, err := tx.Exec(ctx, `
		UPDATE slots SET status = 'busy' WHERE slot_fhir_id = $1
	`, slotID); err != nil {
		return Result{Status: StatusError, Message: "A database error occurred while booking."}, fmt.Errorf("booking: mark slot busy: %w", err)
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO appointments (patient_fhir_id, slot_fhir_id, status)
		VALUES ($1, $2, 'confirmed')
	`, patientID, slotID); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return Result{
				Status:  StatusConflict,
				Message: fmt.Sprintf("Sorry, the slot %s was just taken by someone else. Would you like to look for another time?", slotID),
				SlotID:  slotID,
			}, nil
		}
		return Result{Status: StatusError, Message: "A database error occurred while booking."}, fmt.Errorf("booking: insert appointment: %w", err)
	}

	practitioner := e.practitionerNameForSlot(ctx, tx, slotID)

	if err := tx.Commit(ctx); err != nil {
		return Result{Status: StatusError, Message: "A database error occurred while booking."}, fmt.Errorf("booking: commit: %w", err)
	}

	e.logger.Info("appointment booked", "patient_fhir_id", patientID, "slot_fhir_id", slotID)
	return Result{
		Status:  StatusSuccess,
		Message: fmt.Sprintf("You're all set! Your appointment with %s is confirmed for slot %s.", practitioner, slotID),
		SlotID:  slotID,
	}, nil
}

// ExecuteUpdate moves the patient's confirmed appointment from oldSlotID to
// newSlotID. Identical ids report no_change without touching the database.
func (e *Engine) ExecuteUpdate(ctx context.Context, patientID, oldSlotID, newSlotID string) (Result, error) {
	ctx, span := tracer.Start(ctx, "booking.execute_update")
	defer span.End()
	span.SetAttributes(
		attribute.String("healthsched.old_slot_id", oldSlotID),
		attribute.String("healthsched.new_slot_id", newSlotID),
	)

	if e == nil || e.db == nil {
		return Result{Status: StatusError, Message: "Booking is not configured."}, fmt.Errorf("booking: database not configured")
	}
	if patientID == "" || oldSlotID == "" || newSlotID == "" {
		return Result{Status: StatusError, Message: "Both the current and the new slot ID are required."}, fmt.Errorf("booking: missing update arguments")
	}
	if oldSlotID == newSlotID {
		return Result{
			Status:  StatusNoChange,
			Message: "That's the same slot your appointment is already in, so nothing needed to change.",
			SlotID:  oldSlotID,
		}, nil
	}

	tx, err := e.db.Begin(ctx)
	if err != nil {
		return Result{Status: StatusError, Message: "A database error occurred while rescheduling."}, fmt.Errorf("booking: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var appointmentID int64
	err = tx.QueryRow(ctx, `
		SELECT appointment_id FROM appointments
		WHERE patient_fhir_id = $1 AND slot_fhir_id = $2 AND status = 'confirmed'
		FOR UPDATE
	`, patientID, oldSlotID).Scan(&appointmentID)
	if errors.Is(err, pgx.ErrNoRows) {
		return Result{
			Status:  StatusNotFoundOld,
			Message: fmt.Sprintf("I couldn't find a confirmed appointment of yours in slot %s.", oldSlotID),
			SlotID:  oldSlotID,
		}, nil
	}
	if err != nil {
		return Result{Status: StatusError, Message: "A database error occurred while rescheduling."}, fmt.Errorf("booking: lock appointment: %w", err)
	}

	var newStatus string
	err = tx.QueryRow(ctx, `
		SELECT status FROM slots WHERE slot_fhir_id = $1 FOR UPDATE
	`, newSlotID).Scan(&newStatus)
	if errors.Is(err, pgx.ErrNoRows) || (err == nil && newStatus != "free") {
		return Result{
			Status:  StatusConflictNew,
			Message: fmt.Sprintf("Sorry, the new slot %s is no longer available. Would you like to pick a different time?", newSlotID),
			SlotID:  newSlotID,
		}, nil
	}
	if err != nil {
		return Result{Status: StatusError, Message: "A database error occurred while rescheduling."}, fmt.Errorf("booking: lock new slot: %w", err)
	}

	if _, err := tx.Exec(ctx, `
		UPDATE appointments SET slot_fhir_id = $1 WHERE appointment_id = $2
	`, newSlotID, appointmentID); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return Result{
				Status:  StatusConflictNew,
				Message: fmt.Sprintf("Sorry, the new slot %s is no longer available. Would you like to pick a different time?", newSlotID),
				SlotID:  newSlotID,
			}, nil
		}
		return Result{Status: StatusError, Message: "A database error occurred while rescheduling."}, fmt.Errorf("booking: repoint appointment: %w", err)
	}

	if _, err := tx.Exec(ctx, `
		UPDATE slots SET status = 'free' WHERE slot_fhir_id = $1
	`, oldSlotID); err != nil {
		return Result{Status: StatusError, Message: "A database error occurred while rescheduling."}, fmt.Errorf("booking: free old slot: %w", err)
	}
	if _, err := tx.Exec(ctx, `
		UPDATE slots SET status = 'busy' WHERE slot_fhir_id = $1
	`, newSlotID); err != nil {
		return Result{Status: StatusError, Message: "A database error occurred while rescheduling."}, fmt.Errorf("booking: mark new slot busy: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return Result{Status: StatusError, Message: "A database error occurred while rescheduling."}, fmt.Errorf("booking: commit: %w", err)
	}

	e.logger.Info("appointment rescheduled", "patient_fhir_id", patientID, "old_slot_fhir_id", oldSlotID, "new_slot_fhir_id", newSlotID)
	return Result{
		Status:  StatusSuccess,
		Message: fmt.Sprintf("Done! Your appointment has been moved from slot %s to slot %s.", oldSlotID, newSlotID),
		SlotID:  newSlotID,
	}, nil
}

// ExecuteCancellation cancels the patient's confirmed appointment in slotID.
// The appointment row is kept with status 'cancelled' and the slot is freed.
// A missing slot row after a successful cancellation still commits, reported
// as success_with_warning.
func (e *Engine) ExecuteCancellation(ctx context.Context, patientID, slotID string) (Result, error) {
	ctx, span := tracer.Start(ctx, "booking.execute_cancellation")
	defer span.End()
	span.SetAttributes(attribute.String("healthsched.slot_id", slotID))

	if e == nil || e.db == nil {
		return Result{Status: StatusError, Message: "Booking is not configured."}, fmt.Errorf("booking: database not configured")
	}
	if patientID == "" || slotID == "" {
		return Result{Status: StatusError, Message: "A slot ID is required to cancel."}, fmt.Errorf("booking: missing patientID or slotID")
	}

	tx, err := e.db.Begin(ctx)
	if err != nil {
		return Result{Status: StatusError, Message: "A database error occurred while cancelling."}, fmt.Errorf("booking: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		UPDATE appointments SET status = 'cancelled'
		WHERE patient_fhir_id = $1 AND slot_fhir_id = $2 AND status = 'confirmed'
	`, patientID, slotID)
	if err != nil {
		return Result{Status: StatusError, Message: "A database error occurred while cancelling."}, fmt.Errorf("booking: cancel appointment: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return Result{
			Status:  StatusNotFound,
			Message: fmt.Sprintf("I couldn't find a confirmed appointment of yours in slot %s to cancel.", slotID),
			SlotID:  slotID,
		}, nil
	}

	tag, err = tx.Exec(ctx, `
		UPDATE slots SET status = 'free' WHERE slot_fhir_id = $1 AND status = 'busy'
	`, slotID)
	if err != nil {
		return Result{Status: StatusError, Message: "A database error occurred while cancelling."}, fmt.Errorf("booking: free slot: %w", err)
	}
	slotFreed := tag.RowsAffected() > 0

	if err := tx.Commit(ctx); err != nil {
		return Result{Status: StatusError, Message: "A database error occurred while cancelling."}, fmt.Errorf("booking: commit: %w", err)
	}

	if !slotFreed {
		e.logger.Warn("cancelled appointment but slot was not busy", "patient_fhir_id", patientID, "slot_fhir_id", slotID)
		return Result{
			Status:  StatusSuccessWithWarning,
			Message: fmt.Sprintf("Your appointment in slot %s has been cancelled. The slot itself was already released.", slotID),
			SlotID:  slotID,
		}, nil
	}

	e.logger.Info("appointment cancelled", "patient_fhir_id", patientID, "slot_fhir_id", slotID)
	return Result{
		Status:  StatusSuccess,
		Message: fmt.Sprintf("Your appointment in slot %s has been cancelled.", slotID),
		SlotID:  slotID,
	}, nil
}

// practitionerNameForSlot resolves the provider for a slot for the
// confirmation message. Lookup failures degrade to a generic name.
func (e *Engine) practitionerNameForSlot(ctx context.Context, tx pgx.Tx, slotID string) string {
	var name string
	err := tx.QueryRow(ctx, `
		SELECT p.first_name || ' ' || p.last_name
		FROM slots sl
		JOIN schedules s ON sl.schedule_fhir_id = s.schedule_fhir_id
		JOIN practitioners p ON s.practitioner_npi = p.practitioner_npi
		WHERE sl.slot_fhir_id = $1
	`, slotID).Scan(&name)
	if err != nil || name == "" {
		return "your doctor"
	}
	return name
}
