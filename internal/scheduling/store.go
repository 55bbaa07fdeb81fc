package scheduling

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Querier is the subset of pgx used by read paths. Transactions satisfy it too.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PgxPool is the pool surface the store needs; pgxmock implements it for tests.
type PgxPool interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store provides query access to practitioners, schedules, slots, and
// appointments. All scheduling reads go through here; mutations belong to the
// booking engine.
type Store struct {
	pool PgxPool
}

func NewStore(pool PgxPool) *Store {
	if pool == nil {
		return nil
	}
	return &Store{pool: pool}
}

func (s *Store) Begin(ctx context.Context) (pgx.Tx, error) {
	return s.pool.Begin(ctx)
}

// Practitioner is a provider identified by NPI.
type Practitioner struct {
	NPI       string `json:"practitioner_npi"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
}

// Name returns the display name used in patient-facing messages.
func (p Practitioner) Name() string {
	return strings.TrimSpace(p.FirstName + " " + p.LastName)
}

// Slot is one bookable interval on a schedule.
type Slot struct {
	ID         string    `json:"slot_fhir_id"`
	ScheduleID string    `json:"schedule_fhir_id"`
	Status     string    `json:"status"`
	StartTime  time.Time `json:"start_time"`
	EndTime    time.Time `json:"end_time"`
}

// AppointmentDetail joins a confirmed appointment with its slot and provider.
type AppointmentDetail struct {
	AppointmentID    int64     `json:"appointment_id"`
	SlotID           string    `json:"slot_fhir_id"`
	StartTime        time.Time `json:"start_time"`
	EndTime          time.Time `json:"end_time"`
	PractitionerName string    `json:"practitioner_name"`
	PractitionerNPI  string    `json:"practitioner_npi"`
	RoleDisplay      string    `json:"role_display"`
	SpecialtyDisplay string    `json:"specialty_display"`
}

// DistinctSpecialtyLabels returns every distinct role/specialty display value
// stored with practitioner roles, original case preserved.
func (s *Store) DistinctSpecialtyLabels(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT DISTINCT label FROM (
			SELECT role_display AS label FROM practitioner_roles WHERE role_display IS NOT NULL AND role_display <> ''
			UNION
			SELECT specialty_display AS label FROM practitioner_roles WHERE specialty_display IS NOT NULL AND specialty_display <> ''
		) labels
		ORDER BY label
	`)
	if err != nil {
		return nil, fmt.Errorf("scheduling: list specialty labels: %w", err)
	}
	defer rows.Close()

	var labels []string
	for rows.Next() {
		var label string
		if err := rows.Scan(&label); err != nil {
			return nil, fmt.Errorf("scheduling: scan specialty label: %w", err)
		}
		labels = append(labels, label)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("scheduling: iterate specialty labels: %w", err)
	}
	return labels, nil
}

// PractitionerNPIsBySpecialty finds distinct NPIs whose role or specialty
// display is one of the supplied canonical terms.
func (s *Store) PractitionerNPIsBySpecialty(ctx context.Context, terms []string, limit int) ([]string, error) {
	if len(terms) == 0 {
		return nil, nil
	}
	rows, err := s.pool.Query(ctx, `
		SELECT DISTINCT practitioner_npi
		FROM practitioner_roles
		WHERE specialty_display = ANY($1) OR role_display = ANY($1)
		ORDER BY practitioner_npi
		LIMIT $2
	`, terms, limit)
	if err != nil {
		return nil, fmt.Errorf("scheduling: match practitioners: %w", err)
	}
	defer rows.Close()

	var npis []string
	for rows.Next() {
		var npi string
		if err := rows.Scan(&npi); err != nil {
			return nil, fmt.Errorf("scheduling: scan npi: %w", err)
		}
		npis = append(npis, npi)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("scheduling: iterate npis: %w", err)
	}
	return npis, nil
}

// GetPractitioner fetches one practitioner. Returns nil when absent.
func (s *Store) GetPractitioner(ctx context.Context, npi string) (*Practitioner, error) {
	var p Practitioner
	err := s.pool.QueryRow(ctx, `
		SELECT practitioner_npi, first_name, last_name
		FROM practitioners
		WHERE practitioner_npi = $1
	`, npi).Scan(&p.NPI, &p.FirstName, &p.LastName)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scheduling: get practitioner: %w", err)
	}
	return &p, nil
}

// ActiveScheduleID returns the practitioner's active schedule, or "" when the
// practitioner has none.
func (s *Store) ActiveScheduleID(ctx context.Context, npi string) (string, error) {
	var scheduleID string
	err := s.pool.QueryRow(ctx, `
		SELECT schedule_fhir_id FROM schedules
		WHERE practitioner_npi = $1 AND active
	`, npi).Scan(&scheduleID)
	if err == pgx.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("scheduling: get active schedule: %w", err)
	}
	return scheduleID, nil
}

// FreeSlots lists free slots on a schedule within [from, to), ordered by
// start time, capped at limit (0 for no cap).
func (s *Store) FreeSlots(ctx context.Context, scheduleID string, from, to time.Time, limit int) ([]Slot, error) {
	query := `
		SELECT slot_fhir_id, schedule_fhir_id, status, start_time, end_time
		FROM slots
		WHERE schedule_fhir_id = $1 AND status = 'free'
		  AND start_time >= $2 AND start_time < $3
		ORDER BY start_time
	`
	args := []any{scheduleID, from, to}
	if limit > 0 {
		query += " LIMIT $4"
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("scheduling: list free slots: %w", err)
	}
	defer rows.Close()

	var slots []Slot
	for rows.Next() {
		var slot Slot
		if err := rows.Scan(&slot.ID, &slot.ScheduleID, &slot.Status, &slot.StartTime, &slot.EndTime); err != nil {
			return nil, fmt.Errorf("scheduling: scan slot: %w", err)
		}
		slots = append(slots, slot)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("scheduling: iterate slots: %w", err)
	}
	return slots, nil
}

// HasMoreFreeSlots probes for one row beyond offset within the window.
func (s *Store) HasMoreFreeSlots(ctx context.Context, scheduleID string, from, to time.Time, offset int) (bool, error) {
	var one int
	err := s.pool.QueryRow(ctx, `
		SELECT 1 FROM slots
		WHERE schedule_fhir_id = $1 AND status = 'free'
		  AND start_time >= $2 AND start_time < $3
		ORDER BY start_time
		LIMIT 1 OFFSET $4
	`, scheduleID, from, to, offset).Scan(&one)
	if err == pgx.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("scheduling: probe more slots: %w", err)
	}
	return true, nil
}

// DisplaySpecialty resolves the label shown for a practitioner: the specialty
// display when present, otherwise the role display.
func (s *Store) DisplaySpecialty(ctx context.Context, npi string) (string, error) {
	var role, specialty *string
	err := s.pool.QueryRow(ctx, `
		SELECT role_display, specialty_display
		FROM practitioner_roles
		WHERE practitioner_npi = $1
		LIMIT 1
	`, npi).Scan(&role, &specialty)
	if err == pgx.ErrNoRows {
		return "Unknown", nil
	}
	if err != nil {
		return "", fmt.Errorf("scheduling: get display specialty: %w", err)
	}
	if specialty != nil && *specialty != "" {
		return *specialty, nil
	}
	if role != nil && *role != "" {
		return *role, nil
	}
	return "Unknown", nil
}

const appointmentDetailSelect = `
	SELECT a.appointment_id, a.slot_fhir_id, sl.start_time, sl.end_time,
		   p.first_name || ' ' || p.last_name AS practitioner_name,
		   p.practitioner_npi,
		   COALESCE(pr.role_display, ''), COALESCE(pr.specialty_display, '')
	FROM appointments a
	JOIN slots sl ON a.slot_fhir_id = sl.slot_fhir_id
	JOIN schedules s ON sl.schedule_fhir_id = s.schedule_fhir_id
	JOIN practitioners p ON s.practitioner_npi = p.practitioner_npi
	LEFT JOIN practitioner_roles pr ON p.practitioner_npi = pr.practitioner_npi
	WHERE a.patient_fhir_id = $1 AND a.status = 'confirmed'`

// ConfirmedAppointments lists a patient's confirmed appointments ordered by
// slot start time.
func (s *Store) ConfirmedAppointments(ctx context.Context, patientID string) ([]AppointmentDetail, error) {
	rows, err := s.pool.Query(ctx, appointmentDetailSelect+" ORDER BY sl.start_time", patientID)
	if err != nil {
		return nil, fmt.Errorf("scheduling: list appointments: %w", err)
	}
	return scanAppointmentDetails(rows)
}

// ConfirmedAppointmentsBySlot filters the patient's confirmed appointments by
// exact slot identifier.
func (s *Store) ConfirmedAppointmentsBySlot(ctx context.Context, patientID, slotID string) ([]AppointmentDetail, error) {
	rows, err := s.pool.Query(ctx,
		appointmentDetailSelect+" AND a.slot_fhir_id = $2 ORDER BY sl.start_time",
		patientID, slotID)
	if err != nil {
		return nil, fmt.Errorf("scheduling: lookup appointment by slot: %w", err)
	}
	return scanAppointmentDetails(rows)
}

// SearchConfirmedAppointments requires every token to partially match at
// least one of slot start time, practitioner first/last name, role label, or
// specialty label on the same row.
func (s *Store) SearchConfirmedAppointments(ctx context.Context, patientID string, tokens []string) ([]AppointmentDetail, error) {
	query := appointmentDetailSelect
	args := []any{patientID}
	for _, token := range tokens {
		args = append(args, "%"+token+"%")
		n := len(args)
		query += fmt.Sprintf(`
	  AND (sl.start_time::text ILIKE $%d OR p.first_name ILIKE $%d OR p.last_name ILIKE $%d
		OR pr.role_display ILIKE $%d OR pr.specialty_display ILIKE $%d)`, n, n, n, n, n)
	}
	query += " ORDER BY sl.start_time"

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("scheduling: search appointments: %w", err)
	}
	return scanAppointmentDetails(rows)
}

func scanAppointmentDetails(rows pgx.Rows) ([]AppointmentDetail, error) {
	defer rows.Close()

	var details []AppointmentDetail
	for rows.Next() {
		var d AppointmentDetail
		err := rows.Scan(
			&d.AppointmentID, &d.SlotID, &d.StartTime, &d.EndTime,
			&d.PractitionerName, &d.PractitionerNPI, &d.RoleDisplay, &d.SpecialtyDisplay,
		)
		if err != nil {
			return nil, fmt.Errorf("scheduling: scan appointment: %w", err)
		}
		details = append(details, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("scheduling: iterate appointments: %w", err)
	}
	return details, nil
}
