package scheduling

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/healthsched/platform/pkg/logging"
)

var searchTracer = otel.Tracer("healthsched.internal.scheduling")

// Operation result statuses. The conversation dispatcher keys its state
// reconciliation on these values only.
const (
	StatusSuccess        = "success"
	StatusNoDoctorsFound = "no_doctors_found"
	StatusNoSlotsFound   = "no_slots_found"
	StatusNoSchedule     = "no_schedule"
	StatusFoundSpecific  = "found_specific"
	StatusFoundMultiple  = "found_multiple"
	StatusNotFound       = "not_found"
	StatusError          = "error"
)

const timeDisplayLayout = "2006-01-02 15:04"

// Config bounds the search windows.
type Config struct {
	// MaxPractitioners caps how many matched providers get slot previews.
	MaxPractitioners int
	// SlotPreviewCount is the number of preview slots per provider.
	SlotPreviewCount int
	// PreviewWindowDays is the forward window for initial previews.
	PreviewWindowDays int
	// ExtendedWindowWeeks is the forward window for full slot listings.
	ExtendedWindowWeeks int
}

// DefaultConfig mirrors the production search bounds.
func DefaultConfig() Config {
	return Config{
		MaxPractitioners:    5,
		SlotPreviewCount:    3,
		PreviewWindowDays:   7,
		ExtendedWindowWeeks: 4,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxPractitioners <= 0 {
		c.MaxPractitioners = d.MaxPractitioners
	}
	if c.SlotPreviewCount <= 0 {
		c.SlotPreviewCount = d.SlotPreviewCount
	}
	if c.PreviewWindowDays <= 0 {
		c.PreviewWindowDays = d.PreviewWindowDays
	}
	if c.ExtendedWindowWeeks <= 0 {
		c.ExtendedWindowWeeks = d.ExtendedWindowWeeks
	}
	return c
}

// DoctorMatch is one practitioner with a preview of upcoming availability.
type DoctorMatch struct {
	Name             string   `json:"name"`
	NPI              string   `json:"npi"`
	DisplaySpecialty string   `json:"display_specialty"`
	SlotsPreview     []string `json:"slots_preview"`
	HasMoreSlots     bool     `json:"has_more_slots"`
}

// DoctorSearchResult is the envelope for doctor discovery.
type DoctorSearchResult struct {
	Status  string        `json:"status"`
	Message string        `json:"message"`
	Doctors []DoctorMatch `json:"doctors,omitempty"`
}

// SlotSearchResult is the envelope for full slot listings.
type SlotSearchResult struct {
	Status   string   `json:"status"`
	Message  string   `json:"message"`
	Slots    []string `json:"slots,omitempty"`
	RawSlots []Slot   `json:"raw_slots,omitempty"`
}

// AppointmentLookupResult is the envelope for specific-appointment lookup.
type AppointmentLookupResult struct {
	Status             string              `json:"status"`
	Message            string              `json:"message"`
	AppointmentDetails *AppointmentDetail  `json:"appointment_details,omitempty"`
	PossibleMatches    []string            `json:"possible_appointments,omitempty"`
	RawAppointments    []AppointmentDetail `json:"raw_appointments,omitempty"`
}

// AppointmentListResult is the envelope for a patient's appointment listing.
type AppointmentListResult struct {
	Status          string              `json:"status"`
	Message         string              `json:"message"`
	Appointments    []string            `json:"appointments"`
	RawAppointments []AppointmentDetail `json:"raw_appointments,omitempty"`
}

// Service implements the scheduling searches exposed to the agent.
type Service struct {
	store  *Store
	cfg    Config
	logger *logging.Logger
	now    func() time.Time
}

func NewService(store *Store, cfg Config, logger *logging.Logger) *Service {
	if store == nil {
		panic("scheduling: store required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Service{
		store:  store,
		cfg:    cfg.withDefaults(),
		logger: logger,
		now:    time.Now,
	}
}

// FindDoctorsWithInitialSlots finds practitioners matching the already
// validated canonical specialty terms and previews each one's upcoming free
// slots. Providers without an active schedule or without free slots in the
// preview window are skipped.
func (s *Service) FindDoctorsWithInitialSlots(ctx context.Context, terms []string) (DoctorSearchResult, error) {
	ctx, span := searchTracer.Start(ctx, "scheduling.find_doctors")
	defer span.End()
	span.SetAttributes(attribute.StringSlice("healthsched.specialty_terms", terms))

	if len(terms) == 0 {
		return DoctorSearchResult{
			Status:  StatusError,
			Message: "Internal error: no specialty terms provided for doctor search.",
		}, fmt.Errorf("scheduling: empty specialty terms")
	}

	npis, err := s.store.PractitionerNPIsBySpecialty(ctx, terms, s.cfg.MaxPractitioners)
	if err != nil {
		span.RecordError(err)
		return DoctorSearchResult{
			Status:  StatusError,
			Message: "Sorry, I encountered a database error searching for doctors.",
		}, err
	}
	if len(npis) == 0 {
		return DoctorSearchResult{
			Status:  StatusNoDoctorsFound,
			Message: fmt.Sprintf("Although the specialty was recognized, I couldn't find any doctors currently listed under '%s'.", strings.Join(terms, ", ")),
		}, nil
	}

	from := s.today()
	to := from.AddDate(0, 0, s.cfg.PreviewWindowDays)

	var doctors []DoctorMatch
	for _, npi := range npis {
		practitioner, err := s.store.GetPractitioner(ctx, npi)
		if err != nil {
			span.RecordError(err)
			return DoctorSearchResult{
				Status:  StatusError,
				Message: "Sorry, I encountered a database error searching for doctors.",
			}, err
		}
		if practitioner == nil {
			continue
		}

		scheduleID, err := s.store.ActiveScheduleID(ctx, npi)
		if err != nil {
			span.RecordError(err)
			return DoctorSearchResult{
				Status:  StatusError,
				Message: "Sorry, I encountered a database error searching for doctors.",
			}, err
		}
		if scheduleID == "" {
			continue
		}

		slots, err := s.store.FreeSlots(ctx, scheduleID, from, to, s.cfg.SlotPreviewCount)
		if err != nil {
			span.RecordError(err)
			return DoctorSearchResult{
				Status:  StatusError,
				Message: "Sorry, I encountered a database error searching for doctors.",
			}, err
		}
		if len(slots) == 0 {
			continue
		}

		hasMore := false
		if len(slots) == s.cfg.SlotPreviewCount {
			hasMore, err = s.store.HasMoreFreeSlots(ctx, scheduleID, from, to, s.cfg.SlotPreviewCount)
			if err != nil {
				span.RecordError(err)
				return DoctorSearchResult{
					Status:  StatusError,
					Message: "Sorry, I encountered a database error searching for doctors.",
				}, err
			}
		}

		displaySpecialty, err := s.store.DisplaySpecialty(ctx, npi)
		if err != nil {
			span.RecordError(err)
			return DoctorSearchResult{
				Status:  StatusError,
				Message: "Sorry, I encountered a database error searching for doctors.",
			}, err
		}

		preview := make([]string, 0, len(slots))
		for _, slot := range slots {
			preview = append(preview, fmt.Sprintf("Slot ID: %s @ %s", slot.ID, slot.StartTime.Format(timeDisplayLayout)))
		}

		doctors = append(doctors, DoctorMatch{
			Name:             practitioner.Name(),
			NPI:              npi,
			DisplaySpecialty: displaySpecialty,
			SlotsPreview:     preview,
			HasMoreSlots:     hasMore,
		})
	}

	if len(doctors) == 0 {
		return DoctorSearchResult{
			Status:  StatusNoSlotsFound,
			Message: fmt.Sprintf("I found doctors for '%s', but none seem to have available slots in the next %d days.", strings.Join(terms, ", "), s.cfg.PreviewWindowDays),
		}, nil
	}

	s.logger.Info("doctor search returned availability", "terms", terms, "doctors", len(doctors))
	return DoctorSearchResult{
		Status:  StatusSuccess,
		Message: fmt.Sprintf("Okay, for '%s', I found these doctors with upcoming availability:", strings.Join(terms, ", ")),
		Doctors: doctors,
	}, nil
}

// FindMoreAvailableSlots lists all free slots for one practitioner inside the
// extended window. startDate is optional (YYYY-MM-DD); an unparseable value
// falls back to today.
func (s *Service) FindMoreAvailableSlots(ctx context.Context, npi, startDate string) (SlotSearchResult, error) {
	ctx, span := searchTracer.Start(ctx, "scheduling.find_more_slots")
	defer span.End()
	span.SetAttributes(attribute.String("healthsched.practitioner_npi", npi))

	from := s.today()
	if startDate != "" {
		parsed, err := time.ParseInLocation("2006-01-02", startDate, time.UTC)
		if err != nil {
			s.logger.Warn("invalid start_date, using today", "start_date", startDate)
		} else {
			from = parsed
		}
	}
	to := from.AddDate(0, 0, 7*s.cfg.ExtendedWindowWeeks)

	scheduleID, err := s.store.ActiveScheduleID(ctx, npi)
	if err != nil {
		span.RecordError(err)
		return SlotSearchResult{Status: StatusError, Message: "A database error occurred."}, err
	}
	if scheduleID == "" {
		return SlotSearchResult{
			Status:  StatusNoSchedule,
			Message: fmt.Sprintf("I couldn't find an active schedule for the doctor with NPI %s.", npi),
		}, nil
	}

	slots, err := s.store.FreeSlots(ctx, scheduleID, from, to, 0)
	if err != nil {
		span.RecordError(err)
		return SlotSearchResult{Status: StatusError, Message: "A database error occurred."}, err
	}
	if len(slots) == 0 {
		return SlotSearchResult{
			Status: StatusNoSlotsFound,
			Message: fmt.Sprintf("Sorry, I couldn't find any available slots for this doctor between %s and %s.",
				from.Format("2006-01-02"), to.Format("2006-01-02")),
		}, nil
	}

	formatted := make([]string, 0, len(slots))
	for _, slot := range slots {
		formatted = append(formatted, fmt.Sprintf("Slot ID: %s :: Time: %s to %s",
			slot.ID, slot.StartTime.Format(timeDisplayLayout), slot.EndTime.Format(timeDisplayLayout)))
	}

	return SlotSearchResult{
		Status:   StatusSuccess,
		Message:  fmt.Sprintf("Here are the available slots I found starting from %s:", from.Format("2006-01-02")),
		Slots:    formatted,
		RawSlots: slots,
	}, nil
}

// FindSpecificAppointment identifies the appointment a patient is referring
// to. A description containing a slot-identifier token filters by exact slot
// id; otherwise every whitespace token must partially match one of the
// appointment's searchable fields.
func (s *Service) FindSpecificAppointment(ctx context.Context, patientID, info string) (AppointmentLookupResult, error) {
	ctx, span := searchTracer.Start(ctx, "scheduling.find_specific_appointment")
	defer span.End()

	var (
		matches []AppointmentDetail
		err     error
	)
	if slotID, ok := extractSlotIDToken(info); ok {
		matches, err = s.store.ConfirmedAppointmentsBySlot(ctx, patientID, slotID)
	} else {
		matches, err = s.store.SearchConfirmedAppointments(ctx, patientID, strings.Fields(info))
	}
	if err != nil {
		span.RecordError(err)
		return AppointmentLookupResult{
			Status:  StatusError,
			Message: "An unexpected error occurred while searching for your appointment.",
		}, err
	}

	switch len(matches) {
	case 0:
		return AppointmentLookupResult{
			Status:  StatusNotFound,
			Message: "I couldn't find any confirmed appointments matching that description.",
		}, nil
	case 1:
		appt := matches[0]
		return AppointmentLookupResult{
			Status: StatusFoundSpecific,
			Message: fmt.Sprintf("Okay, I found this appointment: Slot ID: %s with %s from %s to %s. Is this the one you want to modify/cancel?",
				appt.SlotID, appt.PractitionerName,
				appt.StartTime.Format(timeDisplayLayout), appt.EndTime.Format(timeDisplayLayout)),
			AppointmentDetails: &appt,
		}, nil
	default:
		options := make([]string, 0, len(matches))
		for _, appt := range matches {
			options = append(options, fmt.Sprintf("Slot ID: %s :: Doctor: %s :: Time: %s",
				appt.SlotID, appt.PractitionerName, appt.StartTime.Format(timeDisplayLayout)))
		}
		return AppointmentLookupResult{
			Status:          StatusFoundMultiple,
			Message:         "I found a few appointments that might match. Which one are you referring to? Please provide the Slot ID:",
			PossibleMatches: options,
			RawAppointments: matches,
		}, nil
	}
}

// ListPatientAppointments returns all confirmed appointments for the patient,
// ordered by start time. Zero appointments is not_found, never error.
func (s *Service) ListPatientAppointments(ctx context.Context, patientID string) (AppointmentListResult, error) {
	ctx, span := searchTracer.Start(ctx, "scheduling.list_patient_appointments")
	defer span.End()

	appointments, err := s.store.ConfirmedAppointments(ctx, patientID)
	if err != nil {
		span.RecordError(err)
		return AppointmentListResult{Status: StatusError, Message: "A database error occurred."}, err
	}
	if len(appointments) == 0 {
		return AppointmentListResult{
			Status:       StatusNotFound,
			Message:      "You don't have any upcoming confirmed appointments.",
			Appointments: []string{},
		}, nil
	}

	formatted := make([]string, 0, len(appointments))
	for _, appt := range appointments {
		formatted = append(formatted, fmt.Sprintf("Slot ID: %s with %s from %s to %s",
			appt.SlotID, appt.PractitionerName,
			appt.StartTime.Format(timeDisplayLayout), appt.EndTime.Format(timeDisplayLayout)))
	}

	return AppointmentListResult{
		Status:          StatusSuccess,
		Message:         "Here are your upcoming appointments:",
		Appointments:    formatted,
		RawAppointments: appointments,
	}, nil
}

func (s *Service) today() time.Time {
	now := s.now().UTC()
	return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
}

// extractSlotIDToken pulls a slot-identifier token out of free text. Slot ids
// carry a fixed "slot-" prefix and are long enough not to collide with
// ordinary words.
func extractSlotIDToken(info string) (string, bool) {
	for _, token := range strings.Fields(strings.ToLower(info)) {
		token = strings.Trim(token, ".,;:!?\"'")
		if strings.Contains(token, "slot-") && len(token) > 15 {
			return token, true
		}
	}
	return "", false
}
