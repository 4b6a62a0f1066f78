// Package booking creates appointments without double booking a therapist.
//
// Every booking of one therapist runs under a therapist-scoped lock and inside
// a therapist-scoped transaction. The availability check, the overlap check
// and the insert see the same snapshot, so two concurrent requests for
// overlapping time can never both succeed.
package booking

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"

	"therapybook/internal/availability"
	"therapybook/internal/lock"
	"therapybook/internal/metrics"
	"therapybook/internal/model"
	"therapybook/internal/store"
)

const (
	DefaultLockTimeout = 5 * time.Second
	maxAttempts        = 2
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Store is the persistence the booking service needs.
type Store interface {
	GetTherapist(ctx context.Context, id int64) (*model.Therapist, error)
	GetTreatment(ctx context.Context, id int64) (*model.Treatment, error)
	GetAppointment(ctx context.Context, id int64) (*model.Appointment, error)
	CancelAppointment(ctx context.Context, id int64) error
	InTherapistTx(ctx context.Context, therapistID int64, fn func(store.BookingTx) error) error
}

// Ensurer materializes occurrences covering a UTC range before it is checked.
type Ensurer interface {
	EnsureRange(ctx context.Context, therapistID int64, from, to time.Time) error
}

type Options struct {
	LockTimeout time.Duration
	// AttemptsPerMinute throttles attempts per customer phone; 0 disables it.
	AttemptsPerMinute int
	// EnsureMaterialized runs the Ensurer for the booked range first.
	EnsureMaterialized bool
}

// Request describes a booking attempt. StartUTC is an absolute instant.
type Request struct {
	TherapistID   int64     `validate:"required,gt=0"`
	TreatmentID   int64     `validate:"required,gt=0"`
	CustomerName  string    `validate:"required,max=100"`
	CustomerPhone string    `validate:"required,e164"`
	StartUTC      time.Time `validate:"required"`
	Note          string    `validate:"max=500"`
}

type Service struct {
	store   Store
	locker  lock.Locker
	ensurer Ensurer
	opts    Options
	limiter *attemptLimiter
	logger  *zerolog.Logger
}

// NewService wires the booking service. ensurer may be nil when
// EnsureMaterialized is off.
func NewService(s Store, locker lock.Locker, ensurer Ensurer, opts Options, logger *zerolog.Logger) *Service {
	if opts.LockTimeout <= 0 {
		opts.LockTimeout = DefaultLockTimeout
	}
	return &Service{
		store:   s,
		locker:  locker,
		ensurer: ensurer,
		opts:    opts,
		limiter: newAttemptLimiter(opts.AttemptsPerMinute),
		logger:  logger,
	}
}

// BookAppointment books [start, start+duration+preparation) for the customer.
//
// Errors: ErrInvalidArgument, ErrNotFound, ErrRateLimited, ErrInvalidTimezone,
// ErrOutsideWorkingHours, ErrSlotConflict and ErrConcurrentModification when
// the therapist stayed locked after one retry.
func (s *Service) BookAppointment(ctx context.Context, req Request) (appt *model.Appointment, err error) {
	defer func() { metrics.IncBooking(model.Kind(err)) }()

	req.CustomerName = strings.TrimSpace(req.CustomerName)
	req.CustomerPhone = strings.TrimSpace(req.CustomerPhone)
	if err := validate.Struct(req); err != nil {
		return nil, fmt.Errorf("%w: %s", model.ErrInvalidArgument, formatValidation(err))
	}
	if !s.limiter.allow(req.CustomerPhone) {
		return nil, model.ErrRateLimited
	}

	th, err := s.store.GetTherapist(ctx, req.TherapistID)
	if err != nil {
		return nil, err
	}
	if !th.IsActive {
		return nil, fmt.Errorf("%w: therapist %d is inactive", model.ErrInvalidArgument, th.ID)
	}
	if _, err := th.Location(); err != nil {
		return nil, err
	}
	tr, err := s.store.GetTreatment(ctx, req.TreatmentID)
	if err != nil {
		return nil, err
	}
	if tr.TherapistID != th.ID {
		return nil, fmt.Errorf("%w: treatment %d does not belong to therapist %d", model.ErrInvalidArgument, tr.ID, th.ID)
	}
	if !tr.IsActive {
		return nil, fmt.Errorf("%w: treatment %d is inactive", model.ErrInvalidArgument, tr.ID)
	}
	if tr.TotalDuration() <= 0 {
		return nil, fmt.Errorf("%w: treatment %d has no duration", model.ErrInvalidArgument, tr.ID)
	}

	appt = &model.Appointment{
		TherapistID:   th.ID,
		TreatmentID:   tr.ID,
		CustomerName:  req.CustomerName,
		CustomerPhone: req.CustomerPhone,
		StartTime:     req.StartUTC.UTC(),
		EndTime:       req.StartUTC.UTC().Add(tr.TotalDuration()),
		Note:          req.Note,
	}

	if s.opts.EnsureMaterialized && s.ensurer != nil {
		if err := s.ensurer.EnsureRange(ctx, th.ID, appt.StartTime, appt.EndTime); err != nil {
			return nil, fmt.Errorf("materialize schedule: %w", err)
		}
	}

	for attempt := 1; ; attempt++ {
		err = s.attempt(ctx, appt)
		if err == nil || !model.Retryable(err) || attempt >= maxAttempts || ctx.Err() != nil {
			break
		}
		s.logger.Debug().Err(err).Int64("therapist_id", th.ID).Int("attempt", attempt).Msg("booking contended, retrying")
	}
	if err != nil {
		s.logger.Info().
			Err(err).
			Int64("therapist_id", th.ID).
			Time("start", appt.StartTime).
			Str("result", model.Kind(err)).
			Msg("booking rejected")
		return nil, err
	}

	s.logger.Info().
		Int64("appointment_id", appt.ID).
		Int64("therapist_id", th.ID).
		Int64("treatment_id", tr.ID).
		Time("start", appt.StartTime).
		Time("end", appt.EndTime).
		Msg("appointment booked")
	return appt, nil
}

// attempt runs one locked check-and-insert.
func (s *Service) attempt(ctx context.Context, appt *model.Appointment) error {
	lockCtx, cancel := context.WithTimeout(ctx, s.opts.LockTimeout)
	defer cancel()

	waited := time.Now()
	unlock, err := s.locker.Lock(lockCtx, lock.TherapistKey(appt.TherapistID))
	metrics.ObserveLockWait(time.Since(waited))
	if err != nil {
		return err
	}
	defer unlock()

	return s.store.InTherapistTx(ctx, appt.TherapistID, func(tx store.BookingTx) error {
		ok, err := availability.NewResolver(tx).IsAvailable(ctx, appt.TherapistID, appt.StartTime, appt.EndTime)
		if err != nil {
			return err
		}
		if !ok {
			return model.ErrOutsideWorkingHours
		}

		taken, err := tx.HasOverlappingAppointment(ctx, appt.TherapistID, appt.StartTime, appt.EndTime)
		if err != nil {
			return err
		}
		if taken {
			return model.ErrSlotConflict
		}

		return tx.InsertAppointment(ctx, appt)
	})
}

// CancelAppointment frees the appointment's time. Cancelling twice is a no-op.
func (s *Service) CancelAppointment(ctx context.Context, id int64) error {
	appt, err := s.store.GetAppointment(ctx, id)
	if err != nil {
		return err
	}
	if appt.IsCancelled {
		return nil
	}
	if err := s.store.CancelAppointment(ctx, id); err != nil {
		return err
	}
	metrics.IncBookingCancelled()
	s.logger.Info().Int64("appointment_id", id).Int64("therapist_id", appt.TherapistID).Msg("appointment cancelled")
	return nil
}

func formatValidation(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, strings.ToLower(fe.Field())+" failed "+fe.Tag())
	}
	return strings.Join(msgs, ", ")
}
