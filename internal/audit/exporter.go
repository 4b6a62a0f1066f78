// Package audit exports a therapist's schedule history to a spreadsheet.
//
// Every occurrence is listed with its status, including skipped and retired
// rows, together with all appointments in the range.
package audit

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"therapybook/internal/model"
	"therapybook/internal/store"
)

const localLayout = "2006-01-02 15:04"

var (
	occurrenceColumns  = []string{"ID", "Date", "Kind", "Status", "Series", "Start", "End", "Start (UTC)", "End (UTC)", "Note"}
	appointmentColumns = []string{"ID", "UUID", "Treatment", "Customer", "Phone", "Start", "End", "Minutes", "Cancelled", "Note"}
)

// Source is the data an export reads.
type Source interface {
	store.Reader
	GetTherapist(ctx context.Context, id int64) (*model.Therapist, error)
	ListTreatments(ctx context.Context, therapistID int64) ([]model.Treatment, error)
}

type Exporter struct {
	src       Source
	newWriter func() Writer
	logger    *zerolog.Logger
}

func NewExporter(src Source, logger *zerolog.Logger) *Exporter {
	return &Exporter{src: src, newWriter: NewExcelizeWriter, logger: logger}
}

// Export writes the therapist's occurrences and appointments overlapping
// [from, to) as an xlsx workbook. Times are shown in the therapist's zone.
func (e *Exporter) Export(ctx context.Context, therapistID int64, from, to time.Time, out io.Writer) error {
	if !from.Before(to) {
		return fmt.Errorf("%w: empty export range", model.ErrInvalidRange)
	}
	th, err := e.src.GetTherapist(ctx, therapistID)
	if err != nil {
		return err
	}
	loc, err := th.Location()
	if err != nil {
		return err
	}

	occs, err := e.src.ListOccurrences(ctx, store.OccurrenceFilter{TherapistID: therapistID, From: from, To: to})
	if err != nil {
		return fmt.Errorf("list occurrences: %w", err)
	}
	appts, err := e.src.ListAppointments(ctx, store.AppointmentFilter{TherapistID: therapistID, From: from, To: to, IncludeCancelled: true})
	if err != nil {
		return fmt.Errorf("list appointments: %w", err)
	}
	treatments, err := e.src.ListTreatments(ctx, therapistID)
	if err != nil {
		return fmt.Errorf("list treatments: %w", err)
	}
	names := make(map[int64]string, len(treatments))
	for _, t := range treatments {
		names[t.ID] = t.Name
	}

	w := e.newWriter()
	defer w.Close()

	if err := w.AddSheet("Occurrences"); err != nil {
		return err
	}
	if err := w.WriteHeader(occurrenceColumns); err != nil {
		return err
	}
	for _, o := range occs {
		var series any
		if o.SeriesID != nil {
			series = *o.SeriesID
		}
		row := []any{
			o.ID, o.Date.String(), string(o.Kind), string(o.Status), series,
			o.StartsAt.In(loc).Format(localLayout), o.EndsAt.In(loc).Format(localLayout),
			o.StartsAt.UTC().Format(time.RFC3339), o.EndsAt.UTC().Format(time.RFC3339),
			o.Note,
		}
		if err := w.WriteRow(row); err != nil {
			return fmt.Errorf("write occurrence %d: %w", o.ID, err)
		}
	}

	if err := w.AddSheet("Appointments"); err != nil {
		return err
	}
	if err := w.WriteHeader(appointmentColumns); err != nil {
		return err
	}
	for _, a := range appts {
		row := []any{
			a.ID, a.UUID, names[a.TreatmentID], a.CustomerName, a.CustomerPhone,
			a.StartTime.In(loc).Format(localLayout), a.EndTime.In(loc).Format(localLayout),
			int(a.Duration() / time.Minute), a.IsCancelled, a.Note,
		}
		if err := w.WriteRow(row); err != nil {
			return fmt.Errorf("write appointment %d: %w", a.ID, err)
		}
	}

	if err := w.Save(out); err != nil {
		return fmt.Errorf("save workbook: %w", err)
	}
	e.logger.Info().
		Int64("therapist_id", therapistID).
		Int("occurrences", len(occs)).
		Int("appointments", len(appts)).
		Msg("schedule exported")
	return nil
}

// Filename names an export such as "schedule_mei_2024-03-04.xlsx".
func Filename(th *model.Therapist, from time.Time) string {
	nick := strings.ToLower(strings.Join(strings.Fields(th.Nickname), "_"))
	if nick == "" {
		nick = fmt.Sprintf("therapist%d", th.ID)
	}
	return fmt.Sprintf("schedule_%s_%s.xlsx", nick, from.Format("2006-01-02"))
}
