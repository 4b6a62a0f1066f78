package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"therapybook/internal/audit"
	"therapybook/internal/booking"
	"therapybook/internal/config"
	"therapybook/internal/materialize"
	"therapybook/internal/model"
	"therapybook/internal/recurrence"
	"therapybook/internal/slots"
	"therapybook/internal/tzconv"
)

func parseID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("%w: invalid id %q", model.ErrInvalidArgument, s)
	}
	return id, nil
}

func printResult(cmd *cobra.Command, res materialize.Result) {
	fmt.Fprintf(cmd.OutOrStdout(), "created=%d updated=%d unchanged=%d retired=%d\n",
		res.Created, res.Updated, res.Unchanged, res.Retired)
}

func newMaterializeCommand() *cobra.Command {
	var therapistID int64
	var from string
	var days int

	cmd := &cobra.Command{
		Use:   "materialize",
		Short: "Expand schedule series into occurrences",
		RunE: withApp(func(cmd *cobra.Command, a *app, _ []string) error {
			ctx := cmd.Context()
			if therapistID == 0 {
				res, err := a.materializer.RefreshAll(ctx)
				printResult(cmd, res)
				return err
			}

			loc, err := a.location(ctx, therapistID)
			if err != nil {
				return err
			}
			w := a.materializer.DefaultWindow(loc)
			if from != "" {
				if w.From, err = recurrence.ParseDate(from); err != nil {
					return err
				}
			}
			if days <= 0 {
				days = a.cfg.HorizonDays()
			}
			w = recurrence.Days(w.From, days)
			res, err := a.materializer.MaterializeTherapist(ctx, therapistID, w)
			printResult(cmd, res)
			return err
		}),
	}

	cmd.Flags().Int64Var(&therapistID, "therapist", 0, "therapist id (default: all active therapists)")
	cmd.Flags().StringVar(&from, "from", "", "first local date, YYYY-MM-DD (default: today)")
	cmd.Flags().IntVar(&days, "days", 0, "number of days (default: configured horizon)")
	return cmd
}

func newRosterCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "roster",
		Short: "Roster file commands",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "sync",
		Short: "Apply the roster file once and materialize the listed therapists",
		RunE: withApp(func(cmd *cobra.Command, a *app, _ []string) error {
			r, err := config.LoadRoster(a.cfg.RosterPath)
			if err != nil {
				return err
			}
			if err := a.syncRoster(cmd.Context(), r); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "synced %d therapists\n", len(r.Therapists))
			return nil
		}),
	})
	return cmd
}

func newSeriesCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "series",
		Short: "Schedule series commands",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "deactivate <id>",
			Short: "Stop a series; its future occurrences are retired",
			Args:  cobra.ExactArgs(1),
			RunE: withApp(func(cmd *cobra.Command, a *app, args []string) error {
				id, err := parseID(args[0])
				if err != nil {
					return err
				}
				return a.schedule.DeactivateSeries(cmd.Context(), id)
			}),
		},
		&cobra.Command{
			Use:   "delete <id>",
			Short: "Delete a series; past occurrences are kept",
			Args:  cobra.ExactArgs(1),
			RunE: withApp(func(cmd *cobra.Command, a *app, args []string) error {
				id, err := parseID(args[0])
				if err != nil {
					return err
				}
				return a.schedule.DeleteSeries(cmd.Context(), id)
			}),
		},
	)
	return cmd
}

func printOccurrence(cmd *cobra.Command, o *model.Occurrence) {
	fmt.Fprintf(cmd.OutOrStdout(), "%d %s %s %s %s..%s\n",
		o.ID, o.Date, o.Kind, o.Status, o.StartsAt.Format(time.RFC3339), o.EndsAt.Format(time.RFC3339))
}

func newOccurrenceCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "occurrence",
		Short: "Edit single occurrences",
	}

	byID := func(use, short string, fn func(cmd *cobra.Command, a *app, id int64) (*model.Occurrence, error)) *cobra.Command {
		return &cobra.Command{
			Use:   use + " <id>",
			Short: short,
			Args:  cobra.ExactArgs(1),
			RunE: withApp(func(cmd *cobra.Command, a *app, args []string) error {
				id, err := parseID(args[0])
				if err != nil {
					return err
				}
				o, err := fn(cmd, a, id)
				if o != nil {
					printOccurrence(cmd, o)
				}
				return err
			}),
		}
	}

	cmd.AddCommand(
		byID("skip", "Withdraw a generated occurrence", func(cmd *cobra.Command, a *app, id int64) (*model.Occurrence, error) {
			return a.schedule.SkipOccurrence(cmd.Context(), id)
		}),
		byID("restore", "Undo a skip", func(cmd *cobra.Command, a *app, id int64) (*model.Occurrence, error) {
			return a.schedule.RestoreOccurrence(cmd.Context(), id)
		}),
		byID("remove", "Delete a standalone occurrence", func(cmd *cobra.Command, a *app, id int64) (*model.Occurrence, error) {
			return nil, a.schedule.RemoveStandaloneOccurrence(cmd.Context(), id)
		}),
		newOverrideCommand(),
		newAddOccurrenceCommand(),
	)
	return cmd
}

func newOverrideCommand() *cobra.Command {
	var start, end, note string

	cmd := &cobra.Command{
		Use:   "override <id>",
		Short: "Move an occurrence to new local bounds",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(func(cmd *cobra.Command, a *app, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			s, err := tzconv.ParseLocal(start)
			if err != nil {
				return err
			}
			e, err := tzconv.ParseLocal(end)
			if err != nil {
				return err
			}
			o, err := a.schedule.OverrideOccurrence(cmd.Context(), id, s, e, note)
			if err != nil {
				return err
			}
			printOccurrence(cmd, o)
			return nil
		}),
	}
	cmd.Flags().StringVar(&start, "start", "", `local start, "2006-01-02 15:04"`)
	cmd.Flags().StringVar(&end, "end", "", `local end, "2006-01-02 15:04"`)
	cmd.Flags().StringVar(&note, "note", "", "note")
	_ = cmd.MarkFlagRequired("start")
	_ = cmd.MarkFlagRequired("end")
	return cmd
}

func newAddOccurrenceCommand() *cobra.Command {
	var therapistID int64
	var kind, start, end, note string

	cmd := &cobra.Command{
		Use:   "add",
		Short: "Add one-off working hours or time off",
		RunE: withApp(func(cmd *cobra.Command, a *app, _ []string) error {
			s, err := tzconv.ParseLocal(start)
			if err != nil {
				return err
			}
			e, err := tzconv.ParseLocal(end)
			if err != nil {
				return err
			}
			o, err := a.schedule.AddStandaloneOccurrence(cmd.Context(), therapistID, model.SeriesKind(kind), s, e, note)
			if err != nil {
				return err
			}
			printOccurrence(cmd, o)
			return nil
		}),
	}
	cmd.Flags().Int64Var(&therapistID, "therapist", 0, "therapist id")
	cmd.Flags().StringVar(&kind, "kind", string(model.KindTimeOff), "working_hours or time_off")
	cmd.Flags().StringVar(&start, "start", "", `local start, "2006-01-02 15:04"`)
	cmd.Flags().StringVar(&end, "end", "", `local end, "2006-01-02 15:04"`)
	cmd.Flags().StringVar(&note, "note", "", "note")
	_ = cmd.MarkFlagRequired("therapist")
	_ = cmd.MarkFlagRequired("start")
	_ = cmd.MarkFlagRequired("end")
	return cmd
}

func newAvailabilityCommand() *cobra.Command {
	var therapistID int64
	var start, end string

	cmd := &cobra.Command{
		Use:   "availability",
		Short: "Check whether a local time range is bookable",
		RunE: withApp(func(cmd *cobra.Command, a *app, _ []string) error {
			ctx := cmd.Context()
			from, _, err := a.localTime(ctx, therapistID, start)
			if err != nil {
				return err
			}
			to, _, err := a.localTime(ctx, therapistID, end)
			if err != nil {
				return err
			}
			if err := a.materializer.EnsureRange(ctx, therapistID, from, to); err != nil {
				return err
			}
			ok, err := a.resolver.IsAvailable(ctx, therapistID, from, to)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), ok)
			return nil
		}),
	}
	cmd.Flags().Int64Var(&therapistID, "therapist", 0, "therapist id")
	cmd.Flags().StringVar(&start, "start", "", `local start, "2006-01-02 15:04"`)
	cmd.Flags().StringVar(&end, "end", "", `local end, "2006-01-02 15:04"`)
	_ = cmd.MarkFlagRequired("therapist")
	_ = cmd.MarkFlagRequired("start")
	_ = cmd.MarkFlagRequired("end")
	return cmd
}

func newSlotsCommand() *cobra.Command {
	var therapistID, treatmentID int64
	var date string
	var step time.Duration
	var all, runs bool

	cmd := &cobra.Command{
		Use:   "slots",
		Short: "List bookable start times of a treatment on a local day",
		RunE: withApp(func(cmd *cobra.Command, a *app, _ []string) error {
			ctx := cmd.Context()
			day, err := recurrence.ParseDate(date)
			if err != nil {
				return err
			}
			loc, err := a.location(ctx, therapistID)
			if err != nil {
				return err
			}
			tr, err := a.store.GetTreatment(ctx, treatmentID)
			if err != nil {
				return err
			}
			from, to := tzconv.DayBounds(day, loc)
			if err := a.materializer.EnsureRange(ctx, therapistID, from, to); err != nil {
				return err
			}

			list, err := a.slots.GenerateSlots(ctx, therapistID, day, loc, tr.TotalDuration(), step)
			if err != nil {
				return err
			}
			out := struct {
				Treatment string           `json:"treatment"`
				Duration  string           `json:"duration"`
				Slots     []slots.SlotInfo `json:"slots,omitempty"`
				Runs      []slotRun        `json:"runs,omitempty"`
			}{Treatment: tr.Name, Duration: slots.FormatDuration(tr.DurationMinutes + tr.PreparationMinutes)}

			if runs {
				for _, group := range slots.FindConsecutiveSlots(list) {
					out.Runs = append(out.Runs, slotRun{
						From:   group[0].StartTime.In(loc).Format("15:04"),
						Until:  group[len(group)-1].EndTime.In(loc).Format("15:04"),
						Starts: len(group),
					})
				}
			} else {
				if !all {
					list = slots.GetAvailableSlots(list)
				}
				out.Slots = slots.ToSlotInfo(list, loc)
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(out)
		}),
	}
	cmd.Flags().Int64Var(&therapistID, "therapist", 0, "therapist id")
	cmd.Flags().Int64Var(&treatmentID, "treatment", 0, "treatment id")
	cmd.Flags().StringVar(&date, "date", "", "local date, YYYY-MM-DD")
	cmd.Flags().DurationVar(&step, "step", slots.DefaultStep, "distance between candidate start times")
	cmd.Flags().BoolVar(&all, "all", false, "include unavailable slots")
	cmd.Flags().BoolVar(&runs, "runs", false, "group available start times into continuous runs")
	cmd.MarkFlagsMutuallyExclusive("all", "runs")
	_ = cmd.MarkFlagRequired("therapist")
	_ = cmd.MarkFlagRequired("treatment")
	_ = cmd.MarkFlagRequired("date")
	return cmd
}

// slotRun is a stretch of back-to-back bookable start times.
type slotRun struct {
	From   string `json:"from"`
	Until  string `json:"until"`
	Starts int    `json:"starts"`
}

func newBookCommand() *cobra.Command {
	var req booking.Request
	var start string

	cmd := &cobra.Command{
		Use:   "book",
		Short: "Book an appointment at a therapist-local start time",
		RunE: withApp(func(cmd *cobra.Command, a *app, _ []string) error {
			ctx := cmd.Context()
			var err error
			req.StartUTC, _, err = a.localTime(ctx, req.TherapistID, start)
			if err != nil {
				return err
			}
			appt, err := a.booking.BookAppointment(ctx, req)
			if err != nil {
				return fmt.Errorf("%s: %w", model.Kind(err), err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "booked %d (%s) %s..%s\n",
				appt.ID, appt.UUID, appt.StartTime.Format(time.RFC3339), appt.EndTime.Format(time.RFC3339))
			return nil
		}),
	}
	cmd.Flags().Int64Var(&req.TherapistID, "therapist", 0, "therapist id")
	cmd.Flags().Int64Var(&req.TreatmentID, "treatment", 0, "treatment id")
	cmd.Flags().StringVar(&start, "start", "", `local start, "2006-01-02 15:04"`)
	cmd.Flags().StringVar(&req.CustomerName, "name", "", "customer name")
	cmd.Flags().StringVar(&req.CustomerPhone, "phone", "", "customer phone in E.164 form")
	cmd.Flags().StringVar(&req.Note, "note", "", "note")
	_ = cmd.MarkFlagRequired("therapist")
	_ = cmd.MarkFlagRequired("treatment")
	_ = cmd.MarkFlagRequired("start")
	return cmd
}

func newCancelCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <appointment-id>",
		Short: "Cancel an appointment",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(func(cmd *cobra.Command, a *app, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return a.booking.CancelAppointment(cmd.Context(), id)
		}),
	}
}

func newExportCommand() *cobra.Command {
	var therapistID int64
	var from, to, out string

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export a therapist's occurrences and appointments to xlsx",
		RunE: withApp(func(cmd *cobra.Command, a *app, _ []string) error {
			ctx := cmd.Context()
			th, err := a.store.GetTherapist(ctx, therapistID)
			if err != nil {
				return err
			}
			loc, err := th.Location()
			if err != nil {
				return err
			}
			first, err := recurrence.ParseDate(from)
			if err != nil {
				return err
			}
			last, err := recurrence.ParseDate(to)
			if err != nil {
				return err
			}
			start, _ := tzconv.DayBounds(first, loc)
			_, end := tzconv.DayBounds(last, loc)

			if out == "" {
				out = audit.Filename(th, start.In(loc))
			}
			f, err := os.Create(out)
			if err != nil {
				return err
			}
			if err := a.exporter.Export(ctx, therapistID, start, end, f); err != nil {
				f.Close()
				return err
			}
			if err := f.Close(); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), out)
			return nil
		}),
	}
	cmd.Flags().Int64Var(&therapistID, "therapist", 0, "therapist id")
	cmd.Flags().StringVar(&from, "from", "", "first local date, YYYY-MM-DD")
	cmd.Flags().StringVar(&to, "to", "", "last local date, YYYY-MM-DD")
	cmd.Flags().StringVarP(&out, "out", "o", "", "output file (default: schedule_<nickname>_<from>.xlsx)")
	_ = cmd.MarkFlagRequired("therapist")
	_ = cmd.MarkFlagRequired("from")
	_ = cmd.MarkFlagRequired("to")
	return cmd
}
