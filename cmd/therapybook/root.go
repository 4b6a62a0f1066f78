package main

import (
	"github.com/spf13/cobra"
)

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "therapybook",
		Short: "Therapist schedules, availability and bookings",
		Long: `therapybook materializes recurring working hours and time off into
concrete occurrences and books appointments against them without double booking.`,
		SilenceUsage: true,
	}

	// Global config flag, available for all commands.
	cmd.PersistentFlags().String("config", "configs/config.yaml", "config file path")

	cmd.AddCommand(
		newServeCommand(),
		newMaterializeCommand(),
		newRosterCommand(),
		newSeriesCommand(),
		newOccurrenceCommand(),
		newAvailabilityCommand(),
		newSlotsCommand(),
		newBookCommand(),
		newCancelCommand(),
		newExportCommand(),
	)
	return cmd
}
