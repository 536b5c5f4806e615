package cmd

import (
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var replayCmd = &cobra.Command{
	Use:   "replay [change-event-id]",
	Short: "Re-send a failed partner notification",
	Long: `Re-send the notification captured by a failed outbound change event. The
event is marked replayed; a renewed failure is recorded as a new failed event.`,
	Args: cobra.ExactArgs(1),
	RunE: runReplay,
}

func init() {
	rootCmd.AddCommand(replayCmd)
}

func runReplay(cmd *cobra.Command, args []string) error {
	id, err := uuid.Parse(args[0])
	if err != nil {
		return errors.Wrapf(err, "invalid change event id %q", args[0])
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	a, err := newApp(cfg, "partners-cli")
	if err != nil {
		return err
	}
	defer a.Close()

	result, err := a.dispatcher.Replay(cmd.Context(), id)
	if err != nil {
		return err
	}

	log.Info().
		Str("change_event_id", id.String()).
		Bool("delivered", result.Delivered).
		Int("attempts", result.Attempts).
		Int("status_code", result.StatusCode).
		Msg("Replayed change event")

	return printJSON(cmd, map[string]interface{}{
		"changeEventId": id,
		"delivered":     result.Delivered,
		"cancelled":     result.Cancelled,
		"skipped":       result.Skipped,
		"attempts":      result.Attempts,
		"statusCode":    result.StatusCode,
	})
}
