package cli

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/Lllllllleong/drawingtileflow/internal/app"
	"github.com/Lllllllleong/drawingtileflow/internal/models"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var (
	enqueueSheetVersion string
	enqueueDelay        time.Duration
)

var enqueueCmd = &cobra.Command{
	Use:   "enqueue",
	Short: "Queue a tile job for a sheet version",
	Long: `Insert a generate_drawing_tiles job into the configured store.

Examples:
  tile-worker enqueue --sheet-version sv-123
  tile-worker enqueue --sheet-version sv-123 --delay 2m`,
	Args: cobra.NoArgs,
	RunE: runEnqueue,
}

func init() {
	enqueueCmd.Flags().StringVar(&enqueueSheetVersion, "sheet-version", "", "sheet version id (required)")
	enqueueCmd.Flags().DurationVar(&enqueueDelay, "delay", 0, "run the job no earlier than this long from now")
	_ = enqueueCmd.MarkFlagRequired("sheet-version")
}

func runEnqueue(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	st, err := app.OpenStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	payload, err := json.Marshal(models.GenerateTilesPayload{SheetVersionID: enqueueSheetVersion})
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}
	id, err := st.EnqueueJob(ctx, models.KindGenerateDrawingTiles, payload, time.Now().Add(enqueueDelay))
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Queued %s job %s\n", models.KindGenerateDrawingTiles, color.New(color.FgCyan).Sprint(id))
	return nil
}
