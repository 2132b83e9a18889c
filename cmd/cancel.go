package main

import (
	"fmt"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/servicing-import/internal/store"
)

var cancelCmd = &cobra.Command{
	Use:   "cancel <job-id>",
	Short: "Cancel a running import job",
	Long:  "Marks the job cancelled. In-flight chunk batches finish; no new batches start. Completed sheets keep their rows.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		jobID := args[0]

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		if err := st.CancelJob(ctx, jobID); err != nil {
			if eris.Is(err, store.ErrNotFound) {
				return eris.Errorf("job %s not found", jobID)
			}
			return err
		}

		job, err := st.GetJob(ctx, jobID)
		if err != nil {
			return err
		}
		fmt.Printf("job %s: %s\n", job.ID, job.Status)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(cancelCmd)
}
