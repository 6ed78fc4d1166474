package cli

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/chainguard-dev/ec2-rescue/internal/log"
	"github.com/chainguard-dev/ec2-rescue/internal/poll"
	"github.com/chainguard-dev/ec2-rescue/internal/recovery"
)

func (a *App) rollbackCommand() *cobra.Command {
	var (
		targetID    string
		startTarget bool
		f           workflowFlags
	)
	cmd := &cobra.Command{
		Use:   "rollback",
		Short: "Return the volume of an interrupted recovery to its instance",
		Long: `rollback undoes a journaled recovery: the volume is returned to the
instance at its original mount-point, then the rescue instance and the
security group are removed. It is safe to run repeatedly.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			j, err := a.journal()
			if err != nil {
				return err
			}
			client, err := a.client(ctx, &f)
			if err != nil {
				return err
			}

			ctx, done := log.ForTarget(ctx, a.logDir, targetID)
			defer done()

			cfg := recovery.Config{TargetID: targetID, StartTarget: startTarget}
			res, err := recovery.New(client, nil, j, cfg).Rollback(ctx, targetID)
			report(cmd.OutOrStdout(), res)
			return err
		},
	}
	cmd.Flags().StringVarP(&targetID, "instance", "i", "", "id of the instance whose recovery is rolled back")
	cmd.Flags().BoolVar(&startTarget, "start-target", false, "start the instance once its volume is back, if it was running")
	cmd.Flags().DurationVar(&f.pollInterval, "poll-interval", poll.DefaultInterval, "interval between EC2 state checks")
	cmd.Flags().DurationVar(&f.waitTimeout, "wait-timeout", poll.DefaultTimeout, "bound of a single wait for an EC2 state")
	_ = cmd.MarkFlagRequired("instance")
	return cmd
}

func (a *App) statusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "List journaled recoveries",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			j, err := a.journal()
			if err != nil {
				return err
			}
			sessions, err := j.List(cmd.Context())
			if err != nil {
				return err
			}
			if len(sessions) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no journaled recoveries")
				return nil
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "INSTANCE\tRUN\tLAST STEP\tVOLUME\tRESCUE\tUPDATED\tLAST ERROR")
			for _, s := range sessions {
				last := orDash(s.Last())
				if s.RollingBack {
					last += " (rolling back)"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
					s.TargetID, s.RunID, last, orDash(s.VolumeID), orDash(s.RescueID),
					s.UpdatedAt.Format(time.RFC3339), orDash(s.LastError))
			}
			return w.Flush()
		},
	}
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
