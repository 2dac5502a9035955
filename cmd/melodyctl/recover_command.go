package main

import (
	"fmt"

	"github.com/hibiken/asynq"
	"github.com/spf13/cobra"

	"github.com/makeasinger/melodygen/internal/orchestrator"
	"github.com/makeasinger/melodygen/internal/service"
	"github.com/makeasinger/melodygen/internal/store"
)

func newRecoverCommand(ctx *commandContext) *cobra.Command {
	var requeue bool

	cmd := &cobra.Command{
		Use:   "recover",
		Short: "Fail jobs left running by a crashed server",
		Long: "Marks every job in a running status as failed with STALE_JOB.\n" +
			"Only run this while no server is processing jobs.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withStore(func(st store.Store) error {
				var enq orchestrator.Enqueuer
				if requeue {
					redisOpt := asynq.RedisClientOpt{
						Addr:     ctx.cfg.Redis.Addr,
						Password: ctx.cfg.Redis.Password,
						DB:       ctx.cfg.Redis.DB,
					}
					client := asynq.NewClient(redisOpt)
					defer client.Close()
					inspector := asynq.NewInspector(redisOpt)
					defer inspector.Close()
					enq = service.NewDispatcher(client, inspector, ctx.cfg.PipelineTimeout())
				}

				report, err := orchestrator.Recover(cmd.Context(), st, enq, nil, ctx.logger)
				if err != nil {
					return err
				}

				out := cmd.OutOrStdout()
				if len(report.Failed) == 0 && len(report.Requeued) == 0 && len(report.AlreadyQueued) == 0 {
					fmt.Fprintln(out, "Nothing to recover")
					return nil
				}
				rows := make([][]string, 0, len(report.Failed)+len(report.Requeued)+len(report.AlreadyQueued))
				for _, id := range report.Failed {
					rows = append(rows, []string{id, "failed (stale)"})
				}
				for _, id := range report.Requeued {
					rows = append(rows, []string{id, "requeued"})
				}
				for _, id := range report.AlreadyQueued {
					rows = append(rows, []string{id, "already queued"})
				}
				fmt.Fprint(out, renderTable([]string{"Job", "Action"}, rows, nil))
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&requeue, "requeue", false, "Also re-dispatch pending jobs through the task queue")

	return cmd
}
