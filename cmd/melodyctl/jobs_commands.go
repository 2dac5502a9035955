package main

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/makeasinger/melodygen/internal/model"
	"github.com/makeasinger/melodygen/internal/store"
)

func newJobsCommand(ctx *commandContext) *cobra.Command {
	jobsCmd := &cobra.Command{
		Use:   "jobs",
		Short: "Inspect jobs in the store",
	}

	jobsCmd.AddCommand(newJobsListCommand(ctx))
	jobsCmd.AddCommand(newJobsShowCommand(ctx))

	return jobsCmd
}

func newJobsListCommand(ctx *commandContext) *cobra.Command {
	var statuses []string
	var limit int
	var userID string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recent jobs, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := store.ListOptions{Limit: limit, UserID: userID}
			for _, raw := range statuses {
				s := model.JobStatus(strings.ToLower(strings.TrimSpace(raw)))
				if !s.IsValid() {
					return fmt.Errorf("unknown status %q", raw)
				}
				opts.Statuses = append(opts.Statuses, s)
			}

			return ctx.withStore(func(st store.Store) error {
				jobs, err := st.List(cmd.Context(), opts)
				if err != nil {
					return err
				}
				if len(jobs) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "No jobs found")
					return nil
				}
				fmt.Fprint(cmd.OutOrStdout(), renderTable(
					[]string{"ID", "Status", "Created", "Duration", "Error"},
					buildJobRows(jobs),
					[]columnAlignment{alignLeft, alignLeft, alignLeft, alignRight, alignLeft},
				))
				return nil
			})
		},
	}

	cmd.Flags().StringSliceVarP(&statuses, "status", "s", nil, "Filter by status (repeatable)")
	cmd.Flags().IntVarP(&limit, "limit", "n", store.DefaultListLimit, "Maximum number of jobs to show")
	cmd.Flags().StringVar(&userID, "user", "", "Only show jobs owned by this user")

	return cmd
}

func buildJobRows(jobs []*model.Job) [][]string {
	rows := make([][]string, 0, len(jobs))
	for _, job := range jobs {
		errText := ""
		if job.ErrorCode != nil {
			errText = *job.ErrorCode
		}
		rows = append(rows, []string{
			job.ID,
			string(job.Status),
			job.CreatedAt.Local().Format("2006-01-02 15:04:05"),
			model.FormatDuration(job.Duration()),
			errText,
		})
	}
	return rows
}

func newJobsShowCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "show <job-id>",
		Short: "Show one job in detail",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withStore(func(st store.Store) error {
				job, err := st.Get(cmd.Context(), args[0])
				if errors.Is(err, store.ErrNotFound) {
					return fmt.Errorf("job %s not found", args[0])
				}
				if err != nil {
					return err
				}
				fmt.Fprint(cmd.OutOrStdout(), renderTable([]string{"Field", "Value"}, buildJobDetailRows(job), nil))
				return nil
			})
		},
	}
}

func buildJobDetailRows(job *model.Job) [][]string {
	p := job.Params
	rows := [][]string{
		{"ID", job.ID},
		{"Status", string(job.Status)},
		{"User", job.UserID},
		{"Input", p.InputFile},
		{"BPM", optionalFloat(p.BPM)},
		{"Start time", optionalFloat(p.StartTime)},
		{"Seed", optionalInt(p.Seed)},
		{"One shot", strconv.FormatBool(p.OneShot)},
		{"Voice", string(p.Voice)},
		{"Created", formatTime(&job.CreatedAt)},
		{"Started", formatTime(job.StartedAt)},
		{"Finished", formatTime(job.FinishedAt)},
		{"Duration", model.FormatDuration(job.Duration())},
	}
	if job.Error != nil {
		code := ""
		if job.ErrorCode != nil {
			code = *job.ErrorCode
		}
		rows = append(rows, []string{"Error", code + ": " + *job.Error})
	}

	for _, kind := range sortedKinds(job.ArtifactPaths) {
		rows = append(rows, []string{"Path " + string(kind), job.ArtifactPaths[kind]})
	}
	urlKinds := make(map[model.ArtifactKind]string, len(job.ArtifactURLs))
	for k, u := range job.ArtifactURLs {
		urlKinds[k] = u.URL
	}
	for _, kind := range sortedKinds(urlKinds) {
		rows = append(rows, []string{"URL " + string(kind), urlKinds[kind]})
	}
	return rows
}

func sortedKinds(m map[model.ArtifactKind]string) []model.ArtifactKind {
	kinds := make([]model.ArtifactKind, 0, len(m))
	for k := range m {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}

func optionalFloat(v *float64) string {
	if v == nil {
		return "-"
	}
	return strconv.FormatFloat(*v, 'f', -1, 64)
}

func optionalInt(v *int64) string {
	if v == nil {
		return "-"
	}
	return strconv.FormatInt(*v, 10)
}

func formatTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.Local().Format(time.RFC3339)
}
