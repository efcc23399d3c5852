package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/fleet/errors"
	"github.com/teranos/fleet/logger"
	"github.com/teranos/fleet/pulse/async"
	"github.com/teranos/fleet/pulse/progress"
	"github.com/teranos/fleet/sym"
)

// JobCmd groups job commands
var JobCmd = &cobra.Command{
	Use:   "job",
	Short: sym.Pulse + " Enqueue, inspect and control jobs",
	Long: sym.Pulse + ` job - work units in the shared store

Commands act on the store directly; a running node picks changes up on
its next claim or pass.

Examples:
  fleet job ls --status pending,running   # Active jobs
  fleet job show 42                       # One job with its progress
  fleet job enqueue --file join.toml      # Enqueue from a TOML file
  fleet job stop 17                       # Finish a watch after its pass
  fleet job rollup 9                      # Children summary of a master job`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

var jobLsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List jobs",
	RunE:  runJobLs,
}

var jobShowCmd = &cobra.Command{
	Use:   "show <job-id>",
	Short: "Show one job",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobShow,
}

var jobEnqueueCmd = &cobra.Command{
	Use:   "enqueue",
	Short: "Enqueue a job",
	Long: `Enqueue a job from flags or a TOML file.

File format:
  kind      = "fanout"
  delay     = "10m"     # optional, schedules the job in the future
  is_master = false

  [payload]
  action    = { name = "join" }
  resources = [1, 2]
  targets   = ["room-1", "room-2"]

Unknown top-level keys are rejected.`,
	RunE: runJobEnqueue,
}

var jobRollupCmd = &cobra.Command{
	Use:   "rollup <job-id>",
	Short: "Summarise the children of a master job",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobRollup,
}

func init() {
	jobLsCmd.Flags().String("status", "", "Comma-separated statuses (pending, claimed, running, completed, error, canceled)")
	jobLsCmd.Flags().String("kind", "", "Only this kind")
	jobLsCmd.Flags().Int64("parent", 0, "Only children of this job")
	jobLsCmd.Flags().Int("limit", 50, "Maximum jobs to list")
	jobLsCmd.Flags().StringP("output", "o", "table", "Output format: table, json, yaml")

	jobShowCmd.Flags().StringP("output", "o", "table", "Output format: table, json, yaml")
	jobRollupCmd.Flags().StringP("output", "o", "table", "Output format: table, json, yaml")

	jobEnqueueCmd.Flags().StringP("file", "f", "", "TOML file describing the job")
	jobEnqueueCmd.Flags().String("kind", "", "Job kind")
	jobEnqueueCmd.Flags().String("payload", "", "JSON payload")
	jobEnqueueCmd.Flags().Duration("in", 0, "Delay before the job becomes claimable")
	jobEnqueueCmd.Flags().Bool("master", false, "Create a master job (never claimed)")
	jobEnqueueCmd.Flags().Int64("parent", 0, "Parent job id")

	JobCmd.AddCommand(jobLsCmd)
	JobCmd.AddCommand(jobShowCmd)
	JobCmd.AddCommand(jobEnqueueCmd)
	JobCmd.AddCommand(jobRollupCmd)
	JobCmd.AddCommand(jobActionCmd("cancel", "Cancel a job (running jobs stop at their next checkpoint)", (*async.Queue).Cancel))
	JobCmd.AddCommand(jobActionCmd("stop", "Finish a watch after its current pass", (*async.Queue).Stop))
	JobCmd.AddCommand(jobActionCmd("pause", "Exclude a job from claiming", (*async.Queue).Pause))
	JobCmd.AddCommand(jobActionCmd("resume", "Make a paused job claimable again", (*async.Queue).Resume))
	JobCmd.AddCommand(jobActionCmd("rm", "Delete a job", (*async.Queue).Delete))
}

func runJobLs(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	f := async.Filter{}
	f.Kind, _ = cmd.Flags().GetString("kind")
	f.Limit, _ = cmd.Flags().GetInt("limit")
	if parent, _ := cmd.Flags().GetInt64("parent"); parent > 0 {
		f.ParentID = &parent
	}
	if raw, _ := cmd.Flags().GetString("status"); raw != "" {
		for _, s := range strings.Split(raw, ",") {
			s = strings.TrimSpace(s)
			if !async.IsValidStatus(s) {
				return fmt.Errorf("unknown job status %q", s)
			}
			f.Statuses = append(f.Statuses, async.JobStatus(s))
		}
	}

	_, st, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer st.Close()

	jobs, err := st.queue.ListJobs(ctx, f)
	if err != nil {
		return err
	}

	output, _ := cmd.Flags().GetString("output")
	return render(output, jobs, func() error {
		if len(jobs) == 0 {
			pterm.Info.Println(sym.Pulse + " No jobs found")
			return nil
		}
		rows := [][]string{{"ID", "KIND", "STATUS", "PROGRESS", "RESULT", "SCHEDULED", "UPDATED"}}
		for _, job := range jobs {
			rows = append(rows, []string{
				strconv.FormatInt(job.ID, 10),
				job.Kind,
				jobStatusLabel(job),
				progressLabel(job.Payload),
				truncate(job.Result, 48),
				formatTime(&job.ScheduledAt),
				formatTime(&job.UpdatedAt),
			})
		}
		if err := printTable(rows); err != nil {
			return err
		}
		fmt.Printf("\nTotal: %d job(s)\n", len(jobs))
		return nil
	})
}

func jobStatusLabel(job *async.Job) string {
	label := string(job.Status)
	switch {
	case job.IsMaster:
		label += " (master)"
	case !job.Active:
		label += " (paused)"
	case job.CancelRequested:
		label += " (canceling)"
	case job.StopRequested:
		label += " (stopping)"
	}
	return label
}

func progressLabel(payload json.RawMessage) string {
	p, err := progress.Read(payload)
	if err != nil || (p.Processed == 0 && p.Total == 0) {
		return "-"
	}
	if p.Total > 0 {
		return fmt.Sprintf("%d/%d", p.Processed, p.Total)
	}
	return strconv.FormatInt(p.Processed, 10)
}

func runJobShow(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	id, err := parseID(args[0])
	if err != nil {
		return err
	}
	_, st, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer st.Close()

	job, err := st.queue.GetJob(ctx, id)
	if err != nil {
		return err
	}
	if job == nil {
		return errors.NewNotFoundError("job %d not found", id)
	}

	output, _ := cmd.Flags().GetString("output")
	return render(output, job, func() error {
		pterm.DefaultSection.Printfln("%s Job %d", sym.Pulse, job.ID)
		rows := [][]string{
			{"FIELD", "VALUE"},
			{"kind", job.Kind},
			{"status", jobStatusLabel(job)},
			{"result", job.Result},
			{"claimed by", job.ClaimedBy},
			{"scheduled", formatTime(&job.ScheduledAt)},
			{"claimed", formatTime(job.ClaimedAt)},
			{"started", formatTime(job.StartedAt)},
			{"finished", formatTime(job.FinishedAt)},
		}
		if job.ParentID != nil {
			rows = append(rows, []string{"parent", strconv.FormatInt(*job.ParentID, 10)})
		}
		if p, err := progress.Read(job.Payload); err == nil {
			rows = append(rows, []string{"progress", fmt.Sprintf("processed=%d succeeded=%d skipped=%d failed=%d total=%d",
				p.Processed, p.Succeeded, p.Skipped, p.Failed, p.Total)})
		}
		return printTable(rows)
	})
}

// jobFile is the TOML form accepted by enqueue --file
type jobFile struct {
	Kind     string                 `toml:"kind"`
	Delay    string                 `toml:"delay"`
	IsMaster bool                   `toml:"is_master"`
	ParentID int64                  `toml:"parent_id"`
	Payload  map[string]interface{} `toml:"payload"`
}

func readJobFile(path string) (async.EnqueueRequest, error) {
	var (
		f   jobFile
		req async.EnqueueRequest
	)
	md, err := toml.DecodeFile(path, &f)
	if err != nil {
		return req, errors.Wrapf(err, "failed to parse %s", path)
	}
	// The payload is free-form; only keys outside it must be known
	var unknown []string
	for _, k := range md.Undecoded() {
		if len(k) > 0 && k[0] != "payload" {
			unknown = append(unknown, k.String())
		}
	}
	if len(unknown) > 0 {
		return req, errors.NewInvalidRequestError("%s: unknown keys %s", path, strings.Join(unknown, ", "))
	}

	req.Kind = f.Kind
	req.IsMaster = f.IsMaster
	if f.ParentID > 0 {
		req.ParentID = &f.ParentID
	}
	if f.Delay != "" {
		d, err := time.ParseDuration(f.Delay)
		if err != nil {
			return req, errors.NewInvalidRequestError("%s: invalid delay %q", path, f.Delay)
		}
		req.ScheduledAt = time.Now().Add(d)
	}
	if len(f.Payload) > 0 {
		raw, err := json.Marshal(f.Payload)
		if err != nil {
			return req, errors.Wrapf(err, "%s: payload is not representable as JSON", path)
		}
		req.Payload = raw
	}
	return req, nil
}

func runJobEnqueue(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	var req async.EnqueueRequest

	if path, _ := cmd.Flags().GetString("file"); path != "" {
		var err error
		if req, err = readJobFile(path); err != nil {
			return err
		}
	}
	if kind, _ := cmd.Flags().GetString("kind"); kind != "" {
		req.Kind = kind
	}
	if payload, _ := cmd.Flags().GetString("payload"); payload != "" {
		req.Payload = json.RawMessage(payload)
	}
	if in, _ := cmd.Flags().GetDuration("in"); in > 0 {
		req.ScheduledAt = time.Now().Add(in)
	}
	if master, _ := cmd.Flags().GetBool("master"); master {
		req.IsMaster = true
	}
	if parent, _ := cmd.Flags().GetInt64("parent"); parent > 0 {
		req.ParentID = &parent
	}

	_, st, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer st.Close()

	job, err := st.queue.Enqueue(ctx, req)
	if err != nil {
		return err
	}
	pterm.Success.Printfln("%s Enqueued %s job %d", sym.Pulse, job.Kind, job.ID)
	return nil
}

func runJobRollup(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	id, err := parseID(args[0])
	if err != nil {
		return err
	}
	_, st, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer st.Close()

	rollup, err := progress.NewTracker(st.queue, logger.Logger).Rollup(ctx, id)
	if err != nil {
		return err
	}

	output, _ := cmd.Flags().GetString("output")
	return render(output, rollup, func() error {
		pterm.DefaultSection.Printfln("%s Master job %d: %d children", sym.Pulse, id, rollup.Children)
		rows := [][]string{{"STATUS", "COUNT"}}
		for _, s := range []async.JobStatus{
			async.JobStatusPending, async.JobStatusClaimed, async.JobStatusRunning,
			async.JobStatusCompleted, async.JobStatusError, async.JobStatusCanceled,
		} {
			rows = append(rows, []string{string(s), strconv.Itoa(rollup.ByStatus[s])})
		}
		if err := printTable(rows); err != nil {
			return err
		}
		p := rollup.Progress
		fmt.Printf("\nprocessed=%d succeeded=%d skipped=%d failed=%d done=%t\n",
			p.Processed, p.Succeeded, p.Skipped, p.Failed, rollup.Done)
		return nil
	})
}

// jobActionCmd builds a `job <verb> <id>` command around a queue operation
func jobActionCmd(verb, short string, op func(*async.Queue, context.Context, int64) error) *cobra.Command {
	return &cobra.Command{
		Use:   verb + " <job-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			_, st, err := openStore(ctx)
			if err != nil {
				return err
			}
			defer st.Close()

			if err := op(st.queue, ctx, id); err != nil {
				return err
			}
			pterm.Success.Printfln("%s Job %d: %s requested", sym.Pulse, id, verb)
			return nil
		},
	}
}
