package commands

import (
	"context"
	"fmt"
	"strconv"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/weft/entity"
	"github.com/teranos/weft/jobexecutor"
	"github.com/teranos/weft/store"
	"github.com/teranos/weft/sym"
)

// JobsCmd represents the jobs command
var JobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: sym.Short("jobs"),
	Long: sym.Jobs + ` jobs — deferred work

Jobs are timers and async continuations waiting for a job executor. A
job whose handler fails loses one retry and is rescheduled with backoff;
the last failure raises an incident and leaves the job with no retries.

Bulk commands take job ids or --instance and write the operation log.

Examples:
  weft jobs ls                       # Jobs in due order
  weft jobs ls --failed              # Jobs without retries left
  weft jobs retry <job-id> --retries 3
  weft jobs suspend --instance <process-instance-id>
  weft jobs exec <job-id>            # Run a job now
  weft jobs log                      # Operation log`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

var jobsLsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List jobs",
	RunE:  runJobsLs,
}

var jobsRetryCmd = &cobra.Command{
	Use:   "retry [job-id...]",
	Short: "Set the retries of jobs",
	Long: `Set the retries of the given jobs, or of every job of --instance.
Open incidents stay open until resolved with 'weft incidents resolve'.`,
	RunE: runJobsRetry,
}

var jobsSuspendCmd = &cobra.Command{
	Use:   "suspend [job-id...]",
	Short: "Hide jobs from acquisition",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runJobsSuspended(cmd, args, true)
	},
}

var jobsActivateCmd = &cobra.Command{
	Use:   "activate [job-id...]",
	Short: "Make suspended jobs acquirable again",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runJobsSuspended(cmd, args, false)
	},
}

var jobsExecCmd = &cobra.Command{
	Use:   "exec <job-id>",
	Short: "Run a job now",
	Long: `Run a job's handler immediately, ignoring its due date and suspension.
A job locked by a running executor is refused. A failure is recorded on
the job as if an executor had run it.`,
	Args: cobra.ExactArgs(1),
	RunE: runJobsExec,
}

var jobsLogCmd = &cobra.Command{
	Use:   "log",
	Short: "Show the operation log",
	RunE:  runJobsLog,
}

func init() {
	jobsLsCmd.Flags().String("instance", "", "Only jobs of this process instance")
	jobsLsCmd.Flags().String("type", "", "Only jobs of this type (timer, timer-start, async-continuation)")
	jobsLsCmd.Flags().String("owner", "", "Only jobs locked by this node")
	jobsLsCmd.Flags().Bool("failed", false, "Only jobs without retries left")
	jobsLsCmd.Flags().Bool("suspended", false, "Only suspended jobs")
	jobsLsCmd.Flags().Int("limit", 50, "Maximum number of jobs to display")
	jobsLsCmd.Flags().String("format", formatTable, "Output format: table, json, yaml")

	for _, c := range []*cobra.Command{jobsRetryCmd, jobsSuspendCmd, jobsActivateCmd} {
		c.Flags().String("instance", "", "Select every job of this process instance")
	}
	jobsRetryCmd.Flags().Int("retries", 3, "Retries to set")

	jobsLogCmd.Flags().Int("limit", 20, "Maximum number of entries to display")
	jobsLogCmd.Flags().String("format", formatTable, "Output format: table, json, yaml")

	JobsCmd.AddCommand(jobsLsCmd)
	JobsCmd.AddCommand(jobsRetryCmd)
	JobsCmd.AddCommand(jobsSuspendCmd)
	JobsCmd.AddCommand(jobsActivateCmd)
	JobsCmd.AddCommand(jobsExecCmd)
	JobsCmd.AddCommand(jobsLogCmd)
}

func selectorFrom(cmd *cobra.Command, args []string) (jobexecutor.JobSelector, error) {
	instance, _ := cmd.Flags().GetString("instance")
	if len(args) == 0 && instance == "" {
		return jobexecutor.JobSelector{}, fmt.Errorf("give job ids or --instance")
	}
	if len(args) > 0 && instance != "" {
		return jobexecutor.JobSelector{}, fmt.Errorf("give job ids or --instance, not both")
	}
	return jobexecutor.JobSelector{JobIDs: args, ProcessInstanceID: instance}, nil
}

func runJobsLs(cmd *cobra.Command, args []string) error {
	f := cmd.Flags()
	filter := store.JobFilter{}
	filter.ProcessInstanceID, _ = f.GetString("instance")
	filter.Type, _ = f.GetString("type")
	filter.LockOwner, _ = f.GetString("owner")
	filter.NoRetriesLeft, _ = f.GetBool("failed")
	filter.Limit, _ = f.GetInt("limit")
	if suspended, _ := f.GetBool("suspended"); suspended {
		filter.Suspended = &suspended
	}
	format, _ := f.GetString("format")

	ctx := context.Background()
	eng, err := openEngine(ctx)
	if err != nil {
		return err
	}
	defer eng.Close()

	jobs, err := eng.Jobs(ctx, filter)
	if err != nil {
		return fmt.Errorf("failed to list jobs: %w", err)
	}
	return render(format, jobs, func() error {
		if len(jobs) == 0 {
			fmt.Printf("%s No jobs found\n", sym.Jobs)
			return nil
		}
		if err := renderTable(jobTable(jobs)); err != nil {
			return err
		}
		fmt.Printf("\nTotal: %d job(s)\n", len(jobs))
		return nil
	})
}

func jobTable(jobs []*entity.Job) pterm.TableData {
	data := pterm.TableData{{"JOB ID", "TYPE", "ACTIVITY", "DUE", "RETRIES", "LOCK", "STATE"}}
	for _, j := range jobs {
		state := "ready"
		switch {
		case j.Suspended:
			state = "suspended"
		case j.Retries == 0:
			state = pterm.Red("failed")
		case j.LockOwner != "":
			state = "locked"
		}
		data = append(data, []string{
			truncate(j.ID, 36),
			j.Type,
			orDash(j.ActivityID),
			formatTime(j.DueDate),
			strconv.Itoa(j.Retries),
			orDash(truncate(j.LockOwner, 12)),
			state,
		})
	}
	return data
}

func runJobsRetry(cmd *cobra.Command, args []string) error {
	sel, err := selectorFrom(cmd, args)
	if err != nil {
		return err
	}
	retries, _ := cmd.Flags().GetInt("retries")

	ctx := operatorContext(context.Background())
	eng, err := openEngine(ctx)
	if err != nil {
		return err
	}
	defer eng.Close()

	n, err := eng.SetJobRetries(ctx, sel, retries)
	if err != nil {
		return err
	}
	pterm.Success.Printfln("%s Set retries to %d on %d job(s)", sym.Jobs, retries, n)
	return nil
}

func runJobsSuspended(cmd *cobra.Command, args []string, suspend bool) error {
	sel, err := selectorFrom(cmd, args)
	if err != nil {
		return err
	}

	ctx := operatorContext(context.Background())
	eng, err := openEngine(ctx)
	if err != nil {
		return err
	}
	defer eng.Close()

	var n int
	verb := "Suspended"
	if suspend {
		n, err = eng.SuspendJobs(ctx, sel)
	} else {
		n, err = eng.ActivateJobs(ctx, sel)
		verb = "Activated"
	}
	if err != nil {
		return err
	}
	pterm.Success.Printfln("%s %s %d job(s)", sym.Jobs, verb, n)
	return nil
}

func runJobsExec(cmd *cobra.Command, args []string) error {
	ctx := operatorContext(context.Background())
	eng, err := openEngine(ctx)
	if err != nil {
		return err
	}
	defer eng.Close()

	if err := eng.ExecuteJobNow(ctx, args[0]); err != nil {
		pterm.Error.Printfln("%s Job %s failed: %v", sym.Fail, args[0], err)
		return err
	}
	pterm.Success.Printfln("%s Job %s executed", sym.Ok, args[0])
	return nil
}

func runJobsLog(cmd *cobra.Command, args []string) error {
	limit, _ := cmd.Flags().GetInt("limit")
	format, _ := cmd.Flags().GetString("format")

	ctx := context.Background()
	eng, err := openEngine(ctx)
	if err != nil {
		return err
	}
	defer eng.Close()

	entries, err := eng.OperationLog(ctx, limit)
	if err != nil {
		return err
	}
	return render(format, entries, func() error {
		if len(entries) == 0 {
			fmt.Printf("%s Operation log is empty\n", sym.Jobs)
			return nil
		}
		data := pterm.TableData{{"WHEN", "OPERATION", "ENTITY", "COUNT", "USER", "DETAILS"}}
		for _, e := range entries {
			target := e.TargetID
			if target == "" {
				target = "(" + string(e.EntityKind) + " summary)"
			}
			data = append(data, []string{
				formatTime(e.CreatedAt),
				e.Operation,
				truncate(target, 36),
				strconv.Itoa(e.AffectedCount),
				orDash(e.UserID),
				orDash(e.Details),
			})
		}
		return renderTable(data)
	})
}
