package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/weft/am"
	"github.com/teranos/weft/engine"
	"github.com/teranos/weft/entity"
	"github.com/teranos/weft/execution"
	"github.com/teranos/weft/internal/telemetry"
	"github.com/teranos/weft/metrics"
	"github.com/teranos/weft/store"
	"github.com/teranos/weft/sym"
)

// DemoCmd represents the demo command
var DemoCmd = &cobra.Command{
	Use:   "demo",
	Short: sym.Short("demo"),
	Long: sym.Demo + ` demo — run the sample processes end to end

Starts a job executor on an in-memory database (or --db) and runs:
  a small invoice that is booked without approval
  a large invoice that waits for approval and is signalled
  a payment reminder with a timer and a parallel fan-out
  a payment with a declined card that ends in an incident

Example:
  weft demo
  weft demo --db demo.db --timeout 30s`,
	RunE: runDemo,
}

func init() {
	DemoCmd.Flags().String("db", ":memory:", "Database path")
	DemoCmd.Flags().Duration("timeout", 20*time.Second, "Give up waiting after this long")
}

func runDemo(cmd *cobra.Command, args []string) error {
	loaded, err := am.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	cfg := *loaded
	cfg.Database.Path, _ = cmd.Flags().GetString("db")
	cfg.JobExecutor.Enabled = true
	cfg.JobExecutor.AcquisitionInterval = 100 * time.Millisecond
	cfg.JobExecutor.BackoffBase = 100 * time.Millisecond
	cfg.Engine.DefaultJobRetries = 1
	timeout, _ := cmd.Flags().GetDuration("timeout")

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	shutdownTelemetry, err := telemetry.Setup(ctx, cfg.Telemetry)
	if err != nil {
		return err
	}
	defer shutdownTelemetry(context.Background())

	eng, err := openEngineWith(ctx, &cfg)
	if err != nil {
		return err
	}
	defer eng.Close()
	if err := eng.Start(ctx); err != nil {
		return err
	}
	ctx = operatorContext(ctx)

	pterm.DefaultSection.Println(sym.Demo + " Starting sample instances")
	small, err := startDemo(ctx, eng, InvoiceProcess, "INV-1", map[string]any{"amount": 20, "quantity": 3})
	if err != nil {
		return err
	}
	large, err := startDemo(ctx, eng, InvoiceProcess, "INV-2", map[string]any{"amount": 600, "quantity": 2})
	if err != nil {
		return err
	}
	reminder, err := startDemo(ctx, eng, ReminderProcess, "REM-1", nil)
	if err != nil {
		return err
	}
	payment, err := startDemo(ctx, eng, PaymentProcess, "PAY-1", map[string]any{"card": "declined"})
	if err != nil {
		return err
	}

	approval, err := waitingAt(ctx, eng, large.ID, "approve")
	if err != nil {
		return err
	}
	if _, err := eng.Signal(ctx, approval.ID, map[string]any{"approved_by": "demo"}); err != nil {
		return err
	}
	pterm.Info.Printfln("Approved %s", large.BusinessKey)

	spinner, _ := pterm.DefaultSpinner.Start("Waiting for the job executor")
	for _, root := range []*entity.Execution{small, large, reminder} {
		if _, err := eng.WaitForInstance(ctx, root.ID, 50*time.Millisecond); err != nil {
			spinner.Fail(fmt.Sprintf("%s did not finish: %v", root.BusinessKey, err))
			return err
		}
	}
	if err := waitForIncident(ctx, eng, payment.ID); err != nil {
		spinner.Fail(fmt.Sprintf("%s raised no incident: %v", payment.BusinessKey, err))
		return err
	}
	spinner.Success("All sample instances settled")

	return printDemoReport(context.Background(), eng)
}

func startDemo(ctx context.Context, eng *engine.Engine, key, businessKey string, vars map[string]any) (*entity.Execution, error) {
	root, err := eng.StartProcessInstance(ctx, execution.StartProcessInstanceCmd{
		DefinitionKey: key,
		BusinessKey:   businessKey,
		Variables:     vars,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to start %s: %w", businessKey, err)
	}
	pterm.Info.Printfln("Started %s %s (%s)", key, businessKey, root.ID)
	return root, nil
}

// waitingAt finds the execution of an instance that waits at activityID.
func waitingAt(ctx context.Context, eng *engine.Engine, processInstanceID, activityID string) (*entity.Execution, error) {
	tree, err := eng.Tree(ctx, processInstanceID)
	if err != nil {
		return nil, err
	}
	for _, e := range tree {
		if e.ActivityID == activityID && !e.IsEnded() {
			return e, nil
		}
	}
	return nil, fmt.Errorf("instance %s is not waiting at %s", processInstanceID, activityID)
}

func waitForIncident(ctx context.Context, eng *engine.Engine, processInstanceID string) error {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		incidents, err := eng.Incidents(ctx, store.IncidentFilter{ProcessInstanceID: processInstanceID})
		if err != nil {
			return err
		}
		if len(incidents) > 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func printDemoReport(ctx context.Context, eng *engine.Engine) error {
	roots, err := eng.Instances(ctx, store.InstanceFilter{Limit: -1})
	if err != nil {
		return err
	}
	pterm.DefaultSection.Println(sym.Instances + " Instances")
	if err := renderTable(instanceTable(roots)); err != nil {
		return err
	}

	jobs, err := eng.Jobs(ctx, store.JobFilter{Limit: -1})
	if err != nil {
		return err
	}
	pterm.DefaultSection.Println(sym.Jobs + " Jobs")
	if len(jobs) == 0 {
		fmt.Println("No jobs left")
	} else if err := renderTable(jobTable(jobs)); err != nil {
		return err
	}

	incidents, err := eng.Incidents(ctx, store.IncidentFilter{Limit: -1})
	if err != nil {
		return err
	}
	pterm.DefaultSection.Println(sym.Incidents + " Incidents")
	if err := renderTable(incidentTable(incidents)); err != nil {
		return err
	}

	m := eng.Metrics()
	pterm.DefaultSection.Println(sym.Executor + " Metrics")
	data := pterm.TableData{{"METRIC", "VALUE"}}
	for _, name := range []string{
		metrics.CommandsExecuted,
		metrics.CommandsRetried,
		metrics.JobsAcquired,
		metrics.JobsExecuted,
		metrics.JobsFailed,
		metrics.IncidentsCreated,
	} {
		data = append(data, []string{name, fmt.Sprint(m.Value(name))})
	}
	return renderTable(data)
}
