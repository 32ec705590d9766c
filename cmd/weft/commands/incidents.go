package commands

import (
	"context"
	"fmt"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/weft/entity"
	"github.com/teranos/weft/store"
	"github.com/teranos/weft/sym"
)

// IncidentsCmd represents the incidents command
var IncidentsCmd = &cobra.Command{
	Use:   "incidents",
	Short: sym.Short("incidents"),
	Long: sym.Incidents + ` incidents — failures waiting for an operator

A job that fails its last retry raises a failedJob incident. A job whose
execution no longer exists raises an inconsistency incident.

Resolving an incident does not touch its job. Give the job retries with
'weft jobs retry' first, then resolve the incident.

Examples:
  weft incidents ls --open
  weft incidents ls --instance <process-instance-id>
  weft incidents resolve <incident-id>`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

var incidentsLsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List incidents",
	RunE:  runIncidentsLs,
}

var incidentsResolveCmd = &cobra.Command{
	Use:   "resolve <incident-id>",
	Short: "Mark an incident resolved",
	Args:  cobra.ExactArgs(1),
	RunE:  runIncidentsResolve,
}

func init() {
	incidentsLsCmd.Flags().String("instance", "", "Only incidents of this process instance")
	incidentsLsCmd.Flags().String("job", "", "Only incidents of this job")
	incidentsLsCmd.Flags().Bool("open", false, "Only open incidents")
	incidentsLsCmd.Flags().Int("limit", 50, "Maximum number of incidents to display")
	incidentsLsCmd.Flags().String("format", formatTable, "Output format: table, json, yaml")

	IncidentsCmd.AddCommand(incidentsLsCmd)
	IncidentsCmd.AddCommand(incidentsResolveCmd)
}

func runIncidentsLs(cmd *cobra.Command, args []string) error {
	f := cmd.Flags()
	filter := store.IncidentFilter{}
	filter.ProcessInstanceID, _ = f.GetString("instance")
	filter.JobID, _ = f.GetString("job")
	filter.Limit, _ = f.GetInt("limit")
	if open, _ := f.GetBool("open"); open {
		filter.State = entity.IncidentOpen
	}
	format, _ := f.GetString("format")

	ctx := context.Background()
	eng, err := openEngine(ctx)
	if err != nil {
		return err
	}
	defer eng.Close()

	incidents, err := eng.Incidents(ctx, filter)
	if err != nil {
		return fmt.Errorf("failed to list incidents: %w", err)
	}
	return render(format, incidents, func() error {
		if len(incidents) == 0 {
			pterm.Success.Println("No incidents")
			return nil
		}
		return renderTable(incidentTable(incidents))
	})
}

func incidentTable(incidents []*entity.Incident) pterm.TableData {
	data := pterm.TableData{{"INCIDENT ID", "TYPE", "JOB", "ACTIVITY", "STATE", "CREATED", "MESSAGE"}}
	for _, in := range incidents {
		state := string(in.State)
		if in.State == entity.IncidentOpen {
			state = pterm.Red(state)
		}
		data = append(data, []string{
			truncate(in.ID, 36),
			string(in.Type),
			orDash(truncate(in.JobID, 36)),
			orDash(in.ActivityID),
			state,
			formatTime(in.CreatedAt),
			truncate(in.Message, 60),
		})
	}
	return data
}

func runIncidentsResolve(cmd *cobra.Command, args []string) error {
	ctx := operatorContext(context.Background())
	eng, err := openEngine(ctx)
	if err != nil {
		return err
	}
	defer eng.Close()

	in, err := eng.ResolveIncident(ctx, args[0])
	if err != nil {
		return err
	}
	pterm.Success.Printfln("%s Incident %s resolved at %s", sym.Ok, in.ID, formatTimePtr(in.ResolvedAt))
	return nil
}
