package commands

import (
	"context"
	"fmt"
	"strings"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/weft/entity"
	"github.com/teranos/weft/execution"
	"github.com/teranos/weft/store"
	"github.com/teranos/weft/sym"
)

// InstancesCmd represents the instances command
var InstancesCmd = &cobra.Command{
	Use:   "instances",
	Short: sym.Short("instances"),
	Long: sym.Instances + ` instances — process instances and their execution trees

Deployed processes: ` + InvoiceProcess + `, ` + ReminderProcess + `, ` + PaymentProcess + `

Variables are given as name=value. Values that parse as JSON keep their
type, so --var amount=20 is a number and --var card=visa a string.

Examples:
  weft instances start invoice --var amount=20 --var quantity=3
  weft instances ls --state active
  weft instances tree <process-instance-id>
  weft instances signal <execution-id> --var approved=true
  weft instances vars <execution-id>
  weft instances terminate <process-instance-id> --reason cancelled`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

var instancesLsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List process instances",
	RunE:  runInstancesLs,
}

var instancesStartCmd = &cobra.Command{
	Use:   "start <process-key>",
	Short: "Start a process instance",
	Args:  cobra.ExactArgs(1),
	RunE:  runInstancesStart,
}

var instancesSignalCmd = &cobra.Command{
	Use:   "signal <execution-id>",
	Short: "Resume an execution waiting in a wait state",
	Args:  cobra.ExactArgs(1),
	RunE:  runInstancesSignal,
}

var instancesVarsCmd = &cobra.Command{
	Use:   "vars <execution-id>",
	Short: "Show the variables visible from an execution",
	Args:  cobra.ExactArgs(1),
	RunE:  runInstancesVars,
}

var instancesTreeCmd = &cobra.Command{
	Use:   "tree <process-instance-id>",
	Short: "Show the execution tree of an instance",
	Args:  cobra.ExactArgs(1),
	RunE:  runInstancesTree,
}

var instancesTerminateCmd = &cobra.Command{
	Use:   "terminate <process-instance-id>",
	Short: "End an instance and delete its jobs",
	Args:  cobra.ExactArgs(1),
	RunE:  runInstancesTerminate,
}

func init() {
	instancesLsCmd.Flags().String("key", "", "Only instances of this process key")
	instancesLsCmd.Flags().String("state", "", "Only instances in this state (active, inactive, ended)")
	instancesLsCmd.Flags().String("business-key", "", "Only instances with this business key")
	instancesLsCmd.Flags().Int("limit", 50, "Maximum number of instances to display")
	instancesLsCmd.Flags().String("format", formatTable, "Output format: table, json, yaml")

	instancesStartCmd.Flags().StringArray("var", nil, "Variable as name=value (repeatable)")
	instancesStartCmd.Flags().String("business-key", "", "Business key of the new instance")
	instancesStartCmd.Flags().String("version", "", "Version constraint, e.g. ^1.0")

	instancesSignalCmd.Flags().StringArray("var", nil, "Variable as name=value (repeatable)")

	instancesVarsCmd.Flags().String("format", formatTable, "Output format: table, json, yaml")
	instancesTreeCmd.Flags().String("format", formatTable, "Output format: table, json, yaml")

	instancesTerminateCmd.Flags().String("reason", "terminated by operator", "Reason recorded on the instance")

	InstancesCmd.AddCommand(instancesLsCmd)
	InstancesCmd.AddCommand(instancesStartCmd)
	InstancesCmd.AddCommand(instancesSignalCmd)
	InstancesCmd.AddCommand(instancesVarsCmd)
	InstancesCmd.AddCommand(instancesTreeCmd)
	InstancesCmd.AddCommand(instancesTerminateCmd)
}

func runInstancesLs(cmd *cobra.Command, args []string) error {
	f := cmd.Flags()
	filter := store.InstanceFilter{}
	filter.DefinitionKey, _ = f.GetString("key")
	filter.BusinessKey, _ = f.GetString("business-key")
	filter.Limit, _ = f.GetInt("limit")
	state, _ := f.GetString("state")
	filter.State = entity.ExecutionState(state)
	format, _ := f.GetString("format")

	ctx := context.Background()
	eng, err := openEngine(ctx)
	if err != nil {
		return err
	}
	defer eng.Close()

	roots, err := eng.Instances(ctx, filter)
	if err != nil {
		return fmt.Errorf("failed to list instances: %w", err)
	}
	return render(format, roots, func() error {
		if len(roots) == 0 {
			fmt.Printf("%s No process instances found\n", sym.Instances)
			return nil
		}
		if err := renderTable(instanceTable(roots)); err != nil {
			return err
		}
		fmt.Printf("\nTotal: %d instance(s)\n", len(roots))
		return nil
	})
}

func instanceTable(roots []*entity.Execution) pterm.TableData {
	data := pterm.TableData{{"INSTANCE ID", "DEFINITION", "BUSINESS KEY", "ACTIVITY", "STATE", "STARTED", "ENDED"}}
	for _, r := range roots {
		data = append(data, []string{
			truncate(r.ID, 36),
			r.ProcessDefinitionID,
			orDash(r.BusinessKey),
			orDash(r.ActivityID),
			stateLabel(r.State),
			formatTime(r.StartedAt),
			formatTimePtr(r.EndedAt),
		})
	}
	return data
}

func stateLabel(s entity.ExecutionState) string {
	switch s {
	case entity.StateEnded:
		return pterm.Gray(string(s))
	case entity.StateActive:
		return pterm.Green(string(s))
	default:
		return string(s)
	}
}

func runInstancesStart(cmd *cobra.Command, args []string) error {
	pairs, _ := cmd.Flags().GetStringArray("var")
	vars, err := parseVars(pairs)
	if err != nil {
		return err
	}
	businessKey, _ := cmd.Flags().GetString("business-key")
	version, _ := cmd.Flags().GetString("version")

	ctx := operatorContext(context.Background())
	eng, err := openEngine(ctx)
	if err != nil {
		return err
	}
	defer eng.Close()

	root, err := eng.StartProcessInstance(ctx, execution.StartProcessInstanceCmd{
		DefinitionKey:     args[0],
		VersionConstraint: version,
		BusinessKey:       businessKey,
		Variables:         vars,
	})
	if err != nil {
		return err
	}
	pterm.Success.Printfln("%s Started %s instance %s (%s)", sym.Ok, root.ProcessDefinitionID, root.ID, root.State)
	if !root.IsEnded() {
		fmt.Println("Jobs created by the start run once a job executor is running: weft executor start")
	}
	return nil
}

func runInstancesSignal(cmd *cobra.Command, args []string) error {
	pairs, _ := cmd.Flags().GetStringArray("var")
	vars, err := parseVars(pairs)
	if err != nil {
		return err
	}

	ctx := operatorContext(context.Background())
	eng, err := openEngine(ctx)
	if err != nil {
		return err
	}
	defer eng.Close()

	exec, err := eng.Signal(ctx, args[0], vars)
	if err != nil {
		return err
	}
	pterm.Success.Printfln("%s Signalled %s, now at %s (%s)", sym.Ok, args[0], orDash(exec.ActivityID), exec.State)
	return nil
}

func runInstancesVars(cmd *cobra.Command, args []string) error {
	format, _ := cmd.Flags().GetString("format")

	ctx := context.Background()
	eng, err := openEngine(ctx)
	if err != nil {
		return err
	}
	defer eng.Close()

	vars, err := eng.Variables(ctx, args[0])
	if err != nil {
		return err
	}
	return render(format, vars, func() error {
		if len(vars) == 0 {
			fmt.Println("No variables")
			return nil
		}
		data := pterm.TableData{{"NAME", "VALUE"}}
		for _, k := range sortedKeys(vars) {
			data = append(data, []string{k, truncate(fmt.Sprint(vars[k]), 80)})
		}
		return renderTable(data)
	})
}

func runInstancesTree(cmd *cobra.Command, args []string) error {
	format, _ := cmd.Flags().GetString("format")

	ctx := context.Background()
	eng, err := openEngine(ctx)
	if err != nil {
		return err
	}
	defer eng.Close()

	tree, err := eng.Tree(ctx, args[0])
	if err != nil {
		return err
	}
	return render(format, tree, func() error {
		return pterm.DefaultTree.WithRoot(treeNode(tree)).Render()
	})
}

// treeNode builds a pterm tree from executions ordered parents first.
func treeNode(execs []*entity.Execution) pterm.TreeNode {
	children := make(map[string][]*entity.Execution)
	var root *entity.Execution
	for _, e := range execs {
		if e.IsRoot() {
			root = e
			continue
		}
		children[e.ParentID] = append(children[e.ParentID], e)
	}
	if root == nil {
		return pterm.TreeNode{Text: "(no executions)"}
	}
	var build func(e *entity.Execution) pterm.TreeNode
	build = func(e *entity.Execution) pterm.TreeNode {
		node := pterm.TreeNode{Text: executionLabel(e)}
		for _, c := range children[e.ID] {
			node.Children = append(node.Children, build(c))
		}
		return node
	}
	return build(root)
}

func executionLabel(e *entity.Execution) string {
	var flags []string
	if e.IsScope {
		flags = append(flags, "scope")
	}
	if e.IsConcurrent {
		flags = append(flags, "concurrent")
	}
	if e.IsEventScope {
		flags = append(flags, "event-scope")
	}
	label := fmt.Sprintf("%s %s [%s]", e.ID, orDash(e.ActivityID), stateLabel(e.State))
	if len(flags) > 0 {
		label += " " + strings.Join(flags, ",")
	}
	return label
}

func runInstancesTerminate(cmd *cobra.Command, args []string) error {
	reason, _ := cmd.Flags().GetString("reason")

	ctx := operatorContext(context.Background())
	eng, err := openEngine(ctx)
	if err != nil {
		return err
	}
	defer eng.Close()

	root, err := eng.Terminate(ctx, args[0], reason)
	if err != nil {
		return err
	}
	pterm.Success.Printfln("%s Terminated %s (%s)", sym.Ok, root.ID, root.State)
	return nil
}
