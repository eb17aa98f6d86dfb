package cli

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// NewStepCmd создаёт группу команд для управления шагами.
func NewStepCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "step",
		Short: "Manage steps",
	}

	cmd.AddCommand(
		newStepListCmd(clientFn, outputFn),
		newStepCreateCmd(clientFn, outputFn),
		newStepShowCmd(clientFn, outputFn),
		newStepRunCmd(clientFn, outputFn),
		newStepRetryCmd(clientFn, outputFn),
		newStepUndoCmd(clientFn, outputFn),
		newStepCancelCmd(clientFn, outputFn),
		newStepTasksCmd(clientFn, outputFn),
		newStepAttemptsCmd(clientFn, outputFn),
		newStepPurgeCmd(clientFn, outputFn),
		newStepDeleteCmd(clientFn, outputFn),
	)

	return cmd
}

func newStepListCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	var active bool
	var limit int

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List root steps",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			opts := ListStepsOpts{Limit: limit}
			if cmd.Flags().Changed("active") {
				opts.Active = &active
			}

			steps, err := client.ListSteps(opts)
			if err != nil {
				return err
			}

			headers := []string{"ID", "NAME", "STATUS", "TASKS", "ACTIVE", "CREATED"}
			rows := make([][]string, len(steps))
			for i, s := range steps {
				rows[i] = []string{s.Step.ID, s.Step.Name, s.Status, strconv.Itoa(s.Tasks), strconv.FormatBool(s.Step.Active), s.Step.CreatedAt}
			}

			out.List(headers, rows, steps)
			return nil
		},
	}

	cmd.Flags().BoolVar(&active, "active", false, "Filter by active flag")
	cmd.Flags().IntVar(&limit, "limit", 0, "Maximum number of results")

	return cmd
}

func newStepCreateCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	var file string
	var name string
	var handlers []string
	var parallel bool
	var run bool

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a step from a YAML/JSON file or a list of handlers",
		Example: `  preingest step create --file ingest.yaml --run
  preingest step create --name smoke --task delay --task transform --parallel`,
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			var spec StepSpec
			switch {
			case file != "":
				loaded, err := readStepSpec(file, cmd.InOrStdin())
				if err != nil {
					return err
				}
				spec = *loaded
			case len(handlers) > 0:
				spec = StepSpec{Name: name}
				for _, h := range handlers {
					spec.Tasks = append(spec.Tasks, TaskSpec{Name: h})
				}
			default:
				return errors.New("either --file or --task is required")
			}

			if cmd.Flags().Changed("name") {
				spec.Name = name
			}
			if cmd.Flags().Changed("parallel") {
				spec.Parallel = parallel
			}
			spec.Run = run

			resp, err := client.CreateStep(spec)
			if err != nil {
				return err
			}

			out.Done(resp, "Step created: "+resp.StepID+runSummary(resp.Run))
			return nil
		},
	}

	cmd.Flags().StringVarP(&file, "file", "f", "", "Step spec file (YAML or JSON, - for stdin)")
	cmd.Flags().StringVar(&name, "name", "", "Step name")
	cmd.Flags().StringArrayVar(&handlers, "task", nil, "Handler name for a task without params (repeatable)")
	cmd.Flags().BoolVar(&parallel, "parallel", false, "Run children in parallel")
	cmd.Flags().BoolVar(&run, "run", false, "Start the step right after creation")

	return cmd
}

func newStepShowCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "show ID",
		Short: "Show step status and children",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			status, err := client.GetStatus(args[0])
			if err != nil {
				return err
			}

			if out.jsonMode {
				out.JSON(status)
				return nil
			}

			out.Fields(stepFields(status))
			fmt.Fprintln(out.w)
			out.table([]string{"POS", "KIND", "NAME", "STATUS", "ID"}, childRows(status.Children))

			if f := status.FirstFailure; f != nil {
				out.Error(fmt.Sprintf("task %s (%s) at position %d failed: %s", f.TaskID, f.Name, f.Position, f.Error))
			}
			return nil
		},
	}
}

func newStepRunCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "run ID",
		Short: "Submit ready tasks of a step to workers",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			run, err := client.RunStep(args[0])
			if err != nil {
				return err
			}

			out.Done(run, strings.TrimPrefix(runSummary(run), "\n"))
			return nil
		},
	}
}

func newStepRetryCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	var positions []int
	var run bool

	cmd := &cobra.Command{
		Use:   "retry ID",
		Short: "Create a new attempt for failed (or selected) children",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			retry, err := client.RetryStep(args[0], RetryRequest{Positions: positions, Run: run})
			if err != nil {
				return err
			}

			out.Done(retry, attemptSummary(retry.Retry, "Nothing to retry")+runSummary(retry.Run))
			return nil
		},
	}

	cmd.Flags().IntSliceVar(&positions, "position", nil, "Child positions to retry (default: all not succeeded)")
	cmd.Flags().BoolVar(&run, "run", false, "Start the new attempt right away")

	return cmd
}

func newStepUndoCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	var positions []int
	var run bool

	cmd := &cobra.Command{
		Use:   "undo ID",
		Short: "Undo succeeded children, last position first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			undo, err := client.UndoStep(args[0], RetryRequest{Positions: positions, Run: run})
			if err != nil {
				return err
			}

			out.Done(undo, attemptSummary(undo.Undo, "Nothing to undo")+runSummary(undo.Run))
			return nil
		},
	}

	cmd.Flags().IntSliceVar(&positions, "position", nil, "Child positions to undo (default: all succeeded)")
	cmd.Flags().BoolVar(&run, "run", false, "Start the undo right away")

	return cmd
}

func newStepCancelCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel ID",
		Short: "Cancel unfinished tasks of a step",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			status, err := client.CancelStep(args[0])
			if err != nil {
				return err
			}

			out.Done(status, fmt.Sprintf("Step cancelled: %s (%s)", status.StepID, status.Status))
			return nil
		},
	}
}

func newStepTasksCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	var attempt string

	cmd := &cobra.Command{
		Use:   "tasks STEP_ID",
		Short: "List tasks of a step, across all attempts",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			tasks, err := client.ListTasks(args[0], attempt)
			if err != nil {
				return err
			}

			headers := []string{"ID", "POS", "NAME", "STATUS", "ATTEMPT_ID", "DELIVERIES", "ERROR"}
			rows := make([][]string, len(tasks))
			for i, t := range tasks {
				rows[i] = []string{t.ID, strconv.Itoa(t.Position), t.Name, t.Status, t.AttemptID, strconv.Itoa(t.Deliveries), t.Error}
			}

			out.List(headers, rows, tasks)
			return nil
		},
	}

	cmd.Flags().StringVar(&attempt, "attempt", "", "Only tasks of this attempt")

	return cmd
}

func newStepAttemptsCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "attempts STEP_ID",
		Short: "List attempts of a step",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			attempts, err := client.ListAttempts(args[0])
			if err != nil {
				return err
			}

			headers := []string{"SEQ", "ID", "REASON", "CREATED"}
			rows := make([][]string, len(attempts))
			for i, a := range attempts {
				rows[i] = []string{strconv.Itoa(a.Seq), a.ID, a.Reason, a.CreatedAt}
			}

			out.List(headers, rows, attempts)
			return nil
		},
	}
}

func newStepPurgeCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "purge STEP_ID ATTEMPT_ID",
		Short: "Delete a superseded attempt and its tasks",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			if err := client.PurgeAttempt(args[0], args[1]); err != nil {
				return err
			}

			out.Info("Attempt purged: " + args[1])
			return nil
		},
	}
}

func newStepDeleteCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "delete ID",
		Short: "Delete a root step with its whole tree",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			if err := client.DeleteStep(args[0]); err != nil {
				return err
			}

			out.Info("Step deleted: " + args[0])
			return nil
		},
	}
}

// readStepSpec читает описание шага из файла. JSON читается как YAML.
func readStepSpec(path string, stdin io.Reader) (*StepSpec, error) {
	var data []byte
	var err error
	if path == "-" {
		data, err = io.ReadAll(stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read spec: %w", err)
	}

	var spec StepSpec
	if err := yaml.Unmarshal(data, &spec); err != nil {
		return nil, fmt.Errorf("invalid spec: %w", err)
	}
	return &spec, nil
}

// childRows строит строки таблицы детей шага.
func childRows(children []ChildResponse) [][]string {
	rows := make([][]string, len(children))
	for i, c := range children {
		var name, id string
		switch {
		case c.Task != nil:
			name, id = c.Task.Name, c.Task.ID
			if c.Task.Undo {
				name += " (undo)"
			}
		case c.Step != nil:
			name, id = c.Step.Name, c.Step.StepID
		}
		rows[i] = []string{strconv.Itoa(c.Position), c.Kind, name, stepStatus(c.Status, c.Undone), id}
	}
	return rows
}

// stepFields строит карточку шага для step show.
func stepFields(s *StatusResponse) [][2]string {
	parent := s.ParentID
	if parent == "" {
		parent = "(root)"
	}
	return [][2]string{
		{"Step", s.StepID},
		{"Name", s.Name},
		{"Parent", parent},
		{"Mode", childMode(s.Parallel)},
		{"Status", stepStatus(s.Status, s.Undone)},
		{"Attempt", fmt.Sprintf("#%d %s", s.Attempt.Seq, s.Attempt.Reason)},
		{"Progress", fmt.Sprintf("%s %d/%d", progressBar(s.Progress.Percent), s.Progress.Succeeded, s.Progress.Total)},
		{"Active", strconv.FormatBool(s.Active)},
	}
}

func stepStatus(status string, undone bool) string {
	if undone {
		return status + " (undone)"
	}
	return status
}

func childMode(parallel bool) string {
	if parallel {
		return "parallel"
	}
	return "sequential"
}

// attemptSummary описывает результат retry/undo.
func attemptSummary(a PlanResponse, none string) string {
	if !a.Created {
		return none
	}
	return fmt.Sprintf("Attempt %d created: %s (%d tasks)", a.Attempt.Seq, a.Attempt.ID, a.Tasks)
}

// runSummary описывает итог запуска, каждая строка с новой строки.
func runSummary(run *RunResponse) string {
	if run == nil {
		return ""
	}

	msg := fmt.Sprintf("\nSubmitted %d task(s)", len(run.Submitted))
	if len(run.Failed) > 0 {
		msg += fmt.Sprintf(", %d failed at dispatch", len(run.Failed))
	}
	if run.Error != "" {
		msg += fmt.Sprintf("\n%d task(s) not delivered, will be retried: %s", len(run.Undelivered), run.Error)
	}
	return msg
}

// parseInputs разбирает KEY=VALUE. Значение читается как YAML-скаляр:
// "true" становится bool, "3" — числом.
func parseInputs(kvs []string) (map[string]any, error) {
	if len(kvs) == 0 {
		return nil, nil
	}

	inputs := make(map[string]any, len(kvs))
	for _, kv := range kvs {
		parts := strings.SplitN(kv, "=", 2)
		if len(parts) != 2 || parts[0] == "" {
			return nil, fmt.Errorf("invalid input format %q, expected KEY=VALUE", kv)
		}

		var value any
		if err := yaml.Unmarshal([]byte(parts[1]), &value); err != nil {
			value = parts[1]
		}
		switch value.(type) {
		case bool, int, float64, string:
		default:
			value = parts[1]
		}
		inputs[parts[0]] = value
	}
	return inputs, nil
}
