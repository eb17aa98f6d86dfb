package cli

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
)

// NewTaskCmd создаёт группу команд для отдельных tasks.
func NewTaskCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "task",
		Short: "Inspect, retry or undo a single task",
	}

	cmd.AddCommand(
		newTaskShowCmd(clientFn, outputFn),
		newTaskRetryCmd(clientFn, outputFn),
		newTaskUndoCmd(clientFn, outputFn),
	)

	return cmd
}

func newTaskShowCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "show ID",
		Short: "Show a task with its full error traceback",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			detail, err := client.GetTask(args[0])
			if err != nil {
				return err
			}

			if out.jsonMode {
				out.JSON(detail)
				return nil
			}

			out.Fields(taskFields(detail))
			if detail.Task.Error != "" {
				fmt.Fprintf(out.w, "\nTraceback:\n%s\n", detail.Task.Error)
			}
			return nil
		},
	}
}

func newTaskRetryCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	var run bool

	cmd := &cobra.Command{
		Use:   "retry ID",
		Short: "Run a task again in a new attempt of its step",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			retry, err := client.RetryTask(args[0], run)
			if err != nil {
				return err
			}

			out.Done(retry, attemptSummary(retry.Retry, "Nothing to retry")+runSummary(retry.Run))
			return nil
		},
	}

	cmd.Flags().BoolVar(&run, "run", false, "Start the new attempt right away")

	return cmd
}

func newTaskUndoCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	var run bool

	cmd := &cobra.Command{
		Use:   "undo ID",
		Short: "Undo a succeeded task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			undo, err := client.UndoTask(args[0], run)
			if err != nil {
				return err
			}

			out.Done(undo, attemptSummary(undo.Undo, "Nothing to undo")+runSummary(undo.Run))
			return nil
		},
	}

	cmd.Flags().BoolVar(&run, "run", false, "Start the undo right away")

	return cmd
}

// taskFields строит карточку task для task show.
func taskFields(d *TaskDetailResponse) [][2]string {
	t := d.Task
	kind := "forward"
	if t.Undo {
		kind = "undo"
	}
	return [][2]string{
		{"Task", t.ID},
		{"Name", t.Name},
		{"Kind", kind},
		{"Step", d.StepName + " " + t.StepID},
		{"Position", strconv.Itoa(t.Position)},
		{"Status", stepStatus(t.Status, d.Undone)},
		{"Attempt", fmt.Sprintf("#%d %s", d.Attempt.Seq, d.Attempt.Reason)},
		{"Effective", strconv.FormatBool(d.Effective)},
		{"Deliveries", strconv.Itoa(t.Deliveries)},
	}
}
