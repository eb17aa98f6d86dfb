package cli

import (
	"strings"

	"github.com/spf13/cobra"
)

// NewPipelineCmd создаёт группу команд для pipelines.
func NewPipelineCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pipeline",
		Short: "Browse and start pipelines",
	}

	cmd.AddCommand(
		newPipelineListCmd(clientFn, outputFn),
		newPipelineStartCmd(clientFn, outputFn),
	)

	return cmd
}

func newPipelineListCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List pipelines",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			pipelines, err := client.ListPipelines()
			if err != nil {
				return err
			}

			headers := []string{"NAME", "INPUTS", "DESCRIPTION"}
			rows := make([][]string, len(pipelines))
			for i, p := range pipelines {
				inputs := make([]string, len(p.Inputs))
				for j, in := range p.Inputs {
					inputs[j] = in.Name
					if in.Required {
						inputs[j] += "*"
					}
				}
				rows[i] = []string{p.Name, strings.Join(inputs, ","), p.Description}
			}

			out.List(headers, rows, pipelines)
			return nil
		},
	}
}

func newPipelineStartCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	var inputs []string
	var run bool

	cmd := &cobra.Command{
		Use:   "start NAME",
		Short: "Create a step from a pipeline",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			parsed, err := parseInputs(inputs)
			if err != nil {
				return err
			}

			resp, err := client.StartPipeline(args[0], StartPipelineRequest{Inputs: parsed, Run: run})
			if err != nil {
				return err
			}

			out.Done(resp, "Step created: "+resp.StepID+runSummary(resp.Run))
			return nil
		},
	}

	cmd.Flags().StringArrayVar(&inputs, "input", nil, "Input values as KEY=VALUE (repeatable)")
	cmd.Flags().BoolVar(&run, "run", true, "Start the step right after creation")

	return cmd
}
