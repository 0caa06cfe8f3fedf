package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

// NewPhaseRuleCommand prints the experiment rule one phase of an experiment
// document converts into.
func NewPhaseRuleCommand(rootOpts *RootOptions) *cobra.Command {
	var (
		definitions string
		phase       int
	)

	cmd := &cobra.Command{
		Use:   "phase-rule <experiment-id>",
		Short: "Show the rule an experiment phase compiles to",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			bundle, _, err := loadBundle(definitions)
			if err != nil {
				return err
			}

			for _, experiment := range bundle.Experiments {
				if experiment.ID != args[0] {
					continue
				}
				rule, err := experiment.Rule(phase)
				if err != nil {
					return err
				}
				return write(rootOpts, cmd.OutOrStdout(), rule, nil)
			}
			return fmt.Errorf("experiment %q not found in %s", args[0], definitions)
		},
	}

	cmd.Flags().StringVarP(&definitions, "definitions", "d", "", "definitions bundle (JSON or YAML)")
	cmd.Flags().IntVar(&phase, "phase", -1, "phase index, negative for the last phase")
	_ = cmd.MarkFlagRequired("definitions")

	return cmd
}
