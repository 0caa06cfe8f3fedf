package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/matt-riley/bucketz/internal/core"
	"github.com/matt-riley/bucketz/internal/snapshot"
)

type evalOptions struct {
	definitions string
	environment string
	feature     string
	experiment  string
	attributes  string
	draft       bool
	trace       bool
}

// NewEvalCommand evaluates one feature or experiment against a local
// definitions file, exactly as the server would.
func NewEvalCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &evalOptions{}

	cmd := &cobra.Command{
		Use:   "eval",
		Short: "Evaluate a feature or experiment from a definitions file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEval(rootOpts, opts, cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVarP(&opts.definitions, "definitions", "d", "", "definitions bundle (JSON or YAML)")
	cmd.Flags().StringVarP(&opts.environment, "environment", "e", "production", "environment to evaluate in")
	cmd.Flags().StringVarP(&opts.feature, "feature", "f", "", "feature key")
	cmd.Flags().StringVar(&opts.experiment, "experiment", "", "standalone experiment id")
	cmd.Flags().StringVarP(&opts.attributes, "attributes", "a", "{}", "attributes as a JSON object")
	cmd.Flags().BoolVar(&opts.draft, "draft", false, "evaluate draft definitions")
	cmd.Flags().BoolVar(&opts.trace, "trace", false, "include skipped rules")
	_ = cmd.MarkFlagRequired("definitions")
	cmd.MarkFlagsMutuallyExclusive("feature", "experiment")
	cmd.MarkFlagsOneRequired("feature", "experiment")

	return cmd
}

func runEval(rootOpts *RootOptions, opts *evalOptions, w io.Writer) error {
	bundle, revision, err := loadBundle(opts.definitions)
	if err != nil {
		return err
	}

	var attributes core.Attributes
	if err := json.Unmarshal([]byte(opts.attributes), &attributes); err != nil {
		return fmt.Errorf("parse attributes: %w", err)
	}

	snap := snapshot.Build(bundle, revision)

	var evalOpts []core.EvalOption
	if opts.trace {
		evalOpts = append(evalOpts, core.WithTrace())
	}

	var result core.Result
	if opts.experiment != "" {
		result = core.EvaluateFeature(snap.Experiments[opts.experiment], attributes, evalOpts...)
	} else {
		state := snapshot.StatePublished
		if opts.draft {
			state = snapshot.StateDraft
		}
		feature, ok := snap.Feature(opts.environment, opts.feature, state)
		if !ok {
			return errors.New("unknown environment " + opts.environment)
		}
		result = core.EvaluateFeature(feature, attributes, evalOpts...)
	}

	return write(rootOpts, w, result, func(w io.Writer) error {
		return writeResultText(w, result)
	})
}

func writeResultText(w io.Writer, result core.Result) error {
	value, err := result.Value.MarshalJSON()
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "value:  %s\nsource: %s\n", value, result.Source)
	if result.RuleIndex != nil {
		fmt.Fprintf(w, "rule:   %d", *result.RuleIndex)
		if result.RuleID != "" {
			fmt.Fprintf(w, " (%s)", result.RuleID)
		}
		fmt.Fprintln(w)
	}
	if meta := result.Experiment; meta != nil {
		fmt.Fprintf(w, "experiment: %s variation=%d inExperiment=%t hash=%v %s=%s\n",
			meta.Key, meta.VariationIndex, meta.InExperiment, meta.HashUsed, meta.HashAttribute, meta.HashValue)
	}
	for _, step := range result.Trace {
		fmt.Fprintf(w, "skipped rule %d: %s", step.RuleIndex, step.Reason)
		if step.Error != "" {
			fmt.Fprintf(w, " (%s)", step.Error)
		}
		fmt.Fprintln(w)
	}
	return nil
}
