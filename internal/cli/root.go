// Package cli implements bucketctl, the operator command line for bucketz
// definitions: local evaluation, hashing, publishing and key management.
package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"slices"

	"github.com/spf13/cobra"

	"github.com/matt-riley/bucketz/internal/payload"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Format string
}

var validFormats = []string{"text", "json"}

func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "bucketctl",
		Short: "Operate bucketz feature and experiment definitions",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !slices.Contains(validFormats, opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, validFormats)
			}
			return nil
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")

	cmd.AddCommand(NewEvalCommand(opts))
	cmd.AddCommand(NewHashCommand(opts))
	cmd.AddCommand(NewPhaseRuleCommand(opts))
	cmd.AddCommand(NewPublishCommand(opts))
	cmd.AddCommand(NewAPIKeyCommand(opts))
	cmd.AddCommand(NewMigrateCommand(opts))

	return cmd
}

// loadBundle reads a definitions file, picking JSON or YAML from its
// extension. The returned revision matches what the file source reports.
func loadBundle(path string) (payload.Bundle, string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return payload.Bundle{}, "", fmt.Errorf("read definitions: %w", err)
	}
	bundle, err := payload.Decode(data, payload.FormatFromPath(path))
	if err != nil {
		return payload.Bundle{}, "", fmt.Errorf("decode %s: %w", path, err)
	}
	return bundle, payload.Digest(data), nil
}

// write prints v as indented JSON in json mode and calls text otherwise.
func write(opts *RootOptions, w io.Writer, v any, text func(io.Writer) error) error {
	if opts.Format == "json" || text == nil {
		encoder := json.NewEncoder(w)
		encoder.SetIndent("", "  ")
		return encoder.Encode(v)
	}
	return text(w)
}
