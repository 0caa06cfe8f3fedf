package cli

import (
	"fmt"
	"io"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/matt-riley/bucketz/internal/core"
)

type hashOutput struct {
	Seed      string  `json:"seed"`
	Value     string  `json:"value"`
	Version   int     `json:"version"`
	Hash      float64 `json:"hash"`
	Variation *int    `json:"variation,omitempty"`
}

func NewHashCommand(rootOpts *RootOptions) *cobra.Command {
	var (
		seed     string
		version  int
		variants int
	)

	cmd := &cobra.Command{
		Use:   "hash <value>",
		Short: "Print the bucketing hash of a value",
		Long: `Print the bucketing hash of a hash attribute value for a seed.

With --variations the value is also placed into that many equally weighted
variations, which is how an experiment without explicit weights splits.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			hashVersion := core.HashVersion(version)
			h, ok := core.Hash(seed, args[0], hashVersion)
			if !ok {
				return fmt.Errorf("unknown hash version %d", version)
			}

			out := hashOutput{Seed: seed, Value: args[0], Version: version, Hash: h}
			if variants > 0 {
				if idx, ok := core.SelectVariation(core.EqualWeights(variants), 1, h); ok {
					out.Variation = &idx
				}
			}

			return write(rootOpts, cmd.OutOrStdout(), out, func(w io.Writer) error {
				line := strconv.FormatFloat(h, 'g', -1, 64)
				if out.Variation != nil {
					line += " variation=" + strconv.Itoa(*out.Variation)
				}
				_, err := fmt.Fprintln(w, line)
				return err
			})
		},
	}

	cmd.Flags().StringVar(&seed, "seed", "", "hash seed, usually the experiment key")
	cmd.Flags().IntVar(&version, "version", int(core.DefaultHashVersion), "hash version (1 or 2)")
	cmd.Flags().IntVar(&variants, "variations", 0, "number of equally weighted variations")

	return cmd
}
