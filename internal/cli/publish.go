package cli

import (
	"errors"
	"fmt"
	"io"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/matt-riley/bucketz/internal/payload"
	"github.com/matt-riley/bucketz/internal/source"
)

type publishOptions struct {
	definitions  string
	databaseURL  string
	redisURL     string
	redisKey     string
	redisChannel string
}

type publishOutput struct {
	Target      string `json:"target"`
	Revision    string `json:"revision"`
	Features    int    `json:"features"`
	Experiments int    `json:"experiments"`
}

// NewPublishCommand pushes a definitions file to Redis or Postgres. Running
// servers pick it up through their subscription.
func NewPublishCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &publishOptions{}

	cmd := &cobra.Command{
		Use:   "publish",
		Short: "Publish a definitions file to Redis or Postgres",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			bundle, revision, err := loadBundle(opts.definitions)
			if err != nil {
				return err
			}

			out := publishOutput{
				Revision:    revision,
				Features:    len(bundle.Features),
				Experiments: len(bundle.Experiments),
			}

			switch {
			case opts.redisURL != "":
				redisOpts, err := redis.ParseURL(opts.redisURL)
				if err != nil {
					return fmt.Errorf("parse redis url: %w", err)
				}
				client := redis.NewClient(redisOpts)
				defer client.Close()

				// Redis stores the bundle re-encoded as JSON so servers never
				// depend on the format of the file it came from.
				encoded, err := payload.Encode(bundle)
				if err != nil {
					return err
				}
				src := source.NewRedisSource(client, opts.redisKey, opts.redisChannel)
				if out.Revision, err = src.Publish(cmd.Context(), encoded); err != nil {
					return err
				}
				out.Target = src.Name()

			case opts.databaseURL != "":
				repo, closePool, err := openRepository(cmd.Context(), opts.databaseURL)
				if err != nil {
					return err
				}
				defer closePool()

				if err := repo.ImportBundle(cmd.Context(), bundle); err != nil {
					return err
				}
				out.Target = repo.Name()

			default:
				return errors.New("one of --redis-url or --database-url is required")
			}

			return write(rootOpts, cmd.OutOrStdout(), out, func(w io.Writer) error {
				_, err := fmt.Fprintf(w, "published %d features and %d experiments to %s (revision %s)\n",
					out.Features, out.Experiments, out.Target, out.Revision)
				return err
			})
		},
	}

	cmd.Flags().StringVarP(&opts.definitions, "definitions", "d", "", "definitions bundle (JSON or YAML)")
	cmd.Flags().StringVar(&opts.redisURL, "redis-url", "", "publish to the Redis server at this URL")
	cmd.Flags().StringVar(&opts.redisKey, "redis-key", "bucketz:definitions", "Redis key holding the bundle")
	cmd.Flags().StringVar(&opts.redisChannel, "redis-channel", "bucketz:definitions:updated", "Redis channel notified on publish")
	addDatabaseFlag(cmd, &opts.databaseURL)
	_ = cmd.MarkFlagRequired("definitions")

	return cmd
}
