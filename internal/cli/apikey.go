package cli

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/matt-riley/bucketz/internal/middleware"
)

type apiKeyOutput struct {
	ID    string `json:"id"`
	Token string `json:"token"`
	// StaticEntry is the API_KEYS entry for servers without a database.
	StaticEntry string `json:"staticEntry,omitempty"`
}

func NewAPIKeyCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "apikey",
		Short: "Manage API keys",
	}
	cmd.AddCommand(newAPIKeyCreateCommand(rootOpts))
	return cmd
}

// newAPIKeyCreateCommand stores a new key in Postgres, or with --static
// prints an id:hash entry for the API_KEYS variable instead.
func newAPIKeyCreateCommand(rootOpts *RootOptions) *cobra.Command {
	var (
		databaseURL string
		name        string
		static      bool
	)

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key; the secret is shown once",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var out apiKeyOutput
			if static {
				var err error
				if out, err = newStaticAPIKey(name); err != nil {
					return err
				}
			} else {
				repo, closePool, err := openRepository(cmd.Context(), databaseURL)
				if err != nil {
					return err
				}
				defer closePool()

				id, secret, err := repo.CreateAPIKey(cmd.Context(), name)
				if err != nil {
					return err
				}
				out = apiKeyOutput{ID: id, Token: id + "." + secret}
			}

			return write(rootOpts, cmd.OutOrStdout(), out, func(w io.Writer) error {
				fmt.Fprintf(w, "id:    %s\ntoken: %s\n", out.ID, out.Token)
				if out.StaticEntry != "" {
					fmt.Fprintf(w, "API_KEYS entry: %s\n", out.StaticEntry)
				}
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&name, "name", "", "key name; static keys use it as the key id")
	cmd.Flags().BoolVar(&static, "static", false, "print an API_KEYS entry instead of writing to Postgres")
	addDatabaseFlag(cmd, &databaseURL)

	return cmd
}

func newStaticAPIKey(name string) (apiKeyOutput, error) {
	id := strings.TrimSpace(name)
	if id == "" {
		return apiKeyOutput{}, fmt.Errorf("--name is required with --static")
	}
	if strings.ContainsAny(id, ".:,") {
		return apiKeyOutput{}, fmt.Errorf("static key name %q must not contain '.', ':' or ','", id)
	}

	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return apiKeyOutput{}, fmt.Errorf("generate secret: %w", err)
	}
	secret := hex.EncodeToString(raw)

	hash, err := middleware.HashAPIKey(secret)
	if err != nil {
		return apiKeyOutput{}, err
	}

	return apiKeyOutput{
		ID:          id,
		Token:       id + "." + secret,
		StaticEntry: id + ":" + hash,
	}, nil
}
