package cli

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/evcraddock/visit-tracker/internal/auth"
)

// API keys are managed on the database directly so the first key can be
// created before anything can authenticate against the server.
func newKeysCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keys",
		Short: "Manage API keys",
		Args:  cobra.NoArgs,
	}

	var owner string
	create := &cobra.Command{
		Use:   "create <name>",
		Short: "Create an API key",
		Long:  "Create an API key and print it once. Store it with 'vt login' or hand it to the event producer.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withAPIKeys(func(keys *auth.APIKeyStore) error {
				raw, key, err := keys.Create(commandContext(cmd), args[0], owner)
				if err != nil {
					return err
				}
				if isJSON() {
					return printJSON(cmd.OutOrStdout(), map[string]interface{}{"key": raw, "api_key": key})
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Created key %d (%s)\n", key.ID, key.Name)
				fmt.Fprintf(cmd.OutOrStdout(), "  %s\n", raw)
				fmt.Fprintln(cmd.OutOrStdout(), "This key will not be shown again.")
				return nil
			})
		},
	}
	create.Flags().StringVar(&owner, "owner", "", "who or what uses the key")

	list := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withAPIKeys(func(keys *auth.APIKeyStore) error {
				list, err := keys.List(commandContext(cmd))
				if err != nil {
					return err
				}
				if isJSON() {
					return printJSON(cmd.OutOrStdout(), list)
				}
				return printAPIKeys(cmd.OutOrStdout(), list)
			})
		},
	}

	del := &cobra.Command{
		Use:   "delete <id>",
		Short: "Revoke an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid key ID: %s", args[0])
			}
			return withAPIKeys(func(keys *auth.APIKeyStore) error {
				if err := keys.Delete(commandContext(cmd), id); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Deleted key %d\n", id)
				return nil
			})
		},
	}

	cmd.AddCommand(create, list, del)
	return cmd
}

func withAPIKeys(fn func(*auth.APIKeyStore) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	database, err := openDB(cfg)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer closeDB(database)

	return fn(auth.NewAPIKeyStore(database))
}
