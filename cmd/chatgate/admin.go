package main

import (
	"fmt"
	"os"
	"strconv"
	"text/tabwriter"
	"time"

	"chatgate/internal/config"
	"chatgate/internal/security"
	"chatgate/internal/store"

	"github.com/spf13/cobra"
)

// openStore loads the config and opens its database. channelID, when set,
// must name a configured channel.
func openStore(channelID string) (*config.Config, *store.SQLiteStore, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	if channelID != "" && !hasChannel(cfg, channelID) {
		return nil, nil, fmt.Errorf("channel %q is not configured", channelID)
	}
	db, err := store.NewSQLiteStore(cfg.Storage.DBPath, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("store: %w", err)
	}
	return cfg, db, nil
}

func hasChannel(cfg *config.Config, id string) bool {
	for _, ch := range cfg.Channels {
		if ch.ID == id {
			return true
		}
	}
	return false
}

func pairCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "pair <channel-id>",
		Short: "Issue a one-time pairing code for a channel",
		Long:  "Prints a 6-character code. A sender who messages it to the bot on a pairing-policy channel is added to that channel's allowlist.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, db, err := openStore(args[0])
			if err != nil {
				return err
			}
			defer db.Close()

			ps := security.NewPairingService(security.PairingConfig{
				Store:  db,
				TTL:    time.Duration(cfg.Security.PairingTTLMinutes) * time.Minute,
				Logger: logger,
			})
			code, err := ps.GenerateCode(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Printf("Pairing code for %s: %s\n", args[0], code.Code)
			fmt.Printf("Valid until %s. Any previous code for this channel no longer works.\n", code.ExpiresAt.Format(time.RFC3339))
			return nil
		},
	}
}

func allowlistCmd() *cobra.Command {
	var add string
	cmd := &cobra.Command{
		Use:   "allowlist <channel-id>",
		Short: "Show or extend a channel's sender allowlist",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, db, err := openStore(args[0])
			if err != nil {
				return err
			}
			defer db.Close()

			ctx := cmd.Context()
			if add != "" {
				if err := db.AddToAllowlist(ctx, args[0], add); err != nil {
					return err
				}
				logger.Info("sender allowlisted", "channel", args[0], "sender_id", add)
			}
			senders, err := db.Allowlist(ctx, args[0])
			if err != nil {
				return err
			}
			if len(senders) == 0 {
				fmt.Printf("No allowlisted senders for %s.\n", args[0])
				return nil
			}
			for _, s := range senders {
				fmt.Println(s)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&add, "add", "", "sender id to add before listing")
	return cmd
}

func keysCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keys",
		Short: "Manage gateway API keys",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "create <name>",
		Short: "Create a gateway API key (shown once)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, db, err := openStore("")
			if err != nil {
				return err
			}
			defer db.Close()

			key, rec, err := db.CreateAPIKey(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Printf("Created key %d (%s):\n\n  %s\n\nStore it now; it cannot be shown again.\n", rec.ID, rec.Name, key)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List active gateway API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, db, err := openStore("")
			if err != nil {
				return err
			}
			defer db.Close()

			keys, err := db.ListAPIKeys(cmd.Context())
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tNAME\tCREATED")
			for _, k := range keys {
				fmt.Fprintf(tw, "%d\t%s\t%s\n", k.ID, k.Name, k.CreatedAt.Format(time.RFC3339))
			}
			return tw.Flush()
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "revoke <id>",
		Short: "Revoke a gateway API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid key id %q", args[0])
			}
			_, db, err := openStore("")
			if err != nil {
				return err
			}
			defer db.Close()

			if err := db.RevokeAPIKey(cmd.Context(), id); err != nil {
				return err
			}
			fmt.Printf("Revoked key %d.\n", id)
			return nil
		},
	})

	return cmd
}
