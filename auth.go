package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/planwise/plansync/internal/calendar"
	"github.com/planwise/plansync/internal/config"
	"github.com/planwise/plansync/internal/tokenfile"
)

func newLoginCmd() *cobra.Command {
	var account string

	cmd := &cobra.Command{
		Use:   "login",
		Short: "Authenticate with PlanWise using device code flow",
		RunE: func(_ *cobra.Command, _ []string) error {
			return runLogin(account)
		},
	}

	cmd.Flags().StringVar(&account, "account", "", "account identity (e.g., user@example.com)")

	return cmd
}

func runLogin(account string) error {
	logger := buildLogger()
	ctx := context.Background()

	logger.Info("login started", "account", account)

	_, err := calendar.Login(ctx, config.DefaultTokenPath(), account, func(da calendar.DeviceAuth) {
		// Device code prompts must always be visible — not suppressed by --quiet.
		fmt.Fprintf(os.Stderr, "To sign in, visit: %s\n", da.VerificationURI)
		fmt.Fprintf(os.Stderr, "Enter code: %s\n", da.UserCode)
	}, logger)
	if err != nil {
		return err
	}

	statusf("Login successful.\n")

	return nil
}

func newDisconnectCmd() *cobra.Command {
	var purgeToken bool

	cmd := &cobra.Command{
		Use:   "disconnect",
		Short: "Unlink the destination calendar",
		Long: `Clear the cached destination calendar, sync token, and remote snapshot.

The calendar and its events are left untouched. The next sync after a
reconnect starts from a clean full fetch. With --logout, the saved
credentials are removed as well.`,
		RunE: func(_ *cobra.Command, _ []string) error {
			return runDisconnect(purgeToken)
		},
	}

	cmd.Flags().BoolVar(&purgeToken, "logout", false, "also remove saved credentials")

	return cmd
}

func runDisconnect(purgeToken bool) error {
	logger := buildLogger()
	ctx := context.Background()

	env, err := buildEnv(ctx, logger)
	if err != nil {
		return err
	}
	defer env.close()

	if err := env.engine.Disconnect(ctx); err != nil {
		return err
	}

	if purgeToken {
		if err := tokenfile.Delete(config.DefaultTokenPath()); err != nil {
			return err
		}

		statusf("Disconnected and logged out.\n")

		return nil
	}

	statusf("Disconnected.\n")

	return nil
}
