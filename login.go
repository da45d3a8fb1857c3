package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/tvaisanen/m365-go/internal/auth"
)

func newLoginCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "login",
		Short: "Authenticate using the device code flow",
		RunE:  runLogin,
	}
}

func newLogoutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Remove the saved credential record",
		RunE:  runLogout,
	}
}

func newWhoamiCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "whoami",
		Short: "Display the signed-in account",
		RunE:  runWhoami,
	}
}

func runLogin(cmd *cobra.Command, _ []string) error {
	logger := buildLogger()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	mgr := buildManager(cfg, logger)

	acct, err := mgr.Login(cmd.Context(), func(dc auth.DeviceCode) {
		// Device code prompts must always be visible, whatever the log level.
		fmt.Fprintf(os.Stderr, "%s\n", dc.Message)
	})
	if err != nil {
		return err
	}

	fmt.Printf("Signed in as %s.\n", acct.Username)

	return nil
}

func runLogout(_ *cobra.Command, _ []string) error {
	logger := buildLogger()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	if err := buildManager(cfg, logger).Logout(); err != nil {
		return err
	}

	fmt.Println("Logged out.")

	return nil
}

func runWhoami(_ *cobra.Command, _ []string) error {
	logger := buildLogger()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	mgr := buildManager(cfg, logger)

	label := mgr.AccountLabel()
	if label == "" {
		return &auth.Error{Kind: auth.ErrNotAuthenticated, Message: "no account signed in"}
	}

	fmt.Println(label)

	return nil
}

// isAuthRemediable reports whether err is fixed by re-running login.
func isAuthRemediable(err error) bool {
	return errors.Is(err, auth.ErrNotAuthenticated) || errors.Is(err, auth.ErrReauthRequired)
}
