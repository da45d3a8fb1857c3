package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Check credentials and connectivity",
		RunE:  runStatus,
	}
}

// statusOutput is the JSON schema for `status --json`.
type statusOutput struct {
	Authenticated bool   `json:"authenticated"`
	Account       string `json:"account,omitempty"`
	Reachable     bool   `json:"reachable"`
}

func runStatus(cmd *cobra.Command, _ []string) error {
	logger := buildLogger()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	mgr := buildManager(cfg, logger)
	client := buildClient(cfg, mgr, logger)

	out := statusOutput{
		Authenticated: mgr.IsAuthenticated(),
		Account:       mgr.AccountLabel(),
	}

	pingErr := client.Ping(cmd.Context())
	out.Reachable = pingErr == nil

	if flagJSON {
		data, marshalErr := json.MarshalIndent(out, "", "  ")
		if marshalErr != nil {
			return marshalErr
		}

		fmt.Println(string(data))
	} else {
		fmt.Printf("Authenticated: %v\n", out.Authenticated)

		if out.Account != "" {
			fmt.Printf("Account:       %s\n", out.Account)
		}

		fmt.Printf("Reachable:     %v\n", out.Reachable)
	}

	if pingErr != nil {
		return fmt.Errorf("service unreachable: %w", pingErr)
	}

	if !out.Authenticated {
		return fmt.Errorf("not signed in")
	}

	return nil
}
