package main

import (
	"fmt"
	"os"

	messenger "github.com/fourier-hatchways/messenger-go"
)

// getClient creates a messenger client from the stored credentials.
func getClient() (*messenger.Client, *Config) {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if cfg.Auth.Token == "" {
		fmt.Fprintln(os.Stderr, "No session token. Run 'messenger init <token> <user-id>' first.")
		os.Exit(1)
	}

	return messenger.NewClient(cfg.Default.BaseURL, cfg.Auth.Token), cfg
}
