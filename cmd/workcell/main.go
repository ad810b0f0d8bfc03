// Package main implements the workcell CLI.
package main

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/amonks/workcell/internal/config"
	"github.com/amonks/workcell/internal/paths"
	"github.com/amonks/workcell/server"
	"github.com/spf13/cobra"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		var exitErr interface{ ExitCode() int }
		if errors.As(err, &exitErr) {
			os.Exit(exitErr.ExitCode())
		}
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:               "workcell",
	Short:             "Run coding agents in short-lived dev containers",
	SilenceUsage:      true,
	PersistentPreRunE: loadConfig,
}

var (
	cfg      *config.Config
	rootAddr string
)

func init() {
	rootCmd.PersistentFlags().StringVar(&rootAddr, "addr", "", "Server address (default from $WORKCELL_ADDR or server.addr)")
}

func loadConfig(cmd *cobra.Command, _ []string) error {
	if cfg != nil {
		return nil
	}
	cwd, err := paths.WorkingDir()
	if err != nil {
		return err
	}
	loaded, err := config.Load(cwd)
	if err != nil {
		return err
	}
	cfg = loaded
	return nil
}

// serverAddr resolves the address in flag, environment, config order.
func serverAddr() string {
	if addr := strings.TrimSpace(rootAddr); addr != "" {
		return addr
	}
	if addr := strings.TrimSpace(os.Getenv("WORKCELL_ADDR")); addr != "" {
		return addr
	}
	return cfg.Server.Addr
}

func newClient() *server.Client {
	return server.NewClient(serverAddr())
}

// resolveUser picks the acting user from the flag, then config, then $USER.
func resolveUser(flag string) (string, error) {
	for _, candidate := range []string{flag, cfg.Session.User, os.Getenv("USER")} {
		if user := strings.TrimSpace(candidate); user != "" {
			return user, nil
		}
	}
	return "", fmt.Errorf("user is required: pass --user or set session.user")
}
