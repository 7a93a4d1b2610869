package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/matheus3301/chatsync/internal/client"
	"github.com/matheus3301/chatsync/internal/config"
	"github.com/matheus3301/chatsync/internal/logging"
	"github.com/matheus3301/chatsync/internal/session"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

type globals struct {
	configPath string
	profile    string
	address    string
	user       string
	jsonOut    bool
}

func main() {
	g := &globals{}
	root := &cobra.Command{
		Use:           "chatctl",
		Short:         "Command line client for chatd",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	flags := root.PersistentFlags()
	flags.StringVar(&g.configPath, "config", session.ConfigPath(), "config file")
	flags.StringVar(&g.profile, "profile", "", "profile name (overrides config default)")
	flags.StringVar(&g.address, "address", "", "chatd address (overrides client.address)")
	flags.StringVar(&g.user, "user", "", "user id (overrides client.user_id)")
	flags.BoolVar(&g.jsonOut, "json", false, "output in JSON format")

	root.AddCommand(
		conversationsCmd(g),
		createCmd(g),
		historyCmd(g),
		sendCmd(g),
		editCmd(g),
		deleteCmd(g),
		tailCmd(g),
		readCmd(g),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// connect loads the config, applies flag overrides and starts an engine.
func (g *globals) connect(ctx context.Context) (*client.Client, error) {
	cfg, err := config.LoadOrDefault(g.configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if g.address != "" {
		cfg.Client.Address = g.address
	}
	if g.user != "" {
		cfg.Client.UserID = g.user
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	profile, err := session.Profile(g.profile, cfg)
	if err != nil {
		return nil, err
	}
	opts, err := client.OptionsFromConfig(cfg)
	if err != nil {
		return nil, err
	}

	logger := zap.NewNop()
	if err := session.EnsureDir(profile); err == nil {
		if l, err := logging.NewFile(session.LogPath(profile, "chatctl"), cfg.Log.Level, opts.Identity.UserID); err == nil {
			logger = l
		}
	}

	c, err := client.New(opts, logger)
	if err != nil {
		return nil, fmt.Errorf("cannot connect to chatd at %s: %w", opts.Address, err)
	}
	if err := c.Start(ctx); err != nil {
		_ = c.Close()
		return nil, err
	}
	return c, nil
}

func (g *globals) output(v any, text func()) {
	if !g.jsonOut {
		text()
		return
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fmt.Fprintf(os.Stderr, "json encode error: %v\n", err)
	}
}
