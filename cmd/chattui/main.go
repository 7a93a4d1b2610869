package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/matheus3301/chatsync/internal/client"
	"github.com/matheus3301/chatsync/internal/config"
	"github.com/matheus3301/chatsync/internal/logging"
	"github.com/matheus3301/chatsync/internal/session"
	"github.com/matheus3301/chatsync/internal/tui"
	flag "github.com/spf13/pflag"
	"go.uber.org/zap"
)

func main() {
	configPath := flag.String("config", session.ConfigPath(), "config file")
	profileFlag := flag.String("profile", "", "profile name (overrides config default)")
	address := flag.String("address", "", "chatd address (overrides client.address)")
	user := flag.String("user", "", "user id (overrides client.user_id)")
	flag.Parse()

	if err := run(*configPath, *profileFlag, *address, *user); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath, profileFlag, address, user string) error {
	cfg, err := config.LoadOrDefault(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if address != "" {
		cfg.Client.Address = address
	}
	if user != "" {
		cfg.Client.UserID = user
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	profile, err := session.Profile(profileFlag, cfg)
	if err != nil {
		return err
	}
	opts, err := client.OptionsFromConfig(cfg)
	if err != nil {
		return err
	}

	// The terminal belongs to tview, so logs only go to the profile file.
	logger := zap.NewNop()
	if err := session.EnsureDir(profile); err == nil {
		if l, err := logging.NewFile(session.LogPath(profile, "chattui"), cfg.Log.Level, opts.Identity.UserID); err == nil {
			logger = l
		}
	}
	defer func() { _ = logger.Sync() }()

	c, err := client.New(opts, logger)
	if err != nil {
		return fmt.Errorf("cannot connect to chatd at %s: %w", opts.Address, err)
	}
	defer func() { _ = c.Close() }()

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	err = c.Start(ctx)
	cancel()
	if err != nil {
		return err
	}
	return tui.NewApp(c, logger).Run()
}
