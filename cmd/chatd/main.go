package main

import (
	"fmt"
	"os"

	"github.com/matheus3301/chatsync/internal/config"
	"github.com/matheus3301/chatsync/internal/daemon"
	"github.com/matheus3301/chatsync/internal/session"
	"github.com/spf13/pflag"
	"go.uber.org/fx"
)

func main() {
	configPath := pflag.String("config", session.ConfigPath(), "config file")
	dataDir := pflag.String("data-dir", "", "data directory (overrides server.data_dir)")
	listen := pflag.String("listen", "", "gRPC listen address (overrides server.listen)")
	metricsListen := pflag.String("metrics-listen", "", "metrics listen address, empty disables (overrides server.metrics_listen)")
	logLevel := pflag.String("log-level", "", "log level (overrides log.level)")
	pflag.Parse()

	cfg, err := config.LoadOrDefault(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: load config: %v\n", err)
		os.Exit(1)
	}

	p := daemon.Params{
		DataDir:       cfg.Server.DataDir,
		Listen:        cfg.Server.Listen,
		MetricsListen: cfg.Server.MetricsListen,
		LogPath:       cfg.Log.Path,
		LogLevel:      cfg.Log.Level,
	}
	if *dataDir != "" {
		p.DataDir = *dataDir
	}
	if *listen != "" {
		p.Listen = *listen
	}
	if pflag.CommandLine.Changed("metrics-listen") {
		p.MetricsListen = *metricsListen
	}
	if *logLevel != "" {
		p.LogLevel = *logLevel
	}

	app := fx.New(
		daemon.Module(p),
	)

	app.Run()
}
