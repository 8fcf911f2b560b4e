package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"chatrelay/internal/app"
	"chatrelay/internal/config"
	logx "chatrelay/pkg/logx"
)

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", os.Getenv("RELAY_CONFIG"), "path to config json/yaml (empty: defaults + env)")
	flag.Parse()

	// The configured logger is closed by Stop; fatal exits go through this one.
	boot := logx.NewConsole(os.Getenv("RELAY_LOG_LEVEL"))

	if err := config.LoadDotEnv(); err != nil {
		boot.Error("load .env", logx.Err(err))
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := app.NewApp(cfgPath)
	if err != nil {
		boot.Error("init failed", logx.Err(err))
		os.Exit(1)
	}
	if err := a.Start(ctx); err != nil {
		boot.Error("start failed", logx.Err(err))
		_ = a.Stop(context.Background())
		os.Exit(1)
	}

	select {
	case <-ctx.Done():
	case <-a.Done():
	}
	stopErr := a.Stop(context.Background())
	if err := a.Err(); err != nil {
		boot.Error("relay failed", logx.Err(err))
		os.Exit(1)
	}
	if stopErr != nil {
		boot.Error("stop", logx.Err(stopErr))
		os.Exit(1)
	}
}
