package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"relaybot/internal/app"
	"relaybot/internal/config"
)

func main() {
	var (
		cfgPath  string
		envFiles []string
		stopWait time.Duration
	)
	pflag.StringVarP(&cfgPath, "config", "c", "./config.yaml", "path to config (json or yaml)")
	pflag.StringSliceVar(&envFiles, "env-file", []string{".env"}, "dotenv files loaded before the config; missing files are skipped")
	pflag.DurationVar(&stopWait, "stop-timeout", 15*time.Second, "upper bound for graceful shutdown")
	pflag.Parse()

	if err := config.LoadDotEnv(envFiles...); err != nil {
		fmt.Fprintln(os.Stderr, "fatal env:", err)
		os.Exit(1)
	}

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigs)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := app.NewApp(cfgPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
	if err := a.Start(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "fatal start:", err)
		stopCtx, stopCancel := context.WithTimeout(context.Background(), stopWait)
		_ = a.Stop(stopCtx, app.StopFatalError)
		stopCancel()
		os.Exit(1)
	}

	reason := app.StopAppStop
	select {
	case sig := <-sigs:
		reason = app.ReasonFromSignal(sig)
	case <-a.Done():
		if a.Err() != nil {
			reason = app.StopFatalError
		}
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), stopWait)
	defer stopCancel()
	_ = a.Stop(stopCtx, reason)
	if reason == app.StopFatalError {
		fmt.Fprintln(os.Stderr, "fatal:", a.Err())
		stopCancel()
		os.Exit(1)
	}
}
