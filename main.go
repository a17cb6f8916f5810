package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	directchat "github.com/putto11262002/directchat/app"
)

func main() {
	configDir := flag.String("config", ".", "directory containing config.yaml")
	envFiles := flag.String("env", ".env", "comma separated list of env files to load")
	flag.Parse()

	loader := &directchat.FileConfigLoader{
		Paths:    []string{*configDir},
		EnvFiles: strings.Split(*envFiles, ","),
	}
	config, err := loader.Load()
	if err != nil {
		failed(1, "failed to load config: %v\n", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(),
		syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT, syscall.SIGHUP)
	defer stop()

	app, err := directchat.New(ctx, config)
	if err != nil {
		failed(1, "%v\n", err)
	}

	if err := app.Start(); err != nil {
		failed(1, "app exit: %v\n", err)
	}
}

func failed(code int, s string, args ...interface{}) {
	fmt.Printf(s, args...)
	os.Exit(code)
}
