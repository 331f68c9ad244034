package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/matheus3301/matchsync/internal/config"
	"github.com/matheus3301/matchsync/internal/daemon"
	"github.com/matheus3301/matchsync/internal/session"
	"go.uber.org/fx"
)

func main() {
	sessionFlag := flag.String("session", "", "session name (overrides config default)")
	configFlag := flag.String("config", "", "config file (default ~/.matchsync/config.toml)")
	flag.Parse()

	sessionName := session.Resolve(*sessionFlag)
	if err := session.ValidateName(sessionName); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	p := daemon.Params{SessionName: sessionName}
	if *configFlag != "" {
		if _, err := os.Stat(*configFlag); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		cfg, err := config.LoadOrDefault(*configFlag)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		p.Config = cfg
	}

	app := fx.New(
		daemon.Module(p),
	)

	app.Run()
}
