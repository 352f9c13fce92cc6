package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/onboardly/comms/internal/config"
	"github.com/onboardly/comms/internal/daemon"
	"github.com/onboardly/comms/internal/session"
	"go.uber.org/fx"
)

func main() {
	sessionFlag := flag.String("session", "", "session name (overrides config default)")
	userFlag := flag.String("user", "", "portal user id (defaults to the session name)")
	flag.Parse()

	cfg, err := config.Load(session.ConfigPath())
	if err != nil {
		cfg = config.Default()
	}

	sessionName := *sessionFlag
	if sessionName == "" {
		sessionName = cfg.DefaultSession
	}
	if err := session.ValidateName(sessionName); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	userID := *userFlag
	if userID == "" {
		userID = sessionName
	}

	app := fx.New(
		daemon.Module(daemon.Params{
			SessionName: sessionName,
			UserID:      userID,
			Config:      cfg,
		}),
	)

	app.Run()
}
