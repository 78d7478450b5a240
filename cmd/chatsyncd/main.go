package main

import (
	"flag"
	"fmt"
	"os"

	"go.uber.org/fx"

	"github.com/pcastello/chatsync/internal/config"
	"github.com/pcastello/chatsync/internal/daemon"
	"github.com/pcastello/chatsync/internal/profile"
	"github.com/pcastello/chatsync/internal/remote"
)

func main() {
	profileFlag := flag.String("profile", "", "profile name (overrides config default)")
	userFlag := flag.String("user", "", "local user id (overrides config)")
	flag.Parse()

	name := profile.Resolve(*profileFlag)
	if err := profile.ValidateName(name); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	cfg, err := config.LoadWithOverride(profile.ConfigPath(), profile.ProfileConfigPath(name))
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	if *userFlag != "" {
		cfg.UserID = *userFlag
	}
	if cfg.UserID == "" {
		fmt.Fprintln(os.Stderr, "error: no user id, set user_id in config or pass -user")
		os.Exit(1)
	}

	app := fx.New(
		daemon.Module(daemon.Params{
			Profile: name,
			Config:  cfg,
			// Loopback transport runs the daemon against an in-memory
			// remote until a real backend is wired in.
			Transport: remote.NewLoopback(),
		}),
	)

	app.Run()
}
