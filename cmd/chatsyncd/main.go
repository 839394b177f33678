package main

import (
	"flag"
	"fmt"
	"os"

	"go.uber.org/fx"

	"github.com/emilAIT/chatsync/internal/engine"
	"github.com/emilAIT/chatsync/internal/session"
)

func main() {
	sessionFlag := flag.String("session", "", "session name (overrides config default)")
	userFlag := flag.String("user", "", "local user id, used to recognize echoed own messages")
	flag.Parse()

	sessionName := session.Resolve(*sessionFlag)
	if err := session.ValidateName(sessionName); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	app := fx.New(
		engine.Module(engine.Params{
			SessionName: sessionName,
			UserID:      *userFlag,
		}),
	)

	app.Run()
}
