package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/pedrosland/chatkit/internal/app"
	"github.com/pedrosland/chatkit/internal/model"
	"github.com/pedrosland/chatkit/internal/session"
	"github.com/pedrosland/chatkit/internal/transport"
	"go.uber.org/fx"
)

func main() {
	sessionFlag := flag.String("session", "", "session name (overrides config default)")
	flag.Parse()

	sessionName := session.Resolve(*sessionFlag)
	if err := session.ValidateName(sessionName); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	// The dev daemon runs against the loopback backend; a production host
	// embeds app.Module with its real transport stack instead.
	backend := transport.NewLoopback()
	backend.SeedUser(model.UserProfile{ID: 2, FullName: "Demo Contact", Login: "demo"})
	backend.SeedLastActivity(2, 10)

	fxApp := fx.New(
		app.Module(
			app.Params{SessionName: sessionName},
			app.Collaborators{
				Transport: backend,
				Storage:   backend,
				Directory: backend,
				Privacy:   backend,
			},
		),
	)

	fxApp.Run()
}
