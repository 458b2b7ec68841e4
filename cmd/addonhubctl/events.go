package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cordum/addonhub/core/infra/bus"
)

func runEventsCmd(args []string) {
	fs := flag.NewFlagSet("events", flag.ExitOnError)
	natsURL := fs.String("nats", envOr("NATS_URL", "nats://localhost:4222"), "nats url")
	subject := fs.String("subject", bus.EventSubjects, "subject filter")
	if err := fs.Parse(args); err != nil {
		fail(err.Error())
	}

	nb, err := bus.NewNatsBus(*natsURL)
	check(err)
	defer nb.Close()

	check(nb.Subscribe(*subject, "", func(subject string, data []byte) error {
		if _, err := fmt.Printf("%s %s\n", subject, data); err != nil {
			return bus.RetryAfter(err, time.Second)
		}
		return nil
	}))
	fmt.Fprintf(os.Stderr, "listening on %s (%s)\n", *subject, nb.ConnectedURL())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()
}
