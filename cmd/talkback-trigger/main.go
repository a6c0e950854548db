// talkback-trigger publishes a start or stop trigger to a running daemon.
// It exists so hotkey bindings and scripts can drive the pipeline without
// speaking NATS themselves.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/talkback-ai/talkback/internal/protocol"
)

func main() {
	var (
		server     string
		contextKey string
	)

	flag.StringVar(&server, "server", nats.DefaultURL, "NATS server URL")
	flag.StringVar(&contextKey, "context", "", "Application context key for the hint window")
	flag.Parse()

	action := flag.Arg(0)
	var subject string
	switch action {
	case "start":
		subject = protocol.SubjectTriggerStart
	case "stop":
		subject = protocol.SubjectTriggerStop
	default:
		fmt.Fprintf(os.Stderr, "usage: %s [-server url] [-context key] start|stop\n", os.Args[0])
		os.Exit(2)
	}

	conn, err := nats.Connect(server, nats.Name("talkback-trigger"), nats.Timeout(2*time.Second))
	if err != nil {
		fmt.Fprintf(os.Stderr, "connect to %s: %v\n", server, err)
		os.Exit(1)
	}
	defer conn.Close()

	payload, err := json.Marshal(protocol.TriggerEvent{
		Context:   contextKey,
		Timestamp: time.Now().UTC(),
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "encode trigger: %v\n", err)
		os.Exit(1)
	}

	if err := conn.Publish(subject, payload); err != nil {
		fmt.Fprintf(os.Stderr, "publish %s: %v\n", subject, err)
		os.Exit(1)
	}
	if err := conn.Flush(); err != nil {
		fmt.Fprintf(os.Stderr, "flush: %v\n", err)
		os.Exit(1)
	}
}
