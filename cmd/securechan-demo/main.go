// Secure channel demo program.
//
// Runs either side of an encrypted round trip:
//
//	go run ./cmd/securechan-demo --listen :9400 [--psk <base64>]
//	go run ./cmd/securechan-demo --connect localhost:9400 [--psk <base64>]
//
// The client sends two strings and then the string end-of-stream
// sentinel; the server prints each string it receives and exits on the
// sentinel.
package main

import (
	"context"
	"encoding/base64"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/go-securechan/securechan/listener"
	"github.com/go-securechan/securechan/stream"
)

var (
	listenAddr  = flag.String("listen", "", "Address to accept on (server mode)")
	connectAddr = flag.String("connect", "", "Address to connect to (client mode)")
	pskB64      = flag.String("psk", "", "Base64-encoded pre-shared key (optional)")
	timeout     = flag.Duration("timeout", 10*time.Second, "Per-receive timeout")
)

func main() {
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))

	var psk []byte
	if *pskB64 != "" {
		var err error
		psk, err = base64.StdEncoding.DecodeString(*pskB64)
		if err != nil {
			logger.Error("invalid --psk", "destination", "securechan", "err", err)
			os.Exit(1)
		}
	}

	opts := stream.Options{
		PSK:         psk,
		ReadTimeout: *timeout,
		Logger:      logger,
	}

	switch {
	case *listenAddr != "":
		runServer(logger, opts)
	case *connectAddr != "":
		runClient(logger, opts)
	default:
		flag.Usage()
		os.Exit(1)
	}
}

func runServer(logger *slog.Logger, opts stream.Options) {
	l, err := listener.Listen(*listenAddr, listener.Options{Channel: opts, Logger: logger})
	if err != nil {
		logger.Error("listen failed", "destination", "securechan", "err", err)
		os.Exit(1)
	}
	defer func() { _ = l.Close() }()
	logger.Info("accepting", "destination", "securechan", "addr", l.Addr().String())

	ch, err := l.Accept()
	if err != nil {
		logger.Error("accept failed", "destination", "securechan", "err", err)
		os.Exit(1)
	}
	defer func() { _ = ch.Close() }()

	ctx := context.Background()
	for {
		msg, err := ch.ReceiveString(ctx)
		if err != nil {
			logger.Error("receive failed", "destination", "securechan", "err", err)
			return
		}
		if msg == nil {
			logger.Info("peer signalled end of stream", "destination", "securechan")
			return
		}
		fmt.Printf("received: %s\n", *msg)
	}
}

func runClient(logger *slog.Logger, opts stream.Options) {
	ctx := context.Background()
	ch, err := stream.Dial(ctx, *connectAddr, opts)
	if err != nil {
		logger.Error("dial failed", "destination", "securechan", "err", err)
		os.Exit(1)
	}
	defer func() { _ = ch.Close() }()

	for _, msg := range []string{"hello over the secure channel", "你好123ABbc"} {
		m := msg
		if _, err := ch.SendString(ctx, &m); err != nil {
			logger.Error("send failed", "destination", "securechan", "err", err)
			os.Exit(1)
		}
	}
	// End-of-stream sentinel.
	if _, err := ch.SendString(ctx, nil); err != nil {
		logger.Error("send failed", "destination", "securechan", "err", err)
		os.Exit(1)
	}
	logger.Info("done", "destination", "securechan",
		"bytes_sent", ch.BytesSent(), "frames_sent", ch.FramesSent())
}
