package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/pgillich/bews-doubler/cmd"
	"github.com/pgillich/bews-doubler/internal/server"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	cmd.Execute(ctx, os.Args[1:], server.RunServer)
	cancel()
}
