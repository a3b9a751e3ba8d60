// Package main reconciles a batch of user-days against verified usage.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	reconcilecmd "github.com/louisbranch/holdfast/internal/cmd/reconcile"
	"github.com/louisbranch/holdfast/internal/platform/config"
)

func main() {
	cfg, err := reconcilecmd.ParseConfig(flag.CommandLine, os.Args[1:])
	if err != nil {
		config.Exitf("Error: %v", err)
	}
	log.SetPrefix("[RECONCILE] ")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ctx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()

	if err := reconcilecmd.Run(ctx, cfg, os.Stdin, os.Stdout); err != nil {
		config.Exitf("Error: %v", err)
	}
}
