// Package main starts the cohort dispatcher process lifecycle.
package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	cohortdcmd "github.com/cohortlab/cohort/internal/cmd/cohortd"
)

func main() {
	cfg, err := cohortdcmd.ParseConfig(flag.CommandLine, os.Args[1:])
	if err != nil {
		log.Fatalf("parse flags: %v", err)
	}
	log.SetPrefix("[COHORTD] ")
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := cohortdcmd.Run(ctx, cfg); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("failed to run: %v", err)
	}
}
