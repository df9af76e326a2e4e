// Package main probes the consumer health endpoint and exits non-zero when
// it is not serving.
package main

import (
	"context"
	"flag"
	"log"
	"os"

	healthcheckcmd "github.com/louisbranch/orderstream/internal/cmd/healthcheck"
)

func main() {
	cfg, err := healthcheckcmd.ParseConfig(flag.CommandLine, os.Args[1:])
	if err != nil {
		log.Fatalf("parse flags: %v", err)
	}
	log.SetPrefix("[HEALTHCHECK] ")
	if err := healthcheckcmd.Run(context.Background(), cfg, nil); err != nil {
		log.Fatalf("unhealthy: %v", err)
	}
}
