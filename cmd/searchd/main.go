// Package main runs the self-feeding search service.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strconv"

	"github.com/JakeFAU/selfsearch/internal/config"
	"github.com/JakeFAU/selfsearch/internal/server"
)

func main() {
	cfgPath := flag.String("config", "", "Path to config file")
	flag.Parse()

	if err := run(*cfgPath); err != nil {
		fmt.Fprintf(os.Stderr, "searchd: %v\n", err)
		os.Exit(1)
	}
}

func run(cfgPath string) error {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if port := os.Getenv("PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil || p <= 0 {
			return fmt.Errorf("invalid PORT %q", port)
		}
		cfg.Server.Port = p
	}

	ctx := context.Background()
	app, err := server.Build(ctx, cfg)
	if err != nil {
		return err
	}
	return app.Run(ctx)
}
