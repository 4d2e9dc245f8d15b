package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"palaver-chat/core/internal/bootstrap/coreconfig"
	"palaver-chat/core/internal/bootstrap/runtime"
)

var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	configPath := flag.String("config", "", "Path to config.yaml (optional)")
	dataDir := flag.String("data-dir", "", "Directory for local data (optional)")
	transport := flag.String("transport", "", "Network transport override: go-waku | mock")
	flag.Parse()
	if *showVersion {
		fmt.Printf("palaver-core version=%s commit=%s build_date=%s\n", version, commit, buildDate)
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if *transport != "" {
		_ = os.Setenv("PALAVER_NETWORK_TRANSPORT", *transport)
	}
	if *dataDir != "" {
		_ = os.Setenv("PALAVER_DATA_DIR", *dataDir)
	}

	cfg := coreconfig.LoadFromPath(*configPath)
	core, err := runtime.New(cfg)
	if err != nil {
		log.Fatalf("palaver-core failed to initialize: %v", err)
	}

	log.Println("palaver-core starting")
	if err := core.Run(ctx); err != nil {
		log.Fatalf("palaver-core failed: %v", err)
	}
	log.Println("palaver-core stopped")
}
