package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/steemit/hivefeed/internal/app"
	"github.com/steemit/hivefeed/internal/db"
	"github.com/steemit/hivefeed/pkg/config"
	"github.com/steemit/hivefeed/pkg/logging"
)

func main() {
	postID := pflag.String("post-id", "", "re-fan-out a single post")
	postType := pflag.String("type", "", "re-fan-out posts of one type (text, image, video, poll)")
	clearExisting := pflag.Bool("clear", true, "delete the posts' feed entries before fanning out again")
	statsOnly := pflag.Bool("stats", false, "print feed statistics and exit")
	prune := pflag.Bool("prune", false, "delete feed entries of inactive posts and exit")
	pflag.Parse()

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	if err := logging.InitLogger(&cfg.Logging); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logging.GetLogger().Sync()
	logger := logging.GetLogger()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	services, err := app.New(ctx, cfg)
	if err != nil {
		logger.Fatal("Failed to initialize services", zap.Error(err))
	}
	defer services.Close()

	var out interface{}
	switch {
	case *statsOnly:
		out, err = services.Reconcile.Stats(ctx)
	case *prune:
		var deleted int64
		deleted, err = services.Reconcile.PruneInactive(ctx)
		out = map[string]int64{"deleted": deleted}
	default:
		out, err = services.Reconcile.Reconcile(ctx, db.PostFilter{PostID: *postID, Type: *postType}, *clearExisting)
	}
	if err != nil {
		logger.Error("Maintenance run failed", zap.Error(err))
		services.Close()
		os.Exit(1)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(out); err != nil {
		logger.Error("Failed to write result", zap.Error(err))
	}
}
