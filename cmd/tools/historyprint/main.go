package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/joho/godotenv"

	"github.com/zhouzirui/voice-concierge/backend/internal/config"
	"github.com/zhouzirui/voice-concierge/backend/internal/logger"
	"github.com/zhouzirui/voice-concierge/backend/internal/model/interaction"
	"github.com/zhouzirui/voice-concierge/backend/internal/storage/sqlite"
)

func main() {
	dbPath := flag.String("db", "", "interaction database path (default: DB_PATH from the environment)")
	page := flag.String("page", "", "only print interactions for this page")
	seed := flag.Bool("seed", false, "log a sample interaction before printing")
	timeout := flag.Duration("timeout", 30*time.Second, "overall timeout")
	flag.Parse()

	log := logger.For("historyprint")

	path, err := resolveDBPath(*dbPath, func() (*config.Config, error) {
		if err := godotenv.Load(); err != nil {
			log.WithError(err).Warn("failed to load .env, using system environment")
		}
		return config.Load()
	})
	if err != nil {
		log.WithError(err).Fatal("failed to resolve database path")
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	store, err := sqlite.Open(path)
	if err != nil {
		log.WithError(err).WithField("path", path).Fatal("failed to open interaction store")
	}
	defer store.Close()

	if *seed {
		if _, err := store.Log(ctx, "home.html", "What's this?", "It's the homepage!"); err != nil {
			log.WithError(err).Fatal("failed to seed sample interaction")
		}
	}

	items, err := store.List(ctx, *page)
	if err != nil {
		log.WithError(err).Fatal("failed to list interactions")
	}
	printInteractions(os.Stdout, items)
}

// resolveDBPath prefers an explicit -db flag and only reads configuration
// when none was given.
func resolveDBPath(flagValue string, load func() (*config.Config, error)) (string, error) {
	if flagValue != "" {
		return flagValue, nil
	}
	cfg, err := load()
	if err != nil {
		return "", fmt.Errorf("load configuration: %w", err)
	}
	return cfg.Store.Path, nil
}

func printInteractions(w io.Writer, items []interaction.Interaction) {
	for _, item := range items {
		fmt.Fprintf(w, "[%s] (%s) User: %s\n", item.Timestamp, item.Page, item.UserInput)
		output := item.AIOutput
		if item.Pending() {
			output = "<pending>"
		}
		fmt.Fprintf(w, "  AI: %s\n", output)
	}
	fmt.Fprintf(w, "%d interaction(s)\n", len(items))
}
