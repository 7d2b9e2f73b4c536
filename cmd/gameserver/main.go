// Package main runs the endless race server.
//
// Architecture Overview:
// - Clients connect over WebSocket and are grouped into rooms
// - Each room extends a seeded procedural track as the leader advances
// - Physics runs at the room tick rate, diff snapshots at a slower rate
// - Anti-cheat validates every movement server-side
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/urfave/cli/v3"

	"github.com/race/endless/config"
	"github.com/race/endless/internal/server"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)

	// Load .env file if it exists (ignore error if not found)
	if err := godotenv.Load(); err != nil {
		if !os.IsNotExist(err) {
			log.Printf("Warning: Error loading .env file: %v", err)
		}
	} else {
		log.Println("Loaded environment variables from .env file")
	}

	cmd := &cli.Command{
		Name:  "gameserver",
		Usage: "run the endless race server",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "YAML file overriding the built-in tuning",
				Sources: cli.EnvVars("RACE_CONFIG"),
			},
			&cli.StringFlag{
				Name:  "host",
				Usage: "listen host (overrides HOST)",
			},
			&cli.IntFlag{
				Name:  "port",
				Usage: "listen port (overrides PORT)",
			},
		},
		Action: run,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := cmd.Run(ctx, os.Args); err != nil {
		log.Fatalf("Server error: %v", err)
	}
}

// loadConfig layers defaults, the optional YAML file, environment variables
// and finally command-line flags.
func loadConfig(cmd *cli.Command) (*config.Config, error) {
	cfg := config.Default()
	if path := cmd.String("config"); path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	cfg.ApplyEnv()

	if cmd.IsSet("host") {
		cfg.Server.Host = cmd.String("host")
	}
	if cmd.IsSet("port") {
		cfg.Server.Port = int(cmd.Int("port"))
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func run(ctx context.Context, cmd *cli.Command) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log.Printf("=================================")
	log.Printf("  Endless Race Server")
	log.Printf("=================================")
	log.Printf("  Host: %s", cfg.Server.Host)
	log.Printf("  Port: %d", cfg.Server.Port)
	log.Printf("  Tick Rate: %d Hz", cfg.Room.TickRate)
	log.Printf("  Snapshot Rate: %d Hz", cfg.Room.SnapshotRate)
	log.Printf("  Players/Room: %d-%d", cfg.Room.MinPlayers, cfg.Room.MaxPlayers)
	log.Printf("  Max Rooms: %d", cfg.Server.MaxRooms)
	log.Printf("=================================")

	srv := server.NewGameServer(cfg)
	if err := srv.ListenAndServe(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	log.Printf("Server stopped")
	return nil
}
