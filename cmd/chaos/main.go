// cmd/chaos/main.go
package main

import (
	"context"
	"log"
	"os"
	"time"

	"biblioteca/internal/chaos"
	"biblioteca/internal/clock"
	"biblioteca/internal/config"
	"biblioteca/internal/server"
)

func main() {
	cfg, err := config.NewConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	logger := cfg.Log.NewLogger(os.Stderr)

	// The drill owns its clock so the sweep experiment can make loans overdue.
	// Point DATABASE_URL at a scratch database: seeded books are left behind.
	clk := clock.NewFake(time.Now())

	ctx := context.Background()
	app, err := server.Build(ctx, cfg, clk, logger)
	if err != nil {
		log.Fatalf("Failed to build service: %v", err)
	}
	defer app.Close()

	engine := chaos.NewEngine(chaos.Target{
		Catalog:     app.Catalog,
		Circulation: app.Circulation,
		Sweeper:     app.Sweeper,
		Clock:       clk,
	})
	engine.RegisterExperiments()

	gameDay := chaos.GameDay{
		Name:      "Circulation Game Day",
		Date:      time.Now(),
		Scenarios: engine.Experiments(),
		Pause:     time.Second,
	}

	if err := engine.ExecuteGameDay(ctx, gameDay, os.Stdout); err != nil {
		app.Close()
		log.Fatalf("Chaos Game Day failed: %v", err)
	}
}
