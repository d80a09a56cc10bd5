// Package cohortd parses dispatcher configuration and starts the channel
// runtime.
package cohortd

import (
	"context"
	"flag"
	"fmt"
	"log"

	"github.com/cohortlab/cohort/internal/channel"
	"github.com/cohortlab/cohort/internal/merit"
	"github.com/cohortlab/cohort/internal/platform/config"
	"github.com/cohortlab/cohort/internal/platform/otel"
	"github.com/cohortlab/cohort/internal/platform/random"
	"github.com/cohortlab/cohort/internal/platform/telemetry"
	"github.com/cohortlab/cohort/internal/registry"
	"github.com/cohortlab/cohort/internal/session"
	"github.com/cohortlab/cohort/internal/storage/sqlite"
	"github.com/cohortlab/cohort/internal/transport"
	"github.com/cohortlab/cohort/internal/treatment"
)

// Config holds dispatcher configuration.
type Config struct {
	Channel channel.Settings

	// DBPath locates the sqlite database holding credentials, experiment
	// records, and telemetry.
	DBPath string `env:"COHORT_DB_PATH" envDefault:"cohort.db"`

	// Rounds is the number of bidding rounds per session.
	Rounds int `env:"COHORT_ROUNDS" envDefault:"4"`
	// ShowUpFee is the guaranteed base payment per completing participant.
	ShowUpFee float64 `env:"COHORT_SHOW_UP_FEE" envDefault:"1"`
}

// ParseConfig parses environment and flags into a Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	if err := config.ParseEnv(&cfg); err != nil {
		return Config{}, err
	}
	fs.StringVar(&cfg.DBPath, "db", cfg.DBPath, "Path to the sqlite database")
	fs.StringVar(&cfg.Channel.Name, "channel", cfg.Channel.Name, "Channel name")
	fs.IntVar(&cfg.Channel.PoolSize, "pool-size", cfg.Channel.PoolSize, "Pool size that triggers an immediate dispatch")
	fs.IntVar(&cfg.Channel.GroupSize, "group-size", cfg.Channel.GroupSize, "Participants per session")
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}
	if err := cfg.Channel.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Run starts the channel coordinator and blocks until ctx is cancelled.
func Run(ctx context.Context, cfg Config) error {
	shutdown, err := otel.Setup(ctx, "cohortd")
	if err != nil {
		return fmt.Errorf("otel setup: %w", err)
	}
	defer func() {
		if err := shutdown(context.Background()); err != nil {
			log.Printf("otel shutdown: %v", err)
		}
	}()

	store, err := sqlite.Open(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer store.Close()

	// Refuse to open the room when the credential pool cannot fill even one
	// session; every admitted participant must be payable.
	need := cfg.Channel.GroupSize + cfg.Channel.Overbooking
	available, err := store.CountAvailable(ctx)
	if err != nil {
		return fmt.Errorf("count credentials: %w", err)
	}
	if available < need {
		return fmt.Errorf("credentials exhausted: %d available, need at least %d", available, need)
	}

	rng, err := random.NewRand()
	if err != nil {
		return fmt.Errorf("seed random source: %w", err)
	}
	experiment := &merit.Experiment{
		Rounds:      cfg.Rounds,
		ShowUpFee:   cfg.ShowUpFee,
		Credentials: store,
		Rand:        rng,
	}
	coordinator, err := channel.New(channel.Config{
		Settings:    cfg.Channel,
		Registry:    registry.New(),
		Messenger:   transport.NewLoopback(),
		Credentials: store,
		Records:     store,
		Telemetry:   telemetry.NewEmitter(store),
		Catalog:     treatment.DefaultCatalog(),
		PlotFactory: func() (session.Plot, error) { return experiment.Plot() },
		Settler:     experiment,
		Rand:        rng,
	})
	if err != nil {
		return fmt.Errorf("build coordinator: %w", err)
	}

	log.Printf("channel %q ready: %d credentials available, groups of %d (+%d overbooked)",
		cfg.Channel.Name, available, cfg.Channel.GroupSize, cfg.Channel.Overbooking)
	return coordinator.Run(ctx)
}
