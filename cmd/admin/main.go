package main

import (
	"context"
	"crypto/rsa"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"moneymanager/internal/domain/banksync"
	"moneymanager/internal/domain/connection"
	"moneymanager/internal/infrastructure/crypto"
	"moneymanager/internal/infrastructure/postgres"
	"moneymanager/internal/infrastructure/redis"
	"moneymanager/internal/infrastructure/saltedge"
	"moneymanager/internal/interfaces/scheduler"
	"moneymanager/internal/shared/config"
	"moneymanager/internal/shared/logger"
)

const usage = `MoneyManager Admin CLI - Management commands for the bank sync engine

Usage:
  admin <command> [options]

Commands:
  migrate           Apply, roll back or inspect database migrations
  create-customer   Register a customer with Salt Edge and store it locally
  sync-customer     Pull every connection of a customer
  sync-connection   Pull a single connection
  remove-connection Revoke a connection at Salt Edge and keep its data read-only
  providers         List the institutions available in a country

Examples:
  admin migrate up
  admin migrate version
  admin create-customer --identifier=alice@example.com --email=alice@example.com
  admin sync-customer --identifier=alice@example.com --timeout=10m
  admin sync-connection --id=1234567
  admin remove-connection --id=1234567
  admin providers --country=XF
`

func main() {
	if len(os.Args) < 2 {
		fmt.Println(usage)
		os.Exit(1)
	}

	command := os.Args[1]
	args := os.Args[2:]

	var err error
	switch command {
	case "migrate":
		err = runMigrate(args)
	case "create-customer":
		err = runCreateCustomer(args)
	case "sync-customer":
		err = runSyncCustomer(args)
	case "sync-connection":
		err = runSyncConnection(args)
	case "remove-connection":
		err = runRemoveConnection(args)
	case "providers":
		err = runProviders(args)
	case "help", "-h", "--help":
		fmt.Println(usage)
	default:
		fmt.Printf("Unknown command: %s\n\n", command)
		fmt.Println(usage)
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runMigrate(args []string) error {
	fs := flag.NewFlagSet("migrate", flag.ExitOnError)
	fs.Usage = func() {
		fmt.Println("Usage: admin migrate [up|down|version]")
	}
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	dsn := cfg.Database.URL()

	direction := "up"
	if fs.NArg() > 0 {
		direction = fs.Arg(0)
	}
	switch direction {
	case "up":
		if err := postgres.Migrate(dsn); err != nil {
			return err
		}
	case "down":
		if err := postgres.MigrateDown(dsn); err != nil {
			return err
		}
	case "version":
	default:
		fs.Usage()
		return fmt.Errorf("unknown migrate direction %q", direction)
	}

	version, dirty, err := postgres.MigrationVersion(dsn)
	if err != nil {
		return err
	}
	fmt.Printf("schema version %d (dirty=%t)\n", version, dirty)
	return nil
}

func runCreateCustomer(args []string) error {
	fs := flag.NewFlagSet("create-customer", flag.ExitOnError)
	identifier := fs.String("identifier", "", "Unique customer identifier (required)")
	email := fs.String("email", "", "Customer email")
	firstName := fs.String("first-name", "", "Customer first name")
	lastName := fs.String("last-name", "", "Customer last name")
	timeout := fs.Duration("timeout", time.Minute, "Timeout for the operation")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *identifier == "" {
		fs.Usage()
		return fmt.Errorf("--identifier is required")
	}

	return withOrchestrator(*timeout, func(ctx context.Context, orch *banksync.Orchestrator) error {
		cust, err := orch.CreateCustomer(ctx, banksync.CreateCustomerRequest{
			Identifier: *identifier,
			Email:      *email,
			FirstName:  *firstName,
			LastName:   *lastName,
		})
		if err != nil {
			return err
		}
		return printJSON(cust)
	})
}

func runSyncCustomer(args []string) error {
	fs := flag.NewFlagSet("sync-customer", flag.ExitOnError)
	identifier := fs.String("identifier", "", "Customer identifier (required)")
	timeout := fs.Duration("timeout", 30*time.Minute, "Timeout for the operation")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *identifier == "" {
		fs.Usage()
		return fmt.Errorf("--identifier is required")
	}

	return withOrchestrator(*timeout, func(ctx context.Context, orch *banksync.Orchestrator) error {
		result, err := orch.SyncCustomer(ctx, *identifier)
		if err != nil {
			return err
		}
		if err := printJSON(result); err != nil {
			return err
		}
		if result.Failed > 0 {
			return fmt.Errorf("%d of %d connections failed", result.Failed, len(result.Connections))
		}
		return nil
	})
}

func runSyncConnection(args []string) error {
	fs := flag.NewFlagSet("sync-connection", flag.ExitOnError)
	id := fs.String("id", "", "Salt Edge connection id (required)")
	timeout := fs.Duration("timeout", 10*time.Minute, "Timeout for the operation")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *id == "" {
		fs.Usage()
		return fmt.Errorf("--id is required")
	}

	return withOrchestrator(*timeout, func(ctx context.Context, orch *banksync.Orchestrator) error {
		result, err := orch.SyncConnection(ctx, *id)
		if result != nil {
			if perr := printJSON(result); perr != nil {
				return perr
			}
		}
		return err
	})
}

func runRemoveConnection(args []string) error {
	fs := flag.NewFlagSet("remove-connection", flag.ExitOnError)
	id := fs.String("id", "", "Salt Edge connection id (required)")
	timeout := fs.Duration("timeout", time.Minute, "Timeout for the operation")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *id == "" {
		fs.Usage()
		return fmt.Errorf("--id is required")
	}

	return withOrchestrator(*timeout, func(ctx context.Context, orch *banksync.Orchestrator) error {
		conn, err := orch.RemoveConnection(ctx, *id)
		if err != nil {
			return err
		}
		return printJSON(conn)
	})
}

func runProviders(args []string) error {
	fs := flag.NewFlagSet("providers", flag.ExitOnError)
	country := fs.String("country", "", "ISO 3166 country code (required)")
	timeout := fs.Duration("timeout", time.Minute, "Timeout for the operation")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *country == "" {
		fs.Usage()
		return fmt.Errorf("--country is required")
	}

	return withOrchestrator(*timeout, func(ctx context.Context, orch *banksync.Orchestrator) error {
		providers, err := orch.ListProviders(ctx, strings.ToUpper(*country))
		if err != nil {
			return err
		}
		return printJSON(providers)
	})
}

// withOrchestrator wires a short-lived orchestrator against the configured
// database and provider, runs fn and releases everything afterwards.
func withOrchestrator(timeout time.Duration, fn func(ctx context.Context, orch *banksync.Orchestrator) error) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	log := logger.New(logger.Config{Level: cfg.Log.Level, Format: "console"})

	db, err := postgres.New(cfg.Database.ConnectionString(), postgres.PoolConfig{
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
	})
	if err != nil {
		return err
	}
	defer db.Close()

	encryptor, err := crypto.NewEncryptor(cfg.Encryption.Key)
	if err != nil {
		return err
	}

	var key *rsa.PrivateKey
	if cfg.SaltEdge.PrivateKeyPath != "" {
		key, err = saltedge.LoadPrivateKey(cfg.SaltEdge.PrivateKeyPath)
		if err != nil {
			return err
		}
	}
	client, err := saltedge.NewClient(saltedge.Config{
		BaseURL:    cfg.SaltEdge.BaseURL,
		AppID:      cfg.SaltEdge.AppID,
		Secret:     cfg.SaltEdge.Secret,
		ClientID:   cfg.SaltEdge.ClientID,
		PrivateKey: key,
		Timeout:    cfg.SaltEdge.Timeout,
		RateLimit:  cfg.SaltEdge.RateLimit,
		RateBurst:  cfg.SaltEdge.RateBurst,
	})
	if err != nil {
		return err
	}

	policy, err := connection.ParseNotifyPolicy(cfg.Sync.NotifyWithoutHint)
	if err != nil {
		return err
	}

	lanes := scheduler.NewWorkerPool(cfg.Sync.LaneWorkers, cfg.Sync.LaneQueueSize, cfg.Sync.JobTimeout, log)

	engine := banksync.Deps{
		Store:  postgres.NewStore(db, encryptor),
		Client: client,
		Lanes:  lanes,
		Logger: log,
	}
	// Share the API's connection locks so a manual sync never overlaps a callback.
	if cfg.Redis.URL != "" {
		rdb, err := redis.NewClient(context.Background(), cfg.Redis.URL)
		if err != nil {
			return err
		}
		defer rdb.Close()
		engine.Locks = redis.NewLocker(rdb, cfg.Redis.LockPrefix, cfg.Redis.LockTTL, log)
	}

	orch := banksync.NewOrchestrator(engine, banksync.Config{
		NotifyPolicy: policy,
		Retry: banksync.Backoff{
			Base:       cfg.Sync.BaseDelay,
			Max:        cfg.Sync.MaxDelay,
			MaxRetries: cfg.Sync.MaxRetries,
		},
		PersistTimeout:      cfg.Sync.PersistTimeout,
		CustomerConcurrency: cfg.Sync.CustomerConcurrency,
		DedupWindow:         cfg.Sync.DedupWindow,
		ConsentScopes:       cfg.Sync.ConsentScopes,
		PeriodDays:          cfg.Sync.FetchPeriodDays,
	})

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	ctx = logger.WithContext(ctx, log)

	start := time.Now()
	runErr := fn(ctx, orch)
	logCompletion(log, start, runErr)

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelShutdown()
	if err := lanes.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("lanes did not drain")
	}
	return runErr
}

func logCompletion(log zerolog.Logger, start time.Time, err error) {
	ev := log.Info()
	if err != nil {
		ev = log.Error().Err(err)
	}
	ev.Dur("duration", time.Since(start)).Msg("command finished")
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
