// Command sentinel runs the slow-query collection, analysis, and learning
// loop as a single process: Collector, Analyzer, and Learning Evaluator
// driven by the Scheduler, with a read-only dashboard API.
package main

import (
	"context"
	stdsql "database/sql"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/sqlsentinel/sentinel/pkg/analyzer"
	"github.com/sqlsentinel/sentinel/pkg/api"
	"github.com/sqlsentinel/sentinel/pkg/collector"
	"github.com/sqlsentinel/sentinel/pkg/config"
	"github.com/sqlsentinel/sentinel/pkg/learning"
	"github.com/sqlsentinel/sentinel/pkg/probe"
	"github.com/sqlsentinel/sentinel/pkg/scheduler"
	"github.com/sqlsentinel/sentinel/pkg/store"
	"github.com/sqlsentinel/sentinel/pkg/version"
)

func getEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func main() {
	configDir := flag.String("config-dir", getEnv("CONFIG_DIR", "./deploy/config"), "path to configuration directory")
	flag.Parse()

	envPath := filepath.Join(*configDir, ".env")
	if err := godotenv.Load(envPath); err != nil {
		log.Printf("warning: could not load %s: %v", envPath, err)
	} else {
		log.Printf("loaded environment from %s", envPath)
	}

	slog.Info("starting sentinel", "version", version.Full())

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	st, err := store.Open(cfg.Store)
	if err != nil {
		log.Fatalf("failed to open store: %v", err)
	}
	defer func() {
		if err := st.Close(); err != nil {
			slog.Error("error closing store", "error", err)
		}
	}()
	slog.Info("connected to store and applied migrations")

	probes, err := loadProbes(cfg.Collector.ReplayOverlap)
	if err != nil {
		log.Fatalf("failed to load probe registrations: %v", err)
	}

	col := collector.New(cfg.Collector, st, probes)

	postgresSchemaDBs, mysqlSchemaDBs, err := openSchemaIntrospectionDBs()
	if err != nil {
		log.Fatalf("failed to open schema introspection connections: %v", err)
	}
	schemaProvider, err := analyzer.NewCachingSchemaProvider(
		analyzer.NewMultiSourceIntrospector(postgresSchemaDBs, mysqlSchemaDBs), 1024)
	if err != nil {
		log.Fatalf("failed to build schema provider: %v", err)
	}
	// No Oracle is wired by default: the Oracle is a pluggable collaborator
	// (spec.md §1); without one the Analyzer runs rules-only, which is a
	// fully supported, tested mode (TestAnalyzer_Run_NilOracleIsRulesOnly).
	az := analyzer.New(cfg.Analyzer, st, schemaProvider, nil, "sentinel-analyzer-1")

	learner := learning.New(cfg.Learning, st)

	sched := scheduler.New(cfg.Scheduler,
		func(ctx context.Context) error {
			col.Run(ctx)
			return nil
		},
		func(ctx context.Context) error {
			_, err := az.Run(ctx)
			return err
		},
		func(ctx context.Context) error {
			_, err := learner.Run(ctx)
			return err
		},
	)

	server := api.NewServer(st)
	server.SetSchedulerHealth(schedulerHealthAdapter{sched})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sched.Start(ctx)

	httpAddr := cfg.HTTPAddr
	go func() {
		slog.Info("dashboard API listening", "addr", httpAddr)
		if err := server.Start(httpAddr); err != nil {
			slog.Error("dashboard API stopped", "error", err)
		}
	}()

	<-ctx.Done()
	slog.Info("shutdown signal received")

	sched.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Scheduler.ShutdownGrace)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("dashboard API shutdown error", "error", err)
	}

	slog.Info("sentinel stopped")
}

// loadProbes reads monitored-database connection records. A real deployment
// wires this to a ProbeRegistry collaborator (spec.md §6); this build reads
// a fixed set from environment variables as the minimal standalone path.
func loadProbes(replayOverlap time.Duration) ([]probe.Probe, error) {
	var probes []probe.Probe

	if host := os.Getenv("SENTINEL_PROBE_MYSQL_HOST"); host != "" {
		p, err := probe.NewMySQLProbe(probe.MySQLConfig{
			ProbeID:       getEnv("SENTINEL_PROBE_MYSQL_ID", "mysql-1"),
			Host:          host,
			Port:          2306,
			User:          os.Getenv("SENTINEL_PROBE_MYSQL_USER"),
			Password:      os.Getenv("SENTINEL_PROBE_MYSQL_PASSWORD"),
			Database:      os.Getenv("SENTINEL_PROBE_MYSQL_DATABASE"),
			MonitorUser:   os.Getenv("SENTINEL_PROBE_MYSQL_USER"),
			ReplayOverlap: replayOverlap,
		})
		if err != nil {
			return nil, err
		}
		probes = append(probes, p)
	}

	if host := os.Getenv("SENTINEL_PROBE_POSTGRES_HOST"); host != "" {
		p, err := probe.NewPostgresProbe(probe.PostgresConfig{
			ProbeID:  getEnv("SENTINEL_PROBE_POSTGRES_ID", "postgres-1"),
			Host:     host,
			Port:     5432,
			User:     os.Getenv("SENTINEL_PROBE_POSTGRES_USER"),
			Password: os.Getenv("SENTINEL_PROBE_POSTGRES_PASSWORD"),
			Database: os.Getenv("SENTINEL_PROBE_POSTGRES_DATABASE"),
			SSLMode:  getEnv("SENTINEL_PROBE_POSTGRES_SSLMODE", "disable"),
		})
		if err != nil {
			return nil, err
		}
		probes = append(probes, p)
	}

	return probes, nil
}

// openSchemaIntrospectionDBs opens a dedicated connection per registered
// monitored database, keyed by host, for the Analyzer's live schema
// introspection (pkg/analyzer.NewMultiSourceIntrospector). These are
// separate from the probes' own pools: the Probe interface exposes no
// connection handle, and introspection runs on the Analyzer's schedule, not
// the Collector's.
func openSchemaIntrospectionDBs() (postgresByHost, mysqlByHost map[string]*stdsql.DB, err error) {
	postgresByHost = make(map[string]*stdsql.DB)
	mysqlByHost = make(map[string]*stdsql.DB)

	if host := os.Getenv("SENTINEL_PROBE_MYSQL_HOST"); host != "" {
		dsn := fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?parseTime=true",
			os.Getenv("SENTINEL_PROBE_MYSQL_USER"), os.Getenv("SENTINEL_PROBE_MYSQL_PASSWORD"),
			host, 2306, os.Getenv("SENTINEL_PROBE_MYSQL_DATABASE"))
		db, err := stdsql.Open("mysql", dsn)
		if err != nil {
			return nil, nil, fmt.Errorf("open mysql introspection connection: %w", err)
		}
		mysqlByHost[host] = db
	}

	if host := os.Getenv("SENTINEL_PROBE_POSTGRES_HOST"); host != "" {
		dsn := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			host, 5432, os.Getenv("SENTINEL_PROBE_POSTGRES_USER"), os.Getenv("SENTINEL_PROBE_POSTGRES_PASSWORD"),
			os.Getenv("SENTINEL_PROBE_POSTGRES_DATABASE"), getEnv("SENTINEL_PROBE_POSTGRES_SSLMODE", "disable"))
		db, err := stdsql.Open("pgx", dsn)
		if err != nil {
			return nil, nil, fmt.Errorf("open postgres introspection connection: %w", err)
		}
		postgresByHost[host] = db
	}

	return postgresByHost, mysqlByHost, nil
}

// schedulerHealthAdapter translates scheduler.Snapshot into the narrower
// shape pkg/api depends on, keeping pkg/api's import graph independent of
// pkg/scheduler.
type schedulerHealthAdapter struct {
	s *scheduler.Scheduler
}

func (a schedulerHealthAdapter) Snapshot() []api.SchedulerJobSnapshot {
	snaps := a.s.Snapshot()
	out := make([]api.SchedulerJobSnapshot, 0, len(snaps))
	for _, s := range snaps {
		out = append(out, api.SchedulerJobSnapshot{
			Name:    s.Name,
			State:   string(s.State),
			Skipped: s.Skipped,
			Failed:  s.Failed,
		})
	}
	return out
}
