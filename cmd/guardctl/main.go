// Command guardctl is GUARD's operator CLI: run a batch, inspect a
// cluster's state, or apply registry migrations. Structured as a
// cobra root command with subcommands, the same shape the teacher uses
// for its migration CLI (internal/infrastructure/migrations/cli.go).
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/openguard/guard/internal/batch"
	"github.com/openguard/guard/internal/checks"
	guardconfig "github.com/openguard/guard/internal/config"
	"github.com/openguard/guard/internal/clock"
	"github.com/openguard/guard/internal/gitops"
	"github.com/openguard/guard/internal/lockmgr"
	"github.com/openguard/guard/internal/obslog"
	"github.com/openguard/guard/internal/opmetrics"
	"github.com/openguard/guard/internal/ports"
	"github.com/openguard/guard/internal/providers"
	"github.com/openguard/guard/internal/ratelimit"
	"github.com/openguard/guard/internal/registry"
	"github.com/openguard/guard/internal/registry/postgres"
	"github.com/openguard/guard/internal/registrydb"
	"github.com/openguard/guard/internal/retry"
	"github.com/openguard/guard/internal/summarizer"
	"github.com/openguard/guard/internal/upgrade"
	"github.com/openguard/guard/internal/validation"
)

var configPath string

func main() {
	root := &cobra.Command{
		Use:   "guardctl",
		Short: "Operate GUARD's progressive Istio upgrade pipeline",
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to guard config file (YAML)")

	root.AddCommand(
		registryCommand(),
		batchCommand(),
		clusterCommand(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadConfig() (*guardconfig.Config, *slog.Logger, error) {
	cfg, err := guardconfig.Load(configPath)
	if err != nil {
		return nil, nil, err
	}
	return cfg, obslog.New(cfg.Log), nil
}

func registryCommand() *cobra.Command {
	cmd := &cobra.Command{Use: "registry", Short: "Manage the cluster registry's schema"}
	cmd.AddCommand(&cobra.Command{
		Use:   "migrate",
		Short: "Apply pending registry migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}
			return registrydb.RunMigrations(cmd.Context(), cfg.Registry.DSN, logger)
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show registry migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfig()
			if err != nil {
				return err
			}
			return registrydb.Status(cmd.Context(), cfg.Registry.DSN)
		},
	})
	return cmd
}

func clusterCommand() *cobra.Command {
	cmd := &cobra.Command{Use: "cluster", Short: "Inspect cluster registry records"}
	cmd.AddCommand(&cobra.Command{
		Use:   "show <cluster-id>",
		Short: "Print one cluster's registry record as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}
			pool, err := pgxpool.New(cmd.Context(), cfg.Registry.DSN)
			if err != nil {
				return fmt.Errorf("connect registry: %w", err)
			}
			defer pool.Close()

			reg := postgres.New(pool, logger)
			rec, err := reg.Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(rec)
		},
	})
	return cmd
}

func batchCommand() *cobra.Command {
	cmd := &cobra.Command{Use: "batch", Short: "Run batches of cluster upgrades"}
	cmd.AddCommand(&cobra.Command{
		Use:   "run <batch-id>",
		Short: "Run the upgrade state machine for every cluster in a batch",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBatch(cmd.Context(), args[0])
		},
	})
	return cmd
}

// runBatch wires every component (spec §4) into one batch.Orchestrator
// run. Concrete CloudProvider/KubernetesProvider/MetricsProvider/
// GitOpsProvider adapters are deliberately out of scope (spec Non-
// goals); this wiring point is where an operator plugs them in.
func runBatch(ctx context.Context, batchID string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}

	pool, err := pgxpool.New(ctx, cfg.Registry.DSN)
	if err != nil {
		return fmt.Errorf("connect registry: %w", err)
	}
	defer pool.Close()
	reg := postgres.New(pool, logger)

	if cfg.Registry.MigrateOnStart {
		if err := registrydb.RunMigrations(ctx, cfg.Registry.DSN, logger); err != nil {
			return fmt.Errorf("run migrations: %w", err)
		}
	}

	redisClient := redis.NewClient(&redis.Options{Addr: cfg.Lock.Addr, Password: cfg.Lock.Password, DB: cfg.Lock.DB})
	defer redisClient.Close()
	locks := lockmgr.New(redisClient, logger, lockmgr.WithPollInterval(cfg.Lock.PollInterval))

	limiter := ratelimit.New(guardconfig.ToBucketConfigs(cfg.RateLimit)...)

	checkReg := checks.NewRegistry()
	checkRunner := checks.NewRunner(cfg.Upgrade.PreCheckFailFast)

	validatorReg := validation.NewRegistry()
	if err := validatorReg.Register(validation.NewLatencyValidator()); err != nil {
		return err
	}
	if err := validatorReg.Register(validation.NewErrorRateValidator()); err != nil {
		return err
	}

	var noopMetrics ports.MetricsProvider // supplied by an adapter at deployment time
	validatorOrch := validation.NewOrchestrator(validatorReg, noopMetrics)

	idGen := clock.UUIDGenerator{}
	realClock := clock.RealClock{}

	var noopGitOps ports.GitOpsProvider // supplied by an adapter at deployment time
	gitOpsProvider := providers.NewRetryingGitOpsProvider(
		providers.NewRateLimitedGitOpsProvider(noopGitOps, limiter, "gitops"),
		retry.DefaultPolicy(),
	)
	producer := gitops.New(gitOpsProvider, idGen, realClock, logger)

	promReg := prometheus.NewRegistry()
	metrics := opmetrics.New(promReg, logger)

	machineCfg, err := cfg.Upgrade.ToMachineConfig()
	if err != nil {
		return err
	}
	summarize := summarizer.New()
	machine := upgrade.New(reg, locks, checkReg, checkRunner, validatorOrch, cfg.Validation.ToThresholds(), producer, metrics, realClock, logger, machineCfg, summarize)

	resolveProviders := func(ctx context.Context, cluster *registry.ClusterRecord) (ports.CheckContext, error) {
		return ports.CheckContext{}, fmt.Errorf("runBatch: no provider adapter configured for cluster %s", cluster.ClusterID)
	}

	orchestrator := batch.New(reg, machine, batch.DependencyMap(cfg.Batch.Dependencies), cfg.Batch.MaxParallelClusters, resolveProviders, logger)

	go func() {
		server := opmetrics.NewStatusServer(promReg)
		logger.Error("status server exited", "error", http.ListenAndServe(":9090", server))
	}()

	result, err := orchestrator.Run(ctx, batchID)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(result)
}
