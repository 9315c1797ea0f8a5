// Command quepasa is the indexer's entrypoint: parse config, resolve
// every declared contract's on-chain types, prepare the database schema,
// then bootstrap and tail the chain (spec §6).
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/tzConnectBerlin/que-pasa/internal/bcd"
	"github.com/tzConnectBerlin/que-pasa/internal/config"
	"github.com/tzConnectBerlin/que-pasa/internal/db"
	"github.com/tzConnectBerlin/que-pasa/internal/executor"
	"github.com/tzConnectBerlin/que-pasa/internal/logging"
	"github.com/tzConnectBerlin/que-pasa/internal/rel"
	"github.com/tzConnectBerlin/que-pasa/internal/storageproc"
	"github.com/tzConnectBerlin/que-pasa/internal/telemetry"
	"github.com/tzConnectBerlin/que-pasa/internal/tzrpc"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Parse(os.Args[1:])
	if err != nil {
		return err
	}
	if cfg.PrintVersion {
		fmt.Println(config.Version)
		return nil
	}

	log, err := logging.New(logging.Options{Debug: os.Getenv("QUEPASA_DEBUG") != ""})
	if err != nil {
		return errors.Wrap(err, "quepasa: building logger")
	}
	defer log.Sync() //nolint:errcheck

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return errors.Wrap(err, "quepasa: connecting to database")
	}
	defer pool.Close()

	if cfg.Init {
		if err := db.DropSharedSchema(ctx, pool, cfg.MainSchema); err != nil {
			return err
		}
	} else if err := db.EnsureSharedSchema(ctx, pool, cfg.MainSchema); err != nil {
		return err
	}

	if cfg.IndexAllContracts {
		return errors.New("quepasa: --index-all-contracts is not yet supported; declare contracts explicitly")
	}

	node, err := tzrpc.NewClient(cfg.NodeURL, nil)
	if err != nil {
		return err
	}

	contracts := make(map[string]*storageproc.Contract, len(cfg.Contracts))
	schemas := make(map[string]string, len(cfg.Contracts))
	for _, decl := range cfg.Contracts {
		types, err := node.FetchScript(ctx, decl.Address)
		if err != nil {
			return errors.Wrapf(err, "quepasa: resolving script for %s", decl.Name)
		}
		node.SetContractTypes(decl.Address, types)

		model, warnings, err := rel.Synth(decl.Name, types.StorageType, types.ParamType)
		if err != nil {
			return errors.Wrapf(err, "quepasa: synthesizing schema for %s", decl.Name)
		}
		for _, w := range warnings {
			log.Sugar().Warnf("rel: %s: %s", decl.Name, w)
		}

		schema := contractSchemaName(cfg.MainSchema, decl.Name)
		ddl, err := rel.RenderDDL(schema, cfg.MainSchema, model)
		if err != nil {
			return errors.Wrapf(err, "quepasa: rendering DDL for %s", decl.Name)
		}
		if err := db.EnsureContractSchema(ctx, pool, ddl); err != nil {
			return errors.Wrapf(err, "quepasa: creating schema for %s", decl.Name)
		}

		if _, err := pool.Exec(ctx, fmt.Sprintf(
			"INSERT INTO %s.contracts (name, address) VALUES ($1, $2) ON CONFLICT (name) DO NOTHING",
			cfg.MainSchema), decl.Name, decl.Address); err != nil {
			return errors.Wrapf(err, "quepasa: registering contract %s", decl.Name)
		}

		contracts[decl.Name] = &storageproc.Contract{
			Name:        decl.Name,
			Address:     decl.Address,
			Model:       model,
			StorageType: types.StorageType,
			ParamType:   types.ParamType,
		}
		schemas[decl.Name] = schema
	}

	hist := db.NewBigmapHistory(pool, cfg.MainSchema)
	derived := db.NewDerivedTables(pool, cfg.MainSchema)
	writer := db.NewWriter(pool, cfg.MainSchema, derived)
	store := db.NewStoreAdapter(writer, derived, cfg.MainSchema, contracts, schemas, hist)

	reg := prometheus.NewRegistry()
	metrics := telemetry.NewMetrics(reg)
	_ = metrics // registered and served on /metrics; nothing updates these collectors
	health := telemetry.NewHealth()
	telemetryServer := telemetry.NewServer(cfg.MetricsAddr, reg, health)
	go func() {
		if err := telemetryServer.ListenAndServe(); err != nil {
			log.Sugar().Warnf("telemetry: server stopped: %v", err)
		}
	}()
	defer telemetryServer.Shutdown(context.Background()) //nolint:errcheck

	levels, err := resolveBootstrapLevels(ctx, cfg, node, contracts)
	if err != nil {
		return err
	}

	exec := executor.New(node, store, log, executor.DefaultConfig())
	return exec.Run(ctx, levels)
}

// contractSchemaName derives a contract's own schema name from the shared
// main schema, e.g. "que_pasa" + "my_token" -> "que_pasa_my_token" (spec
// §3: every contract gets its own schema distinct from --main-schema).
func contractSchemaName(mainSchema, contract string) string {
	return mainSchema + "_" + contract
}

// resolveBootstrapLevels implements the --levels / Fast Sync split of spec
// §4.6: explicit --levels wins outright; otherwise, when a BCD endpoint is
// configured, only the levels BCD reports as relevant to a declared
// contract are fetched, skipping everything else.
func resolveBootstrapLevels(ctx context.Context, cfg *config.Config, node *tzrpc.Client, contracts map[string]*storageproc.Contract) ([]int64, error) {
	if len(cfg.Levels) > 0 {
		return cfg.Levels, nil
	}
	if cfg.BCDUrl == "" {
		head, err := node.Head(ctx)
		if err != nil {
			return nil, errors.Wrap(err, "quepasa: fetching chain head")
		}
		levels := make([]int64, 0, head.Level)
		for lvl := int64(1); lvl <= head.Level; lvl++ {
			levels = append(levels, lvl)
		}
		return levels, nil
	}

	bcdClient := bcd.NewClient(cfg.BCDUrl, cfg.BCDNetwork)
	perContract := make([][]int64, 0, len(contracts))
	for _, c := range contracts {
		lvls, err := bcdClient.RelevantLevels(ctx, c.Address)
		if err != nil {
			return nil, errors.Wrapf(err, "quepasa: fetching relevant levels for %s", c.Name)
		}
		perContract = append(perContract, lvls)
	}
	return bcd.MergeLevels(perContract), nil
}
