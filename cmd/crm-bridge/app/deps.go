package app

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/fieldops/crm-bridge/internal/auth"
	"github.com/fieldops/crm-bridge/internal/config"
	"github.com/fieldops/crm-bridge/internal/mirror"
	"github.com/fieldops/crm-bridge/internal/orchestrator"
	"github.com/fieldops/crm-bridge/internal/source"
	"github.com/fieldops/crm-bridge/internal/stage"
	"github.com/fieldops/crm-bridge/internal/store"
	"github.com/fieldops/crm-bridge/internal/target"
)

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, err := cmd.Flags().GetString("config")
	if err != nil {
		return nil, err
	}

	cfg, err := config.Load(config.WithConfigPath(path))
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	return cfg, nil
}

func openStore(ctx context.Context, cfg *config.Config) (*store.Store, error) {
	return store.New(ctx, cfg.Database)
}

func buildSourceClient(cfg *config.Config) (*source.Client, error) {
	creds, err := auth.NewCache(&cfg.Source)
	if err != nil {
		return nil, err
	}
	return source.New(&cfg.Source, creds)
}

func buildTargetClient(cfg *config.Config) (*target.Client, error) {
	return target.New(&cfg.Target)
}

// buildOrchestrator registers one fetcher per configured entity, in the
// configured order. Order matters: jobs reference customers and estimates
// reference jobs, so parents sync first.
func buildOrchestrator(cfg *config.Config, src *source.Client, st *store.Store) (*orchestrator.Orchestrator, error) {
	entities := mirror.Entities()

	o := orchestrator.New(st)
	for _, name := range cfg.Sync.Entities {
		entity, ok := entities[name]
		if !ok {
			return nil, fmt.Errorf("unknown sync entity: %s", name)
		}
		f, err := mirror.NewFetcher(entity, src, st, st, &cfg.Source)
		if err != nil {
			return nil, err
		}
		o.Register(name, f)
	}

	return o, nil
}

func buildEngine(cfg *config.Config, st *store.Store, tgt *target.Client, dryRun bool) (*stage.Engine, error) {
	graph, err := stage.NewGraph(cfg.Pipelines)
	if err != nil {
		return nil, err
	}
	return stage.NewEngine(graph, cfg.Transitions, st, tgt, stage.WithDryRun(dryRun))
}

// transitionPipelineIDs resolves the two pipelines the engine operates on, in
// refresh order.
func transitionPipelineIDs(cfg *config.Config) ([]string, error) {
	graph, err := stage.NewGraph(cfg.Pipelines)
	if err != nil {
		return nil, err
	}

	salesID, err := graph.PipelineID(cfg.Transitions.SalesPipeline)
	if err != nil {
		return nil, err
	}
	installID, err := graph.PipelineID(cfg.Transitions.InstallPipeline)
	if err != nil {
		return nil, err
	}

	return []string{salesID, installID}, nil
}
