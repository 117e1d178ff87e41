package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"sync"
	"syscall"

	"github.com/nats-io/nats.go"
	"github.com/spf13/cobra"

	"github.com/c360studio/crossdb/adapter"
	"github.com/c360studio/crossdb/config"
	"github.com/c360studio/crossdb/executor"
	"github.com/c360studio/crossdb/llm"
	"github.com/c360studio/crossdb/orchestrator"
	"github.com/c360studio/crossdb/planner"
	"github.com/c360studio/crossdb/progress"
	"github.com/c360studio/crossdb/registry"
)

// app is the wired component stack behind every CLI command.
type app struct {
	cfg      *config.Config
	registry *registry.FileRegistry
	facade   *orchestrator.Facade
	bus      *progress.Bus

	forwarder *progress.NATSForwarder
	natsConn  *nats.Conn
}

// loadConfig loads the explicit file when given, otherwise the layered
// user/project configuration.
func loadConfig(configPath string) (*config.Config, error) {
	if configPath != "" {
		cfg, err := config.LoadFromFile(configPath)
		if err != nil {
			return nil, err
		}
		if err := cfg.Validate(); err != nil {
			return nil, fmt.Errorf("invalid configuration: %w", err)
		}
		return cfg, nil
	}
	return config.NewLoader(slog.Default()).Load()
}

// buildApp wires the registry, LLM client, planner, executor, and facade.
// Backend adapters are registered by embedders; the CLI runs with whatever
// the build links in, which is sufficient for planning and dry runs.
func buildApp(configPath string) (*app, error) {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	logger := slog.Default()

	regOpts := []registry.FileRegistryOption{registry.WithLogger(logger)}
	reg, err := registry.LoadFile(cfg.Registry.Path, regOpts...)
	if err != nil {
		return nil, fmt.Errorf("load registry %s: %w", cfg.Registry.Path, err)
	}
	if cfg.Registry.Watch {
		if err := reg.Watch(); err != nil {
			logger.Warn("Registry watch unavailable", "error", err)
		}
	}

	chain := make([]llm.Endpoint, 0, len(cfg.LLM.Endpoints))
	for _, ep := range cfg.LLM.Endpoints {
		chain = append(chain, llm.Endpoint{
			Provider: ep.Provider,
			URL:      ep.URL,
			Model:    ep.Model,
		})
	}
	client := llm.NewClient(chain, llm.WithLogger(logger))

	bus := progress.NewBus(progress.WithBusLogger(logger))
	factory := adapter.NewFactory(reg)

	pipeline := planner.New(client, reg, cfg.Planning,
		planner.WithLogger(logger),
		planner.WithBus(bus),
		planner.WithTemperature(cfg.LLM.Temperature),
		planner.WithStatisticsProbes(factory),
	)
	exec := executor.New(cfg.Executor, factory,
		executor.WithLogger(logger),
		executor.WithBus(bus),
	)
	facade := orchestrator.New(pipeline, exec,
		orchestrator.WithLogger(logger),
		orchestrator.WithBus(bus),
	)

	a := &app{cfg: cfg, registry: reg, facade: facade, bus: bus}
	if cfg.NATS.URL != "" {
		conn, err := nats.Connect(cfg.NATS.URL)
		if err != nil {
			logger.Warn("NATS unavailable, progress forwarding disabled", "url", cfg.NATS.URL, "error", err)
		} else {
			a.natsConn = conn
			a.forwarder = progress.NewNATSForwarder(bus, conn, logger)
		}
	}
	return a, nil
}

func (a *app) close() {
	if a.forwarder != nil {
		a.forwarder.Stop()
	}
	a.bus.Close()
	if a.natsConn != nil {
		a.natsConn.Close()
	}
	_ = a.registry.Close()
}

// streamEvents writes progress events as NDJSON to the given path ("-" for
// stderr) until the bus closes. Returns a wait function.
func (a *app) streamEvents(ctx context.Context, path string) (func(), error) {
	out := os.Stderr
	if path != "-" {
		f, err := os.Create(path)
		if err != nil {
			return nil, fmt.Errorf("open events file: %w", err)
		}
		out = f
	}

	events, cancel := a.bus.Subscribe(0)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := progress.WriteNDJSON(ctx, out, events); err != nil && err != context.Canceled {
			slog.Warn("Event stream ended", "error", err)
		}
		if out != os.Stderr {
			_ = out.Close()
		}
	}()
	return func() {
		cancel()
		wg.Wait()
	}, nil
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func askCmd(configPath *string) *cobra.Command {
	var (
		optimize bool
		dryRun   bool
		events   string
	)
	cmd := &cobra.Command{
		Use:   "ask <question>",
		Short: "Answer a question across the registered backends",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := buildApp(*configPath)
			if err != nil {
				return err
			}
			defer a.close()

			ctx, cancel := signalContext()
			defer cancel()

			var waitEvents func()
			if events != "" {
				waitEvents, err = a.streamEvents(ctx, events)
				if err != nil {
					return err
				}
			}

			envelope := a.facade.Run(ctx, args[0], orchestrator.RunOptions{
				Optimize: optimize,
				DryRun:   dryRun,
			})
			if waitEvents != nil {
				waitEvents()
			}

			data, err := json.MarshalIndent(envelope, "", "  ")
			if err != nil {
				return fmt.Errorf("encode envelope: %w", err)
			}
			fmt.Println(string(data))
			if !envelope.Success {
				os.Exit(1)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&optimize, "optimize", false, "Run the best-effort LLM optimization pass")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Plan and validate without executing")
	cmd.Flags().StringVar(&events, "events", "", "Write NDJSON progress events to a file ('-' for stderr)")
	return cmd
}

func planCmd(configPath *string) *cobra.Command {
	var optimize bool
	cmd := &cobra.Command{
		Use:   "plan <question>",
		Short: "Synthesize and validate a plan without executing it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := buildApp(*configPath)
			if err != nil {
				return err
			}
			defer a.close()

			ctx, cancel := signalContext()
			defer cancel()

			envelope := a.facade.Run(ctx, args[0], orchestrator.RunOptions{
				Optimize: optimize,
				DryRun:   true,
			})
			data, err := json.MarshalIndent(envelope, "", "  ")
			if err != nil {
				return fmt.Errorf("encode envelope: %w", err)
			}
			fmt.Println(string(data))
			if !envelope.Validation.Valid {
				os.Exit(1)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&optimize, "optimize", false, "Run the best-effort LLM optimization pass")
	return cmd
}

func sourcesCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "sources",
		Short: "List registered data sources and their tables",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := buildApp(*configPath)
			if err != nil {
				return err
			}
			defer a.close()

			sources := a.registry.ListSources()
			sort.Slice(sources, func(i, j int) bool { return sources[i].ID < sources[j].ID })
			for _, source := range sources {
				fmt.Printf("%s (%s)", source.ID, source.Kind)
				if source.Description != "" {
					fmt.Printf(": %s", source.Description)
				}
				fmt.Println()
				tables, err := a.registry.ListTables(source.ID, "")
				if err != nil {
					continue
				}
				sort.Strings(tables)
				for _, table := range tables {
					fmt.Printf("  %s\n", table)
				}
			}
			return nil
		},
	}
}
