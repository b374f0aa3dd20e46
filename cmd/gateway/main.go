package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jensneuse/abstractlogger"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/ChaseNoCap/meta-gothic-framework-sub001/pkg/engine/plan"
	"github.com/ChaseNoCap/meta-gothic-framework-sub001/pkg/gateway"
	gatewayhttp "github.com/ChaseNoCap/meta-gothic-framework-sub001/pkg/http"
	"github.com/ChaseNoCap/meta-gothic-framework-sub001/pkg/subgraph"
)

func main() {
	root := &cobra.Command{
		Use:   "gateway",
		Short: "GraphQL federation gateway",
	}
	root.AddCommand(serveCmd())
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the federated graph",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			return serve(cfg)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to config file")
	return cmd
}

func serve(cfg *config) error {
	log, syncLog, err := newLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer syncLog()

	g := gateway.New(gateway.Options{
		Logger: log,
		Planner: plan.NewPlanner(plan.Config{
			MaxDepth:        cfg.Planner.MaxDepth,
			CostBudget:      cfg.Planner.CostBudget,
			DefaultListSize: cfg.Planner.DefaultListSize,
		}),
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	registerConfigured(ctx, g, cfg, log)
	go pollSchemas(ctx, g, cfg.PollInterval, log)

	router := chi.NewRouter()
	router.Handle("/graphql", gatewayhttp.NewHandler(g, log))
	router.Mount("/admin", g.AdminRouter())

	server := &http.Server{Addr: cfg.Listen, Handler: router}
	adminServer := (*http.Server)(nil)
	if cfg.AdminListen != "" && cfg.AdminListen != cfg.Listen {
		adminServer = &http.Server{Addr: cfg.AdminListen, Handler: g.AdminRouter()}
	}

	errCh := make(chan error, 2)
	go func() {
		log.Info("gateway listening", abstractlogger.String("addr", cfg.Listen))
		errCh <- server.ListenAndServe()
	}()
	if adminServer != nil {
		go func() {
			log.Info("admin listening", abstractlogger.String("addr", cfg.AdminListen))
			errCh <- adminServer.ListenAndServe()
		}()
	}

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = server.Shutdown(shutdownCtx)
	if adminServer != nil {
		_ = adminServer.Shutdown(shutdownCtx)
	}
	return nil
}

func registerConfigured(ctx context.Context, g *gateway.Gateway, cfg *config, log abstractlogger.Logger) {
	for _, sub := range cfg.Subgraphs {
		d := &subgraph.Descriptor{
			Name:                 sub.Name,
			RoutingURL:           sub.RoutingURL,
			SubscriptionURL:      sub.SubscriptionURL,
			SubscriptionProtocol: subgraph.SubscriptionProtocol(sub.SubscriptionProtocol),
		}
		if err := g.Registry().RegisterRemote(ctx, d, false); err != nil {
			// keep starting with whatever subgraphs did register
			log.Error("registering subgraph failed",
				abstractlogger.String("subgraph", sub.Name),
				abstractlogger.Error(err),
			)
			continue
		}
		log.Info("subgraph registered", abstractlogger.String("subgraph", sub.Name))
	}
}

// pollSchemas re-fetches every registered subgraph's SDL on an interval so
// upstream deploys roll into the supergraph without a restart.
func pollSchemas(ctx context.Context, g *gateway.Gateway, interval time.Duration, log abstractlogger.Logger) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, d := range g.Registry().List() {
				if err := g.Registry().Refresh(ctx, d.Name); err != nil {
					log.Warn("schema refresh failed",
						abstractlogger.String("subgraph", d.Name),
						abstractlogger.Error(err),
					)
				}
			}
		}
	}
}

func newLogger(level string) (abstractlogger.Logger, func(), error) {
	var zapLevel zapcore.Level
	if err := zapLevel.UnmarshalText([]byte(level)); err != nil {
		return nil, nil, err
	}
	zapCfg := zap.NewProductionConfig()
	zapCfg.Level = zap.NewAtomicLevelAt(zapLevel)
	zapLog, err := zapCfg.Build()
	if err != nil {
		return nil, nil, err
	}
	return abstractlogger.NewZapLogger(zapLog, abstractLevel(zapLevel)), func() { _ = zapLog.Sync() }, nil
}

func abstractLevel(l zapcore.Level) abstractlogger.Level {
	switch {
	case l <= zapcore.DebugLevel:
		return abstractlogger.DebugLevel
	case l == zapcore.InfoLevel:
		return abstractlogger.InfoLevel
	case l == zapcore.WarnLevel:
		return abstractlogger.WarnLevel
	default:
		return abstractlogger.ErrorLevel
	}
}
