package main

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/caffeineduck/vmrt/internal/store"
	"github.com/caffeineduck/vmrt/system"
	"github.com/caffeineduck/vmrt/vm"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func (a *app) newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API for storing and invoking modules",
		Long: `Start an HTTP server that stores modules and invokes their functions.

Endpoints:
  GET    /health                                         Health check
  GET    /metrics                                        Prometheus metrics
  GET    /v1/drivers                                     List drivers
  PUT    /v1/modules/{name}                              Store a module (raw binary body)
  GET    /v1/modules                                     List modules
  GET    /v1/modules/{name}                              Describe a module
  DELETE /v1/modules/{name}                              Delete a module
  POST   /v1/modules/{name}/functions/{function}/invoke  Invoke {"inputs":["4xf32=1 2 3 4"]}
  GET    /v1/invocations                                 Recent invocations (?module=&limit=)
  GET    /v1/invocations/{id}                            Fetch an invocation record`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if v, _ := cmd.Flags().GetString("addr"); v != "" {
				a.cfg.ListenAddr = v
			}
			if v, _ := cmd.Flags().GetString("db"); v != "" {
				a.cfg.DBPath = v
			}

			st, err := store.NewSQLiteStore(a.cfg.DBPath)
			if err != nil {
				return err
			}
			defer st.Close()

			reg := prometheus.NewRegistry()
			reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

			inst := vm.NewInstance(vm.WithLogger(a.logger), vm.WithRegisterer(reg))
			sysCfg, err := a.newSystemConfig(system.WithInstance(inst))
			if err != nil {
				return err
			}
			defer sysCfg.Close()

			srv := newServer(serverConfig{
				Addr:        a.cfg.ListenAddr,
				CORSOrigins: a.cfg.CORSOrigins,
				Store:       st,
				Drivers:     a.registry,
				System:      sysCfg,
				Metrics:     reg,
				Logger:      a.logger,
			})

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a.logger.Debug("serve configured", zap.String("db", a.cfg.DBPath), zap.Strings("cors_origins", a.cfg.CORSOrigins))
			if err := srv.Run(ctx); err != nil {
				return fmt.Errorf("serve: %w", err)
			}
			return nil
		},
	}

	cmd.Flags().String("addr", "", "Listen address (default: $VMRT_LISTEN_ADDR or :8080)")
	cmd.Flags().String("db", "", "SQLite database path (default: $VMRT_DB_PATH or vmrt.db)")
	return cmd
}
