package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"ergo.services/hive/act"
	"ergo.services/hive/gen"
	"ergo.services/hive/node"
	"ergo.services/hive/protocol"

	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// options defines flags of the hive command.
type options struct {
	configPath  string
	name        string
	logLevel    string
	metricsAddr string
	duration    time.Duration
	interval    time.Duration
}

func newOptions() *options {
	return &options{}
}

func (o *options) addFlags(cmd *cobra.Command) {
	cmd.Flags().StringVar(&o.configPath, "config", "", "Path of the configuration file")
	cmd.Flags().StringVar(&o.name, "name", "", "Node name, overrides the one of the configuration file")
	cmd.Flags().StringVar(&o.logLevel, "log-level", "", "log level (etc: debug|info|warn|error)")
	cmd.Flags().StringVar(&o.metricsAddr, "metrics-addr", "", "Serve prometheus metrics on this address")
	cmd.Flags().DurationVar(&o.duration, "duration", 0, "Stop the node after this duration, 0 runs until interrupted")
	cmd.Flags().DurationVar(&o.interval, "interval", 200*time.Millisecond, "Interval of the demo feeder")
}

func (o *options) loadConfig(cmd *cobra.Command) (*node.Config, error) {
	cfg := node.NewConfig()
	if o.configPath != "" {
		if err := cfg.ConfigFromFile(o.configPath); err != nil {
			return nil, err
		}
	}
	if cmd.Flags().Changed("name") {
		cfg.Name = o.name
	}
	if cmd.Flags().Changed("log-level") {
		cfg.Log.Level = o.logLevel
	}
	if err := cfg.Adjust(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (o *options) run(cmd *cobra.Command) error {
	cfg, err := o.loadConfig(cmd)
	if err != nil {
		return errors.Trace(err)
	}
	nodeOptions, err := cfg.Options()
	if err != nil {
		return errors.Trace(err)
	}
	log.Info("hive config", zap.Stringer("config", cfg))

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	if o.duration > 0 {
		ctx, cancel = context.WithTimeout(ctx, o.duration)
		defer cancel()
	}

	if o.metricsAddr != "" {
		server := o.serveMetrics()
		defer server.Close()
	}

	n, err := node.Start(gen.Atom(cfg.Name), nodeOptions)
	if err != nil {
		return errors.Trace(err)
	}

	spec := demoSpec(act.Intensity{
		MaxRestarts: cfg.Supervisor.MaxRestarts,
		Period:      cfg.Supervisor.Period,
	}, o.interval)
	sup, err := act.SpawnSupervisor(n, spec, gen.ProcessOptions{Name: "demo"})
	if err != nil {
		n.Stop()
		return errors.Annotate(err, "start demo tree")
	}
	log.Info("demo tree started", zap.Stringer("supervisor", sup))

	<-ctx.Done()
	log.Info("stopping node", zap.String("node", cfg.Name))
	if err := n.Stop(); err != nil {
		return errors.Trace(err)
	}
	log.Info("hive exits successfully")
	return nil
}

func (o *options) serveMetrics() *http.Server {
	registry := prometheus.NewRegistry()
	node.InitMetrics(registry)
	act.InitMetrics(registry)
	protocol.InitMetrics(registry)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	server := &http.Server{Addr: o.metricsAddr, Handler: mux}
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("metrics server failed", zap.Error(err))
		}
	}()
	return server
}

// newCmd creates the hive command.
func newCmd() *cobra.Command {
	o := newOptions()

	command := &cobra.Command{
		Use:          "hive",
		Short:        "Start a node running the demo supervision tree",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			err := o.run(cmd)
			if err != nil {
				log.Error("hive failed", zap.Error(err))
			}
			return err
		},
	}
	o.addFlags(command)
	return command
}
