package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"CommHandler/internal/comm"
	"CommHandler/internal/core/network"
	"CommHandler/internal/scenario"
)

var rootCmd = &cobra.Command{
	Use:           "commhandler",
	Short:         "Coordinator/worker comm handler with rendezvous broadcast",
	SilenceUsage:  true,
	SilenceErrors: true,
}

var coordinatorCmd = &cobra.Command{
	Use:   "coordinator",
	Short: "Accept workers, bring up the broadcast channel and run the exchange",
	RunE: func(cmd *cobra.Command, args []string) error {
		log, err := newLogger(cmd)
		if err != nil {
			return err
		}
		defer log.Sync()

		cfg, err := configFromFlags(cmd, comm.RoleCoordinator)
		if err != nil {
			return err
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		h, err := comm.New(cfg, newTransport(ctx, cmd, log), comm.WithLogger(log))
		if err != nil {
			return err
		}
		if err := h.Init(ctx); err != nil {
			_ = h.Shutdown()
			log.Error("comm handler init failed", zap.Error(err))
			return err
		}
		log.Info("coordinator started", zap.String("addr", h.UnicastAddr()))
		if err := (&scenario.Coordinator{Handler: h, Log: log}).Run(ctx); err != nil {
			log.Error("coordinator failed", zap.Error(err))
			return err
		}
		log.Info("test passed")
		return nil
	},
}

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Connect to a coordinator and answer its tasks",
	RunE: func(cmd *cobra.Command, args []string) error {
		log, err := newLogger(cmd)
		if err != nil {
			return err
		}
		defer log.Sync()

		coordinator, _ := cmd.Flags().GetString("coordinator")
		cfg, err := configFromFlags(cmd, comm.RoleWorker)
		if err != nil {
			return err
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		h, err := comm.New(cfg, newTransport(ctx, cmd, log), comm.WithLogger(log))
		if err != nil {
			return err
		}
		if err := h.Init(ctx); err != nil {
			_ = h.Shutdown()
			return err
		}
		if err := (&scenario.Worker{Handler: h, Coordinator: coordinator, Log: log}).Run(ctx); err != nil {
			log.Error("worker failed", zap.Error(err))
			return err
		}
		return nil
	},
}

var demoCmd = &cobra.Command{
	Use:   "demo",
	Short: "Run a coordinator and its workers in one process",
	RunE: func(cmd *cobra.Command, args []string) error {
		log, err := newLogger(cmd)
		if err != nil {
			return err
		}
		defer log.Sync()

		cfg, err := configFromFlags(cmd, comm.RoleCoordinator)
		if err != nil {
			return err
		}
		clients, _ := cmd.Flags().GetInt("clients")
		cfg.ExpectedClients = clients
		if err := cfg.Validate(); err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		var factory scenario.TransportFactory
		kind, _ := cmd.Flags().GetString("transport")
		switch kind {
		case "memory":
			factory = scenario.MemoryTransports()
		case "libp2p":
			factory = scenario.Libp2pTransports(ctx, network.Libp2pOptions{Logger: log})
		default:
			return fmt.Errorf("unknown transport %q, want memory or libp2p", kind)
		}
		if err := scenario.RunLocal(ctx, cfg, factory, log); err != nil {
			log.Error("demo failed", zap.Error(err))
			return err
		}
		log.Info("demo passed", zap.Int("clients", clients), zap.String("transport", kind))
		return nil
	},
}

func configFromFlags(cmd *cobra.Command, role comm.Role) (comm.Config, error) {
	f := cmd.Flags()
	cfg := comm.DefaultConfig()
	cfg.Role = role

	id, _ := f.GetInt32("id")
	cfg.NodeID = id
	cfg.BindAddress, _ = f.GetString("ip")
	cfg.UnicastPort, _ = f.GetInt("port")
	cfg.ExpectedClients, _ = f.GetInt("ncli")
	cfg.PublishPort, _ = f.GetInt("pubport")
	cfg.BaseChannelID, _ = f.GetInt32("channel")
	cfg.AcceptTimeout, _ = f.GetDuration("accept-timeout")
	cfg.HandshakeTimeout, _ = f.GetDuration("handshake-timeout")
	return cfg, cfg.Validate()
}

func newTransport(ctx context.Context, cmd *cobra.Command, log *zap.Logger) network.Transport {
	keyFile, _ := cmd.Flags().GetString("key-file")
	return network.NewLibp2p(ctx, network.Libp2pOptions{
		IdentityKeyFile: keyFile,
		Logger:          log,
	})
}

func newLogger(cmd *cobra.Command) (*zap.Logger, error) {
	raw, _ := cmd.Flags().GetString("log-level")
	level, err := zapcore.ParseLevel(raw)
	if err != nil {
		return nil, err
	}
	cfg := zap.NewProductionConfig()
	if level == zapcore.DebugLevel {
		cfg = zap.NewDevelopmentConfig()
	}
	cfg.Level = zap.NewAtomicLevelAt(level)
	return cfg.Build()
}

func init() {
	rootCmd.PersistentFlags().String("log-level", "info", "debug, info, warn or error")

	for _, cmd := range []*cobra.Command{coordinatorCmd, workerCmd, demoCmd} {
		cmd.Flags().Int32("id", 0, "node id")
		cmd.Flags().String("ip", comm.DefaultBindAddress, "ip address")
		cmd.Flags().Int("port", comm.DefaultUnicastPort, "unicast port number")
		cmd.Flags().Int("ncli", 1, "number of clients expected")
		cmd.Flags().Int("pubport", comm.DefaultPublishPort, "publish port number")
		cmd.Flags().Int32("channel", comm.DefaultBaseChannelID, "broadcast channel id")
		cmd.Flags().Duration("accept-timeout", 0, "bound on each accept (0 waits forever)")
		cmd.Flags().Duration("handshake-timeout", 0, "bound on connect and publish handshakes (0 waits forever)")
	}
	for _, cmd := range []*cobra.Command{coordinatorCmd, workerCmd} {
		cmd.Flags().String("key-file", "", "persist the libp2p identity key at this path")
	}

	workerCmd.Flags().String("coordinator", "", "coordinator multiaddr, as printed by the coordinator")
	_ = workerCmd.MarkFlagRequired("coordinator")

	demoCmd.Flags().String("transport", "memory", "memory or libp2p")
	demoCmd.Flags().Int("clients", 2, "number of in-process workers")

	rootCmd.AddCommand(coordinatorCmd, workerCmd, demoCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
