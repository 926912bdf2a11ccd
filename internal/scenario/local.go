package scenario

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"CommHandler/internal/comm"
	"CommHandler/internal/core/network"
)

// TransportFactory returns a fresh transport for the node called name.
type TransportFactory func(name string) (network.Transport, error)

func MemoryTransports() TransportFactory {
	mem := network.NewMemory()
	return func(name string) (network.Transport, error) {
		return mem.Node(name), nil
	}
}

// Libp2pTransports gives every node its own host. opts.IdentityKeyFile is
// ignored so that nodes never share a peer identity.
func Libp2pTransports(ctx context.Context, opts network.Libp2pOptions) TransportFactory {
	return func(name string) (network.Transport, error) {
		o := opts
		o.IdentityKeyFile = ""
		if o.Logger != nil {
			o.Logger = o.Logger.Named(name)
		}
		return network.NewLibp2p(ctx, o), nil
	}
}

// RunLocal runs the coordinator described by cfg and cfg.ExpectedClients
// workers in this process, each on a transport from newTransport.
func RunLocal(ctx context.Context, cfg comm.Config, newTransport TransportFactory, log *zap.Logger) error {
	log = logger(log)
	cfg.Role = comm.RoleCoordinator

	tr, err := newTransport("coordinator")
	if err != nil {
		return err
	}
	coord, err := comm.New(cfg, tr, comm.WithLogger(log.Named("coordinator")))
	if err != nil {
		_ = tr.Close()
		return err
	}
	if err := coord.Init(ctx); err != nil {
		_ = coord.Shutdown()
		return fmt.Errorf("init coordinator: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return (&Coordinator{Handler: coord, Log: log.Named("coordinator")}).Run(gctx)
	})
	for i := 0; i < cfg.ExpectedClients; i++ {
		name := fmt.Sprintf("worker-%d", i)
		wcfg := cfg
		wcfg.Role = comm.RoleWorker
		wcfg.NodeID = int32(i + 1)

		wtr, err := newTransport(name)
		if err != nil {
			_ = coord.Shutdown()
			_ = g.Wait()
			return err
		}
		w, err := comm.New(wcfg, wtr, comm.WithLogger(log.Named(name)))
		if err != nil {
			_ = wtr.Close()
			_ = coord.Shutdown()
			_ = g.Wait()
			return err
		}
		if err := w.Init(gctx); err != nil {
			_ = w.Shutdown()
			_ = coord.Shutdown()
			_ = g.Wait()
			return fmt.Errorf("init %s: %w", name, err)
		}
		g.Go(func() error {
			return (&Worker{Handler: w, Coordinator: coord.UnicastAddr(), Log: log.Named(name)}).Run(gctx)
		})
	}
	return g.Wait()
}
