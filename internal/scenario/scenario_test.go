package scenario

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"CommHandler/internal/comm"
	"CommHandler/internal/core/network"
)

func TestRunLocalOverMemory(t *testing.T) {
	for _, clients := range []int{1, 2, 5} {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		cfg := comm.DefaultConfig()
		cfg.ExpectedClients = clients
		err := RunLocal(ctx, cfg, MemoryTransports(), nil)
		cancel()
		require.NoError(t, err, "%d clients", clients)
	}
}

func TestRunLocalFailsOnBusyAddress(t *testing.T) {
	ctx := context.Background()
	mem := network.NewMemory()
	squatter := mem.Node("squatter")
	defer squatter.Close()
	cfg := comm.DefaultConfig()
	_, err := squatter.Listen(ctx, cfg.UnicastAddr())
	require.NoError(t, err)

	err = RunLocal(ctx, cfg, func(name string) (network.Transport, error) {
		return mem.Node(name), nil
	}, nil)
	assert.ErrorIs(t, err, comm.ErrBindFailure)
}

func TestWorkerRejectsForeignTask(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	mem := network.NewMemory()

	coord, err := comm.New(comm.DefaultConfig(), mem.Node("coordinator"))
	require.NoError(t, err)
	defer coord.Shutdown()
	require.NoError(t, coord.Init(ctx))

	wcfg := comm.DefaultConfig()
	wcfg.Role = comm.RoleWorker
	w, err := comm.New(wcfg, mem.Node("worker"))
	require.NoError(t, err)
	require.NoError(t, w.Init(ctx))
	done := make(chan error, 1)
	go func() {
		done <- (&Worker{Handler: w, Coordinator: coord.UnicastAddr()}).Run(ctx)
	}()

	id, err := coord.AcceptOne(ctx)
	require.NoError(t, err)
	_, err = coord.Send(ctx, id, []byte{9, 0, 0, 0})
	require.NoError(t, err)
	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrUnexpectedTask)
	case <-time.After(time.Second):
		t.Fatal("worker did not reject the task")
	}
	assert.ErrorIs(t, w.Shutdown(), comm.ErrAlreadyShutDown, "worker should have shut itself down")
}

func TestRunLocalOverLibp2p(t *testing.T) {
	if testing.Short() {
		t.Skip("opens loopback sockets")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	cfg := comm.DefaultConfig()
	cfg.ExpectedClients = 2
	cfg.UnicastPort = 0
	cfg.PublishPort = 0
	opts := network.Libp2pOptions{HeartbeatInterval: 100 * time.Millisecond}
	require.NoError(t, RunLocal(ctx, cfg, Libp2pTransports(ctx, opts), nil))
}
