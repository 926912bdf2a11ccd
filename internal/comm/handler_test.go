package comm

import (
	"context"
	"encoding/binary"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"CommHandler/internal/core/network"
	"CommHandler/internal/publish"
)

func newCoordinator(t *testing.T, mem *network.Memory, clients int) *Handler {
	t.Helper()
	cfg := DefaultConfig()
	cfg.ExpectedClients = clients
	h, err := New(cfg, mem.Node("coordinator"))
	require.NoError(t, err)
	require.NoError(t, h.Init(context.Background()))
	t.Cleanup(func() { _ = h.Shutdown() })
	return h
}

func newWorker(t *testing.T, mem *network.Memory, i int) *Handler {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Role = RoleWorker
	cfg.NodeID = int32(100 + i)
	h, err := New(cfg, mem.Node(fmt.Sprintf("worker-%d", i)))
	require.NoError(t, err)
	require.NoError(t, h.Init(context.Background()))
	t.Cleanup(func() { _ = h.Shutdown() })
	return h
}

// connectAll connects n workers one at a time and returns them in identity
// order.
func connectAll(t *testing.T, mem *network.Memory, coord *Handler, n int) []*Handler {
	t.Helper()
	ctx := context.Background()
	workers := make([]*Handler, 0, n)
	for i := 0; i < n; i++ {
		w := newWorker(t, mem, i)
		errCh := make(chan error, 1)
		go func() {
			_, err := w.Connect(ctx, coord.UnicastAddr())
			errCh <- err
		}()
		id, err := coord.AcceptOne(ctx)
		require.NoError(t, err)
		require.NoError(t, <-errCh)
		require.Equal(t, int32(i), id)
		require.Equal(t, id, w.Self())
		workers = append(workers, w)
	}
	return workers
}

func TestTwoClientScenario(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	mem := network.NewMemory()
	coord := newCoordinator(t, mem, 2)
	workers := connectAll(t, mem, coord, 2)
	assert.Equal(t, []int32{0, 1}, coord.Registry().Identities())

	type result struct {
		identity  uint32
		broadcast Message
		err       error
	}
	results := make(chan result, len(workers))
	for _, w := range workers {
		w := w
		go func() {
			var r result
			defer func() { results <- r }()
			msg, err := w.Receive(ctx)
			if r.err = err; err != nil {
				return
			}
			r.identity = binary.LittleEndian.Uint32(msg.Payload)
			if _, r.err = w.Send(ctx, msg.Sender, []byte(fmt.Sprintf("ack %d", r.identity))); r.err != nil {
				return
			}
			r.broadcast, r.err = w.Receive(ctx)
		}()
	}

	require.NoError(t, coord.BeginPublish(ctx, DefaultBindAddress, DefaultPublishPort, DefaultBaseChannelID, 2))
	assert.Equal(t, publish.StatusReady, coord.SessionStatus())

	for _, id := range coord.Registry().Identities() {
		buf := make([]byte, 4)
		binary.LittleEndian.PutUint32(buf, uint32(id))
		n, err := coord.Send(ctx, id, buf)
		require.NoError(t, err)
		assert.Equal(t, 4, n)
	}
	acks := make(map[int32]string)
	for range workers {
		msg, err := coord.Receive(ctx)
		require.NoError(t, err)
		assert.False(t, msg.Broadcast)
		acks[msg.Sender] = string(msg.Payload)
	}
	assert.Equal(t, map[int32]string{0: "ack 0", 1: "ack 1"}, acks)

	payload := []byte("HEREhello\x00")
	n, err := coord.Publish(ctx, DefaultBaseChannelID, payload)
	require.NoError(t, err)
	assert.Equal(t, 10, n)

	seen := make(map[uint32]bool)
	for range workers {
		r := <-results
		require.NoError(t, r.err)
		assert.True(t, r.broadcast.Broadcast)
		assert.Equal(t, int32(DefaultBaseChannelID), r.broadcast.Sender)
		assert.Equal(t, payload, r.broadcast.Payload)
		seen[r.identity] = true
	}
	assert.Equal(t, map[uint32]bool{0: true, 1: true}, seen)

	for _, w := range workers {
		require.NoError(t, w.Shutdown())
	}
	require.NoError(t, coord.Shutdown())
	require.ErrorIs(t, coord.Shutdown(), ErrAlreadyShutDown)
}

func TestBroadcastSkipsSubscribersAfterReady(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	mem := network.NewMemory()
	coord := newCoordinator(t, mem, 1)
	w := connectAll(t, mem, coord, 1)[0]
	require.NoError(t, coord.BeginPublish(ctx, DefaultBindAddress, DefaultPublishPort, DefaultBaseChannelID, 1))

	pubAddr := fmt.Sprintf("%s:%d", DefaultBindAddress, DefaultPublishPort)
	stranger, err := mem.Node("stranger").Subscribe(ctx, pubAddr, DefaultBaseChannelID)
	require.NoError(t, err)

	_, err = coord.Publish(ctx, DefaultBaseChannelID, []byte("HEREhello\x00"))
	require.NoError(t, err)
	msg, err := w.Receive(ctx)
	require.NoError(t, err)
	assert.True(t, msg.Broadcast)
	assert.Equal(t, []byte("HEREhello\x00"), msg.Payload)

	wctx, wcancel := context.WithTimeout(ctx, 100*time.Millisecond)
	defer wcancel()
	_, err = stranger.Next(wctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded, "unregistered late subscriber received the broadcast")
	assert.Equal(t, []int32{0}, coord.session.Subscribers())
}

func TestShutdownUnblocksReceiveAndAccept(t *testing.T) {
	coord := newCoordinator(t, network.NewMemory(), 1)
	ctx := context.Background()

	acceptErr := make(chan error, 1)
	recvErr := make(chan error, 1)
	go func() {
		_, err := coord.AcceptOne(ctx)
		acceptErr <- err
	}()
	go func() {
		_, err := coord.Receive(ctx)
		recvErr <- err
	}()
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, coord.Shutdown())

	for name, ch := range map[string]chan error{"accept": acceptErr, "receive": recvErr} {
		select {
		case err := <-ch:
			assert.ErrorIs(t, err, ErrCancelled, name)
		case <-time.After(time.Second):
			t.Fatalf("%s still blocked after shutdown", name)
		}
	}
	require.ErrorIs(t, coord.Shutdown(), ErrAlreadyShutDown)
	_, err := coord.AcceptOne(ctx)
	require.ErrorIs(t, err, ErrInvalidState)
}

func TestShutdownUnblocksWorkerReceive(t *testing.T) {
	mem := network.NewMemory()
	coord := newCoordinator(t, mem, 1)
	w := connectAll(t, mem, coord, 1)[0]

	errCh := make(chan error, 1)
	go func() {
		_, err := w.Receive(context.Background())
		errCh <- err
	}()
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, w.Shutdown())
	select {
	case err := <-errCh:
		require.ErrorIs(t, err, ErrCancelled)
	case <-time.After(time.Second):
		t.Fatal("worker receive still blocked after shutdown")
	}
}

func TestCallOrderMisuse(t *testing.T) {
	ctx := context.Background()
	mem := network.NewMemory()

	h, err := New(DefaultConfig(), mem.Node("early"))
	require.NoError(t, err)
	_, err = h.AcceptOne(ctx)
	require.ErrorIs(t, err, ErrInvalidState, "accept before init")
	_, err = h.Send(ctx, 0, []byte("x"))
	require.ErrorIs(t, err, ErrInvalidState, "send before init")
	require.NoError(t, h.Init(ctx))
	require.ErrorIs(t, h.Init(ctx), ErrInvalidState, "init twice")
	require.ErrorIs(t, h.BeginPublish(ctx, DefaultBindAddress, DefaultPublishPort, 500, 1), ErrInvalidState, "publish before accept")
	_, err = h.Connect(ctx, "anywhere")
	require.ErrorIs(t, err, ErrInvalidState, "coordinator connect")
	require.NoError(t, h.Shutdown())

	w := newWorker(t, mem, 0)
	_, err = w.AcceptOne(ctx)
	require.ErrorIs(t, err, ErrInvalidState, "worker accept")
	_, err = w.Publish(ctx, 500, []byte("x"))
	require.ErrorIs(t, err, ErrInvalidState, "worker publish")
}

func TestPublishBeforeReadyAndUnknownChannel(t *testing.T) {
	ctx := context.Background()
	mem := network.NewMemory()
	coord := newCoordinator(t, mem, 1)
	connectAll(t, mem, coord, 1)

	_, err := coord.Publish(ctx, 500, []byte("x"))
	require.ErrorIs(t, err, ErrSessionNotReady)

	require.ErrorIs(t, coord.BeginPublish(ctx, DefaultBindAddress, DefaultPublishPort, 500, 2), ErrInvalidState, "more subscribers than registered")
	require.ErrorIs(t, coord.BeginPublish(ctx, DefaultBindAddress, DefaultPublishPort, 0, 1), ErrInvalidState, "channel collides with identity")

	require.NoError(t, coord.BeginPublish(ctx, DefaultBindAddress, DefaultPublishPort, 500, 1))
	_, err = coord.Publish(ctx, 501, []byte("x"))
	require.ErrorIs(t, err, ErrUnknownChannel)
	require.ErrorIs(t, coord.BeginPublish(ctx, DefaultBindAddress, DefaultPublishPort, 500, 1), ErrInvalidState, "second session")
}

func TestInitBindFailure(t *testing.T) {
	mem := network.NewMemory()
	newCoordinator(t, mem, 1)

	h, err := New(DefaultConfig(), mem.Node("second"))
	require.NoError(t, err)
	err = h.Init(context.Background())
	require.ErrorIs(t, err, ErrBindFailure)
	require.ErrorIs(t, err, ErrTransportFailure)
}

func TestBeginPublishBindFailureOverLibp2p(t *testing.T) {
	if testing.Short() {
		t.Skip("opens loopback sockets")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	squatter, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer squatter.Close()

	cfg := DefaultConfig()
	cfg.UnicastPort = 0
	coord, err := New(cfg, network.NewLibp2p(ctx, network.Libp2pOptions{}))
	require.NoError(t, err)
	defer coord.Shutdown()
	require.NoError(t, coord.Init(ctx))

	wcfg := cfg
	wcfg.Role = RoleWorker
	wcfg.NodeID = 100
	w, err := New(wcfg, network.NewLibp2p(ctx, network.Libp2pOptions{}))
	require.NoError(t, err)
	defer w.Shutdown()
	require.NoError(t, w.Init(ctx))

	errCh := make(chan error, 1)
	go func() {
		_, err := w.Connect(ctx, coord.UnicastAddr())
		errCh <- err
	}()
	_, err = coord.AcceptOne(ctx)
	require.NoError(t, err)
	require.NoError(t, <-errCh)

	busy := squatter.Addr().(*net.TCPAddr).Port
	err = coord.BeginPublish(ctx, DefaultBindAddress, busy, DefaultBaseChannelID, 1)
	require.ErrorIs(t, err, ErrBindFailure)
	assert.ErrorIs(t, err, ErrTransportFailure)
	assert.Equal(t, publish.StatusFailed, coord.SessionStatus())
}

func TestAcceptTimeout(t *testing.T) {
	cfg := DefaultConfig()
	cfg.AcceptTimeout = 30 * time.Millisecond
	h, err := New(cfg, network.NewMemory().Node("c"))
	require.NoError(t, err)
	defer h.Shutdown()
	require.NoError(t, h.Init(context.Background()))

	_, err = h.AcceptOne(context.Background())
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestConfigValidate(t *testing.T) {
	valid := DefaultConfig()
	require.NoError(t, valid.Validate())

	cases := map[string]func(*Config){
		"bad role":          func(c *Config) { c.Role = Role(7) },
		"negative port":     func(c *Config) { c.UnicastPort = -1 },
		"port too large":    func(c *Config) { c.PublishPort = 70000 },
		"negative clients":  func(c *Config) { c.ExpectedClients = -2 },
		"negative base":     func(c *Config) { c.IdentityBase = -1 },
		"negative timeout":  func(c *Config) { c.AcceptTimeout = -time.Second },
		"channel collision": func(c *Config) { c.ExpectedClients = 3; c.BaseChannelID = 2 },
	}
	for name, mutate := range cases {
		cfg := DefaultConfig()
		mutate(&cfg)
		assert.ErrorIs(t, cfg.Validate(), ErrInvalidConfig, name)
	}

	_, err := New(DefaultConfig(), nil)
	require.ErrorIs(t, err, ErrInvalidConfig)
}
