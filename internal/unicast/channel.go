// Package unicast delivers identity-addressed messages over transport
// conns and queues everything a peer sends until Receive collects it.
package unicast

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"CommHandler/internal/core/network"
	"CommHandler/internal/core/queue"
	"CommHandler/internal/registry"
)

var (
	ErrUnrecognizedSender = errors.New("unrecognized sender")
	ErrNotListening       = errors.New("unicast channel is not listening")
	ErrProtocol           = errors.New("unicast protocol violation")
	ErrClosed             = errors.New("unicast channel closed")
)

// Message is an inbound message. Broadcast payloads carry the channel
// identifier in Sender.
type Message struct {
	Sender    int32
	Broadcast bool
	Payload   []byte
}

// Invite advertises a publish endpoint to a worker.
type Invite struct {
	Channel int32
	Addr    string
}

type inbound struct {
	addr      string
	broadcast bool
	channel   int32
	payload   []byte
}

type Channel struct {
	tr     network.Transport
	reg    *registry.Registry
	log    *zap.Logger
	nodeID int32
	self   atomic.Int32
	inbox  *queue.Queue[inbound]

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	listener network.Listener
	onInvite func(Invite)
	closed   bool
}

// New returns a channel that announces nodeID to the peers it connects to.
func New(tr network.Transport, reg *registry.Registry, nodeID int32, log *zap.Logger) *Channel {
	if log == nil {
		log = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Channel{
		tr:     tr,
		reg:    reg,
		log:    log,
		nodeID: nodeID,
		inbox:  queue.New[inbound](),
		ctx:    ctx,
		cancel: cancel,
	}
	c.self.Store(nodeID)
	return c
}

// Self is the identity peers know this node by. For a worker it is the
// identity the coordinator assigned during Connect.
func (c *Channel) Self() int32 { return c.self.Load() }

// OnInvite installs the hook the pump calls when an invite frame arrives.
// It must not block.
func (c *Channel) OnInvite(fn func(Invite)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onInvite = fn
}

func (c *Channel) Listen(ctx context.Context, addr string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if c.listener != nil {
		return fmt.Errorf("unicast already listening on %s", c.listener.Addr())
	}
	l, err := c.tr.Listen(ctx, addr)
	if err != nil {
		return err
	}
	c.listener = l
	return nil
}

// Addr is the listener address peers dial, empty when not listening.
func (c *Channel) Addr() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.listener == nil {
		return ""
	}
	return c.listener.Addr()
}

// AcceptOne blocks until a peer completes the hello/welcome exchange and
// returns the identity it was registered under.
func (c *Channel) AcceptOne(ctx context.Context) (int32, error) {
	c.mu.Lock()
	l := c.listener
	c.mu.Unlock()
	if l == nil {
		return 0, ErrNotListening
	}
	ctx, done := c.bound(ctx)
	defer done()

	conn, err := l.Accept(ctx)
	if err != nil {
		return 0, c.lifetimeErr(err)
	}
	hello, err := c.readFrame(ctx, conn)
	if err != nil {
		_ = conn.Close()
		return 0, c.lifetimeErr(err)
	}
	if hello.kind != kindHello {
		_ = conn.Close()
		return 0, fmt.Errorf("%w: expected hello from %s, got %s", ErrProtocol, conn.RemoteAddr(), hello.kind)
	}

	id, err := c.reg.Register(conn.RemoteAddr(), conn)
	if err != nil {
		_ = conn.Close()
		return 0, err
	}
	welcome := frame{kind: kindWelcome, id: id, peer: c.nodeID}
	if err := conn.Send(ctx, welcome.encode()); err != nil {
		c.reg.Discard(id)
		_ = conn.Close()
		return 0, c.lifetimeErr(err)
	}

	c.startPump(conn)
	c.log.Info("peer registered",
		zap.Int32("identity", id),
		zap.Int32("node_id", hello.id),
		zap.String("addr", conn.RemoteAddr()))
	return id, nil
}

// Connect dials a coordinator, performs the hello/welcome exchange and
// returns the coordinator's identity.
func (c *Channel) Connect(ctx context.Context, addr string) (int32, error) {
	ctx, done := c.bound(ctx)
	defer done()

	conn, err := c.tr.Dial(ctx, addr)
	if err != nil {
		return 0, c.lifetimeErr(err)
	}
	if err := conn.Send(ctx, frame{kind: kindHello, id: c.nodeID}.encode()); err != nil {
		_ = conn.Close()
		return 0, c.lifetimeErr(err)
	}
	welcome, err := c.readFrame(ctx, conn)
	if err != nil {
		_ = conn.Close()
		return 0, c.lifetimeErr(err)
	}
	if welcome.kind != kindWelcome {
		_ = conn.Close()
		return 0, fmt.Errorf("%w: expected welcome from %s, got %s", ErrProtocol, addr, welcome.kind)
	}
	if err := c.reg.RegisterAs(welcome.peer, conn.RemoteAddr(), conn); err != nil {
		_ = conn.Close()
		return 0, err
	}
	c.self.Store(welcome.id)

	c.startPump(conn)
	c.log.Info("connected",
		zap.String("addr", addr),
		zap.Int32("peer_identity", welcome.peer),
		zap.Int32("assigned_identity", welcome.id))
	return welcome.peer, nil
}

// Send delivers payload to identity and returns the number of payload bytes
// the transport accepted.
func (c *Channel) Send(ctx context.Context, identity int32, payload []byte) (int, error) {
	if err := c.send(ctx, identity, frame{kind: kindData, payload: payload}); err != nil {
		return 0, err
	}
	return len(payload), nil
}

// Invite advertises a publish endpoint to identity.
func (c *Channel) Invite(ctx context.Context, identity int32, inv Invite) error {
	return c.send(ctx, identity, frame{kind: kindInvite, channel: inv.Channel, addr: inv.Addr})
}

func (c *Channel) send(ctx context.Context, identity int32, f frame) error {
	if c.ctx.Err() != nil {
		return ErrClosed
	}
	ep, err := c.reg.Resolve(identity)
	if err != nil {
		return err
	}
	ctx, done := c.bound(ctx)
	defer done()
	if err := ep.Conn.Send(ctx, f.encode()); err != nil {
		return c.lifetimeErr(err)
	}
	return nil
}

// Receive blocks until a message is queued. Messages that arrived before
// the call are returned first, in arrival order.
func (c *Channel) Receive(ctx context.Context) (Message, error) {
	in, err := c.inbox.Pop(ctx)
	if err != nil {
		if errors.Is(err, queue.ErrClosed) {
			return Message{}, ErrClosed
		}
		return Message{}, err
	}
	if in.broadcast {
		return Message{Sender: in.channel, Broadcast: true, Payload: in.payload}, nil
	}
	id, err := c.reg.Lookup(in.addr)
	if err != nil {
		return Message{}, fmt.Errorf("%w: %s", ErrUnrecognizedSender, in.addr)
	}
	return Message{Sender: id, Payload: in.payload}, nil
}

// Deliver queues a broadcast payload received on channel.
func (c *Channel) Deliver(channel int32, payload []byte) bool {
	return c.inbox.Push(inbound{broadcast: true, channel: channel, payload: payload})
}

// Close stops every pump, closes the listener and every endpoint, and
// wakes blocked callers with ErrClosed.
func (c *Channel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	l := c.listener
	c.mu.Unlock()

	c.cancel()
	var err error
	if l != nil {
		err = multierr.Append(err, l.Close())
	}
	err = multierr.Append(err, c.reg.Close())
	c.inbox.Close()
	c.wg.Wait()
	return err
}

func (c *Channel) startPump(conn network.Conn) {
	c.wg.Add(1)
	go c.pump(conn)
}

func (c *Channel) pump(conn network.Conn) {
	defer c.wg.Done()
	addr := conn.RemoteAddr()
	for {
		b, err := conn.Recv(c.ctx)
		if err != nil {
			if c.ctx.Err() != nil || errors.Is(err, io.EOF) || errors.Is(err, network.ErrClosed) {
				c.log.Debug("peer stream ended", zap.String("addr", addr), zap.Error(err))
			} else {
				c.log.Warn("unicast recv failed", zap.String("addr", addr), zap.Error(err))
			}
			return
		}
		f, err := decodeFrame(b)
		if err != nil {
			c.log.Warn("dropping frame", zap.String("addr", addr), zap.Error(err))
			continue
		}
		switch f.kind {
		case kindData:
			if !c.inbox.Push(inbound{addr: addr, payload: f.payload}) {
				return
			}
		case kindInvite:
			c.mu.Lock()
			fn := c.onInvite
			c.mu.Unlock()
			if fn == nil {
				c.log.Warn("ignoring invite, no handler", zap.String("addr", addr), zap.Int32("channel", f.channel))
				continue
			}
			fn(Invite{Channel: f.channel, Addr: f.addr})
		default:
			c.log.Warn("unexpected frame", zap.String("addr", addr), zap.Stringer("kind", f.kind))
		}
	}
}

func (c *Channel) readFrame(ctx context.Context, conn network.Conn) (frame, error) {
	b, err := conn.Recv(ctx)
	if err != nil {
		return frame{}, err
	}
	return decodeFrame(b)
}

// bound derives a context that also ends when the channel closes.
func (c *Channel) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(c.ctx, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}

func (c *Channel) lifetimeErr(err error) error {
	if c.ctx.Err() != nil {
		return ErrClosed
	}
	return err
}
