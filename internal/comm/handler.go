// Package comm composes the endpoint registry, the unicast channel and the
// publish session into the handler a coordinator or worker drives.
package comm

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"CommHandler/internal/core/network"
	"CommHandler/internal/publish"
	"CommHandler/internal/registry"
	"CommHandler/internal/unicast"
)

type Message = unicast.Message

type state int

const (
	stateNew state = iota
	stateInitialized
	stateShutDown
)

type Option func(*Handler)

func WithLogger(log *zap.Logger) Option {
	return func(h *Handler) {
		if log != nil {
			h.log = log
		}
	}
}

type Handler struct {
	cfg Config
	tr  network.Transport
	log *zap.Logger

	reg     *registry.Registry
	uc      *unicast.Channel
	session *publish.Session

	ctx    context.Context
	cancel context.CancelFunc

	mu    sync.Mutex
	state state
	subs  []*publish.Subscriber
	subWG sync.WaitGroup
}

// New builds a handler over tr. The handler owns tr and closes it on
// Shutdown.
func New(cfg Config, tr network.Transport, opts ...Option) (*Handler, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if tr == nil {
		return nil, fmt.Errorf("%w: nil transport", ErrInvalidConfig)
	}
	h := &Handler{cfg: cfg, tr: tr, log: zap.NewNop()}
	for _, opt := range opts {
		opt(h)
	}
	h.log = h.log.With(zap.Stringer("role", cfg.Role), zap.Int32("node_id", cfg.NodeID))

	if cfg.Role == RoleCoordinator {
		h.reg = registry.New(cfg.IdentityBase, cfg.ExpectedClients)
	} else {
		h.reg = registry.New(0, 1)
	}
	h.uc = unicast.New(tr, h.reg, cfg.NodeID, h.log.Named("unicast"))
	h.session = publish.NewSession(h.log.Named("publish"))
	h.ctx, h.cancel = context.WithCancel(context.Background())
	return h, nil
}

// Init binds the coordinator's unicast listener. Workers bind nothing until
// Connect.
func (h *Handler) Init(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state != stateNew {
		return fmt.Errorf("%w: init after %s", ErrInvalidState, h.stateName())
	}
	if h.cfg.Role == RoleCoordinator {
		addr := h.cfg.UnicastAddr()
		if err := h.uc.Listen(ctx, addr); err != nil {
			h.log.Error("unicast bind failed", zap.String("addr", addr), zap.Error(err))
			return fmt.Errorf("%w: %w", ErrBindFailure, err)
		}
		h.log.Info("unicast listening", zap.String("addr", h.uc.Addr()))
	} else {
		h.uc.OnInvite(h.handleInvite)
	}
	h.state = stateInitialized
	return nil
}

// AcceptOne blocks until one worker connects and returns its identity.
func (h *Handler) AcceptOne(ctx context.Context) (int32, error) {
	if err := h.enter("accept", RoleCoordinator); err != nil {
		return 0, err
	}
	ctx, done := h.scope(ctx, h.cfg.AcceptTimeout)
	defer done()
	id, err := h.uc.AcceptOne(ctx)
	if err != nil {
		return 0, h.interrupted(err)
	}
	return id, nil
}

// Connect dials the coordinator at addr and returns the coordinator's
// identity. The identity assigned to this worker is available from Self.
func (h *Handler) Connect(ctx context.Context, addr string) (int32, error) {
	if err := h.enter("connect", RoleWorker); err != nil {
		return 0, err
	}
	ctx, done := h.scope(ctx, h.cfg.HandshakeTimeout)
	defer done()
	id, err := h.uc.Connect(ctx, addr)
	if err != nil {
		return 0, h.interrupted(err)
	}
	return id, nil
}

func (h *Handler) Send(ctx context.Context, identity int32, payload []byte) (int, error) {
	if err := h.enter("send"); err != nil {
		return 0, err
	}
	ctx, done := h.scope(ctx, 0)
	defer done()
	n, err := h.uc.Send(ctx, identity, payload)
	if err != nil {
		return 0, h.interrupted(err)
	}
	return n, nil
}

// Receive blocks until a unicast or broadcast message is available.
// Broadcast messages carry the channel identifier as their sender.
func (h *Handler) Receive(ctx context.Context) (Message, error) {
	if err := h.enter("receive"); err != nil {
		return Message{}, err
	}
	ctx, done := h.scope(ctx, 0)
	defer done()
	msg, err := h.uc.Receive(ctx)
	if err != nil {
		return Message{}, h.interrupted(err)
	}
	return msg, nil
}

// BeginPublish opens the broadcast endpoint at addr:port, invites every
// registered worker to it and blocks until expected of them have subscribed.
func (h *Handler) BeginPublish(ctx context.Context, addr string, port int, channel int32, expected int) error {
	if err := h.enter("begin publish", RoleCoordinator); err != nil {
		return err
	}
	if st := h.session.Status(); st != publish.StatusUninitialized {
		return fmt.Errorf("%w: publish session is %s", ErrInvalidState, st)
	}
	if expected < 1 || h.reg.Len() < expected {
		return fmt.Errorf("%w: %d subscribers expected, %d registered", ErrInvalidState, expected, h.reg.Len())
	}
	if _, err := h.reg.Resolve(channel); err == nil {
		return fmt.Errorf("%w: channel %d collides with a registered identity", ErrInvalidState, channel)
	}

	ctx, done := h.scope(ctx, h.cfg.HandshakeTimeout)
	defer done()
	err := h.session.Begin(ctx, publish.BeginParams{
		Transport: h.tr,
		Addr:      net.JoinHostPort(addr, strconv.Itoa(port)),
		Channel:   channel,
		Expected:  expected,
		Resolver:  h.reg,
		Advertise: h.advertise,
	})
	switch {
	case err == nil:
		return nil
	case errors.Is(err, network.ErrAddressInUse):
		return fmt.Errorf("%w: %w", ErrBindFailure, err)
	default:
		return h.interrupted(err)
	}
}

func (h *Handler) advertise(ctx context.Context, channel int32, addr string) error {
	for _, id := range h.reg.Identities() {
		if err := h.uc.Invite(ctx, id, unicast.Invite{Channel: channel, Addr: addr}); err != nil {
			return fmt.Errorf("invite identity %d: %w", id, err)
		}
	}
	return nil
}

// Publish broadcasts payload on channel and returns len(payload).
func (h *Handler) Publish(ctx context.Context, channel int32, payload []byte) (int, error) {
	if err := h.enter("publish", RoleCoordinator); err != nil {
		return 0, err
	}
	if h.session.Status() != publish.StatusUninitialized && channel != h.session.Channel() {
		return 0, fmt.Errorf("%w: %d", ErrUnknownChannel, channel)
	}
	ctx, done := h.scope(ctx, 0)
	defer done()
	n, err := h.session.Publish(ctx, payload)
	if err != nil {
		return 0, h.interrupted(err)
	}
	return n, nil
}

// Shutdown closes every channel and the transport. Callers blocked in
// Receive or AcceptOne return ErrCancelled.
func (h *Handler) Shutdown() error {
	h.mu.Lock()
	if h.state == stateShutDown {
		h.mu.Unlock()
		return ErrAlreadyShutDown
	}
	h.state = stateShutDown
	h.mu.Unlock()

	h.cancel()
	h.subWG.Wait()

	h.mu.Lock()
	subs := h.subs
	h.subs = nil
	h.mu.Unlock()

	err := h.session.Close()
	for _, s := range subs {
		err = multierr.Append(err, s.Close())
	}
	err = multierr.Append(err, h.uc.Close())
	err = multierr.Append(err, h.tr.Close())
	if err != nil {
		h.log.Warn("shutdown finished with errors", zap.Error(err))
		return err
	}
	h.log.Info("shut down")
	return nil
}

// Self is this node's identity as its peers know it.
func (h *Handler) Self() int32 { return h.uc.Self() }

func (h *Handler) Config() Config { return h.cfg }

func (h *Handler) Registry() *registry.Registry { return h.reg }

// UnicastAddr is the address workers dial, empty before Init.
func (h *Handler) UnicastAddr() string { return h.uc.Addr() }

func (h *Handler) SessionStatus() publish.Status { return h.session.Status() }

func (h *Handler) handleInvite(inv unicast.Invite) {
	h.mu.Lock()
	if h.state != stateInitialized {
		h.mu.Unlock()
		return
	}
	h.subWG.Add(1)
	h.mu.Unlock()

	go func() {
		defer h.subWG.Done()
		log := h.log.With(zap.Int32("channel", inv.Channel))
		ctx, done := h.scope(context.Background(), h.cfg.HandshakeTimeout)
		defer done()

		sub, err := publish.Subscribe(ctx, h.tr, inv.Channel, inv.Addr, h.uc.Deliver, h.log.Named("subscriber"))
		if err != nil {
			if h.ctx.Err() == nil {
				log.Error("subscribe failed", zap.String("addr", inv.Addr), zap.Error(err))
			}
			return
		}
		h.mu.Lock()
		if h.state != stateInitialized {
			h.mu.Unlock()
			_ = sub.Close()
			return
		}
		h.subs = append(h.subs, sub)
		h.mu.Unlock()
	}()
}

func (h *Handler) enter(op string, roles ...Role) error {
	h.mu.Lock()
	st := h.state
	h.mu.Unlock()
	if st != stateInitialized {
		return fmt.Errorf("%w: %s while %s", ErrInvalidState, op, h.nameOf(st))
	}
	if len(roles) == 0 {
		return nil
	}
	for _, r := range roles {
		if r == h.cfg.Role {
			return nil
		}
	}
	return fmt.Errorf("%w: %s is not available to a %s", ErrInvalidState, op, h.cfg.Role)
}

// scope ties ctx to the handler lifetime and an optional timeout.
func (h *Handler) scope(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	var cancel context.CancelFunc
	if timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, timeout)
	} else {
		ctx, cancel = context.WithCancel(ctx)
	}
	stop := context.AfterFunc(h.ctx, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}

func (h *Handler) interrupted(err error) error {
	if h.ctx.Err() != nil || errors.Is(err, unicast.ErrClosed) || errors.Is(err, publish.ErrClosed) {
		return ErrCancelled
	}
	return err
}

func (h *Handler) stateName() string { return h.nameOf(h.state) }

func (h *Handler) nameOf(st state) string {
	switch st {
	case stateNew:
		return "uninitialized"
	case stateInitialized:
		return "initialized"
	default:
		return "shut down"
	}
}
