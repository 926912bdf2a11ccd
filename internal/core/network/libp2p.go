package network

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	libp2p "github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	pb "github.com/libp2p/go-libp2p-pubsub/pb"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	lpnet "github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
	noise "github.com/libp2p/go-libp2p/p2p/security/noise"
	"github.com/libp2p/go-msgio"
	ma "github.com/multiformats/go-multiaddr"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"CommHandler/internal/core/queue"
)

const UnicastProtocol protocol.ID = "/commhandler/unicast/1.0.0"

const defaultMaxMessageSize = 4 << 20

// Libp2pOptions configures the libp2p transport.
type Libp2pOptions struct {
	IdentityKeyFile string
	MaxMessageSize  int
	// HeartbeatInterval overrides the gossipsub heartbeat. Zero keeps the
	// library default.
	HeartbeatInterval time.Duration
	Logger            *zap.Logger
}

// Libp2p runs one libp2p host per node. The unicast listener and the
// publish endpoint are listen addresses of the same host, so a remote peer
// is known under a single peer ID on both paths.
type Libp2p struct {
	ctx    context.Context
	cancel context.CancelFunc
	opts   Libp2pOptions
	log    *zap.Logger

	admission *admission

	mu       sync.Mutex
	host     host.Host
	ps       *pubsub.PubSub
	topics   map[string]*pubsub.Topic
	listener *libp2pListener
	closed   bool
}

func NewLibp2p(parent context.Context, opts Libp2pOptions) *Libp2p {
	ctx, cancel := context.WithCancel(parent)
	if opts.MaxMessageSize <= 0 {
		opts.MaxMessageSize = defaultMaxMessageSize
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Libp2p{
		ctx:       ctx,
		cancel:    cancel,
		opts:      opts,
		log:       log.Named("libp2p"),
		admission: &admission{frozen: make(map[string]map[peer.ID]struct{})},
		topics:    make(map[string]*pubsub.Topic),
	}
}

// PeerID returns the host's peer ID, or an empty string before the host
// exists.
func (t *Libp2p) PeerID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.host == nil {
		return ""
	}
	return t.host.ID().String()
}

// ensureHostLocked creates the host on first use and makes it listen on
// listen. It returns the newly bound addresses in full /p2p/ form.
func (t *Libp2p) ensureHostLocked(listen ...ma.Multiaddr) ([]string, error) {
	if t.closed {
		return nil, ErrClosed
	}
	if t.host == nil {
		opts := []libp2p.Option{
			libp2p.Security(noise.ID, noise.New),
			libp2p.DisableRelay(),
		}
		if len(listen) > 0 {
			opts = append(opts, libp2p.ListenAddrs(listen...))
		} else {
			opts = append(opts, libp2p.NoListenAddrs)
		}
		if t.opts.IdentityKeyFile != "" {
			key, err := loadOrCreateIdentityKey(t.opts.IdentityKeyFile)
			if err != nil {
				return nil, fmt.Errorf("load identity key: %w", err)
			}
			opts = append(opts, libp2p.Identity(key))
		}

		h, err := libp2p.New(opts...)
		if err != nil {
			if len(listen) > 0 {
				return nil, bindError(err)
			}
			return nil, fmt.Errorf("create host: %w", err)
		}

		psOpts := []pubsub.Option{
			pubsub.WithFloodPublish(true),
			pubsub.WithMaxMessageSize(t.opts.MaxMessageSize),
			pubsub.WithSubscriptionFilter(t.admission),
		}
		if t.opts.HeartbeatInterval > 0 {
			params := pubsub.DefaultGossipSubParams()
			params.HeartbeatInterval = t.opts.HeartbeatInterval
			psOpts = append(psOpts, pubsub.WithGossipSubParams(params))
		}
		ps, err := pubsub.NewGossipSub(t.ctx, h, psOpts...)
		if err != nil {
			_ = h.Close()
			return nil, fmt.Errorf("create gossipsub: %w", err)
		}
		t.host = h
		t.ps = ps
		t.log.Info("host started", zap.String("peer_id", h.ID().String()))
		return t.fullAddrs(h.Network().ListenAddresses(), listen), nil
	}

	if len(listen) == 0 {
		return nil, nil
	}
	before := make(map[string]struct{})
	for _, a := range t.host.Network().ListenAddresses() {
		before[a.String()] = struct{}{}
	}
	if err := t.host.Network().Listen(listen...); err != nil {
		return nil, bindError(err)
	}
	var added []ma.Multiaddr
	for _, a := range t.host.Network().ListenAddresses() {
		if _, ok := before[a.String()]; !ok {
			added = append(added, a)
		}
	}
	return t.fullAddrs(added, listen), nil
}

func (t *Libp2p) fullAddrs(addrs, want []ma.Multiaddr) []string {
	return dialableAddrs(t.host.ID(), addrs, want)
}

// dialableAddrs renders addrs in /p2p/ form, leaving out relay circuits.
// Addresses on the same transport as one of want come first.
func dialableAddrs(id peer.ID, addrs, want []ma.Multiaddr) []string {
	var matched, rest []string
	for _, addr := range addrs {
		if _, err := addr.ValueForProtocol(ma.P_CIRCUIT); err == nil {
			continue
		}
		full := fmt.Sprintf("%s/p2p/%s", addr.String(), id.String())
		if sameTransport(addr, want) {
			matched = append(matched, full)
		} else {
			rest = append(rest, full)
		}
	}
	return append(matched, rest...)
}

func sameTransport(addr ma.Multiaddr, want []ma.Multiaddr) bool {
	protos := addr.Protocols()
	for _, w := range want {
		wp := w.Protocols()
		if len(wp) != len(protos) {
			continue
		}
		same := true
		for i := range wp {
			if wp[i].Code != protos[i].Code {
				same = false
				break
			}
		}
		if same {
			return true
		}
	}
	return false
}

// bindError classifies a failed host listen. The swarm flattens the socket
// error into text, so every listen failure is reported as ErrAddressInUse.
func bindError(err error) error {
	return fmt.Errorf("%w: %w", ErrAddressInUse, err)
}

func (t *Libp2p) Listen(_ context.Context, addr string) (Listener, error) {
	maddr, err := ToMultiaddr(addr)
	if err != nil {
		return nil, opError("listen", addr, err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.listener != nil {
		return nil, opError("listen", addr, ErrAddressInUse)
	}
	bound, err := t.ensureHostLocked(maddr)
	if err != nil {
		return nil, opError("listen", addr, err)
	}
	if len(bound) == 0 {
		return nil, opError("listen", addr, errors.New("no address bound"))
	}

	l := &libp2pListener{t: t, addr: bound[0], accepts: queue.New[Conn]()}
	t.host.SetStreamHandler(UnicastProtocol, func(s lpnet.Stream) {
		c := newStreamConn(s, t.opts.MaxMessageSize)
		if !l.accepts.Push(c) {
			_ = s.Reset()
		}
	})
	t.listener = l
	t.log.Info("unicast listening", zap.String("addr", l.addr))
	return l, nil
}

func (t *Libp2p) Dial(ctx context.Context, addr string) (Conn, error) {
	info, err := peer.AddrInfoFromString(addr)
	if err != nil {
		return nil, opError("dial", addr, err)
	}

	t.mu.Lock()
	_, err = t.ensureHostLocked()
	h := t.host
	t.mu.Unlock()
	if err != nil {
		return nil, opError("dial", addr, err)
	}

	if err := h.Connect(ctx, *info); err != nil {
		return nil, opError("dial", addr, err)
	}
	s, err := h.NewStream(ctx, info.ID, UnicastProtocol)
	if err != nil {
		return nil, opError("dial", addr, err)
	}
	return newStreamConn(s, t.opts.MaxMessageSize), nil
}

func (t *Libp2p) ListenPublish(_ context.Context, addr string, channel int32) (Publisher, error) {
	maddr, err := ToMultiaddr(addr)
	if err != nil {
		return nil, opError("listen publish", addr, err)
	}

	t.mu.Lock()
	bound, err := t.ensureHostLocked(maddr)
	if err != nil {
		t.mu.Unlock()
		return nil, opError("listen publish", addr, err)
	}
	if len(bound) == 0 {
		t.mu.Unlock()
		return nil, opError("listen publish", addr, ErrAddressInUse)
	}
	topic, err := t.getOrJoinTopicLocked(topicForChannel(channel))
	t.mu.Unlock()
	if err != nil {
		return nil, opError("listen publish", addr, err)
	}

	events, err := topic.EventHandler()
	if err != nil {
		return nil, opError("listen publish", addr, err)
	}
	ctx, cancel := context.WithCancel(t.ctx)
	t.log.Info("publish endpoint open", zap.String("addr", bound[0]), zap.Int32("channel", channel))
	return &libp2pPublisher{
		t:      t,
		ctx:    ctx,
		cancel: cancel,
		addr:   bound[0],
		name:   topicForChannel(channel),
		topic:  topic,
		events: events,
	}, nil
}

func (t *Libp2p) Subscribe(ctx context.Context, addr string, channel int32) (Subscription, error) {
	info, err := peer.AddrInfoFromString(addr)
	if err != nil {
		return nil, opError("subscribe", addr, err)
	}

	t.mu.Lock()
	_, err = t.ensureHostLocked()
	h := t.host
	var topic *pubsub.Topic
	if err == nil {
		topic, err = t.getOrJoinTopicLocked(topicForChannel(channel))
	}
	t.mu.Unlock()
	if err != nil {
		return nil, opError("subscribe", addr, err)
	}

	if info.ID != h.ID() {
		if err := h.Connect(ctx, *info); err != nil {
			return nil, opError("subscribe", addr, err)
		}
	}
	sub, err := topic.Subscribe()
	if err != nil {
		return nil, opError("subscribe", addr, err)
	}
	return &libp2pSubscription{addr: addr, sub: sub}, nil
}

func (t *Libp2p) Close() error {
	t.cancel()
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	if t.listener != nil {
		t.listener.accepts.Close()
	}
	for _, topic := range t.topics {
		_ = topic.Close()
	}
	if t.host == nil {
		return nil
	}
	return t.host.Close()
}

func (t *Libp2p) getOrJoinTopicLocked(name string) (*pubsub.Topic, error) {
	if topic, ok := t.topics[name]; ok {
		return topic, nil
	}
	topic, err := t.ps.Join(name)
	if err != nil {
		return nil, err
	}
	t.topics[name] = topic
	return topic, nil
}

type libp2pListener struct {
	t       *Libp2p
	addr    string
	accepts *queue.Queue[Conn]
	once    sync.Once
}

func (l *libp2pListener) Accept(ctx context.Context) (Conn, error) {
	c, err := l.accepts.Pop(ctx)
	if err != nil {
		if errors.Is(err, queue.ErrClosed) {
			return nil, opError("accept", l.addr, ErrClosed)
		}
		return nil, err
	}
	return c, nil
}

func (l *libp2pListener) Addr() string { return l.addr }

func (l *libp2pListener) Close() error {
	l.once.Do(func() {
		l.t.mu.Lock()
		if l.t.host != nil {
			l.t.host.RemoveStreamHandler(UnicastProtocol)
		}
		if l.t.listener == l {
			l.t.listener = nil
		}
		l.t.mu.Unlock()
		l.accepts.Close()
	})
	return nil
}

// streamConn frames messages on a libp2p stream with varint length
// prefixes.
type streamConn struct {
	s      lpnet.Stream
	remote string

	rmu sync.Mutex
	r   msgio.ReadCloser
	wmu sync.Mutex
	w   msgio.WriteCloser
}

func newStreamConn(s lpnet.Stream, maxSize int) *streamConn {
	return &streamConn{
		s:      s,
		remote: s.Conn().RemotePeer().String(),
		r:      msgio.NewVarintReaderSize(s, maxSize),
		w:      msgio.NewVarintWriter(s),
	}
}

func (c *streamConn) Send(ctx context.Context, payload []byte) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	stop := context.AfterFunc(ctx, func() { _ = c.s.SetWriteDeadline(time.Now()) })
	err := c.w.WriteMsg(payload)
	if !stop() {
		return ctx.Err()
	}
	if err != nil {
		return opError("send", c.remote, err)
	}
	return nil
}

func (c *streamConn) Recv(ctx context.Context) ([]byte, error) {
	c.rmu.Lock()
	defer c.rmu.Unlock()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	stop := context.AfterFunc(ctx, func() { _ = c.s.SetReadDeadline(time.Now()) })
	msg, err := c.r.ReadMsg()
	if !stop() {
		return nil, ctx.Err()
	}
	if err != nil {
		return nil, opError("recv", c.remote, err)
	}
	out := append([]byte(nil), msg...)
	c.r.ReleaseMsg(msg)
	return out, nil
}

func (c *streamConn) RemoteAddr() string { return c.remote }

func (c *streamConn) Close() error {
	if err := multierr.Combine(c.s.CloseWrite(), c.s.CloseRead()); err != nil {
		return c.s.Reset()
	}
	return nil
}

type libp2pPublisher struct {
	t      *Libp2p
	ctx    context.Context
	cancel context.CancelFunc
	addr   string
	name   string
	topic  *pubsub.Topic
	events *pubsub.TopicEventHandler
	once   sync.Once
}

func (p *libp2pPublisher) Addr() string { return p.addr }

func (p *libp2pPublisher) NextSubscriber(ctx context.Context) (string, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(p.ctx, cancel)
	defer stop()

	for {
		ev, err := p.events.NextPeerEvent(ctx)
		if err != nil {
			if p.ctx.Err() != nil {
				return "", opError("await subscriber", p.addr, ErrClosed)
			}
			return "", err
		}
		if ev.Type == pubsub.PeerJoin {
			return ev.Peer.String(), nil
		}
	}
}

// Admit freezes the topic to the given peer IDs. Later subscriptions from any
// other peer are filtered on arrival, and peers already in the topic mesh
// that are not admitted are blacklisted from pubsub. Their unicast streams
// are left open.
func (p *libp2pPublisher) Admit(addrs []string) error {
	if p.ctx.Err() != nil {
		return opError("admit", p.addr, ErrClosed)
	}
	allowed := make(map[peer.ID]struct{}, len(addrs))
	for _, a := range addrs {
		id, err := peer.Decode(a)
		if err != nil {
			return opError("admit", a, err)
		}
		allowed[id] = struct{}{}
	}
	p.t.admission.freeze(p.name, allowed)

	p.t.mu.Lock()
	ps := p.t.ps
	p.t.mu.Unlock()
	for _, id := range p.topic.ListPeers() {
		if _, ok := allowed[id]; ok {
			continue
		}
		p.t.log.Info("dropping subscriber outside the admitted set",
			zap.String("peer_id", id.String()), zap.String("topic", p.name))
		ps.BlacklistPeer(id)
	}
	return nil
}

func (p *libp2pPublisher) Publish(ctx context.Context, payload []byte) error {
	if p.ctx.Err() != nil {
		return opError("publish", p.addr, ErrClosed)
	}
	if err := p.topic.Publish(ctx, payload); err != nil {
		return opError("publish", p.addr, err)
	}
	return nil
}

func (p *libp2pPublisher) Close() error {
	p.once.Do(func() {
		p.cancel()
		p.events.Cancel()
		p.t.admission.release(p.name)
	})
	return nil
}

// admission is the gossipsub subscription filter behind Admit. Topics with
// no frozen set accept every subscriber.
type admission struct {
	mu     sync.RWMutex
	frozen map[string]map[peer.ID]struct{}
}

func (a *admission) freeze(topic string, allowed map[peer.ID]struct{}) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.frozen[topic] = allowed
}

func (a *admission) release(topic string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.frozen, topic)
}

func (a *admission) CanSubscribe(string) bool { return true }

func (a *admission) FilterIncomingSubscriptions(from peer.ID, subs []*pb.RPC_SubOpts) ([]*pb.RPC_SubOpts, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if len(a.frozen) == 0 {
		return subs, nil
	}
	out := make([]*pb.RPC_SubOpts, 0, len(subs))
	for _, sub := range subs {
		if allowed, ok := a.frozen[sub.GetTopicid()]; ok && sub.GetSubscribe() {
			if _, in := allowed[from]; !in {
				continue
			}
		}
		out = append(out, sub)
	}
	return out, nil
}

type libp2pSubscription struct {
	addr string
	sub  *pubsub.Subscription
}

func (s *libp2pSubscription) Next(ctx context.Context) ([]byte, error) {
	msg, err := s.sub.Next(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, opError("subscription", s.addr, ErrClosed)
	}
	return msg.Data, nil
}

func (s *libp2pSubscription) Close() error {
	s.sub.Cancel()
	return nil
}

// ToMultiaddr converts "host:port" into a TCP multiaddr. Strings that
// already look like multiaddrs are parsed as such.
func ToMultiaddr(addr string) (ma.Multiaddr, error) {
	if len(addr) > 0 && addr[0] == '/' {
		return ma.NewMultiaddr(addr)
	}
	h, port, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, fmt.Errorf("invalid address %q: %w", addr, err)
	}
	if h == "" {
		h = "0.0.0.0"
	}
	ip := net.ParseIP(h)
	switch {
	case ip == nil:
		return ma.NewMultiaddr(fmt.Sprintf("/dns/%s/tcp/%s", h, port))
	case ip.To4() != nil:
		return ma.NewMultiaddr(fmt.Sprintf("/ip4/%s/tcp/%s", ip.String(), port))
	default:
		return ma.NewMultiaddr(fmt.Sprintf("/ip6/%s/tcp/%s", ip.String(), port))
	}
}

func loadOrCreateIdentityKey(path string) (crypto.PrivKey, error) {
	if b, err := os.ReadFile(path); err == nil && len(b) > 0 {
		key, err := crypto.UnmarshalPrivateKey(b)
		if err != nil {
			return nil, fmt.Errorf("unmarshal private key: %w", err)
		}
		return key, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("mkdir key dir: %w", err)
	}
	key, _, err := crypto.GenerateEd25519Key(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate ed25519 key: %w", err)
	}
	raw, err := crypto.MarshalPrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("marshal private key: %w", err)
	}
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		return nil, fmt.Errorf("write private key: %w", err)
	}
	return key, nil
}
