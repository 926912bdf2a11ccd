package network

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/multierr"

	"CommHandler/internal/core/queue"
)

// Memory is a process-local network used for tests and the in-process demo.
// Nodes created from the same Memory share one address space.
type Memory struct {
	mu         sync.RWMutex
	nextID     int
	listeners  map[string]*memListener
	publishers map[string]*memPublisher
}

func NewMemory() *Memory {
	return &Memory{
		listeners:  make(map[string]*memListener),
		publishers: make(map[string]*memPublisher),
	}
}

// Node returns a transport that peers see under name. An empty name is
// replaced by a generated one.
func (m *Memory) Node(name string) *MemoryTransport {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	if name == "" {
		name = fmt.Sprintf("mem-%d", m.nextID)
	}
	return &MemoryTransport{net: m, name: name}
}

// MemoryTransport is one node on a Memory network.
type MemoryTransport struct {
	net  *Memory
	name string

	mu      sync.Mutex
	closed  bool
	closers []func() error
}

func (t *MemoryTransport) Name() string { return t.name }

func (t *MemoryTransport) track(closer func() error) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		_ = closer()
		return ErrClosed
	}
	t.closers = append(t.closers, closer)
	return nil
}

func (t *MemoryTransport) Listen(_ context.Context, addr string) (Listener, error) {
	m := t.net
	m.mu.Lock()
	if _, ok := m.listeners[addr]; ok {
		m.mu.Unlock()
		return nil, opError("listen", addr, ErrAddressInUse)
	}
	if _, ok := m.publishers[addr]; ok {
		m.mu.Unlock()
		return nil, opError("listen", addr, ErrAddressInUse)
	}
	l := &memListener{net: m, node: t, addr: addr, accepts: queue.New[Conn]()}
	m.listeners[addr] = l
	m.mu.Unlock()

	if err := t.track(l.Close); err != nil {
		return nil, opError("listen", addr, err)
	}
	return l, nil
}

func (t *MemoryTransport) Dial(_ context.Context, addr string) (Conn, error) {
	t.net.mu.RLock()
	l, ok := t.net.listeners[addr]
	t.net.mu.RUnlock()
	if !ok {
		return nil, opError("dial", addr, ErrNoListener)
	}

	local, remote := newMemPipe(l.node.name, t.name)
	if !l.accepts.Push(remote) {
		return nil, opError("dial", addr, ErrNoListener)
	}
	if err := t.track(local.Close); err != nil {
		return nil, opError("dial", addr, err)
	}
	return local, nil
}

func (t *MemoryTransport) ListenPublish(_ context.Context, addr string, channel int32) (Publisher, error) {
	m := t.net
	m.mu.Lock()
	if _, ok := m.publishers[addr]; ok {
		m.mu.Unlock()
		return nil, opError("listen publish", addr, ErrAddressInUse)
	}
	if _, ok := m.listeners[addr]; ok {
		m.mu.Unlock()
		return nil, opError("listen publish", addr, ErrAddressInUse)
	}
	p := &memPublisher{
		net:     m,
		addr:    addr,
		channel: channel,
		joins:   queue.New[string](),
		subs:    make(map[int]*memFeed),
	}
	m.publishers[addr] = p
	m.mu.Unlock()

	if err := t.track(p.Close); err != nil {
		return nil, opError("listen publish", addr, err)
	}
	return p, nil
}

func (t *MemoryTransport) Subscribe(_ context.Context, addr string, channel int32) (Subscription, error) {
	t.net.mu.RLock()
	p, ok := t.net.publishers[addr]
	t.net.mu.RUnlock()
	if !ok {
		return nil, opError("subscribe", addr, ErrNoListener)
	}
	if p.channel != channel {
		return nil, opError("subscribe", addr, fmt.Errorf("publisher serves channel %d, not %d", p.channel, channel))
	}
	sub, err := p.subscribe(t.name)
	if err != nil {
		return nil, opError("subscribe", addr, err)
	}
	if err := t.track(sub.Close); err != nil {
		return nil, opError("subscribe", addr, err)
	}
	return sub, nil
}

// Close releases every listener, publisher, conn and subscription the node
// opened.
func (t *MemoryTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	closers := t.closers
	t.closers = nil
	t.mu.Unlock()

	var err error
	for _, c := range closers {
		err = multierr.Append(err, c())
	}
	return err
}

type memListener struct {
	net     *Memory
	node    *MemoryTransport
	addr    string
	accepts *queue.Queue[Conn]
	once    sync.Once
}

func (l *memListener) Accept(ctx context.Context) (Conn, error) {
	c, err := l.accepts.Pop(ctx)
	if err != nil {
		if errors.Is(err, queue.ErrClosed) {
			return nil, opError("accept", l.addr, ErrClosed)
		}
		return nil, err
	}
	if err := l.node.track(c.Close); err != nil {
		return nil, opError("accept", l.addr, err)
	}
	return c, nil
}

func (l *memListener) Addr() string { return l.addr }

func (l *memListener) Close() error {
	l.once.Do(func() {
		l.net.mu.Lock()
		if l.net.listeners[l.addr] == l {
			delete(l.net.listeners, l.addr)
		}
		l.net.mu.Unlock()
		l.accepts.Close()
	})
	return nil
}

type memConn struct {
	remote string
	in     *queue.Queue[[]byte]
	out    *queue.Queue[[]byte]
	once   sync.Once
}

// newMemPipe returns the two ends of a conn, reporting aRemote and bRemote
// as their respective remote addresses.
func newMemPipe(aRemote, bRemote string) (*memConn, *memConn) {
	ab := queue.New[[]byte]()
	ba := queue.New[[]byte]()
	a := &memConn{remote: aRemote, in: ba, out: ab}
	b := &memConn{remote: bRemote, in: ab, out: ba}
	return a, b
}

func (c *memConn) Send(ctx context.Context, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !c.out.Push(append([]byte(nil), payload...)) {
		return opError("send", c.remote, ErrClosed)
	}
	return nil
}

func (c *memConn) Recv(ctx context.Context) ([]byte, error) {
	b, err := c.in.Pop(ctx)
	if err != nil {
		if errors.Is(err, queue.ErrClosed) {
			return nil, opError("recv", c.remote, ErrClosed)
		}
		return nil, err
	}
	return b, nil
}

func (c *memConn) RemoteAddr() string { return c.remote }

func (c *memConn) Close() error {
	c.once.Do(func() {
		c.in.Close()
		c.out.Close()
	})
	return nil
}

type memPublisher struct {
	net     *Memory
	addr    string
	channel int32
	joins   *queue.Queue[string]

	mu     sync.RWMutex
	nextID int
	subs   map[int]*memFeed
	frozen bool
	closed bool
}

type memFeed struct {
	name string
	q    *queue.Queue[[]byte]
	fed  bool
}

// subscribe registers name's subscription. Once the publisher is frozen the
// subscription is handed out but never fed.
func (p *memPublisher) subscribe(name string) (*memSubscription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, ErrClosed
	}
	id := p.nextID
	p.nextID++
	q := queue.New[[]byte]()
	p.subs[id] = &memFeed{name: name, q: q, fed: !p.frozen}
	if !p.frozen {
		p.joins.Push(name)
	}

	cancel := func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		delete(p.subs, id)
	}
	return &memSubscription{addr: p.addr, q: q, cancel: cancel}, nil
}

func (p *memPublisher) Addr() string { return p.addr }

func (p *memPublisher) NextSubscriber(ctx context.Context) (string, error) {
	name, err := p.joins.Pop(ctx)
	if err != nil {
		if errors.Is(err, queue.ErrClosed) {
			return "", opError("await subscriber", p.addr, ErrClosed)
		}
		return "", err
	}
	return name, nil
}

// Admit keeps feeding the earliest subscription of every admitted node and
// stops feeding the rest.
func (p *memPublisher) Admit(addrs []string) error {
	allowed := make(map[string]struct{}, len(addrs))
	for _, a := range addrs {
		allowed[a] = struct{}{}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return opError("admit", p.addr, ErrClosed)
	}
	p.frozen = true
	first := make(map[string]int, len(addrs))
	for id, f := range p.subs {
		if _, ok := allowed[f.name]; !ok {
			continue
		}
		if cur, ok := first[f.name]; !ok || id < cur {
			first[f.name] = id
		}
	}
	for id, f := range p.subs {
		keep, ok := first[f.name]
		f.fed = ok && keep == id
	}
	return nil
}

func (p *memPublisher) Publish(ctx context.Context, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return opError("publish", p.addr, ErrClosed)
	}
	for _, f := range p.subs {
		if f.fed {
			f.q.Push(append([]byte(nil), payload...))
		}
	}
	return nil
}

func (p *memPublisher) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	subs := p.subs
	p.subs = make(map[int]*memFeed)
	p.mu.Unlock()

	for _, f := range subs {
		f.q.Close()
	}
	p.joins.Close()

	p.net.mu.Lock()
	if p.net.publishers[p.addr] == p {
		delete(p.net.publishers, p.addr)
	}
	p.net.mu.Unlock()
	return nil
}

type memSubscription struct {
	addr   string
	q      *queue.Queue[[]byte]
	cancel func()
	once   sync.Once
}

func (s *memSubscription) Next(ctx context.Context) ([]byte, error) {
	b, err := s.q.Pop(ctx)
	if err != nil {
		if errors.Is(err, queue.ErrClosed) {
			return nil, opError("subscription", s.addr, ErrClosed)
		}
		return nil, err
	}
	return b, nil
}

func (s *memSubscription) Close() error {
	s.once.Do(func() {
		s.cancel()
		s.q.Close()
	})
	return nil
}
