// Package publish brings a broadcast channel up only once every expected
// subscriber has joined, and fans payloads out to that frozen set.
package publish

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"CommHandler/internal/core/network"
)

type Status int

const (
	StatusUninitialized Status = iota
	StatusPending
	StatusReady
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusUninitialized:
		return "UNINITIALIZED"
	case StatusPending:
		return "PENDING"
	case StatusReady:
		return "READY"
	case StatusFailed:
		return "FAILED"
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}

var (
	ErrSessionNotReady = errors.New("publish session not ready")
	ErrInvalidState    = errors.New("publish session already started")
	ErrNoSubscribers   = errors.New("expected subscriber count must be at least 1")
	ErrClosed          = errors.New("publish session closed")
)

// Resolver maps a transport address to a registered identity.
type Resolver interface {
	Lookup(address string) (int32, error)
}

// Advertiser tells the invited peers where the publish endpoint listens.
type Advertiser func(ctx context.Context, channel int32, addr string) error

type BeginParams struct {
	Transport network.Transport
	Addr      string
	Channel   int32
	Expected  int
	Resolver  Resolver
	Advertise Advertiser
}

type Session struct {
	log *zap.Logger

	mu          sync.RWMutex
	status      Status
	channel     int32
	expected    int
	confirmed   int
	subscribers []int32
	pub         network.Publisher
	err         error
	closed      bool
}

func NewSession(log *zap.Logger) *Session {
	if log == nil {
		log = zap.NewNop()
	}
	return &Session{log: log}
}

// Begin runs the handshake. It returns nil once exactly p.Expected
// registered identities have subscribed and the endpoint has been frozen to
// them; any failure before that leaves the session FAILED.
func (s *Session) Begin(ctx context.Context, p BeginParams) error {
	if p.Expected < 1 {
		return ErrNoSubscribers
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.status != StatusUninitialized {
		st := s.status
		s.mu.Unlock()
		return fmt.Errorf("%w: status %s", ErrInvalidState, st)
	}
	s.status = StatusPending
	s.channel = p.Channel
	s.expected = p.Expected
	s.mu.Unlock()

	log := s.log.With(zap.Int32("channel", p.Channel), zap.Int("expected", p.Expected))
	log.Info("publish session pending", zap.String("addr", p.Addr))

	pub, err := p.Transport.ListenPublish(ctx, p.Addr, p.Channel)
	if err != nil {
		return s.fail(log, fmt.Errorf("open publish endpoint: %w", err))
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = pub.Close()
		return s.fail(log, ErrClosed)
	}
	s.pub = pub
	s.mu.Unlock()

	if p.Advertise != nil {
		if err := p.Advertise(ctx, p.Channel, pub.Addr()); err != nil {
			return s.fail(log, fmt.Errorf("advertise publish endpoint: %w", err))
		}
	}

	seen := make(map[int32]struct{}, p.Expected)
	admitted := make([]string, 0, p.Expected)
	for {
		addr, err := pub.NextSubscriber(ctx)
		if err != nil {
			return s.fail(log, fmt.Errorf("await subscriber: %w", err))
		}
		id, err := p.Resolver.Lookup(addr)
		if err != nil {
			log.Warn("ignoring subscriber outside the registry", zap.String("addr", addr))
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		admitted = append(admitted, addr)

		s.mu.Lock()
		if s.status != StatusPending {
			st := s.status
			s.mu.Unlock()
			return fmt.Errorf("%w: status %s", ErrClosed, st)
		}
		s.confirmed++
		s.subscribers = append(s.subscribers, id)
		confirmed := s.confirmed
		s.mu.Unlock()

		log.Info("subscriber confirmed", zap.Int32("identity", id), zap.Int("confirmed", confirmed))
		if confirmed == p.Expected {
			return s.ready(log, pub, admitted)
		}
	}
}

// ready freezes pub to the confirmed subscribers and only then opens the
// session for Publish.
func (s *Session) ready(log *zap.Logger, pub network.Publisher, admitted []string) error {
	if err := pub.Admit(admitted); err != nil {
		return s.fail(log, fmt.Errorf("freeze subscriber set: %w", err))
	}
	s.mu.Lock()
	if s.status != StatusPending {
		st := s.status
		s.mu.Unlock()
		return fmt.Errorf("%w: status %s", ErrClosed, st)
	}
	s.status = StatusReady
	s.mu.Unlock()
	log.Info("publish session ready")
	return nil
}

// fail moves a pending session to FAILED and releases its endpoint.
func (s *Session) fail(log *zap.Logger, err error) error {
	s.mu.Lock()
	if s.status == StatusPending {
		s.status = StatusFailed
		s.err = err
	}
	pub := s.pub
	s.pub = nil
	s.mu.Unlock()
	if pub != nil {
		_ = pub.Close()
	}
	log.Error("publish session failed", zap.Error(err))
	return err
}

// Publish fans payload out once to every confirmed subscriber and returns
// len(payload).
func (s *Session) Publish(ctx context.Context, payload []byte) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.status != StatusReady || s.closed {
		return 0, fmt.Errorf("%w: status %s", ErrSessionNotReady, s.status)
	}
	if err := s.pub.Publish(ctx, payload); err != nil {
		return 0, err
	}
	return len(payload), nil
}

func (s *Session) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

// Err is the failure that moved the session to FAILED.
func (s *Session) Err() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.err
}

func (s *Session) Channel() int32 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.channel
}

func (s *Session) Expected() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.expected
}

func (s *Session) Confirmed() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.confirmed
}

// Subscribers returns the confirmed identities in confirmation order.
func (s *Session) Subscribers() []int32 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]int32(nil), s.subscribers...)
}

// Close releases the publish endpoint. A PENDING session becomes FAILED.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	if s.status == StatusPending {
		s.status = StatusFailed
		s.err = ErrClosed
	}
	pub := s.pub
	s.mu.Unlock()

	if pub == nil {
		return nil
	}
	return pub.Close()
}
