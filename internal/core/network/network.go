package network

import (
	"context"
	"errors"
	"fmt"
)

var (
	ErrTransportFailure = errors.New("transport failure")
	ErrClosed           = errors.New("transport closed")
	ErrNoListener       = errors.New("no listener at address")
	ErrAddressInUse     = errors.New("address already in use")
)

// Conn is an ordered, message-framed pipe to a single remote endpoint.
// Recv returns exactly the bytes handed to the peer's Send.
type Conn interface {
	Send(ctx context.Context, payload []byte) error
	Recv(ctx context.Context) ([]byte, error)
	// RemoteAddr identifies the remote transport node. It is stable for the
	// lifetime of the remote node and equals the address its subscriptions
	// are reported under by Publisher.NextSubscriber.
	RemoteAddr() string
	Close() error
}

type Listener interface {
	Accept(ctx context.Context) (Conn, error)
	Addr() string
	Close() error
}

// Publisher is a broadcast endpoint for one channel.
type Publisher interface {
	Addr() string
	// NextSubscriber blocks until a remote node subscribes and returns its
	// transport address.
	NextSubscriber(ctx context.Context) (string, error)
	// Admit freezes the subscriber set to addrs. Afterwards Publish reaches
	// each admitted node once and nodes outside addrs receive nothing, even
	// if they subscribe later.
	Admit(addrs []string) error
	Publish(ctx context.Context, payload []byte) error
	Close() error
}

type Subscription interface {
	Next(ctx context.Context) ([]byte, error)
	Close() error
}

// Transport provides raw delivery between two endpoints.
type Transport interface {
	Listen(ctx context.Context, addr string) (Listener, error)
	Dial(ctx context.Context, addr string) (Conn, error)
	ListenPublish(ctx context.Context, addr string, channel int32) (Publisher, error)
	Subscribe(ctx context.Context, addr string, channel int32) (Subscription, error)
	Close() error
}

// OpError reports a failed transport operation. errors.Is(err,
// ErrTransportFailure) holds for every OpError.
type OpError struct {
	Op   string
	Addr string
	Err  error
}

func (e *OpError) Error() string {
	if e.Addr == "" {
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Op, e.Addr, e.Err)
}

func (e *OpError) Unwrap() error { return e.Err }

func (e *OpError) Is(target error) bool { return target == ErrTransportFailure }

func opError(op, addr string, err error) error {
	if err == nil {
		return nil
	}
	var oe *OpError
	if errors.As(err, &oe) {
		return err
	}
	return &OpError{Op: op, Addr: addr, Err: err}
}

func topicForChannel(channel int32) string {
	return fmt.Sprintf("commhandler.channel.%d", channel)
}
