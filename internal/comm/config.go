package comm

import (
	"fmt"
	"net"
	"strconv"
	"time"
)

type Role int

const (
	RoleCoordinator Role = iota
	RoleWorker
)

func (r Role) String() string {
	switch r {
	case RoleCoordinator:
		return "coordinator"
	case RoleWorker:
		return "worker"
	default:
		return fmt.Sprintf("Role(%d)", int(r))
	}
}

const (
	DefaultBindAddress   = "127.0.0.1"
	DefaultUnicastPort   = 9999
	DefaultPublishPort   = 10000
	DefaultBaseChannelID = 500
)

type Config struct {
	// NodeID is the identity this node announces during the connection
	// exchange. Workers learn their own identity from the coordinator.
	NodeID int32
	Role   Role

	BindAddress string
	UnicastPort int

	// ExpectedClients bounds the coordinator registry. Zero leaves it
	// unbounded.
	ExpectedClients int
	PublishPort     int
	BaseChannelID   int32
	IdentityBase    int32

	// Zero waits indefinitely.
	AcceptTimeout    time.Duration
	HandshakeTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		BindAddress:     DefaultBindAddress,
		UnicastPort:     DefaultUnicastPort,
		ExpectedClients: 1,
		PublishPort:     DefaultPublishPort,
		BaseChannelID:   DefaultBaseChannelID,
	}
}

func (c Config) Validate() error {
	switch {
	case c.Role != RoleCoordinator && c.Role != RoleWorker:
		return fmt.Errorf("%w: unknown role %d", ErrInvalidConfig, int(c.Role))
	case c.UnicastPort < 0 || c.UnicastPort > 65535:
		return fmt.Errorf("%w: unicast port %d", ErrInvalidConfig, c.UnicastPort)
	case c.PublishPort < 0 || c.PublishPort > 65535:
		return fmt.Errorf("%w: publish port %d", ErrInvalidConfig, c.PublishPort)
	case c.ExpectedClients < 0:
		return fmt.Errorf("%w: expected clients %d", ErrInvalidConfig, c.ExpectedClients)
	case c.IdentityBase < 0:
		return fmt.Errorf("%w: identity base %d", ErrInvalidConfig, c.IdentityBase)
	case c.AcceptTimeout < 0 || c.HandshakeTimeout < 0:
		return fmt.Errorf("%w: negative timeout", ErrInvalidConfig)
	}
	if c.Role == RoleCoordinator && c.ExpectedClients > 0 {
		lo, hi := int64(c.IdentityBase), int64(c.IdentityBase)+int64(c.ExpectedClients)
		if ch := int64(c.BaseChannelID); ch >= lo && ch < hi {
			return fmt.Errorf("%w: channel %d inside identity range [%d, %d)", ErrInvalidConfig, ch, lo, hi)
		}
	}
	return nil
}

// UnicastAddr is the host:port the coordinator listens on.
func (c Config) UnicastAddr() string {
	return net.JoinHostPort(c.BindAddress, strconv.Itoa(c.UnicastPort))
}

func (c Config) PublishAddr() string {
	return net.JoinHostPort(c.BindAddress, strconv.Itoa(c.PublishPort))
}
