package comm

import (
	"errors"

	"CommHandler/internal/core/network"
	"CommHandler/internal/publish"
	"CommHandler/internal/registry"
	"CommHandler/internal/unicast"
)

var (
	ErrBindFailure     = errors.New("bind failure")
	ErrCancelled       = errors.New("cancelled by shutdown")
	ErrAlreadyShutDown = errors.New("already shut down")
	ErrInvalidState    = errors.New("invalid state")
	ErrUnknownChannel  = errors.New("unknown channel")
	ErrInvalidConfig   = errors.New("invalid config")
)

var (
	ErrUnknownIdentity    = registry.ErrUnknownIdentity
	ErrRegistryFull       = registry.ErrRegistryFull
	ErrUnrecognizedSender = unicast.ErrUnrecognizedSender
	ErrSessionNotReady    = publish.ErrSessionNotReady
	ErrTransportFailure   = network.ErrTransportFailure
)
