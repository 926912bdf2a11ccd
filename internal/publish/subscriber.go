package publish

import (
	"context"

	"go.uber.org/zap"

	"CommHandler/internal/core/network"
)

// DeliverFunc receives every broadcast payload. Returning false stops the
// subscriber.
type DeliverFunc func(channel int32, payload []byte) bool

// Subscriber is the worker side of a publish session.
type Subscriber struct {
	channel int32
	sub     network.Subscription
	log     *zap.Logger
	cancel  context.CancelFunc
	done    chan struct{}
}

// Subscribe joins the broadcast channel advertised at addr and pumps its
// payloads to deliver until Close.
func Subscribe(ctx context.Context, tr network.Transport, channel int32, addr string, deliver DeliverFunc, log *zap.Logger) (*Subscriber, error) {
	if log == nil {
		log = zap.NewNop()
	}
	sub, err := tr.Subscribe(ctx, addr, channel)
	if err != nil {
		return nil, err
	}
	runCtx, cancel := context.WithCancel(context.Background())
	s := &Subscriber{
		channel: channel,
		sub:     sub,
		log:     log.With(zap.Int32("channel", channel)),
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	go s.run(runCtx, deliver)
	s.log.Info("subscribed", zap.String("addr", addr))
	return s, nil
}

func (s *Subscriber) Channel() int32 { return s.channel }

func (s *Subscriber) run(ctx context.Context, deliver DeliverFunc) {
	defer close(s.done)
	for {
		b, err := s.sub.Next(ctx)
		if err != nil {
			if ctx.Err() == nil {
				s.log.Debug("subscription ended", zap.Error(err))
			}
			return
		}
		if !deliver(s.channel, b) {
			return
		}
	}
}

func (s *Subscriber) Close() error {
	s.cancel()
	err := s.sub.Close()
	<-s.done
	return err
}
