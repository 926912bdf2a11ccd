// Package scenario drives a coordinator and its workers through the full
// bring-up: accept, rendezvous, unicast round trip, broadcast and shutdown.
package scenario

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"CommHandler/internal/comm"
)

// Broadcast is the payload the coordinator publishes once every worker has
// acknowledged its task.
var Broadcast = []byte("HEREhello\x00")

var (
	ErrShortWrite      = errors.New("short write")
	ErrUnexpectedTask  = errors.New("unexpected task payload")
	ErrMissedBroadcast = errors.New("broadcast not received")
)

type Coordinator struct {
	Handler *comm.Handler
	Log     *zap.Logger
}

// Run expects an initialized handler and shuts it down before returning.
func (c *Coordinator) Run(ctx context.Context) (err error) {
	h := c.Handler
	log := logger(c.Log)
	cfg := h.Config()
	defer func() {
		if err != nil {
			_ = h.Shutdown()
		}
	}()

	log.Info("waiting for connections", zap.Int("clients", cfg.ExpectedClients))
	clients := make([]int32, 0, cfg.ExpectedClients)
	for len(clients) < cfg.ExpectedClients {
		id, err := h.AcceptOne(ctx)
		if err != nil {
			return fmt.Errorf("accept connection: %w", err)
		}
		log.Info("received connection", zap.Int32("identity", id))
		clients = append(clients, id)
	}

	log.Info("received expected number of clients, starting publish session")
	if err := h.BeginPublish(ctx, cfg.BindAddress, cfg.PublishPort, cfg.BaseChannelID, len(clients)); err != nil {
		return fmt.Errorf("begin publish: %w", err)
	}
	log.Info("publisher got all subscribers", zap.Int32("channel", cfg.BaseChannelID))

	for _, id := range clients {
		task := make([]byte, 4)
		binary.LittleEndian.PutUint32(task, uint32(id))
		n, err := h.Send(ctx, id, task)
		if err != nil {
			return fmt.Errorf("send task to %d: %w", id, err)
		}
		if n != len(task) {
			return fmt.Errorf("%w: sent %d of %d bytes to %d", ErrShortWrite, n, len(task), id)
		}
		log.Info("sent task", zap.Int32("identity", id))
	}
	if err := c.collect(ctx, log, len(clients)); err != nil {
		return err
	}
	log.Info("unicast send/recv works")

	n, err := h.Publish(ctx, cfg.BaseChannelID, Broadcast)
	if err != nil {
		return fmt.Errorf("publish: %w", err)
	}
	if n != len(Broadcast) {
		return fmt.Errorf("%w: published %d of %d bytes", ErrShortWrite, n, len(Broadcast))
	}
	log.Info("broadcast sent", zap.Int32("channel", cfg.BaseChannelID), zap.Int("bytes", n))

	if err := c.collect(ctx, log, len(clients)); err != nil {
		return err
	}
	log.Info("scenario complete, shutting down")
	return h.Shutdown()
}

func (c *Coordinator) collect(ctx context.Context, log *zap.Logger, n int) error {
	for i := 0; i < n; i++ {
		msg, err := c.Handler.Receive(ctx)
		if err != nil {
			return fmt.Errorf("receive reply: %w", err)
		}
		log.Info("received msg", zap.Int32("sender", msg.Sender), zap.ByteString("payload", msg.Payload))
	}
	return nil
}

type Worker struct {
	Handler     *comm.Handler
	Coordinator string
	Log         *zap.Logger
}

// Run expects an initialized worker handler and shuts it down before
// returning.
func (w *Worker) Run(ctx context.Context) (err error) {
	h := w.Handler
	log := logger(w.Log)
	defer func() {
		if err != nil {
			_ = h.Shutdown()
		}
	}()

	coord, err := h.Connect(ctx, w.Coordinator)
	if err != nil {
		return fmt.Errorf("connect to %s: %w", w.Coordinator, err)
	}
	log = log.With(zap.Int32("identity", h.Self()))
	log.Info("connected", zap.Int32("coordinator", coord))

	msg, err := h.Receive(ctx)
	if err != nil {
		return fmt.Errorf("receive task: %w", err)
	}
	if msg.Broadcast || len(msg.Payload) != 4 {
		return fmt.Errorf("%w: %d bytes, broadcast=%t", ErrUnexpectedTask, len(msg.Payload), msg.Broadcast)
	}
	task := int32(binary.LittleEndian.Uint32(msg.Payload))
	if task != h.Self() {
		return fmt.Errorf("%w: task %d for identity %d", ErrUnexpectedTask, task, h.Self())
	}
	log.Info("received task", zap.Int32("task", task))
	if _, err := h.Send(ctx, msg.Sender, []byte(fmt.Sprintf("client %d got task %d", h.Self(), task))); err != nil {
		return fmt.Errorf("reply to %d: %w", msg.Sender, err)
	}

	msg, err = h.Receive(ctx)
	if err != nil {
		return fmt.Errorf("receive broadcast: %w", err)
	}
	if !msg.Broadcast {
		return fmt.Errorf("%w: unicast from %d instead", ErrMissedBroadcast, msg.Sender)
	}
	log.Info("received broadcast", zap.Int32("channel", msg.Sender), zap.ByteString("payload", msg.Payload))
	if _, err := h.Send(ctx, coord, []byte(fmt.Sprintf("client %d got broadcast", h.Self()))); err != nil {
		return fmt.Errorf("acknowledge broadcast: %w", err)
	}
	return h.Shutdown()
}

func logger(log *zap.Logger) *zap.Logger {
	if log == nil {
		return zap.NewNop()
	}
	return log
}
