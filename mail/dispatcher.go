package mail

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// DispatcherConfig controls buffering of outgoing mail.
type DispatcherConfig struct {
	BufferSize int
	// DropIfFull drops messages instead of blocking the caller when the
	// buffer is full.
	DropIfFull  bool
	SendTimeout time.Duration
}

// Observer is told the outcome of each delivery attempt.
type Observer interface {
	MailSent(kind Kind, err error)
}

// Dispatcher sends mail on a background worker. Enqueue never returns a
// delivery error; failures are logged.
type Dispatcher struct {
	cfg       DispatcherConfig
	sender    Sender
	log       *zap.Logger
	observer  Observer
	ch        chan Message
	done      chan struct{}
	wg        sync.WaitGroup
	dropped   atomic.Uint64
	closed    atomic.Bool
	closeOnce sync.Once
}

// NewDispatcher starts the worker. A nil logger discards logs.
func NewDispatcher(cfg DispatcherConfig, sender Sender, log *zap.Logger, observer Observer) *Dispatcher {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 64
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 15 * time.Second
	}
	if log == nil {
		log = zap.NewNop()
	}
	d := &Dispatcher{
		cfg:      cfg,
		sender:   sender,
		log:      log,
		observer: observer,
		ch:       make(chan Message, cfg.BufferSize),
		done:     make(chan struct{}),
	}
	d.wg.Add(1)
	go d.run()
	return d
}

func (d *Dispatcher) run() {
	defer d.wg.Done()
	for {
		select {
		case msg := <-d.ch:
			d.deliver(msg)
		case <-d.done:
			for {
				select {
				case msg := <-d.ch:
					d.deliver(msg)
				default:
					return
				}
			}
		}
	}
}

func (d *Dispatcher) deliver(msg Message) {
	ctx, cancel := context.WithTimeout(context.Background(), d.cfg.SendTimeout)
	defer cancel()

	err := d.sender.Send(ctx, msg)
	if err != nil {
		d.log.Warn("email delivery failed",
			zap.String("kind", string(msg.Kind)),
			zap.String("to", msg.To),
			zap.Error(err),
		)
	}
	if d.observer != nil {
		d.observer.MailSent(msg.Kind, err)
	}
}

// Enqueue schedules msg. It blocks while the buffer is full unless
// DropIfFull is set, and gives up when ctx ends or the dispatcher closes.
func (d *Dispatcher) Enqueue(ctx context.Context, msg Message) {
	if d == nil || d.closed.Load() {
		return
	}
	if d.cfg.DropIfFull {
		select {
		case d.ch <- msg:
		case <-d.done:
		default:
			d.dropped.Add(1)
			d.log.Warn("email dropped, queue full", zap.String("kind", string(msg.Kind)))
		}
		return
	}
	select {
	case d.ch <- msg:
	case <-ctx.Done():
		d.dropped.Add(1)
	case <-d.done:
	}
}

// Close stops accepting mail and waits for queued messages to be sent.
func (d *Dispatcher) Close() {
	if d == nil {
		return
	}
	d.closeOnce.Do(func() {
		d.closed.Store(true)
		close(d.done)
		d.wg.Wait()
	})
}

// Dropped reports how many messages were never queued.
func (d *Dispatcher) Dropped() uint64 {
	if d == nil {
		return 0
	}
	return d.dropped.Load()
}

// SendVerification queues an email-verification message.
func (d *Dispatcher) SendVerification(ctx context.Context, to, name, token string) {
	d.Enqueue(ctx, Message{Kind: KindVerification, To: to, Name: name, Token: token})
}

// SendPasswordReset queues a password-reset message.
func (d *Dispatcher) SendPasswordReset(ctx context.Context, to, name, token string) {
	d.Enqueue(ctx, Message{Kind: KindPasswordReset, To: to, Name: name, Token: token})
}
