// Package dispatch hands fired alerts to the downstream collaborators
// without ever blocking the ingestion cycle: a bounded queue consumed by a
// single worker. When the queue is full the oldest pending event is dropped.
package dispatch

import (
	"context"

	"github.com/rs/zerolog"

	"quant-monitor/internal/signal"
)

// Narrator produces the AI narrative for one alert. Optional.
type Narrator interface {
	Narrate(ctx context.Context, event signal.Event) (string, error)
}

// Notifier delivers one alert, optionally enriched with a narrative.
// Delivery failures are the sink's concern.
type Notifier interface {
	Notify(ctx context.Context, event signal.Event, narrative string) error
}

// Dispatcher owns the hand-off queue and the worker goroutine.
type Dispatcher struct {
	queue    chan signal.Event
	narrator Narrator
	notifier Notifier
	logger   zerolog.Logger
	done     chan struct{}
}

// New constructs a dispatcher; narrator and notifier may be nil.
func New(queueSize int, narrator Narrator, notifier Notifier, logger zerolog.Logger) *Dispatcher {
	if queueSize <= 0 {
		queueSize = 16
	}
	return &Dispatcher{
		queue:    make(chan signal.Event, queueSize),
		narrator: narrator,
		notifier: notifier,
		logger:   logger.With().Str("component", "dispatcher").Logger(),
		done:     make(chan struct{}),
	}
}

// Start launches the worker. It drains until ctx is cancelled; in-flight
// downstream calls are abandoned on shutdown.
func (d *Dispatcher) Start(ctx context.Context) {
	go func() {
		defer close(d.done)
		for {
			select {
			case <-ctx.Done():
				return
			case event := <-d.queue:
				d.process(ctx, event)
			}
		}
	}()
}

// Wait blocks until the worker has exited.
func (d *Dispatcher) Wait() {
	<-d.done
}

// Enqueue hands one event to the worker and never blocks. On a full queue
// the oldest pending event is dropped so the freshest alert survives.
func (d *Dispatcher) Enqueue(event signal.Event) {
	for {
		select {
		case d.queue <- event:
			return
		default:
		}

		select {
		case dropped := <-d.queue:
			d.logger.Warn().
				Str("code", dropped.Code).
				Str("rule", dropped.Rule).
				Msg("告警队列已满，丢弃最旧事件")
		default:
		}
	}
}

// Pending reports queued events (used by tests and the display frame).
func (d *Dispatcher) Pending() int {
	return len(d.queue)
}

func (d *Dispatcher) process(ctx context.Context, event signal.Event) {
	narrative := ""
	if d.narrator != nil {
		text, err := d.narrator.Narrate(ctx, event)
		if err != nil {
			d.logger.Error().Err(err).
				Str("code", event.Code).
				Str("rule", event.Rule).
				Msg("AI 分析失败，降级为无叙述推送")
		} else {
			narrative = text
		}
	}

	if d.notifier == nil {
		return
	}
	if err := d.notifier.Notify(ctx, event, narrative); err != nil {
		d.logger.Error().Err(err).
			Str("code", event.Code).
			Str("rule", event.Rule).
			Msg("告警推送失败")
	}
}
