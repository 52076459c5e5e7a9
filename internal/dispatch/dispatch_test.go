package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"quant-monitor/internal/signal"
)

type recordingNotifier struct {
	mu     sync.Mutex
	events []signal.Event
	texts  []string
	seen   chan struct{}
}

func newRecordingNotifier() *recordingNotifier {
	return &recordingNotifier{seen: make(chan struct{}, 64)}
}

func (n *recordingNotifier) Notify(_ context.Context, event signal.Event, narrative string) error {
	n.mu.Lock()
	n.events = append(n.events, event)
	n.texts = append(n.texts, narrative)
	n.mu.Unlock()
	n.seen <- struct{}{}
	return nil
}

func (n *recordingNotifier) wait(t *testing.T, count int) []signal.Event {
	t.Helper()
	for i := 0; i < count; i++ {
		select {
		case <-n.seen:
		case <-time.After(2 * time.Second):
			t.Fatalf("等待第 %d 次推送超时", i+1)
		}
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]signal.Event(nil), n.events...)
}

type staticNarrator struct {
	text string
	err  error
}

func (s *staticNarrator) Narrate(context.Context, signal.Event) (string, error) {
	return s.text, s.err
}

func TestDispatcherDeliversWithNarrative(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	notifier := newRecordingNotifier()
	d := New(4, &staticNarrator{text: "快速拉升"}, notifier, zerolog.Nop())
	d.Start(ctx)

	d.Enqueue(signal.Event{Code: "sh600000", Rule: "rocket"})

	events := notifier.wait(t, 1)
	if events[0].Code != "sh600000" {
		t.Fatalf("事件代码不正确: %#v", events[0])
	}
	notifier.mu.Lock()
	narrative := notifier.texts[0]
	notifier.mu.Unlock()
	if narrative != "快速拉升" {
		t.Fatalf("期望携带叙述, 实际 %q", narrative)
	}
}

func TestDispatcherDegradesOnNarratorFailure(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	notifier := newRecordingNotifier()
	d := New(4, &staticNarrator{err: errors.New("kimi down")}, notifier, zerolog.Nop())
	d.Start(ctx)

	d.Enqueue(signal.Event{Code: "sh600000", Rule: "rocket"})

	notifier.wait(t, 1)
	notifier.mu.Lock()
	narrative := notifier.texts[0]
	notifier.mu.Unlock()
	if narrative != "" {
		t.Fatalf("AI 失败时应降级为空叙述, 实际 %q", narrative)
	}
}

func TestEnqueueDropsOldestWhenFull(t *testing.T) {
	// worker not started: queue stays full
	d := New(2, nil, nil, zerolog.Nop())

	d.Enqueue(signal.Event{Code: "a"})
	d.Enqueue(signal.Event{Code: "b"})
	d.Enqueue(signal.Event{Code: "c"})

	if got := d.Pending(); got != 2 {
		t.Fatalf("队列应保持容量 2, 实际 %d", got)
	}

	first := <-d.queue
	second := <-d.queue
	if first.Code != "b" || second.Code != "c" {
		t.Fatalf("应丢弃最旧事件 a, 实际剩余 %s, %s", first.Code, second.Code)
	}
}

func TestDispatcherStopsOnContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	d := New(4, nil, newRecordingNotifier(), zerolog.Nop())
	d.Start(ctx)

	cancel()
	done := make(chan struct{})
	go func() {
		d.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("取消后 worker 应退出")
	}
}
