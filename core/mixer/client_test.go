package mixer

import (
	"bufio"
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// fakeMixer hands out in-memory connections while available and records
// every received line.
type fakeMixer struct {
	available atomic.Bool
	lines     chan string

	mu    sync.Mutex
	conns []net.Conn
}

func newFakeMixer() *fakeMixer {
	m := &fakeMixer{lines: make(chan string, 64)}
	m.available.Store(true)
	return m
}

func (m *fakeMixer) dial(context.Context) (net.Conn, error) {
	if !m.available.Load() {
		return nil, errors.New("connection refused")
	}
	client, server := net.Pipe()
	m.mu.Lock()
	m.conns = append(m.conns, server)
	m.mu.Unlock()

	go func() {
		scanner := bufio.NewScanner(server)
		for scanner.Scan() {
			m.lines <- scanner.Text()
		}
	}()
	return client, nil
}

func (m *fakeMixer) drop() {
	m.available.Store(false)
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, conn := range m.conns {
		_ = conn.Close()
	}
	m.conns = nil
}

func (m *fakeMixer) expectLine(t *testing.T, expected string) {
	t.Helper()
	select {
	case line := <-m.lines:
		if line != expected {
			t.Fatalf("expected mixer to receive %q, got %q", expected, line)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for %q", expected)
	}
}

func fastBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 5 * time.Millisecond
	b.MaxInterval = 20 * time.Millisecond
	return b
}

func waitFor(t *testing.T, description string, condition func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", description)
}

func TestCommandsAreWrittenInOrder(t *testing.T) {
	mixer := newFakeMixer()
	client := NewClient("fake", WithDialer(mixer.dial), WithBackOff(fastBackOff))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = client.Run(ctx) }()

	_ = client.Send(SetVolume("music", 0.5))
	_ = client.Send(EnqueueAudio("tts", "/cache/1.wav"))

	mixer.expectLine(t, "set_volume music 0.500")
	mixer.expectLine(t, "enqueue_audio tts /cache/1.wav")
}

func TestDisconnectBuffersDropsAndFlushes(t *testing.T) {
	mixer := newFakeMixer()

	var unavailable atomic.Int32
	recovered := make(chan [2]int, 1)
	client := NewClient("fake",
		WithDialer(mixer.dial),
		WithBufferSize(3),
		WithBackOff(fastBackOff),
		WithUnavailableCallback(func(error) { unavailable.Add(1) }),
		WithRecoveredCallback(func(flushed, dropped int) { recovered <- [2]int{flushed, dropped} }),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = client.Run(ctx) }()

	waitFor(t, "initial connection", client.Connected)
	_ = client.Send(EnqueueAudio("tts", "/cache/before.wav"))
	mixer.expectLine(t, "enqueue_audio tts /cache/before.wav")

	mixer.drop()
	waitFor(t, "disconnect", func() bool { return unavailable.Load() == 1 })

	var dropped int
	for i := 0; i < 5; i++ {
		if err := client.Send(EnqueueAudio("tts", "/cache/"+string(rune('a'+i))+".wav")); errors.Is(err, ErrDropped) {
			dropped++
		}
	}
	if dropped != 2 {
		t.Fatalf("expected 2 commands dropped beyond the bound, got %d", dropped)
	}

	// Several failed reconnects must not publish again.
	time.Sleep(100 * time.Millisecond)
	if got := unavailable.Load(); got != 1 {
		t.Fatalf("expected exactly one unavailable notification, got %d", got)
	}

	mixer.available.Store(true)

	select {
	case counts := <-recovered:
		if counts != [2]int{3, 2} {
			t.Fatalf("expected 3 flushed and 2 dropped, got %v", counts)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for recovery")
	}

	mixer.expectLine(t, "enqueue_audio tts /cache/a.wav")
	mixer.expectLine(t, "enqueue_audio tts /cache/b.wav")
	mixer.expectLine(t, "enqueue_audio tts /cache/c.wav")
}

func TestUnavailableIsPublishedOncePerDisconnect(t *testing.T) {
	mixer := newFakeMixer()

	var unavailable atomic.Int32
	client := NewClient("fake",
		WithDialer(mixer.dial),
		WithBackOff(fastBackOff),
		WithUnavailableCallback(func(error) { unavailable.Add(1) }),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = client.Run(ctx) }()

	for outage := int32(1); outage <= 2; outage++ {
		waitFor(t, "connection", client.Connected)
		mixer.drop()
		waitFor(t, "disconnect", func() bool { return unavailable.Load() == outage })
		time.Sleep(50 * time.Millisecond)
		mixer.available.Store(true)
	}

	waitFor(t, "final reconnection", client.Connected)
	if got := unavailable.Load(); got != 2 {
		t.Fatalf("expected two notifications for two outages, got %d", got)
	}
}

func TestSendAfterCloseFails(t *testing.T) {
	client := NewClient("fake")
	_ = client.Close()

	if err := client.Send(Skip("tts")); !errors.Is(err, ErrMixerUnavailable) {
		t.Fatalf("expected ErrMixerUnavailable, got %v", err)
	}
}

func TestPathMappingsUseLongestPrefix(t *testing.T) {
	client := NewClient("fake", WithPathMappings(map[string]string{
		"/var":             "/mnt",
		"/var/cache/audio": "/audio",
	}))
	_ = client.Send(EnqueueAudio("tts", "/var/cache/audio/1.wav"))

	cmd, _ := client.peek()
	if cmd.Args[1] != "/audio/1.wav" {
		t.Fatalf("expected mapped path, got %q", cmd.Args[1])
	}
}

func TestParseCommandRoundTrip(t *testing.T) {
	for _, cmd := range []Command{
		EnqueueAudio("earcons", "/sounds/click.wav"),
		SetVolume("music", 0.15),
		SetVar("duck_amount", 0.15),
		Skip("tts"),
	} {
		parsed, err := ParseCommand(cmd.String())
		if err != nil {
			t.Fatalf("unexpected error parsing %q: %v", cmd.String(), err)
		}
		if parsed.String() != cmd.String() {
			t.Fatalf("expected %q, got %q", cmd.String(), parsed.String())
		}
	}

	if _, err := ParseCommand("dance now"); err == nil {
		t.Fatalf("expected unknown verb to fail")
	}
}
