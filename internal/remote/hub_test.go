package remote

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nerrad567/process-runner/internal/infrastructure/mqtt"
	"github.com/nerrad567/process-runner/internal/process"
)

type message struct {
	topic    string
	payload  string
	retained bool
}

// fakeBroker records publishes and delivers nothing on its own.
type fakeBroker struct {
	mu         sync.Mutex
	published  []message
	handlers   map[string]mqtt.MessageHandler
	subErr     error
	unsubErr   error
	publishErr error
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{handlers: make(map[string]mqtt.MessageHandler)}
}

func (b *fakeBroker) Publish(topic string, payload []byte, _ byte, retained bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.publishErr != nil {
		return b.publishErr
	}
	b.published = append(b.published, message{topic, string(payload), retained})
	return nil
}

func (b *fakeBroker) Subscribe(topic string, _ byte, handler mqtt.MessageHandler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.subErr != nil {
		return b.subErr
	}
	b.handlers[topic] = handler
	return nil
}

func (b *fakeBroker) Unsubscribe(topic string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.handlers, topic)
	return b.unsubErr
}

// deliver simulates a message arriving on topic via the subscribed pattern.
func (b *fakeBroker) deliver(t *testing.T, topic, payload string) error {
	t.Helper()
	b.mu.Lock()
	h := b.handlers[mqtt.Topics{}.AllRunnerCommands()]
	b.mu.Unlock()
	if h == nil {
		t.Fatal("command topic not subscribed")
	}
	return h(topic, []byte(payload))
}

func (b *fakeBroker) on(topic string) []message {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []message
	for _, m := range b.published {
		if m.topic == topic {
			out = append(out, m)
		}
	}
	return out
}

func newCatEngine(t *testing.T, reg *process.Registry, id string) *process.Engine {
	t.Helper()
	e, err := process.NewEngine(
		process.Spec{Name: id, Executable: "/bin/cat", GracefulTimeout: time.Second},
		process.StaticRestartConfig(process.RestartConfig{}),
		process.Options{},
	)
	if err != nil {
		t.Fatalf("NewEngine() error = %v", err)
	}
	reg.Add(id, e)
	t.Cleanup(func() { e.Close() })
	return e
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func newTestHub(t *testing.T, rate float64, burst int) (*Hub, *fakeBroker, *process.Registry) {
	t.Helper()
	broker := newFakeBroker()
	reg := process.NewRegistry()
	h := New(Config{Broker: broker, Registry: reg, OutputRate: rate, OutputBurst: burst})
	if err := h.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	return h, broker, reg
}

func TestCommands_DriveEngine(t *testing.T) {
	h, broker, reg := newTestHub(t, 100, 100)
	defer h.Close()
	e := newCatEngine(t, reg, "echo")
	h.Attach("echo", e)

	topic := mqtt.Topics{}.RunnerCommand("echo")

	if err := broker.deliver(t, topic, `{"command":"start"}`); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitFor(t, "running", func() bool { return e.State() == process.StateRunning })

	if err := broker.deliver(t, topic, `{"command":"send","text":"ping"}`); err != nil {
		t.Fatalf("send: %v", err)
	}
	out := mqtt.Topics{}.RunnerOutput("echo")
	waitFor(t, "echoed output", func() bool {
		msgs := broker.on(out)
		return len(msgs) == 1 && msgs[0].payload == "ping"
	})

	if err := broker.deliver(t, topic, `{"command":"RESTART"}`); err != nil {
		t.Fatalf("restart: %v", err)
	}
	waitFor(t, "restart", func() bool { return e.Stats().RestartCount == 1 && e.State() == process.StateRunning })

	if err := broker.deliver(t, topic, `{"command":"stop"}`); err != nil {
		t.Fatalf("stop: %v", err)
	}
	waitFor(t, "stopped", func() bool { return e.State() == process.StateStopped })
}

func TestCommands_Rejected(t *testing.T) {
	h, broker, reg := newTestHub(t, 0, 0)
	defer h.Close()
	newCatEngine(t, reg, "known")

	tests := []struct {
		name    string
		topic   string
		payload string
		want    error
	}{
		{"unknown runner", mqtt.Topics{}.RunnerCommand("ghost"), `{"command":"start"}`, ErrUnknownRunner},
		{"bad topic", "processrunner/runner/", `{"command":"start"}`, ErrUnknownRunner},
		{"bad json", mqtt.Topics{}.RunnerCommand("known"), `{command`, ErrBadPayload},
		{"unknown command", mqtt.Topics{}.RunnerCommand("known"), `{"command":"explode"}`, ErrUnknownCommand},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := broker.deliver(t, tt.topic, tt.payload); !errors.Is(err, tt.want) {
				t.Errorf("error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestAttach_PublishesEventsAndState(t *testing.T) {
	h, broker, reg := newTestHub(t, 0, 0)
	defer h.Close()
	e := newCatEngine(t, reg, "Events")
	h.Attach("Events", e)

	stateTopic := mqtt.Topics{}.RunnerState("events")
	if msgs := broker.on(stateTopic); len(msgs) != 1 || !msgs[0].retained {
		t.Fatalf("initial state = %+v, want one retained message", msgs)
	}

	ctx := context.Background()
	if _, err := e.Start(ctx); err != nil {
		t.Fatal(err)
	}
	if err := e.Stop(ctx); err != nil {
		t.Fatal(err)
	}

	eventTopic := mqtt.Topics{}.RunnerEvent("events")
	waitFor(t, "events", func() bool { return len(broker.on(eventTopic)) == 2 })

	var types []string
	for _, m := range broker.on(eventTopic) {
		var ev process.Event
		if err := json.Unmarshal([]byte(m.payload), &ev); err != nil {
			t.Fatal(err)
		}
		types = append(types, string(ev.Type))
	}
	if strings.Join(types, ",") != "started,stopped" {
		t.Errorf("events = %v", types)
	}

	waitFor(t, "state updates", func() bool { return len(broker.on(stateTopic)) == 3 })
	last := broker.on(stateTopic)[2]
	var st process.Stats
	if err := json.Unmarshal([]byte(last.payload), &st); err != nil {
		t.Fatal(err)
	}
	if st.State != process.StateStopped {
		t.Errorf("last state = %s, want stopped", st.State)
	}
}

func TestOutput_RateLimited(t *testing.T) {
	h, broker, reg := newTestHub(t, 0.001, 2)
	defer h.Close()
	e := newCatEngine(t, reg, "chatty")
	h.Attach("chatty", e)

	if _, err := e.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 5; i++ {
		if _, err := e.SendMessage("line"); err != nil {
			t.Fatal(err)
		}
	}
	waitFor(t, "output counted", func() bool { return e.Stats().OutputLines == 5 })
	waitFor(t, "drops counted", func() bool { return h.DroppedOutput() == 3 })

	if n := len(broker.on(mqtt.Topics{}.RunnerOutput("chatty"))); n != 2 {
		t.Errorf("relayed %d lines, want burst of 2", n)
	}
}

func TestOutput_DisabledByZeroRate(t *testing.T) {
	h, broker, reg := newTestHub(t, 0, 10)
	defer h.Close()
	e := newCatEngine(t, reg, "muted")
	h.Attach("muted", e)

	if _, err := e.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if _, err := e.SendMessage("hidden"); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "output", func() bool { return e.Stats().OutputLines == 1 })
	time.Sleep(50 * time.Millisecond)

	if n := len(broker.on(mqtt.Topics{}.RunnerOutput("muted"))); n != 0 {
		t.Errorf("relayed %d lines with output disabled", n)
	}
	if h.DroppedOutput() != 0 {
		t.Error("disabled relay should not count drops")
	}
}

func TestStart_SubscribeError(t *testing.T) {
	broker := newFakeBroker()
	broker.subErr = mqtt.ErrNotConnected
	h := New(Config{Broker: broker, Registry: process.NewRegistry()})
	if err := h.Start(); !errors.Is(err, mqtt.ErrNotConnected) {
		t.Errorf("Start() = %v, want ErrNotConnected", err)
	}
}

func TestClose_IgnoresDisconnectedBroker(t *testing.T) {
	h, broker, reg := newTestHub(t, 0, 0)
	e := newCatEngine(t, reg, "x")
	h.Attach("x", e)
	h.Detach("x")
	h.Detach("never-attached")

	broker.unsubErr = mqtt.ErrNotConnected
	if err := h.Close(); err != nil {
		t.Errorf("Close() = %v", err)
	}
}
