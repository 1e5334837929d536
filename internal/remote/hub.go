// Package remote exposes supervised runners over MQTT.
//
// The Hub publishes lifecycle events, a retained state snapshot and
// rate-limited output lines for every attached runner, and executes commands
// received on processrunner/runner/{id}/command:
//
//	{"command": "start"}
//	{"command": "stop"}
//	{"command": "restart"}
//	{"command": "send", "text": "say hello"}
package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"golang.org/x/time/rate"

	"github.com/nerrad567/process-runner/internal/infrastructure/mqtt"
	"github.com/nerrad567/process-runner/internal/process"
)

// Errors returned by HandleCommand.
var (
	ErrUnknownCommand = errors.New("remote: unknown command")
	ErrUnknownRunner  = errors.New("remote: unknown runner")
	ErrBadPayload     = errors.New("remote: malformed command payload")
)

// Command names accepted on the command topic.
const (
	CommandStart   = "start"
	CommandStop    = "stop"
	CommandRestart = "restart"
	CommandSend    = "send"
)

const defaultQoS = 1

// Broker is the MQTT surface the hub needs. *mqtt.Client satisfies it.
type Broker interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
	Subscribe(topic string, qos byte, handler mqtt.MessageHandler) error
	Unsubscribe(topic string) error
}

// Logger is the logging surface the hub needs.
type Logger interface {
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
}

// Command is the payload of a command message.
type Command struct {
	Command string `json:"command"`
	Text    string `json:"text,omitempty"`
}

// Config configures a Hub.
type Config struct {
	Broker   Broker
	Registry *process.Registry
	Logger   Logger

	// OutputRate is the number of output lines per second relayed per
	// runner. Zero disables output relay.
	OutputRate float64

	// OutputBurst is the number of lines that may be relayed back to back.
	OutputBurst int
}

// Hub bridges a Registry and an MQTT broker.
type Hub struct {
	broker   Broker
	registry *process.Registry
	logger   Logger
	rate     rate.Limit
	burst    int
	topics   mqtt.Topics

	mu   sync.Mutex
	subs map[string]*process.Subscription
	wg   sync.WaitGroup

	// commands tracks commands still executing so Close can wait for them.
	commands sync.WaitGroup

	droppedOutput atomic.Uint64
}

// New creates a hub. Call Start to begin accepting commands.
func New(cfg Config) *Hub {
	burst := cfg.OutputBurst
	if burst < 1 {
		burst = 1
	}
	return &Hub{
		broker:   cfg.Broker,
		registry: cfg.Registry,
		logger:   cfg.Logger,
		rate:     rate.Limit(cfg.OutputRate),
		burst:    burst,
		subs:     make(map[string]*process.Subscription),
	}
}

// Start subscribes to the command topic of every runner.
func (h *Hub) Start() error {
	if err := h.broker.Subscribe(h.topics.AllRunnerCommands(), defaultQoS, h.HandleCommand); err != nil {
		return fmt.Errorf("subscribing to runner commands: %w", err)
	}
	return nil
}

// Attach publishes the engine's events under id until Detach, Close, or the
// engine closing.
func (h *Hub) Attach(id string, e *process.Engine) {
	id = process.NormaliseID(id)
	sub := e.Subscribe(0)

	h.mu.Lock()
	if old, ok := h.subs[id]; ok {
		old.Close()
	}
	h.subs[id] = sub
	h.mu.Unlock()

	h.publishState(id, e)

	h.wg.Add(1)
	go h.relay(id, e, sub)
}

// Detach stops publishing for id.
func (h *Hub) Detach(id string) {
	id = process.NormaliseID(id)
	h.mu.Lock()
	sub, ok := h.subs[id]
	delete(h.subs, id)
	h.mu.Unlock()
	if ok {
		sub.Close()
	}
}

// DroppedOutput returns how many output lines were not relayed because of
// the rate limit.
func (h *Hub) DroppedOutput() uint64 {
	return h.droppedOutput.Load()
}

// Close unsubscribes from commands, detaches every runner and waits for
// in-flight commands and relays.
func (h *Hub) Close() error {
	err := h.broker.Unsubscribe(h.topics.AllRunnerCommands())
	if errors.Is(err, mqtt.ErrNotConnected) {
		err = nil
	}

	h.mu.Lock()
	subs := h.subs
	h.subs = make(map[string]*process.Subscription)
	h.mu.Unlock()
	for _, sub := range subs {
		sub.Close()
	}

	h.commands.Wait()
	h.wg.Wait()
	return err
}

// HandleCommand executes one command message. It is the MQTT handler for
// the command topic and never blocks on the engine: lifecycle commands run
// asynchronously and their outcome is logged.
func (h *Hub) HandleCommand(topic string, payload []byte) error {
	id, ok := mqtt.RunnerIDFromTopic(topic)
	if !ok {
		return fmt.Errorf("%w: topic %s", ErrUnknownRunner, topic)
	}
	e, ok := h.registry.Get(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownRunner, id)
	}

	var cmd Command
	if err := json.Unmarshal(payload, &cmd); err != nil {
		return fmt.Errorf("%w: %w", ErrBadPayload, err)
	}

	var results <-chan process.Result
	switch strings.ToLower(cmd.Command) {
	case CommandStart:
		results = e.StartAsync(context.Background())
	case CommandStop:
		results = e.StopAsync(context.Background())
	case CommandRestart:
		results = e.RestartAsync(context.Background())
	case CommandSend:
		results = e.SendMessageAsync(cmd.Text)
	default:
		return fmt.Errorf("%w: %q", ErrUnknownCommand, cmd.Command)
	}

	h.commands.Add(1)
	go func() {
		defer h.commands.Done()
		res := <-results
		if res.Err != nil {
			h.warn("remote command failed", "runner", id, "command", cmd.Command, "error", res.Err)
			return
		}
		h.info("remote command executed", "runner", id, "command", cmd.Command)
	}()
	return nil
}

func (h *Hub) relay(id string, e *process.Engine, sub *process.Subscription) {
	defer h.wg.Done()

	var limiter *rate.Limiter
	if h.rate > 0 {
		limiter = rate.NewLimiter(h.rate, h.burst)
	}

	for ev := range sub.Events() {
		if ev.Type == process.EventOutput {
			if limiter == nil {
				continue
			}
			if !limiter.Allow() {
				h.droppedOutput.Add(1)
				continue
			}
			h.publish(h.topics.RunnerOutput(id), []byte(ev.Line), false)
			continue
		}

		payload, err := json.Marshal(ev)
		if err != nil {
			continue
		}
		h.publish(h.topics.RunnerEvent(id), payload, false)
		h.publishState(id, e)
	}
}

// publishState publishes the engine's stats as the retained state.
func (h *Hub) publishState(id string, e *process.Engine) {
	payload, err := json.Marshal(e.Stats())
	if err != nil {
		return
	}
	h.publish(h.topics.RunnerState(id), payload, true)
}

func (h *Hub) publish(topic string, payload []byte, retained bool) {
	if err := h.broker.Publish(topic, payload, defaultQoS, retained); err != nil {
		h.warn("mqtt publish failed", "topic", topic, "error", err)
	}
}

func (h *Hub) info(msg string, args ...any) {
	if h.logger != nil {
		h.logger.Info(msg, args...)
	}
}

func (h *Hub) warn(msg string, args ...any) {
	if h.logger != nil {
		h.logger.Warn(msg, args...)
	}
}
