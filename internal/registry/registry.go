package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	CategoryGeneric = "generic"

	TypeString = "string"

	ErrorField = "error"
)

var (
	ErrCommandNotFound = errors.New("command not found")
	ErrCommandDisabled = errors.New("command disabled")
	ErrInvalidPayload  = errors.New("info payload is not valid json")
)

// Field describes one argument or result value of a command.
type Field struct {
	Type     string `json:"type"`
	Optional bool   `json:"optional,omitempty"`
}

// Schema maps a field name to its description.
type Schema map[string]Field

// ErrorResult is the result schema of commands that only report failures.
func ErrorResult() Schema {
	return Schema{ErrorField: {Type: TypeString, Optional: true}}
}

// Handler runs a registered command. A returned error is reported to the
// caller as {"error": "<message>"}.
type Handler interface {
	Handle(ctx context.Context, args map[string]any) error
}

// Facade is the registry contract consumed by the device components.
type Facade interface {
	AddCommand(name string, handler Handler, args, result Schema, category string, enabled bool) error
	EnableCommand(name string, enabled bool) error
	PublishInfo(topic string, payload string, category string) error
	RemoveUnregistered() []string
}

// Event is pushed to websocket subscribers on every catalog change.
type Event struct {
	Kind    string          `json:"kind"`
	Name    string          `json:"name"`
	Enabled *bool           `json:"enabled,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	At      time.Time       `json:"at"`
}

const (
	EventCommandAdded   = "command_added"
	EventCommandEnabled = "command_enabled"
	EventCommandRemoved = "command_removed"
	EventInfo           = "info"
)

// Registry is the local command/info registry. The catalog lives in Store and
// the handlers stay in process.
type Registry struct {
	store  *Store
	hub    *Hub
	logger *slog.Logger

	mu       sync.RWMutex
	handlers map[string]Handler
}

var _ Facade = (*Registry)(nil)

func New(store *Store, hub *Hub, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{store: store, hub: hub, logger: logger, handlers: map[string]Handler{}}
}

func (r *Registry) AddCommand(name string, handler Handler, args, result Schema, category string, enabled bool) error {
	if handler == nil {
		return fmt.Errorf("command %s: nil handler", name)
	}
	if args == nil {
		args = Schema{}
	}
	if result == nil {
		result = Schema{}
	}
	ctx, cancel := opContext()
	defer cancel()
	rec := CommandRecord{Name: name, Subject: subjectOf(name), Category: category, Enabled: enabled, Args: args, Result: result}
	if err := r.store.UpsertCommand(ctx, rec); err != nil {
		return fmt.Errorf("add command %s: %w", name, err)
	}
	r.mu.Lock()
	r.handlers[name] = handler
	r.mu.Unlock()
	r.hub.Broadcast(Event{Kind: EventCommandAdded, Name: name, Enabled: &enabled, At: time.Now().UTC()})
	return nil
}

func (r *Registry) EnableCommand(name string, enabled bool) error {
	ctx, cancel := opContext()
	defer cancel()
	if err := r.store.SetEnabled(ctx, name, enabled); err != nil {
		if errors.Is(err, ErrNotFound) {
			return fmt.Errorf("%w: %s", ErrCommandNotFound, name)
		}
		return err
	}
	r.hub.Broadcast(Event{Kind: EventCommandEnabled, Name: name, Enabled: &enabled, At: time.Now().UTC()})
	return nil
}

func (r *Registry) PublishInfo(topic string, payload string, category string) error {
	if !json.Valid([]byte(payload)) {
		return fmt.Errorf("%w: %s", ErrInvalidPayload, topic)
	}
	ctx, cancel := opContext()
	defer cancel()
	rec := InfoRecord{Topic: topic, Subject: subjectOf(topic), Category: category, Payload: json.RawMessage(payload)}
	if err := r.store.UpsertInfo(ctx, rec); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	r.hub.Broadcast(Event{Kind: EventInfo, Name: topic, Payload: rec.Payload, At: time.Now().UTC()})
	return nil
}

// Unregister withdraws a command. It stops being invocable at once and is
// dropped on the next RemoveUnregistered.
func (r *Registry) Unregister(name string) error {
	ctx, cancel := opContext()
	defer cancel()
	if err := r.store.Withdraw(ctx, name); err != nil {
		if errors.Is(err, ErrNotFound) {
			return fmt.Errorf("%w: %s", ErrCommandNotFound, name)
		}
		return err
	}
	r.mu.Lock()
	delete(r.handlers, name)
	r.mu.Unlock()
	return nil
}

// RemoveUnregistered drops withdrawn commands together with info topics left
// without any command, and returns the subjects that are gone entirely.
func (r *Registry) RemoveUnregistered() []string {
	ctx, cancel := opContext()
	defer cancel()
	names, subjects, err := r.store.PurgeWithdrawn(ctx)
	if err != nil {
		r.logger.Error("remove unregistered failed", "err", err)
		return nil
	}
	for _, name := range names {
		r.hub.Broadcast(Event{Kind: EventCommandRemoved, Name: name, At: time.Now().UTC()})
	}
	if len(names) > 0 || len(subjects) > 0 {
		r.logger.Info("removed unregistered entries", "commands", names, "subjects", subjects)
	}
	return subjects
}

// Invoke runs a registered command on behalf of a remote caller. Handler
// failures are folded into the result payload; only lookup failures are
// returned as errors.
func (r *Registry) Invoke(ctx context.Context, name string, args map[string]any) (map[string]any, error) {
	rec, err := r.store.GetCommand(ctx, name)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrCommandNotFound, name)
		}
		return nil, err
	}
	if rec.Withdrawn {
		return nil, fmt.Errorf("%w: %s", ErrCommandNotFound, name)
	}
	if !rec.Enabled {
		return nil, fmt.Errorf("%w: %s", ErrCommandDisabled, name)
	}
	r.mu.RLock()
	handler, ok := r.handlers[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrCommandNotFound, name)
	}

	invocation := uuid.NewString()
	startedAt := time.Now()
	r.logger.Info("command invoked", "command", name, "invocation", invocation)
	if err := handler.Handle(ctx, args); err != nil {
		r.logger.Warn("command failed", "command", name, "invocation", invocation,
			"duration_ms", time.Since(startedAt).Milliseconds(), "err", err)
		return map[string]any{ErrorField: err.Error()}, nil
	}
	r.logger.Info("command completed", "command", name, "invocation", invocation,
		"duration_ms", time.Since(startedAt).Milliseconds())
	return map[string]any{}, nil
}

func (r *Registry) Commands(ctx context.Context) ([]CommandRecord, error) {
	return r.store.ListCommands(ctx)
}

func (r *Registry) Info(ctx context.Context) ([]InfoRecord, error) {
	return r.store.ListInfo(ctx)
}

// subjectOf returns the part of a name after its first "/" segment; names
// without a separator are their own subject.
func subjectOf(name string) string {
	if _, rest, ok := strings.Cut(name, "/"); ok && rest != "" {
		return rest
	}
	return name
}

func opContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 5*time.Second)
}
