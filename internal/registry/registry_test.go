package registry

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRegistry(t *testing.T, hub *Hub) *Registry {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store, err := OpenStore(context.Background(), filepath.Join(t.TempDir(), "registry.db"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return New(store, hub, logger)
}

type countingHandler struct {
	calls int
	err   error
}

func (h *countingHandler) Handle(context.Context, map[string]any) error {
	h.calls++
	return h.err
}

func TestInvokeHonoursEnabledFlag(t *testing.T) {
	r := newTestRegistry(t, nil)
	ctx := context.Background()
	h := &countingHandler{}
	require.NoError(t, r.AddCommand("mount/USB1", h, nil, ErrorResult(), CategoryGeneric, false))

	_, err := r.Invoke(ctx, "mount/USB1", nil)
	require.ErrorIs(t, err, ErrCommandDisabled)
	assert.Zero(t, h.calls)

	require.NoError(t, r.EnableCommand("mount/USB1", true))
	result, err := r.Invoke(ctx, "mount/USB1", nil)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{}, result)
	assert.Equal(t, 1, h.calls)
}

func TestInvokeReportsHandlerErrorInPayload(t *testing.T) {
	r := newTestRegistry(t, nil)
	h := &countingHandler{err: errors.New("Mount command error")}
	require.NoError(t, r.AddCommand("mount/USB1", h, nil, ErrorResult(), CategoryGeneric, true))

	result, err := r.Invoke(context.Background(), "mount/USB1", nil)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"error": "Mount command error"}, result)
}

func TestInvokeUnknownCommand(t *testing.T) {
	r := newTestRegistry(t, nil)
	_, err := r.Invoke(context.Background(), "mount/nope", nil)
	require.ErrorIs(t, err, ErrCommandNotFound)
	require.ErrorIs(t, r.EnableCommand("mount/nope", true), ErrCommandNotFound)
}

func TestAddCommandReregistrationClearsWithdrawal(t *testing.T) {
	r := newTestRegistry(t, nil)
	h := &countingHandler{}
	require.NoError(t, r.AddCommand("mount/USB1", h, nil, nil, CategoryGeneric, true))
	require.NoError(t, r.Unregister("mount/USB1"))

	_, err := r.Invoke(context.Background(), "mount/USB1", nil)
	require.ErrorIs(t, err, ErrCommandNotFound)

	require.NoError(t, r.AddCommand("mount/USB1", h, nil, nil, CategoryGeneric, true))
	_, err = r.Invoke(context.Background(), "mount/USB1", nil)
	require.NoError(t, err)
}

func TestRemoveUnregisteredDropsOnlyFullyWithdrawnSubjects(t *testing.T) {
	r := newTestRegistry(t, nil)
	ctx := context.Background()
	for _, name := range []string{"mount/USB1", "ummount/USB1", "mount/USB2", "ummount/USB2"} {
		require.NoError(t, r.AddCommand(name, &countingHandler{}, nil, ErrorResult(), CategoryGeneric, true))
	}
	require.NoError(t, r.PublishInfo("info/USB1", `{"is_mounted":false}`, CategoryGeneric))
	require.NoError(t, r.PublishInfo("info/USB2", `{"is_mounted":false}`, CategoryGeneric))

	assert.Empty(t, r.RemoveUnregistered())

	require.NoError(t, r.Unregister("mount/USB1"))
	require.NoError(t, r.Unregister("ummount/USB1"))
	require.NoError(t, r.Unregister("mount/USB2"))

	assert.Equal(t, []string{"USB1"}, r.RemoveUnregistered())

	commands, err := r.Commands(ctx)
	require.NoError(t, err)
	require.Len(t, commands, 1)
	assert.Equal(t, "ummount/USB2", commands[0].Name)
	assert.Equal(t, "USB2", commands[0].Subject)
	assert.Equal(t, ErrorResult(), commands[0].Result)

	info, err := r.Info(ctx)
	require.NoError(t, err)
	require.Len(t, info, 1)
	assert.Equal(t, "info/USB2", info[0].Topic)
}

func TestPublishInfoRejectsInvalidJSON(t *testing.T) {
	r := newTestRegistry(t, nil)
	require.ErrorIs(t, r.PublishInfo("info/USB1", "{", CategoryGeneric), ErrInvalidPayload)
}

func TestStoreIsWipedOnOpen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "registry.db")
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	store, err := OpenStore(ctx, path, logger)
	require.NoError(t, err)
	r := New(store, nil, logger)
	require.NoError(t, r.AddCommand("mount/USB1", &countingHandler{}, nil, nil, CategoryGeneric, true))
	require.NoError(t, store.Close())

	store, err = OpenStore(ctx, path, logger)
	require.NoError(t, err)
	defer store.Close()
	commands, err := store.ListCommands(ctx)
	require.NoError(t, err)
	assert.Empty(t, commands)
}

func TestHubStreamsInfoEvents(t *testing.T) {
	hub := NewHub(slog.New(slog.NewTextHandler(io.Discard, nil)))
	r := newTestRegistry(t, hub)
	srv := httptest.NewServer(http.HandlerFunc(hub.ServeWS))
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, func() bool { return hub.Subscribers() == 1 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, r.PublishInfo("info/USB1", `{"is_mounted":true}`, CategoryGeneric))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)
	var event Event
	require.NoError(t, json.Unmarshal(msg, &event))
	assert.Equal(t, EventInfo, event.Kind)
	assert.Equal(t, "info/USB1", event.Name)
	assert.JSONEq(t, `{"is_mounted":true}`, string(event.Payload))
}
