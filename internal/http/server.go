package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/micro-ha/device-mounter/internal/devices"
	"github.com/micro-ha/device-mounter/internal/registry"
)

// Catalog is the registry surface exposed over HTTP.
type Catalog interface {
	Commands(ctx context.Context) ([]registry.CommandRecord, error)
	Info(ctx context.Context) ([]registry.InfoRecord, error)
	Invoke(ctx context.Context, name string, args map[string]any) (map[string]any, error)
	Unregister(name string) error
}

// DeviceView reports the daemon's device state.
type DeviceView interface {
	Devices() []devices.Device
	Excluded() []string
}

type Refresher interface {
	TriggerRefresh()
}

type API struct {
	catalog   Catalog
	devices   DeviceView
	refresher Refresher
	stream    http.Handler
	metrics   http.Handler
	logger    *slog.Logger
}

// New builds the API. stream and metrics may be nil, which disables the
// corresponding route.
func New(catalog Catalog, view DeviceView, refresher Refresher, stream, metrics http.Handler, logger *slog.Logger) *API {
	if logger == nil {
		logger = slog.Default()
	}
	return &API{catalog: catalog, devices: view, refresher: refresher, stream: stream, metrics: metrics, logger: logger}
}

func (a *API) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(RecoverJSON(a.logger))
	r.Use(RequestLogger(a.logger))

	r.Get("/healthz", a.health)
	if a.metrics != nil {
		r.Method(http.MethodGet, "/metrics", a.metrics)
	}
	if a.stream != nil {
		r.Method(http.MethodGet, "/api/ws", a.stream)
	}
	// Invocations wait for the mount command however long it takes.
	r.Post("/api/commands/*", a.invokeCommand)
	r.Group(func(api chi.Router) {
		api.Use(middleware.Timeout(60 * time.Second))
		api.Get("/api/commands", a.listCommands)
		api.Delete("/api/commands/*", a.unregisterCommand)
		api.Get("/api/info", a.listInfo)
		api.Get("/api/devices", a.listDevices)
		api.Post("/api/refresh", a.refresh)
	})
	return r
}

func (a *API) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (a *API) listCommands(w http.ResponseWriter, r *http.Request) {
	items, err := a.catalog.Commands(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "list_failed", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (a *API) invokeCommand(w http.ResponseWriter, r *http.Request) {
	name := commandName(r)
	if name == "" {
		writeError(w, http.StatusBadRequest, "invalid_command", "Command name is required")
		return
	}
	args := map[string]any{}
	if err := json.NewDecoder(r.Body).Decode(&args); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid_payload", "Invalid JSON payload")
		return
	}
	result, err := a.catalog.Invoke(r.Context(), name, args)
	if err != nil {
		writeCommandError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (a *API) unregisterCommand(w http.ResponseWriter, r *http.Request) {
	name := commandName(r)
	if name == "" {
		writeError(w, http.StatusBadRequest, "invalid_command", "Command name is required")
		return
	}
	if err := a.catalog.Unregister(name); err != nil {
		writeCommandError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"ok": true})
}

func (a *API) listInfo(w http.ResponseWriter, r *http.Request) {
	items, err := a.catalog.Info(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "list_failed", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (a *API) listDevices(w http.ResponseWriter, _ *http.Request) {
	items := a.devices.Devices()
	if items == nil {
		items = []devices.Device{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"items":    items,
		"excluded": a.devices.Excluded(),
	})
}

func (a *API) refresh(w http.ResponseWriter, _ *http.Request) {
	a.refresher.TriggerRefresh()
	writeJSON(w, http.StatusAccepted, map[string]any{"ok": true})
}

// commandName returns the wildcard tail; command names carry a "/".
func commandName(r *http.Request) string {
	return strings.Trim(chi.URLParam(r, "*"), "/")
}

func writeCommandError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, registry.ErrCommandNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, registry.ErrCommandDisabled):
		writeError(w, http.StatusConflict, "command_disabled", err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "command_failed", err.Error())
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]any{
			"code":    code,
			"message": message,
		},
	})
}

func RunServer(ctx context.Context, server *http.Server, logger *slog.Logger) error {
	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err != nil {
			logger.Error("http server failed", "err", err)
			return err
		}
		return nil
	}
}
