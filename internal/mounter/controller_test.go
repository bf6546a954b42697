package mounter

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/micro-ha/device-mounter/internal/devices"
	"github.com/micro-ha/device-mounter/internal/registry"
)

type fakeCommands struct {
	mu       sync.Mutex
	enabled  map[string]bool
	handlers map[string]registry.Handler
}

func newFakeCommands() *fakeCommands {
	return &fakeCommands{enabled: map[string]bool{}, handlers: map[string]registry.Handler{}}
}

func (f *fakeCommands) AddCommand(name string, h registry.Handler, _, _ registry.Schema, _ string, enabled bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[name] = h
	f.enabled[name] = enabled
	return nil
}

func (f *fakeCommands) EnableCommand(name string, enabled bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.enabled[name]; !ok {
		return registry.ErrCommandNotFound
	}
	f.enabled[name] = enabled
	return nil
}

func (f *fakeCommands) drop(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.enabled, name)
	delete(f.handlers, name)
}

func (f *fakeCommands) state(label string) (mount, unmount bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.enabled[devices.MountCommand(label)], f.enabled[devices.UnmountCommand(label)]
}

type call struct {
	name string
	args []string
}

type fakeRunner struct {
	mu    sync.Mutex
	calls []call
	err   error
	block chan struct{}
}

func (f *fakeRunner) Run(_ context.Context, name string, args ...string) error {
	f.mu.Lock()
	f.calls = append(f.calls, call{name: name, args: args})
	block := f.block
	err := f.err
	f.mu.Unlock()
	if block != nil {
		<-block
	}
	return err
}

type harness struct {
	devices  *devices.Registry
	commands *fakeCommands
	runner   *fakeRunner
	ctrl     *Controller
	root     string
}

func newHarness(t *testing.T, labels ...string) harness {
	t.Helper()
	root := t.TempDir()
	h := harness{
		devices:  devices.NewRegistry(),
		commands: newFakeCommands(),
		runner:   &fakeRunner{},
		root:     root,
	}
	h.ctrl = New(Options{
		LabelDir:  "/dev/disk/by-label",
		MountRoot: filepath.Join(root, "mnt"),
	}, h.devices, h.commands, h.runner, nil, slog.New(slog.NewTextHandler(io.Discard, nil)))
	h.devices.ApplyScan(devices.Diff{New: labels})
	for _, label := range labels {
		require.NoError(t, h.ctrl.Register(label))
	}
	return h
}

func TestRegisterExposesMountOnly(t *testing.T) {
	h := newHarness(t, "USB1")
	mount, unmount := h.commands.state("USB1")
	assert.True(t, mount)
	assert.False(t, unmount)

	d, ok := h.devices.Get("USB1")
	require.True(t, ok)
	assert.True(t, d.MountEnabled)
	assert.False(t, d.UnmountEnabled)
}

func TestMountSuccessFlipsCommands(t *testing.T) {
	h := newHarness(t, "USB1")
	require.NoError(t, h.ctrl.Mount(context.Background(), "USB1"))

	target := filepath.Join(h.root, "mnt", "USB1")
	info, err := os.Stat(target)
	require.NoError(t, err)
	assert.True(t, info.IsDir())

	require.Len(t, h.runner.calls, 1)
	assert.Equal(t, call{name: "mount", args: []string{"/dev/disk/by-label/USB1", target}}, h.runner.calls[0])

	d, _ := h.devices.Get("USB1")
	assert.True(t, d.Mounted)
	assert.False(t, d.Busy)
	mount, unmount := h.commands.state("USB1")
	assert.False(t, mount)
	assert.True(t, unmount)
}

func TestMountCommandFailureKeepsState(t *testing.T) {
	h := newHarness(t, "USB1")
	h.runner.err = errors.New("exit status 32")

	err := h.ctrl.Mount(context.Background(), "USB1")
	require.ErrorIs(t, err, ErrMountCommand)
	assert.Equal(t, "Mount command error", err.Error())
	var cmdErr *CommandError
	require.ErrorAs(t, err, &cmdErr)
	assert.Equal(t, KindMountCommand, cmdErr.Kind)

	d, _ := h.devices.Get("USB1")
	assert.False(t, d.Mounted)
	assert.False(t, d.Busy)
	mount, unmount := h.commands.state("USB1")
	assert.True(t, mount)
	assert.False(t, unmount)
}

func TestMountPointCreationFailureSkipsMount(t *testing.T) {
	h := newHarness(t, "USB1")
	require.NoError(t, os.WriteFile(filepath.Join(h.root, "mnt"), []byte("not a dir"), 0o644))

	err := h.ctrl.Mount(context.Background(), "USB1")
	require.ErrorIs(t, err, ErrMountPointCreation)
	assert.Empty(t, h.runner.calls)
	d, _ := h.devices.Get("USB1")
	assert.False(t, d.Mounted)
}

func TestMountPointAlreadyExists(t *testing.T) {
	h := newHarness(t, "USB1")
	require.NoError(t, os.MkdirAll(filepath.Join(h.root, "mnt", "USB1"), 0o755))
	require.NoError(t, h.ctrl.Mount(context.Background(), "USB1"))
}

func TestUnmountRestoresCommands(t *testing.T) {
	h := newHarness(t, "USB1")
	ctx := context.Background()
	require.NoError(t, h.ctrl.Mount(ctx, "USB1"))
	require.NoError(t, h.ctrl.Unmount(ctx, "USB1"))

	assert.Equal(t, call{name: "umount", args: []string{filepath.Join(h.root, "mnt", "USB1")}}, h.runner.calls[1])
	d, _ := h.devices.Get("USB1")
	assert.False(t, d.Mounted)
	mount, unmount := h.commands.state("USB1")
	assert.True(t, mount)
	assert.False(t, unmount)
}

func TestUnmountFailureKeepsMounted(t *testing.T) {
	h := newHarness(t, "USB1")
	ctx := context.Background()
	require.NoError(t, h.ctrl.Mount(ctx, "USB1"))
	h.runner.err = errors.New("target is busy")

	err := h.ctrl.Unmount(ctx, "USB1")
	require.ErrorIs(t, err, ErrUnmountCommand)
	assert.Equal(t, "unmount command error", err.Error())
	d, _ := h.devices.Get("USB1")
	assert.True(t, d.Mounted)
	mount, unmount := h.commands.state("USB1")
	assert.False(t, mount)
	assert.True(t, unmount)
}

func TestDisableAndResetAfterReconnect(t *testing.T) {
	h := newHarness(t, "USB1")
	require.NoError(t, h.ctrl.Mount(context.Background(), "USB1"))

	h.devices.ApplyScan(devices.Diff{Removed: []string{"USB1"}})
	require.NoError(t, h.ctrl.Disable("USB1"))
	mount, unmount := h.commands.state("USB1")
	assert.False(t, mount)
	assert.False(t, unmount)

	require.ErrorIs(t, h.ctrl.Unmount(context.Background(), "USB1"), ErrNotTracked)

	h.devices.ApplyScan(devices.Diff{Reconnected: []string{"USB1"}})
	require.NoError(t, h.ctrl.Reset("USB1"))
	d, _ := h.devices.Get("USB1")
	assert.False(t, d.Mounted)
	mount, unmount = h.commands.state("USB1")
	assert.True(t, mount)
	assert.False(t, unmount)
}

func TestConcurrentCommandIsRejected(t *testing.T) {
	h := newHarness(t, "USB1")
	h.runner.block = make(chan struct{})

	done := make(chan error, 1)
	go func() { done <- h.ctrl.Mount(context.Background(), "USB1") }()

	require.Eventually(t, func() bool {
		d, _ := h.devices.Get("USB1")
		return d.Busy
	}, 2*time.Second, 5*time.Millisecond)

	// The device lock is free while the command blocks.
	_, removed := h.devices.Sets()
	assert.Empty(t, removed)
	require.ErrorIs(t, h.ctrl.Unmount(context.Background(), "USB1"), ErrBusy)

	close(h.runner.block)
	require.NoError(t, <-done)
	d, _ := h.devices.Get("USB1")
	assert.True(t, d.Mounted)
}

func TestDeviceRemovedDuringMountStaysDisabled(t *testing.T) {
	h := newHarness(t, "USB1")
	h.runner.block = make(chan struct{})

	done := make(chan error, 1)
	go func() { done <- h.ctrl.Mount(context.Background(), "USB1") }()
	require.Eventually(t, func() bool {
		d, _ := h.devices.Get("USB1")
		return d.Busy
	}, 2*time.Second, 5*time.Millisecond)

	h.devices.ApplyScan(devices.Diff{Removed: []string{"USB1"}})
	require.NoError(t, h.ctrl.Disable("USB1"))
	close(h.runner.block)
	require.NoError(t, <-done)

	mount, unmount := h.commands.state("USB1")
	assert.False(t, mount)
	assert.False(t, unmount)
}

func TestHandlerDispatchesByAction(t *testing.T) {
	h := newHarness(t, "USB1")
	ctx := context.Background()
	require.NoError(t, h.ctrl.Handler("USB1", ActionMount).Handle(ctx, nil))
	require.NoError(t, h.ctrl.Handler("USB1", ActionUnmount).Handle(ctx, nil))
	require.Len(t, h.runner.calls, 2)
	assert.Equal(t, "mount", h.runner.calls[0].name)
	assert.Equal(t, "umount", h.runner.calls[1].name)

	require.ErrorIs(t, h.ctrl.Handler("GONE", ActionMount).Handle(ctx, nil), ErrNotTracked)
}

func TestMountOutlivesCallerDeadline(t *testing.T) {
	root := t.TempDir()
	script := filepath.Join(root, "slow-mount")
	require.NoError(t, os.WriteFile(script, []byte("#!/bin/sh\nsleep 1\ntouch \"$2/done\"\n"), 0o755))

	reg := devices.NewRegistry()
	commands := newFakeCommands()
	ctrl := New(Options{
		LabelDir:    "/dev/disk/by-label",
		MountRoot:   filepath.Join(root, "mnt"),
		MountBinary: script,
	}, reg, commands, ExecRunner{}, nil, slog.New(slog.NewTextHandler(io.Discard, nil)))
	reg.ApplyScan(devices.Diff{New: []string{"USB1"}})
	require.NoError(t, ctrl.Register("USB1"))

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	require.NoError(t, ctrl.Mount(ctx, "USB1"))

	_, err := os.Stat(filepath.Join(root, "mnt", "USB1", "done"))
	require.NoError(t, err)
	d, _ := reg.Get("USB1")
	assert.True(t, d.Mounted)
	mount, unmount := commands.state("USB1")
	assert.False(t, mount)
	assert.True(t, unmount)
}

func TestDisableReachesUnmountWhenMountCommandIsGone(t *testing.T) {
	h := newHarness(t, "USB1")
	require.NoError(t, h.ctrl.Mount(context.Background(), "USB1"))
	h.commands.drop(devices.MountCommand("USB1"))

	h.devices.ApplyScan(devices.Diff{Removed: []string{"USB1"}})
	err := h.ctrl.Disable("USB1")
	require.ErrorIs(t, err, registry.ErrCommandNotFound)

	_, unmount := h.commands.state("USB1")
	assert.False(t, unmount)
	d, _ := h.devices.Get("USB1")
	assert.False(t, d.MountEnabled)
	assert.False(t, d.UnmountEnabled)
}
