package mounter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/micro-ha/device-mounter/internal/devices"
	"github.com/micro-ha/device-mounter/internal/metrics"
	"github.com/micro-ha/device-mounter/internal/registry"
)

// Commands is the part of the registry the controller drives.
type Commands interface {
	AddCommand(name string, handler registry.Handler, args, result registry.Schema, category string, enabled bool) error
	EnableCommand(name string, enabled bool) error
}

type Options struct {
	LabelDir      string
	MountRoot     string
	MountBinary   string
	UnmountBinary string
}

// Controller runs mount and unmount actions and keeps the exposed registry
// commands in line with each device's mounted flag.
type Controller struct {
	opts     Options
	devices  *devices.Registry
	commands Commands
	runner   Runner
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

func New(opts Options, reg *devices.Registry, commands Commands, runner Runner, m *metrics.Metrics, logger *slog.Logger) *Controller {
	if opts.MountBinary == "" {
		opts.MountBinary = "mount"
	}
	if opts.UnmountBinary == "" {
		opts.UnmountBinary = "umount"
	}
	if runner == nil {
		runner = ExecRunner{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{opts: opts, devices: reg, commands: commands, runner: runner, metrics: m, logger: logger}
}

func (c *Controller) MountPoint(label string) string {
	return devices.MountPoint(c.opts.MountRoot, label)
}

func (c *Controller) LabelPath(label string) string {
	return filepath.Join(c.opts.LabelDir, label)
}

// Register exposes the mount and unmount commands of a newly tracked device
// with mount enabled and unmount disabled.
func (c *Controller) Register(label string) error {
	return c.devices.Update(label, func(d *devices.Device) error {
		d.Mounted = false
		d.MountEnabled = true
		d.UnmountEnabled = false
		if err := c.commands.AddCommand(devices.MountCommand(label), c.Handler(label, ActionMount),
			registry.Schema{}, registry.ErrorResult(), registry.CategoryGeneric, true); err != nil {
			return err
		}
		return c.commands.AddCommand(devices.UnmountCommand(label), c.Handler(label, ActionUnmount),
			registry.Schema{}, registry.ErrorResult(), registry.CategoryGeneric, false)
	})
}

// Disable turns both commands off for a device that disappeared.
func (c *Controller) Disable(label string) error {
	return c.edit(label, func(d *devices.Device) {
		d.MountEnabled = false
		d.UnmountEnabled = false
	})
}

// Reset restores a reconnected device to unmounted, whatever its state was
// before it disappeared.
func (c *Controller) Reset(label string) error {
	return c.edit(label, func(d *devices.Device) {
		d.Mounted = false
		d.MountEnabled = true
		d.UnmountEnabled = false
	})
}

// edit commits the local flags even when the registry rejects part of the
// push, so the device record always reflects the intended capabilities.
func (c *Controller) edit(label string, fn func(d *devices.Device)) error {
	var pushErr error
	if err := c.devices.Update(label, func(d *devices.Device) error {
		fn(d)
		pushErr = c.push(d)
		return nil
	}); err != nil {
		return err
	}
	return pushErr
}

// Mount creates the mount point and mounts the device on it. The external
// command outlives ctx cancellation; a stuck mount is never killed.
func (c *Controller) Mount(ctx context.Context, label string) error {
	err := c.mount(ctx, label)
	c.metrics.RecordCommand(string(ActionMount), err)
	return err
}

func (c *Controller) mount(ctx context.Context, label string) error {
	if err := c.acquire(label); err != nil {
		return err
	}
	target := c.MountPoint(label)
	if err := os.MkdirAll(target, 0o755); err != nil {
		c.release(label)
		return &CommandError{Kind: KindMountPointCreation, Device: label, Err: err}
	}
	if err := c.runner.Run(context.WithoutCancel(ctx), c.opts.MountBinary, c.LabelPath(label), target); err != nil {
		c.release(label)
		return &CommandError{Kind: KindMountCommand, Device: label, Err: err}
	}
	c.commit(label, true)
	c.logger.Info("device mounted", "device", label, "target", target)
	return nil
}

// Unmount unmounts the device's mount point.
func (c *Controller) Unmount(ctx context.Context, label string) error {
	err := c.unmount(ctx, label)
	c.metrics.RecordCommand(string(ActionUnmount), err)
	return err
}

func (c *Controller) unmount(ctx context.Context, label string) error {
	if err := c.acquire(label); err != nil {
		return err
	}
	target := c.MountPoint(label)
	if err := c.runner.Run(context.WithoutCancel(ctx), c.opts.UnmountBinary, target); err != nil {
		c.release(label)
		return &CommandError{Kind: KindUnmountCommand, Device: label, Err: err}
	}
	c.commit(label, false)
	c.logger.Info("device unmounted", "device", label, "target", target)
	return nil
}

// acquire marks the device busy so only one external command runs for it.
// The device lock is not held while the command runs.
func (c *Controller) acquire(label string) error {
	err := c.devices.Update(label, func(d *devices.Device) error {
		if !d.Present {
			return ErrNotTracked
		}
		if d.Busy {
			return ErrBusy
		}
		d.Busy = true
		return nil
	})
	if errors.Is(err, devices.ErrUnknownDevice) {
		return ErrNotTracked
	}
	return err
}

func (c *Controller) release(label string) {
	_ = c.devices.Update(label, func(d *devices.Device) error {
		d.Busy = false
		return nil
	})
}

// commit records the new mounted flag. A device that vanished while the
// command ran keeps both commands disabled.
func (c *Controller) commit(label string, mounted bool) {
	err := c.devices.Update(label, func(d *devices.Device) error {
		d.Busy = false
		d.Mounted = mounted
		if !d.Present {
			return nil
		}
		d.MountEnabled = !mounted
		d.UnmountEnabled = mounted
		if err := c.push(d); err != nil {
			c.logger.Warn("update command state failed", "device", label, "err", err)
		}
		return nil
	})
	if err != nil {
		c.logger.Warn("commit device state failed", "device", label, "err", err)
	}
}

// push sends both enabled flags; a failure on one never skips the other.
func (c *Controller) push(d *devices.Device) error {
	var errs []error
	if err := c.commands.EnableCommand(devices.MountCommand(d.Label), d.MountEnabled); err != nil {
		errs = append(errs, fmt.Errorf("enable %s: %w", devices.MountCommand(d.Label), err))
	}
	if err := c.commands.EnableCommand(devices.UnmountCommand(d.Label), d.UnmountEnabled); err != nil {
		errs = append(errs, fmt.Errorf("enable %s: %w", devices.UnmountCommand(d.Label), err))
	}
	return errors.Join(errs...)
}
