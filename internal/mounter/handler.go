package mounter

import (
	"context"
	"errors"

	"github.com/micro-ha/device-mounter/internal/registry"
)

type Action string

const (
	ActionMount   Action = "mount"
	ActionUnmount Action = "unmount"
)

// DeviceCommand is the registry handler bound to one device and action.
type DeviceCommand struct {
	Label      string
	Action     Action
	controller *Controller
}

var _ registry.Handler = (*DeviceCommand)(nil)

func (c *Controller) Handler(label string, action Action) *DeviceCommand {
	return &DeviceCommand{Label: label, Action: action, controller: c}
}

func (h *DeviceCommand) Handle(ctx context.Context, _ map[string]any) error {
	var err error
	switch h.Action {
	case ActionMount:
		err = h.controller.Mount(ctx, h.Label)
	case ActionUnmount:
		err = h.controller.Unmount(ctx, h.Label)
	}
	var cmdErr *CommandError
	if errors.As(err, &cmdErr) {
		h.controller.logger.Warn("device command failed", "device", h.Label, "action", h.Action, "err", cmdErr.Detail())
	}
	return err
}
