package publisher

import (
	"context"
	"fmt"
	"log/slog"
	"math"

	"github.com/dustin/go-humanize"
	"github.com/shirou/gopsutil/v3/disk"

	"github.com/micro-ha/device-mounter/internal/devices"
	"github.com/micro-ha/device-mounter/internal/metrics"
	"github.com/micro-ha/device-mounter/internal/registry"
)

const gib = 1 << 30

// Usage is the space accounting of a mounted filesystem in bytes.
type Usage struct {
	Total uint64
	Free  uint64
	Used  uint64
}

type UsageReader interface {
	Usage(ctx context.Context, path string) (Usage, error)
}

// DiskUsage reads filesystem usage through gopsutil.
type DiskUsage struct{}

func (DiskUsage) Usage(ctx context.Context, path string) (Usage, error) {
	stat, err := disk.UsageWithContext(ctx, path)
	if err != nil {
		return Usage{}, err
	}
	return Usage{Total: stat.Total, Free: stat.Free, Used: stat.Used}, nil
}

// Sink receives serialized snapshots.
type Sink interface {
	PublishInfo(topic string, payload string, category string) error
}

// Publisher computes device snapshots and forwards them to the registry only
// when they differ from the last published one.
type Publisher struct {
	devices   *devices.Registry
	usage     UsageReader
	sink      Sink
	mountRoot string
	metrics   *metrics.Metrics
	logger    *slog.Logger
}

func New(reg *devices.Registry, usage UsageReader, sink Sink, mountRoot string, m *metrics.Metrics, logger *slog.Logger) *Publisher {
	if usage == nil {
		usage = DiskUsage{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{devices: reg, usage: usage, sink: sink, mountRoot: mountRoot, metrics: m, logger: logger}
}

// Compute returns the current snapshot of a device. Removed, unknown and
// unmounted devices get the unmounted form.
func (p *Publisher) Compute(ctx context.Context, label string) devices.Snapshot {
	d, ok := p.devices.Get(label)
	if !ok || !d.Present || !d.Mounted {
		return devices.Unmounted()
	}
	target := devices.MountPoint(p.mountRoot, label)
	usage, err := p.usage.Usage(ctx, target)
	if err != nil {
		p.logger.Warn("read disk usage failed", "device", label, "target", target, "err", err)
		return devices.Snapshot{Mounted: true}
	}
	p.logger.Debug("disk usage read", "device", label,
		"used", humanize.IBytes(usage.Used),
		"free", humanize.IBytes(usage.Free),
		"size", humanize.IBytes(usage.Total))
	return FromUsage(usage)
}

// FromUsage derives a mounted snapshot from raw byte counts.
func FromUsage(u Usage) devices.Snapshot {
	s := devices.Snapshot{
		Mounted:     true,
		UsedGB:      math.Round(float64(u.Used) / gib),
		SizeGB:      math.Round(float64(u.Total) / gib),
		AvailableGB: math.Round(float64(u.Free) / gib),
	}
	if u.Total > 0 {
		s.UsedPercent = math.Round(float64(u.Used)/float64(u.Total)*100*100) / 100
	}
	return s
}

// PublishIfChanged publishes snapshot on the device's info topic unless the
// same snapshot was the last one published. It reports whether a publish
// happened.
func (p *Publisher) PublishIfChanged(label string, snapshot devices.Snapshot) (bool, error) {
	payload := snapshot.Canonical()
	topic := devices.InfoTopic(label)
	changed, err := p.devices.SwapPublished(label, payload, func() error {
		return p.sink.PublishInfo(topic, payload, registry.CategoryGeneric)
	})
	if err != nil {
		return false, fmt.Errorf("publish %s: %w", topic, err)
	}
	if changed {
		p.metrics.RecordPublish()
		p.logger.Debug("device info published", "device", label, "mounted", snapshot.Mounted,
			"used_gb", snapshot.UsedGB, "size_gb", snapshot.SizeGB, "used_per", snapshot.UsedPercent)
	}
	return changed, nil
}

// Refresh computes and publishes the snapshot of a tracked device.
func (p *Publisher) Refresh(ctx context.Context, label string) (bool, error) {
	return p.PublishIfChanged(label, p.Compute(ctx, label))
}

// RefreshRemoved publishes the unmounted snapshot of a removed device.
func (p *Publisher) RefreshRemoved(label string) (bool, error) {
	return p.PublishIfChanged(label, devices.Unmounted())
}
