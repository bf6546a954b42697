package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/micro-ha/device-mounter/internal/devices"
	"github.com/micro-ha/device-mounter/internal/metrics"
	"github.com/micro-ha/device-mounter/internal/mounter"
	"github.com/micro-ha/device-mounter/internal/publisher"
	"github.com/micro-ha/device-mounter/internal/scanner"
)

var ErrNotInitialized = errors.New("service not initialized")

// MountIndex reports the labels already handled by the system mount tables.
type MountIndex interface {
	Refresh() (map[string]struct{}, error)
}

// Cleaner drops registrations the registry no longer recognizes and returns
// the device labels that are gone.
type Cleaner interface {
	RemoveUnregistered() []string
}

// Service runs one polling tick: scan, command bookkeeping, publication and
// registry cleanup.
type Service struct {
	index      MountIndex
	scanner    *scanner.Scanner
	devices    *devices.Registry
	controller *mounter.Controller
	publisher  *publisher.Publisher
	cleaner    Cleaner
	metrics    *metrics.Metrics
	logger     *slog.Logger

	mu       sync.Mutex
	excluded map[string]struct{}
	ready    bool
}

func New(
	index MountIndex,
	sc *scanner.Scanner,
	reg *devices.Registry,
	ctrl *mounter.Controller,
	pub *publisher.Publisher,
	cleaner Cleaner,
	m *metrics.Metrics,
	logger *slog.Logger,
) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		index:      index,
		scanner:    sc,
		devices:    reg,
		controller: ctrl,
		publisher:  pub,
		cleaner:    cleaner,
		metrics:    m,
		logger:     logger,
	}
}

// Init loads the system-managed exclusion set. It must succeed before the
// first PollOnce.
func (s *Service) Init() error {
	excluded, err := s.index.Refresh()
	if err != nil {
		return fmt.Errorf("load system mount tables: %w", err)
	}
	s.mu.Lock()
	s.excluded = excluded
	s.ready = true
	s.mu.Unlock()
	s.logger.Info("system mount index loaded", "excluded", len(excluded))
	return nil
}

// PollOnce runs a single tick.
func (s *Service) PollOnce(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.ready {
		return ErrNotInitialized
	}

	tracked, removed := s.devices.Sets()
	diff := s.scanner.Scan(tracked, removed, s.excluded)
	s.devices.ApplyScan(diff)
	s.metrics.RecordScan(len(diff.New), len(diff.Removed), len(diff.Reconnected))
	if !diff.Empty() {
		s.logger.Info("device changes detected", "new", diff.New, "removed", diff.Removed, "reconnected", diff.Reconnected)
	}

	var errs []error
	for _, label := range diff.New {
		if err := s.controller.Register(label); err != nil {
			errs = append(errs, fmt.Errorf("register %s: %w", label, err))
		}
	}
	for _, label := range diff.Removed {
		if err := s.controller.Disable(label); err != nil {
			errs = append(errs, fmt.Errorf("disable %s: %w", label, err))
		}
	}
	for _, label := range diff.Reconnected {
		if err := s.controller.Reset(label); err != nil {
			errs = append(errs, fmt.Errorf("reset %s: %w", label, err))
		}
	}

	for _, label := range s.devices.Tracked() {
		if _, err := s.publisher.Refresh(ctx, label); err != nil {
			errs = append(errs, err)
		}
	}
	for _, label := range s.devices.Removed() {
		if _, err := s.publisher.RefreshRemoved(label); err != nil {
			errs = append(errs, err)
		}
	}

	for _, label := range s.cleaner.RemoveUnregistered() {
		s.devices.Forget(label)
		s.logger.Info("device forgotten", "device", label)
	}

	s.recordGauges()
	s.metrics.RecordTick()
	return errors.Join(errs...)
}

func (s *Service) recordGauges() {
	var tracked, removed, mounted int
	for _, d := range s.devices.List() {
		if d.Present {
			tracked++
			if d.Mounted {
				mounted++
			}
		} else {
			removed++
		}
	}
	s.metrics.SetDevices(tracked, removed, mounted)
}

// Devices returns the current device view for the HTTP API.
func (s *Service) Devices() []devices.Device {
	return s.devices.List()
}

// Excluded returns the labels left to the system mount tables.
func (s *Service) Excluded() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.excluded))
	for label := range s.excluded {
		out = append(out, label)
	}
	sort.Strings(out)
	return out
}
