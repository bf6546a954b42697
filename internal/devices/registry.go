package devices

import (
	"errors"
	"sort"
	"sync"
)

var ErrUnknownDevice = errors.New("unknown device")

// Registry owns every piece of mutable per-device state: tracked/removed
// membership, mount flags, exposed capabilities and the published snapshot
// cache. A device is tracked when Present is true and removed otherwise, so
// the two sets can never overlap.
type Registry struct {
	mu        sync.Mutex
	devices   map[string]*Device
	published map[string]string
}

func NewRegistry() *Registry {
	return &Registry{devices: map[string]*Device{}, published: map[string]string{}}
}

// Sets returns copies of the tracked and removed label sets.
func (r *Registry) Sets() (tracked, removed map[string]struct{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	tracked = make(map[string]struct{}, len(r.devices))
	removed = map[string]struct{}{}
	for label, d := range r.devices {
		if d.Present {
			tracked[label] = struct{}{}
		} else {
			removed[label] = struct{}{}
		}
	}
	return tracked, removed
}

func (r *Registry) Tracked() []string {
	return r.labels(true)
}

func (r *Registry) Removed() []string {
	return r.labels(false)
}

func (r *Registry) labels(present bool) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.devices))
	for label, d := range r.devices {
		if d.Present == present {
			out = append(out, label)
		}
	}
	sort.Strings(out)
	return out
}

// ApplyScan commits a scan diff: removed labels leave tracked, reconnected
// labels leave removed, then new labels join tracked.
func (r *Registry) ApplyScan(diff Diff) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, label := range diff.Removed {
		if d, ok := r.devices[label]; ok {
			d.Present = false
		}
	}
	for _, label := range diff.Reconnected {
		if d, ok := r.devices[label]; ok {
			d.Present = true
		}
	}
	for _, label := range diff.New {
		if _, ok := r.devices[label]; ok {
			continue
		}
		r.devices[label] = &Device{Label: label, Present: true}
	}
}

func (r *Registry) Get(label string) (Device, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.devices[label]
	if !ok {
		return Device{}, false
	}
	return *d, true
}

func (r *Registry) List() []Device {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Device, 0, len(r.devices))
	for _, d := range r.devices {
		out = append(out, *d)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Present != out[j].Present {
			return out[i].Present
		}
		return out[i].Label < out[j].Label
	})
	return out
}

// Update runs fn with the device locked. Changes fn makes to the device are
// committed only when it returns nil.
func (r *Registry) Update(label string, fn func(d *Device) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.devices[label]
	if !ok {
		return ErrUnknownDevice
	}
	next := *d
	if err := fn(&next); err != nil {
		return err
	}
	next.Label = label
	*d = next
	return nil
}

// Forget drops the device and its cached snapshot entirely.
func (r *Registry) Forget(label string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.devices, label)
	delete(r.published, label)
}

// SwapPublished calls publish only when payload differs from the last payload
// published for label, and records payload once publish succeeds.
func (r *Registry) SwapPublished(label, payload string, publish func() error) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if prev, ok := r.published[label]; ok && prev == payload {
		return false, nil
	}
	if err := publish(); err != nil {
		return false, err
	}
	r.published[label] = payload
	return true, nil
}

func (r *Registry) Published(label string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	payload, ok := r.published[label]
	return payload, ok
}
