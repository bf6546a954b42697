package devices

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestApplyScanKeepsSetsDisjoint(t *testing.T) {
	r := NewRegistry()
	r.ApplyScan(Diff{New: []string{"USB1", "USB2"}})
	assert.Equal(t, []string{"USB1", "USB2"}, r.Tracked())
	assert.Empty(t, r.Removed())

	r.ApplyScan(Diff{Removed: []string{"USB1"}})
	assert.Equal(t, []string{"USB2"}, r.Tracked())
	assert.Equal(t, []string{"USB1"}, r.Removed())

	r.ApplyScan(Diff{Reconnected: []string{"USB1"}, Removed: []string{"USB2"}})
	assert.Equal(t, []string{"USB1"}, r.Tracked())
	assert.Equal(t, []string{"USB2"}, r.Removed())

	tracked, removed := r.Sets()
	for label := range tracked {
		_, dup := removed[label]
		assert.False(t, dup, "label %s in both sets", label)
	}
}

func TestApplyScanDoesNotResetExistingDevice(t *testing.T) {
	r := NewRegistry()
	r.ApplyScan(Diff{New: []string{"USB1"}})
	require.NoError(t, r.Update("USB1", func(d *Device) error {
		d.Mounted = true
		return nil
	}))
	r.ApplyScan(Diff{New: []string{"USB1"}})
	d, ok := r.Get("USB1")
	require.True(t, ok)
	assert.True(t, d.Mounted)
}

func TestUpdateDiscardsChangesOnError(t *testing.T) {
	r := NewRegistry()
	r.ApplyScan(Diff{New: []string{"USB1"}})
	boom := errors.New("boom")
	err := r.Update("USB1", func(d *Device) error {
		d.Mounted = true
		return boom
	})
	require.ErrorIs(t, err, boom)
	d, _ := r.Get("USB1")
	assert.False(t, d.Mounted)

	require.ErrorIs(t, r.Update("missing", func(*Device) error { return nil }), ErrUnknownDevice)
}

func TestSwapPublishedDeduplicates(t *testing.T) {
	r := NewRegistry()
	calls := 0
	publish := func() error {
		calls++
		return nil
	}
	payload := Unmounted().Canonical()

	changed, err := r.SwapPublished("USB1", payload, publish)
	require.NoError(t, err)
	assert.True(t, changed)
	changed, err = r.SwapPublished("USB1", payload, publish)
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Equal(t, 1, calls)

	r.Forget("USB1")
	_, ok := r.Published("USB1")
	assert.False(t, ok)
	_, err = r.SwapPublished("USB1", payload, publish)
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}

func TestSwapPublishedKeepsCacheOnFailure(t *testing.T) {
	r := NewRegistry()
	changed, err := r.SwapPublished("USB1", "x", func() error { return errors.New("down") })
	require.Error(t, err)
	assert.False(t, changed)
	_, ok := r.Published("USB1")
	assert.False(t, ok)
}

func TestSnapshotCanonicalFieldNames(t *testing.T) {
	s := Snapshot{Mounted: true, UsedGB: 3, UsedPercent: 12.5, SizeGB: 24, AvailableGB: 21}
	assert.Equal(t, `{"is_mounted":true,"used":3,"used_per":12.5,"size":24,"available":21}`, s.Canonical())
	assert.Equal(t, `{"is_mounted":false,"used":0,"used_per":0,"size":0,"available":0}`, Unmounted().Canonical())
}
