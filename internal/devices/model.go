package devices

import (
	"encoding/json"
	"path/filepath"
)

const (
	MountCommandPrefix   = "mount/"
	UnmountCommandPrefix = "ummount/"
	InfoTopicPrefix      = "info/"
)

// Device is a point-in-time view of one label managed by the daemon.
type Device struct {
	Label          string `json:"label"`
	Present        bool   `json:"present"`
	Mounted        bool   `json:"mounted"`
	MountEnabled   bool   `json:"mount_enabled"`
	UnmountEnabled bool   `json:"unmount_enabled"`
	Busy           bool   `json:"busy"`
}

// Snapshot is the published status of a device.
type Snapshot struct {
	Mounted     bool    `json:"is_mounted"`
	UsedGB      float64 `json:"used"`
	UsedPercent float64 `json:"used_per"`
	SizeGB      float64 `json:"size"`
	AvailableGB float64 `json:"available"`
}

// Unmounted returns the normalized snapshot used for unmounted and removed devices.
func Unmounted() Snapshot {
	return Snapshot{}
}

// Canonical serializes the snapshot with a fixed field order for change detection.
func (s Snapshot) Canonical() string {
	raw, err := json.Marshal(s)
	if err != nil {
		return ""
	}
	return string(raw)
}

// Diff is the outcome of one scan of the label directory.
type Diff struct {
	New         []string `json:"new"`
	Removed     []string `json:"removed"`
	Reconnected []string `json:"reconnected"`
}

func (d Diff) Empty() bool {
	return len(d.New) == 0 && len(d.Removed) == 0 && len(d.Reconnected) == 0
}

func MountCommand(label string) string   { return MountCommandPrefix + label }
func UnmountCommand(label string) string { return UnmountCommandPrefix + label }
func InfoTopic(label string) string      { return InfoTopicPrefix + label }

// MountPoint returns the directory a label is mounted on under root.
func MountPoint(root, label string) string {
	return filepath.Join(root, label)
}
