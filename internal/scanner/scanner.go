package scanner

import (
	"errors"
	"log/slog"
	"os"
	"regexp"
	"sort"

	"github.com/micro-ha/device-mounter/internal/devices"
)

// Scanner lists the label-symlink directory and classifies what changed
// since the previous tick.
type Scanner struct {
	labelDir string
	pattern  *regexp.Regexp
	logger   *slog.Logger
}

// New creates a scanner. A nil pattern accepts every label.
func New(labelDir string, pattern *regexp.Regexp, logger *slog.Logger) *Scanner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scanner{labelDir: labelDir, pattern: pattern, logger: logger}
}

// List returns the labels currently visible. A missing directory means no
// devices are present.
func (s *Scanner) List() ([]string, error) {
	entries, err := os.ReadDir(s.labelDir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	labels := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if s.pattern != nil && !s.pattern.MatchString(entry.Name()) {
			continue
		}
		labels = append(labels, entry.Name())
	}
	return labels, nil
}

// Scan diffs the visible labels against the tracked and removed sets.
// Excluded labels are ignored entirely. A label found in removed is always
// reported as reconnected, never as new.
func (s *Scanner) Scan(tracked, removed, excluded map[string]struct{}) devices.Diff {
	visible, err := s.List()
	if err != nil {
		s.logger.Warn("label directory unreadable; treating as empty", "dir", s.labelDir, "err", err)
		visible = nil
	}

	current := make(map[string]struct{}, len(visible))
	var diff devices.Diff
	for _, label := range visible {
		if _, skip := excluded[label]; skip {
			continue
		}
		current[label] = struct{}{}
		if _, ok := removed[label]; ok {
			diff.Reconnected = append(diff.Reconnected, label)
			continue
		}
		if _, ok := tracked[label]; !ok {
			diff.New = append(diff.New, label)
		}
	}
	for label := range tracked {
		if _, ok := current[label]; !ok {
			diff.Removed = append(diff.Removed, label)
		}
	}

	sort.Strings(diff.New)
	sort.Strings(diff.Removed)
	sort.Strings(diff.Reconnected)
	return diff
}
