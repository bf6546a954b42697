package mounttable

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// ErrMountTableRead is returned when the static or live mount table cannot be read.
var ErrMountTableRead = errors.New("mount table read error")

// ReadError names the table that failed to load.
type ReadError struct {
	Path string
	Err  error
}

func (e *ReadError) Error() string {
	if e == nil {
		return ErrMountTableRead.Error()
	}
	return fmt.Sprintf("read mount table %s: %v", e.Path, e.Err)
}

func (e *ReadError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func (e *ReadError) Is(target error) bool {
	return target == ErrMountTableRead
}

// MatchMode selects how labels are matched against mount table entries.
type MatchMode string

const (
	// MatchFields compares the source field of every table line.
	MatchFields MatchMode = "fields"
	// MatchSubstring searches the concatenated tables for the resolved path or
	// the bare label, which also hits labels that are part of longer paths.
	MatchSubstring MatchMode = "substring"
)

func ParseMatchMode(raw string) (MatchMode, error) {
	switch MatchMode(strings.ToLower(strings.TrimSpace(raw))) {
	case "", MatchFields:
		return MatchFields, nil
	case MatchSubstring:
		return MatchSubstring, nil
	default:
		return "", fmt.Errorf("unknown mount table match mode %q", raw)
	}
}

type Options struct {
	LabelDir   string
	StaticPath string
	LivePath   string
	Mode       MatchMode
}

// Index decides which labeled devices are already handled by the system's
// own mount tables and therefore must stay out of daemon control.
type Index struct {
	opts   Options
	logger *slog.Logger
}

func New(opts Options, logger *slog.Logger) *Index {
	if opts.Mode == "" {
		opts.Mode = MatchFields
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Index{opts: opts, logger: logger}
}

// Refresh reads both tables and returns the set of excluded labels.
func (i *Index) Refresh() (map[string]struct{}, error) {
	static, err := os.ReadFile(i.opts.StaticPath)
	if err != nil {
		return nil, &ReadError{Path: i.opts.StaticPath, Err: err}
	}
	live, err := os.ReadFile(i.opts.LivePath)
	if err != nil {
		return nil, &ReadError{Path: i.opts.LivePath, Err: err}
	}
	blob := string(static) + "\n" + string(live)

	excluded := map[string]struct{}{}
	entries, err := os.ReadDir(i.opts.LabelDir)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			i.logger.Warn("label directory unreadable", "dir", i.opts.LabelDir, "err", err)
		}
		return excluded, nil
	}

	var sources map[string]struct{}
	if i.opts.Mode == MatchFields {
		sources = parseSources(blob)
	}

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		label := entry.Name()
		link := filepath.Join(i.opts.LabelDir, label)
		resolved, err := filepath.EvalSymlinks(link)
		if err != nil {
			resolved = link
		}

		var managed bool
		switch i.opts.Mode {
		case MatchSubstring:
			managed = strings.Contains(blob, resolved) || strings.Contains(blob, label)
		default:
			managed = hasAny(sources, resolved, link, "LABEL="+label)
		}
		if managed {
			excluded[label] = struct{}{}
			i.logger.Info("device is system managed", "device", label, "target", resolved)
		}
	}
	return excluded, nil
}

// parseSources collects the first field of every non-comment line.
func parseSources(blob string) map[string]struct{} {
	sources := map[string]struct{}{}
	for _, line := range strings.Split(blob, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		source := unescapeField(fields[0])
		sources[source] = struct{}{}
		if unquoted, ok := strings.CutPrefix(source, "LABEL="); ok {
			sources["LABEL="+strings.Trim(unquoted, `"`)] = struct{}{}
		}
	}
	return sources
}

func hasAny(set map[string]struct{}, keys ...string) bool {
	for _, key := range keys {
		if _, ok := set[key]; ok {
			return true
		}
	}
	return false
}

// unescapeField decodes the octal escapes (\040 for space and friends) used
// by fstab and /proc/mounts.
func unescapeField(field string) string {
	if !strings.Contains(field, `\`) {
		return field
	}
	var b strings.Builder
	for idx := 0; idx < len(field); idx++ {
		if field[idx] == '\\' && idx+3 < len(field) {
			if v, err := strconv.ParseUint(field[idx+1:idx+4], 8, 8); err == nil {
				b.WriteByte(byte(v))
				idx += 3
				continue
			}
		}
		b.WriteByte(field[idx])
	}
	return b.String()
}
