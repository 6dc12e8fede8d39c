// Package workspace exposes a directory of session event logs, one file per
// session, as monitor sources and as the session list for maintenance.
package workspace

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/stellarlinkco/ctxkeeper/internal/archive"
	"github.com/stellarlinkco/ctxkeeper/internal/eventlog"
	"github.com/stellarlinkco/ctxkeeper/internal/health"
	"go.uber.org/zap"
)

// ErrNoSession is returned for ids without a log file.
var ErrNoSession = errors.New("session not found")

const (
	fieldCurrentTask = "current_task"
	fieldStackDepth  = "stack_depth"
)

type Dir struct {
	root   string
	ext    string
	logger *zap.Logger
}

func NewDir(root, ext string, logger *zap.Logger) (*Dir, error) {
	if root == "" {
		return nil, errors.New("workspace dir is required")
	}
	if ext == "" {
		ext = ".log"
	}
	if !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create workspace dir: %w", err)
	}
	return &Dir{root: root, ext: ext, logger: logger.Named("workspace")}, nil
}

func (d *Dir) Root() string { return d.root }

// Path returns the log file of id.
func (d *Dir) Path(id string) (string, error) {
	if id == "" || id == "." || id == ".." || strings.ContainsAny(id, `/\`) {
		return "", fmt.Errorf("invalid session id %q", id)
	}
	return filepath.Join(d.root, id+d.ext), nil
}

// IDFor maps a file path back to its session id.
func (d *Dir) IDFor(path string) (string, bool) {
	if filepath.Dir(path) != filepath.Clean(d.root) {
		return "", false
	}
	base := filepath.Base(path)
	if !strings.HasSuffix(base, d.ext) || strings.HasPrefix(base, ".") {
		return "", false
	}
	id := strings.TrimSuffix(base, d.ext)
	return id, id != ""
}

func (d *Dir) Read(id string) (string, error) {
	path, err := d.Path(id)
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return "", fmt.Errorf("%s: %w", id, ErrNoSession)
	}
	if err != nil {
		return "", fmt.Errorf("read session %s: %w", id, err)
	}
	return string(data), nil
}

// Write replaces the log of id atomically.
func (d *Dir) Write(id, content string) error {
	path, err := d.Path(id)
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(d.root, ".tmp-*")
	if err != nil {
		return fmt.Errorf("write session %s: %w", id, err)
	}
	if _, err := tmp.WriteString(content); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("write session %s: %w", id, err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("write session %s: %w", id, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("write session %s: %w", id, err)
	}
	return nil
}

func (d *Dir) Remove(id string) error {
	path, err := d.Path(id)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%s: %w", id, ErrNoSession)
		}
		return err
	}
	return nil
}

// List returns session ids in sorted order.
func (d *Dir) List() ([]string, error) {
	entries, err := os.ReadDir(d.root)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	var ids []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if id, ok := d.IDFor(filepath.Join(d.root, e.Name())); ok {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// Source returns a monitor source backed by the log file of id.
func (d *Dir) Source(id string) *SessionFile {
	return &SessionFile{dir: d, id: id}
}

// Session describes id for health scoring. LastActivity is the newest event
// timestamp, or the file modification time when no event carries one.
func (d *Dir) Session(ctx context.Context, id string) (health.Session, error) {
	path, err := d.Path(id)
	if err != nil {
		return health.Session{}, err
	}
	info, err := os.Stat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return health.Session{}, fmt.Errorf("%s: %w", id, ErrNoSession)
	}
	if err != nil {
		return health.Session{}, err
	}
	content, err := d.Read(id)
	if err != nil {
		return health.Session{}, err
	}

	s := health.Session{
		ID:      id,
		Scope:   archive.ScopeSession,
		Content: content,
	}
	var newest time.Time
	for _, ev := range eventlog.Parse(content).Events {
		s.EventsCount++
		if ev.Timestamp.After(newest) {
			newest = ev.Timestamp
		}
		if task, ok := ev.Field(fieldCurrentTask); ok {
			s.CurrentTask = task
		}
		if raw, ok := ev.Field(fieldStackDepth); ok {
			if depth, err := strconv.Atoi(raw); err == nil {
				s.StackDepth = depth
			}
		}
	}
	s.LastActivity = newest
	if newest.IsZero() {
		s.LastActivity = info.ModTime()
	}
	return s, nil
}

// Sessions implements health.SessionProvider. Unreadable files are logged
// and left out.
func (d *Dir) Sessions(ctx context.Context) ([]health.Session, error) {
	ids, err := d.List()
	if err != nil {
		return nil, err
	}
	out := make([]health.Session, 0, len(ids))
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		s, err := d.Session(ctx, id)
		if err != nil {
			d.logger.Warn("skip unreadable session", zap.String("session", id), zap.Error(err))
			continue
		}
		out = append(out, s)
	}
	return out, nil
}

// SessionFile is the monitor view of one log file.
type SessionFile struct {
	dir *Dir
	id  string
}

func (f *SessionFile) Content(ctx context.Context) (string, error) {
	return f.dir.Read(f.id)
}

// Update writes a compacted log back in place.
func (f *SessionFile) Update(ctx context.Context, content string) error {
	return f.dir.Write(f.id, content)
}
