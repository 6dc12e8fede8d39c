package workspace

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/stellarlinkco/ctxkeeper/internal/monitor"
	"go.uber.org/zap"
)

// Monitors is the part of monitor.Registry the watcher drives.
type Monitors interface {
	Start(ctx context.Context, sessionID string, src monitor.Source) (*monitor.Monitor, error)
	Check(ctx context.Context, sessionID, content string) (monitor.Status, error)
	Get(sessionID string) (*monitor.Monitor, bool)
	Stop(sessionID string)
}

// Watcher starts a polling monitor for every session file and pushes each
// write to it immediately. Removed files stop their monitor.
type Watcher struct {
	dir      *Dir
	monitors Monitors
	logger   *zap.Logger

	// parent outlives Close; monitors are started under it.
	parent context.Context

	mu     sync.Mutex
	fsw    *fsnotify.Watcher
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewWatcher(dir *Dir, monitors Monitors, logger *zap.Logger) *Watcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Watcher{dir: dir, monitors: monitors, logger: logger.Named("watcher")}
}

func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.fsw != nil {
		return errors.New("watcher already started")
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	if err := fsw.Add(w.dir.Root()); err != nil {
		_ = fsw.Close()
		return fmt.Errorf("watch %s: %w", w.dir.Root(), err)
	}
	w.fsw = fsw

	ids, err := w.dir.List()
	if err != nil {
		_ = fsw.Close()
		w.fsw = nil
		return err
	}
	w.parent = ctx
	for _, id := range ids {
		w.track(id)
	}
	ctx, w.cancel = context.WithCancel(ctx)

	w.wg.Add(1)
	go w.loop(ctx, fsw)
	w.logger.Info("watching sessions", zap.String("dir", w.dir.Root()), zap.Int("sessions", len(ids)))
	return nil
}

func (w *Watcher) loop(ctx context.Context, fsw *fsnotify.Watcher) {
	defer w.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-fsw.Events:
			if !ok {
				return
			}
			w.handle(ctx, ev)
		case err, ok := <-fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("watcher error", zap.Error(err))
		}
	}
}

func (w *Watcher) handle(ctx context.Context, ev fsnotify.Event) {
	id, ok := w.dir.IDFor(ev.Name)
	if !ok {
		return
	}
	switch {
	case ev.Op&(fsnotify.Remove|fsnotify.Rename) != 0:
		w.logger.Debug("session removed", zap.String("session", id))
		w.monitors.Stop(id)
	case ev.Op&(fsnotify.Create|fsnotify.Write) != 0:
		w.track(id)
		w.push(ctx, id)
	}
}

func (w *Watcher) track(id string) {
	if _, ok := w.monitors.Get(id); ok {
		return
	}
	if _, err := w.monitors.Start(w.parent, id, w.dir.Source(id)); err != nil {
		w.logger.Warn("start monitor", zap.String("session", id), zap.Error(err))
	}
}

func (w *Watcher) push(ctx context.Context, id string) {
	content, err := w.dir.Read(id)
	if err != nil {
		// A rename may land between the event and the read.
		w.logger.Debug("read session", zap.String("session", id), zap.Error(err))
		return
	}
	if _, err := w.monitors.Check(ctx, id, content); err != nil {
		w.logger.Warn("check session", zap.String("session", id), zap.Error(err))
	}
}

// Close stops watching. Monitors already started keep running; the
// registry owns them.
func (w *Watcher) Close() error {
	w.mu.Lock()
	fsw := w.fsw
	cancel := w.cancel
	w.fsw = nil
	w.mu.Unlock()
	if fsw == nil {
		return nil
	}
	cancel()
	err := fsw.Close()
	w.wg.Wait()
	return err
}
