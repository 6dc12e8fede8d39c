package workspace

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stellarlinkco/ctxkeeper/internal/monitor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeMonitors struct {
	mu      sync.Mutex
	started map[string]monitor.Source
	checks  map[string]string
	stopped []string
}

func newFakeMonitors() *fakeMonitors {
	return &fakeMonitors{started: map[string]monitor.Source{}, checks: map[string]string{}}
}

func (f *fakeMonitors) Start(ctx context.Context, id string, src monitor.Source) (*monitor.Monitor, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started[id] = src
	return nil, nil
}

func (f *fakeMonitors) Check(ctx context.Context, id, content string) (monitor.Status, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.checks[id] = content
	return monitor.Status{SessionID: id}, nil
}

func (f *fakeMonitors) Get(id string) (*monitor.Monitor, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.started[id]
	return nil, ok
}

func (f *fakeMonitors) Stop(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.started, id)
	f.stopped = append(f.stopped, id)
}

func (f *fakeMonitors) isStarted(id string) bool {
	_, ok := f.Get(id)
	return ok
}

func (f *fakeMonitors) checked(id string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.checks[id]
}

func (f *fakeMonitors) wasStopped(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range f.stopped {
		if s == id {
			return true
		}
	}
	return false
}

func TestWatcherTracksSessions(t *testing.T) {
	d := newTestDir(t)
	require.NoError(t, d.Write("existing", "old"))

	mons := newFakeMonitors()
	w := NewWatcher(d, mons, nil)
	require.NoError(t, w.Start(context.Background()))
	defer w.Close()

	assert.True(t, mons.isStarted("existing"))
	assert.Error(t, w.Start(context.Background()))

	path, err := d.Path("fresh")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, []byte("new content"), 0o644))

	require.Eventually(t, func() bool {
		return mons.isStarted("fresh") && mons.checked("fresh") == "new content"
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, d.Write("existing", "updated"))
	require.Eventually(t, func() bool {
		return mons.checked("existing") == "updated"
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, d.Remove("fresh"))
	require.Eventually(t, func() bool {
		return mons.wasStopped("fresh")
	}, 2*time.Second, 10*time.Millisecond)
}

func TestWatcherCloseIsIdempotent(t *testing.T) {
	w := NewWatcher(newTestDir(t), newFakeMonitors(), nil)
	require.NoError(t, w.Start(context.Background()))
	require.NoError(t, w.Close())
	assert.NoError(t, w.Close())
}
