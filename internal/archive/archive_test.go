package archive

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stellarlinkco/ctxkeeper/internal/bus"
	"github.com/stellarlinkco/ctxkeeper/internal/eventlog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type clock struct{ now time.Time }

func (c *clock) Now() time.Time { return c.now }

var t0 = time.Date(2026, 10, 18, 12, 0, 0, 0, time.UTC)

func sessionLog(last time.Time, n int) string {
	var blocks []string
	for i := 0; i < n; i++ {
		ts := last.Add(-time.Duration(n-i) * time.Minute)
		body := fmt.Sprintf("step: %d\nworking on the importer, pass %d of the %s stage", i, i, strings.Repeat("parse ", i%7+1))
		blocks = append(blocks, eventlog.NewEvent("note", ts, body).Raw)
	}
	return strings.Join(blocks, eventlog.Separator)
}

func stores(t *testing.T) map[string]Store {
	t.Helper()
	fs, err := NewFileStore(t.TempDir())
	require.NoError(t, err)
	sq, err := NewSQLiteStore(filepath.Join(t.TempDir(), "archive.db"))
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = fs.Close()
		_ = sq.Close()
	})
	return map[string]Store{"file": fs, "sqlite": sq}
}

func TestLevelFor(t *testing.T) {
	day := 24 * time.Hour
	tests := []struct {
		idle time.Duration
		want string
	}{
		// Each tier covers idle ages up to its whole-day maximum.
		{0, "Active"},
		{23 * time.Hour, "Active"},
		{day, "Dormant"},
		{6 * day, "Dormant"},
		{7*day + 23*time.Hour, "Dormant"},
		{8 * day, "Sleeping"},
		{30 * day, "Sleeping"},
		{31 * day, "Deep-Sleep"},
		{90 * day, "Deep-Sleep"},
		{400 * day, "Deep-Sleep"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, LevelFor(tt.idle).Name, "idle=%v", tt.idle)
	}

	l, ok := LevelByName("deep-sleep")
	require.True(t, ok)
	assert.Equal(t, 0.2, l.Ratio)
}

func TestArchiveRestoreRoundTrip(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			clk := &clock{now: t0}
			rec := &bus.Recorder{}
			p := New(Config{Now: clk.Now}, store, nil, nil, rec, nil)

			last := t0.Add(-6 * 24 * time.Hour)
			content := sessionLog(last, 40)
			meta, err := p.Archive(context.Background(), "sess-1", SessionData{
				Content:      content,
				LastActivity: last,
				EventsCount:  40,
				StackDepth:   2,
				CurrentTask:  "importer",
			}, ScopeSession)
			require.NoError(t, err)

			assert.Equal(t, "Dormant", meta.Level)
			assert.Equal(t, len(content), meta.OriginalSize)
			assert.LessOrEqual(t, meta.CompressedSize, meta.OriginalSize)
			assert.Equal(t, "importer", meta.Session.CurrentTask)
			assert.InDelta(t, 6, meta.AgeDays, 0.001)

			clk.now = t0.Add(3 * time.Second)
			got, err := p.Restore(context.Background(), "sess-1", ScopeSession)
			require.NoError(t, err)

			assert.False(t, got.IntegrityWarning)
			assert.True(t, got.PerformanceMet)
			assert.InDelta(t, (6 * 24 * time.Hour).Seconds(), got.TimeGap.Seconds(), 5)

			evs := eventlog.Parse(got.Content).Events
			require.NotEmpty(t, evs)
			assert.Equal(t, TypeContextRestoration, evs[0].Type)
			level, _ := evs[0].Field("archive_level")
			assert.Equal(t, "Dormant", level)

			stored := strings.TrimPrefix(got.Content, evs[0].Raw+eventlog.Separator)
			assert.Equal(t, meta.Fingerprint, Fingerprint(stored))

			assert.Equal(t, []string{bus.KindArchived, bus.KindRestored}, rec.Kinds())
		})
	}
}

func TestRestoreWithoutNoticeForRecentSession(t *testing.T) {
	store := stores(t)["file"]
	clk := &clock{now: t0}
	p := New(Config{Now: clk.Now}, store, nil, nil, nil, nil)

	content := sessionLog(t0, 5)
	_, err := p.Archive(context.Background(), "fresh", SessionData{Content: content, LastActivity: t0.Add(-time.Hour)}, ScopeProject)
	require.NoError(t, err)

	got, err := p.Restore(context.Background(), "fresh", ScopeProject)
	require.NoError(t, err)
	assert.NotContains(t, got.Content, "<"+TypeContextRestoration+">")
	assert.Equal(t, "Active", got.Metadata.Level)
}

func TestRestoreScopeMismatch(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			p := New(Config{Now: (&clock{now: t0}).Now}, store, nil, nil, nil, nil)
			_, err := p.Archive(context.Background(), "X", SessionData{Content: sessionLog(t0, 5), LastActivity: t0}, ScopeSession)
			require.NoError(t, err)

			_, err = p.Restore(context.Background(), "X", ScopeProject)
			require.ErrorIs(t, err, ErrScopeMismatch)
			var oe *OpError
			require.ErrorAs(t, err, &oe)
			assert.Equal(t, "restore", oe.Op)
			assert.Equal(t, ScopeProject, oe.Scope)

			_, err = p.Restore(context.Background(), "missing", ScopeSession)
			assert.ErrorIs(t, err, ErrNotFound)

			_, err = p.Restore(context.Background(), "X", Scope("global"))
			assert.ErrorIs(t, err, ErrUnknownScope)
		})
	}
}

func TestRestoreTamperedContentWarns(t *testing.T) {
	fs, err := NewFileStore(t.TempDir())
	require.NoError(t, err)
	defer fs.Close()
	p := New(Config{Now: (&clock{now: t0}).Now}, fs, nil, nil, nil, nil)

	_, err = p.Archive(context.Background(), "s", SessionData{Content: sessionLog(t0, 8), LastActivity: t0}, ScopeSession)
	require.NoError(t, err)

	tampered := fs.enc.EncodeAll([]byte("<note>\nedited by hand\n</note>"), nil)
	require.NoError(t, writeAtomic(fs.path(ScopeSession, "s", contentExt), tampered))

	got, err := p.Restore(context.Background(), "s", ScopeSession)
	require.NoError(t, err)
	assert.True(t, got.IntegrityWarning)
	assert.Contains(t, got.Content, "edited by hand")
}

func TestRestoreOverBudgetStillReturnsContent(t *testing.T) {
	p := New(Config{Now: (&clock{now: t0}).Now, RestoreBudget: time.Nanosecond}, stores(t)["file"], nil, nil, nil, nil)
	content := sessionLog(t0, 6)
	_, err := p.Archive(context.Background(), "slow", SessionData{Content: content, LastActivity: t0}, ScopeSession)
	require.NoError(t, err)

	got, err := p.Restore(context.Background(), "slow", ScopeSession)
	require.NoError(t, err)
	assert.False(t, got.PerformanceMet)
	assert.Greater(t, got.RestoreTime, time.Nanosecond)
	assert.Equal(t, got.Metadata.Fingerprint, Fingerprint(got.Content))
	assert.False(t, got.IntegrityWarning)
}

func TestStoredSkipsRestorationNotice(t *testing.T) {
	p := New(Config{Now: (&clock{now: t0}).Now}, stores(t)["sqlite"], nil, nil, nil, nil)
	meta, err := p.Archive(context.Background(), "old", SessionData{Content: sessionLog(t0, 6), LastActivity: t0.Add(-10 * 24 * time.Hour)}, ScopeSession)
	require.NoError(t, err)

	stored, err := p.Stored(context.Background(), "old", ScopeSession)
	require.NoError(t, err)
	assert.Equal(t, meta.Fingerprint, Fingerprint(stored))
	assert.NotContains(t, stored, "<"+TypeContextRestoration+">")

	_, err = p.Stored(context.Background(), "missing", ScopeSession)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestArchiveRejectsBadInput(t *testing.T) {
	p := New(Config{}, stores(t)["file"], nil, nil, nil, nil)
	_, err := p.Archive(context.Background(), "../escape", SessionData{Content: "x"}, ScopeSession)
	assert.ErrorIs(t, err, ErrInvalidID)
	_, err = p.Archive(context.Background(), "ok", SessionData{Content: "x"}, Scope("tmp"))
	assert.ErrorIs(t, err, ErrUnknownScope)
}

func TestCleanupOnlyDeletesExpiredDeepSleep(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			clk := &clock{now: t0}
			p := New(Config{Now: clk.Now}, store, nil, nil, nil, nil)
			day := 24 * time.Hour
			archive := func(id string, idle time.Duration, scope Scope) {
				_, err := p.Archive(context.Background(), id, SessionData{
					Content:      sessionLog(t0.Add(-idle), 12),
					LastActivity: t0.Add(-idle),
				}, scope)
				require.NoError(t, err)
			}

			archive("ancient", 400*day, ScopeSession)
			archive("deep-recent", 100*day, ScopeSession)
			archive("sleeping", 20*day, ScopeSession)
			archive("project-ancient", 400*day, ScopeProject)

			report, err := p.CleanupExpired(context.Background(), 0)
			require.NoError(t, err)
			assert.Equal(t, 4, report.Scanned)
			assert.Equal(t, 1, report.Deleted)
			assert.Positive(t, report.BytesFreed)
			assert.Empty(t, report.Errors)

			_, err = p.Restore(context.Background(), "ancient", ScopeSession)
			assert.ErrorIs(t, err, ErrNotFound)

			// Two years on, the sleeping archive is still never removed.
			clk.now = t0.Add(2 * 365 * day)
			report, err = p.CleanupExpired(context.Background(), 30)
			require.NoError(t, err)
			assert.Equal(t, 2, report.Deleted)

			stats, err := p.Stats(context.Background())
			require.NoError(t, err)
			assert.Equal(t, 1, stats[ScopeSession].Count)
			assert.Equal(t, 1, stats[ScopeSession].ByLevel["Sleeping"])
			assert.Zero(t, stats[ScopeProject].Count)
		})
	}
}

// corruptMetadata stores an undecodable metadata record for id.
func corruptMetadata(t *testing.T, store Store, scope Scope, id string) {
	t.Helper()
	switch st := store.(type) {
	case *FileStore:
		require.NoError(t, writeAtomic(st.path(scope, id, metadataExt), []byte("{not json")))
	case *SQLiteStore:
		_, err := st.db.Exec(`INSERT INTO archives (scope, id, level, content, metadata, last_activity, archived_at)
			VALUES (?, ?, 'Deep-Sleep', '', '{not json', '', '')`, string(scope), id)
		require.NoError(t, err)
	default:
		t.Fatalf("unsupported store %T", store)
	}
}

func TestCleanupContinuesPastCorruptMetadata(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			p := New(Config{Now: (&clock{now: t0}).Now}, store, nil, nil, nil, nil)
			last := t0.Add(-400 * 24 * time.Hour)
			_, err := p.Archive(context.Background(), "zzz-ancient", SessionData{Content: sessionLog(last, 12), LastActivity: last}, ScopeSession)
			require.NoError(t, err)
			corruptMetadata(t, store, ScopeSession, "aaa-broken")

			list, err := store.List(context.Background(), ScopeSession)
			require.Error(t, err)
			require.Len(t, list, 1)
			assert.Equal(t, "zzz-ancient", list[0].ID)

			report, err := p.CleanupExpired(context.Background(), 0)
			require.NoError(t, err)
			assert.Equal(t, 1, report.Scanned)
			assert.Equal(t, 1, report.Deleted)
			require.Len(t, report.Errors, 1)
			assert.Contains(t, report.Errors[0], "decode metadata")

			stats, err := p.Stats(context.Background())
			require.Error(t, err)
			require.NotNil(t, stats)
			assert.Zero(t, stats[ScopeSession].Count)
			assert.Zero(t, stats[ScopeProject].Count)
		})
	}
}

func TestArchiveReplacesEarlierRecord(t *testing.T) {
	store := stores(t)["sqlite"]
	clk := &clock{now: t0}
	p := New(Config{Now: clk.Now}, store, nil, nil, nil, nil)

	_, err := p.Archive(context.Background(), "s", SessionData{Content: sessionLog(t0, 5), LastActivity: t0}, ScopeSession)
	require.NoError(t, err)
	_, err = p.Archive(context.Background(), "s", SessionData{Content: sessionLog(t0, 6), LastActivity: t0.Add(-10 * 24 * time.Hour)}, ScopeSession)
	require.NoError(t, err)

	list, err := store.List(context.Background(), ScopeSession)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "Sleeping", list[0].Level)
}

func TestFileStoreDeleteMissing(t *testing.T) {
	fs, err := NewFileStore(t.TempDir())
	require.NoError(t, err)
	defer fs.Close()
	_, err = fs.Delete(context.Background(), ScopeSession, "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}
