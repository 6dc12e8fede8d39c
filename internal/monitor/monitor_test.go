package monitor

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stellarlinkco/ctxkeeper/internal/bus"
	"github.com/stellarlinkco/ctxkeeper/internal/eventlog"
	"github.com/stellarlinkco/ctxkeeper/internal/tokens"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newCounter returns a counter whose window holds limit tokens at 4
// characters per token.
func newCounter(limit int) *tokens.Counter {
	return tokens.NewCounter(tokens.Config{Profile: "test", Limits: map[string]int{"test": limit}}, nil, nil)
}

// ofTokens returns content that estimates to exactly n tokens.
func ofTokens(n int) string {
	return strings.Repeat("abcd", n)
}

type fakeSource struct {
	mu      sync.Mutex
	content string
	err     error
	updates []string
}

func (s *fakeSource) Content(context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.content, s.err
}

func (s *fakeSource) Update(_ context.Context, content string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.updates = append(s.updates, content)
	s.content = content
	return nil
}

type panicPruner struct{}

func (panicPruner) EmergencyPrune(context.Context, string, float64) string { panic("pruner exploded") }

var fixedNow = time.Date(2026, 10, 18, 10, 0, 0, 0, time.UTC)

// testConfig freezes the clock so trend analysis stays stable.
func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Now = func() time.Time { return fixedNow }
	cfg.AutoCompact = false
	cfg.RecheckDelay = time.Millisecond
	cfg.PollInterval = 10 * time.Millisecond
	return cfg
}

func thresholdKinds(kinds []string) []string {
	var out []string
	for _, k := range kinds {
		if strings.HasPrefix(k, "threshold_") {
			out = append(out, k)
		}
	}
	return out
}

func TestLevelTransitionsEmitOncePerThreshold(t *testing.T) {
	rec := &bus.Recorder{}
	m := New("s1", testConfig(), newCounter(100), nil, nil, rec, nil)

	for _, n := range []int{5, 10, 39, 40, 41, 55, 69, 70, 71, 85, 89, 90, 95, 99} {
		_, err := m.Check(context.Background(), ofTokens(n))
		require.NoError(t, err)
	}

	assert.Equal(t, []string{
		bus.KindThresholdWarning,
		bus.KindThresholdCritical,
		bus.KindThresholdEmergency,
	}, rec.Kinds())
	assert.Equal(t, LevelEmergency, m.Status().Level)
}

func TestJumpEmitsIntermediateLevels(t *testing.T) {
	rec := &bus.Recorder{}
	m := New("s1", testConfig(), newCounter(100), nil, nil, rec, nil)

	st, err := m.Check(context.Background(), ofTokens(95))
	require.NoError(t, err)
	assert.True(t, st.Changed)
	assert.Equal(t, LevelSafe, st.Previous)

	_, err = m.Check(context.Background(), ofTokens(10))
	require.NoError(t, err)

	assert.Equal(t, []string{
		bus.KindThresholdWarning,
		bus.KindThresholdCritical,
		bus.KindThresholdEmergency,
		bus.KindThresholdSafe,
	}, thresholdKinds(rec.Kinds()))

	last := rec.Events()[len(rec.Events())-1]
	assert.Equal(t, "s1", last.SessionID)
	assert.Equal(t, "emergency", last.Payload["previous_level"])
}

func TestFallingEmitsNewLevelOnce(t *testing.T) {
	rec := &bus.Recorder{}
	m := New("s1", testConfig(), newCounter(100), nil, nil, rec, nil)

	for _, n := range []int{95, 75, 72} {
		_, err := m.Check(context.Background(), ofTokens(n))
		require.NoError(t, err)
	}
	kinds := thresholdKinds(rec.Kinds())
	assert.Equal(t, bus.KindThresholdCritical, kinds[len(kinds)-1])
	assert.Len(t, kinds, 4)
}

func logOfSize(events, bodyLen int) string {
	ts := time.Date(2026, 10, 18, 9, 0, 0, 0, time.UTC)
	var blocks []string
	for i := 0; i < events; i++ {
		blocks = append(blocks, eventlog.NewEvent("note", ts.Add(time.Duration(i)*time.Minute), strings.Repeat(string(rune('a'+i%26)), bodyLen)).Raw)
	}
	return strings.Join(blocks, eventlog.Separator)
}

func TestAutoCompactWithBasicTruncation(t *testing.T) {
	content := logOfSize(11, 300)
	counter := newCounter(1000)
	require.Greater(t, counter.Usage(counter.Tokens(context.Background(), content)).UsedPercentage, 90.0)

	cfg := testConfig()
	cfg.AutoCompact = true
	rec := &bus.Recorder{}
	src := &fakeSource{content: content}
	m := New("s1", cfg, counter, nil, src, rec, nil)

	st, err := m.Check(context.Background(), content)
	require.NoError(t, err)

	assert.True(t, st.Compacted)
	assert.Equal(t, LevelWarning, st.Level)
	require.Len(t, src.updates, 1)
	assert.Equal(t, src.updates[0], st.CompactedContent)
	assert.Less(t, len(st.CompactedContent), len(content))

	evs := eventlog.Parse(st.CompactedContent).Events
	assert.Equal(t, TypeTruncationMarker, evs[0].Type)
	assert.True(t, strings.HasSuffix(st.CompactedContent, eventlog.Parse(content).Events[10].Raw))

	assert.Equal(t, []string{
		bus.KindThresholdWarning,
		bus.KindThresholdCritical,
		bus.KindThresholdEmergency,
		bus.KindCompactionCompleted,
		bus.KindThresholdWarning,
	}, rec.Kinds())
}

func TestCompactionFailureIsReported(t *testing.T) {
	cfg := testConfig()
	cfg.AutoCompact = true
	rec := &bus.Recorder{}
	m := New("s1", cfg, newCounter(100), panicPruner{}, nil, rec, nil)

	var st Status
	assert.NotPanics(t, func() {
		var err error
		st, err = m.Check(context.Background(), ofTokens(95))
		require.NoError(t, err)
	})

	assert.False(t, st.Compacted)
	assert.Equal(t, LevelEmergency, m.Status().Level)
	assert.Contains(t, rec.Kinds(), bus.KindCompactionFailed)
}

func TestHistoryIsBounded(t *testing.T) {
	cfg := testConfig()
	cfg.HistorySize = 5
	m := New("s1", cfg, newCounter(100), nil, nil, nil, nil)
	for i := 1; i <= 12; i++ {
		_, err := m.Check(context.Background(), ofTokens(i))
		require.NoError(t, err)
	}
	h := m.History()
	require.Len(t, h, 5)
	assert.Equal(t, 8, h[0].Tokens)
	assert.Equal(t, 12, h[4].Tokens)
}

func TestPredict(t *testing.T) {
	t0 := time.Date(2026, 10, 18, 10, 0, 0, 0, time.UTC)
	th := DefaultConfig().Thresholds
	at := func(sec int, pct float64) Sample {
		return Sample{At: t0.Add(time.Duration(sec) * time.Second), Percentage: pct}
	}

	tests := []struct {
		name    string
		samples []Sample
		want    Trend
	}{
		{"single", []Sample{at(0, 10)}, TrendStable},
		{"stable", []Sample{at(0, 50), at(100, 50.5)}, TrendStable},
		{"growing", []Sample{at(0, 10), at(100, 15)}, TrendGrowing},
		{"rapid", []Sample{at(0, 10), at(50, 12), at(100, 20)}, TrendRapidGrowth},
		{"shrinking", []Sample{at(0, 50), at(100, 40)}, TrendShrinking},
		{"outside window", []Sample{at(0, 0), at(1200, 50), at(1260, 50)}, TrendStable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := predict(tt.samples, DefaultTrendWindow, th, DefaultRapidGrowthSlope)
			assert.Equal(t, tt.want, p.Trend)
		})
	}

	p := predict([]Sample{at(0, 10), at(100, 20)}, DefaultTrendWindow, th, DefaultRapidGrowthSlope)
	assert.InDelta(t, 0.1, p.Slope, 1e-9)
	assert.InDelta(t, 200, p.ETA[LevelWarning].Seconds(), 0.01)
	assert.InDelta(t, 500, p.ETA[LevelCritical].Seconds(), 0.01)
	assert.InDelta(t, 700, p.ETA[LevelEmergency].Seconds(), 0.01)

	p = predict([]Sample{at(0, 40), at(100, 50)}, DefaultTrendWindow, th, DefaultRapidGrowthSlope)
	_, crossed := p.ETA[LevelWarning]
	assert.False(t, crossed)
	assert.InDelta(t, 200, p.ETA[LevelCritical].Seconds(), 0.01)
}

func TestRapidGrowthEvent(t *testing.T) {
	now := time.Date(2026, 10, 18, 10, 0, 0, 0, time.UTC)
	cfg := testConfig()
	cfg.Now = func() time.Time { return now }
	rec := &bus.Recorder{}
	m := New("s1", cfg, newCounter(1000), nil, nil, rec, nil)

	for _, n := range []int{10, 50, 90, 130} {
		_, err := m.Check(context.Background(), ofTokens(n))
		require.NoError(t, err)
		now = now.Add(10 * time.Second)
	}

	var rapid int
	for _, k := range rec.Kinds() {
		if k == bus.KindRapidGrowth {
			rapid++
		}
	}
	assert.Equal(t, 1, rapid)
	assert.Equal(t, TrendRapidGrowth, m.Predict().Trend)
}

func TestPollingAndIdempotentStop(t *testing.T) {
	rec := &bus.Recorder{}
	src := &fakeSource{content: ofTokens(50)}
	m := New("s1", testConfig(), newCounter(100), nil, src, rec, nil)

	require.NoError(t, m.Start(context.Background()))
	assert.Error(t, m.Start(context.Background()))
	assert.Eventually(t, func() bool { return m.Status().Tokens == 50 }, time.Second, 5*time.Millisecond)

	m.Stop()
	m.Stop()

	var stopped int
	for _, k := range rec.Kinds() {
		if k == bus.KindMonitoringStopped {
			stopped++
		}
	}
	assert.Equal(t, 1, stopped)
	assert.True(t, m.Status().Stopped)
	assert.Equal(t, LevelWarning, m.Status().Level)

	_, err := m.Check(context.Background(), ofTokens(1))
	assert.ErrorIs(t, err, ErrStopped)
}

func TestSourceReadFailure(t *testing.T) {
	rec := &bus.Recorder{}
	src := &fakeSource{err: errors.New("disk gone")}
	m := New("s1", testConfig(), newCounter(100), nil, src, rec, nil)

	require.NoError(t, m.Start(context.Background()))
	defer m.Stop()
	assert.Eventually(t, func() bool {
		for _, k := range rec.Kinds() {
			if k == bus.KindSourceReadFailed {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)
}

func TestStartWithoutSource(t *testing.T) {
	m := New("s1", testConfig(), nil, nil, nil, nil, nil)
	assert.Error(t, m.Start(context.Background()))
}

func TestBasicTruncate(t *testing.T) {
	now := time.Date(2026, 10, 18, 10, 0, 0, 0, time.UTC)
	content := logOfSize(10, 100)
	out := basicTruncate(content, now)

	evs := eventlog.Parse(out).Events
	require.NotEmpty(t, evs)
	assert.Equal(t, TypeTruncationMarker, evs[0].Type)
	assert.Less(t, len(out), len(content))
	assert.True(t, strings.HasSuffix(out, eventlog.Parse(content).Events[9].Raw))

	plain := strings.Repeat("line of text\n", 20)
	out = basicTruncate(plain, now)
	assert.True(t, strings.HasPrefix(out, "<"+TypeTruncationMarker+">"))
	assert.Less(t, len(out), len(plain)+200)
}

func TestConfigValidate(t *testing.T) {
	assert.NoError(t, DefaultConfig().Validate())
	cfg := DefaultConfig()
	cfg.Thresholds.Critical = 30
	assert.Error(t, cfg.Validate())
}
