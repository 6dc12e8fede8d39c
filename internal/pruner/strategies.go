package pruner

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/stellarlinkco/ctxkeeper/internal/eventlog"
)

// Synthetic event types produced by the pipeline.
const (
	TypeCompactedHistory = "compacted_history"
	TypeConsolidated     = "consolidated_events"
	TypeSummary          = "context_summary"
	TypeTruncation       = "truncation_notice"
)

const snippetRunes = 120

// pass holds the working state of one Prune call.
type pass struct {
	p       *Pruner
	ctx     context.Context
	now     time.Time
	items   []item
	target  float64
	orig    int
	applied []string
}

func (r *pass) content() string {
	parts := make([]string, len(r.items))
	for i, it := range r.items {
		parts[i] = it.ev.Raw
	}
	return strings.Join(parts, eventlog.Separator)
}

func (r *pass) reached() bool {
	return reduction(r.orig, r.p.counter.Tokens(r.ctx, r.content())) >= r.target
}

func (r *pass) step(name string, fn func() bool) {
	if fn() {
		r.applied = append(r.applied, name)
	}
}

func (r *pass) smart() {
	steps := []struct {
		name string
		fn   func() bool
	}{
		{StrategyRemoveResolved, r.removeResolved},
		{StrategyCompactOld, r.compactOld},
		{StrategyConsolidate, r.consolidate},
	}
	for _, s := range steps {
		if r.reached() {
			return
		}
		r.step(s.name, s.fn)
	}
	if !r.reached() {
		r.step(StrategySummarize, func() bool { return r.summarize(r.p.cfg.PreserveLastN) })
	}
}

func (r *pass) emergency() {
	r.step(StrategyRemoveResolved, r.removeResolved)
	r.step(StrategyTruncate, r.truncate)
	r.step(StrategyConsolidate, r.consolidate)
	if !r.reached() {
		r.step(StrategySummarize, func() bool { return r.summarize(1) })
	}
}

// removeResolved drops finished work older than the grace window.
func (r *pass) removeResolved() bool {
	kept := make([]item, 0, len(r.items))
	for _, it := range r.items {
		if it.prunable() && it.ev.Resolved() && it.ev.Age(r.now) >= r.p.cfg.ResolvedGrace {
			continue
		}
		kept = append(kept, it)
	}
	changed := len(kept) != len(r.items)
	r.items = kept
	return changed
}

// compactOld folds each contiguous run of old prunable events into a
// single history event. Essential events break runs and stay in place.
func (r *pass) compactOld() bool {
	old := func(it item) bool {
		return it.prunable() && !it.ev.Timestamp.IsZero() && it.ev.Age(r.now) >= r.p.cfg.CompactAge
	}

	var out []item
	changed := false
	for i := 0; i < len(r.items); {
		if !old(r.items[i]) {
			out = append(out, r.items[i])
			i++
			continue
		}
		j := i
		for j < len(r.items) && old(r.items[j]) {
			j++
		}
		run := r.items[i:j]
		if ev, ok := replacement(run, compactedHistory(run)); ok {
			out = append(out, item{ev: ev, pinned: true})
			changed = true
		} else {
			out = append(out, run...)
		}
		i = j
	}
	r.items = out
	return changed
}

// consolidate groups prunable events by type and normalized content prefix,
// then merges adjacent near-identical events.
func (r *pass) consolidate() bool {
	grouped := r.consolidateGroups()
	merged := r.consolidateRuns()
	return grouped || merged
}

func (r *pass) consolidateGroups() bool {
	groups := make(map[string][]int)
	for i, it := range r.items {
		if !it.prunable() {
			continue
		}
		key := it.ev.Type + "|" + truncateRunes(normalizeText(it.ev.Content), r.p.cfg.GroupKeyLength)
		groups[key] = append(groups[key], i)
	}

	// Index of the last member -> replacement; other members are dropped.
	replace := make(map[int]eventlog.Event)
	drop := make(map[int]bool)
	for _, idx := range groups {
		if len(idx) < 2 {
			continue
		}
		members := make([]item, len(idx))
		for k, i := range idx {
			members[k] = r.items[i]
		}
		ev, ok := replacement(members, consolidated(members))
		if !ok {
			continue
		}
		last := idx[len(idx)-1]
		replace[last] = ev
		for _, i := range idx[:len(idx)-1] {
			drop[i] = true
		}
	}
	if len(replace) == 0 {
		return false
	}

	out := make([]item, 0, len(r.items)-len(drop))
	for i, it := range r.items {
		if drop[i] {
			continue
		}
		if ev, ok := replace[i]; ok {
			it = item{ev: ev, pinned: true}
		}
		out = append(out, it)
	}
	r.items = out
	return true
}

func (r *pass) consolidateRuns() bool {
	var out []item
	changed := false
	for i := 0; i < len(r.items); {
		head := r.items[i]
		if !head.prunable() {
			out = append(out, head)
			i++
			continue
		}
		j := i + 1
		for j < len(r.items) {
			next := r.items[j]
			if !next.prunable() || next.ev.Type != head.ev.Type {
				break
			}
			if similarity(head.ev.Content, next.ev.Content) <= r.p.cfg.SimilarityThreshold {
				break
			}
			j++
		}
		run := r.items[i:j]
		if len(run) > 1 {
			if ev, ok := replacement(run, consolidated(run)); ok {
				out = append(out, item{ev: ev, pinned: true})
				changed = true
				i = j
				continue
			}
		}
		out = append(out, run...)
		i = j
	}
	r.items = out
	return changed
}

// truncate keeps the most recent max(EmergencyKeepMin, EmergencyKeepFraction*n)
// events plus essential ones, prefixed by a notice of what was dropped.
func (r *pass) truncate() bool {
	n := len(r.items)
	keep := int(math.Ceil(r.p.cfg.EmergencyKeepFraction * float64(n)))
	if keep < r.p.cfg.EmergencyKeepMin {
		keep = r.p.cfg.EmergencyKeepMin
	}
	if n <= keep {
		return false
	}

	cut := n - keep
	var kept, dropped []item
	for i, it := range r.items {
		if i >= cut || it.essential {
			kept = append(kept, it)
		} else {
			dropped = append(dropped, it)
		}
	}
	if len(dropped) == 0 {
		return false
	}

	first, last := span(dropped)
	body := fmt.Sprintf("dropped_events: %d\nkept_events: %d\ntypes: %s", len(dropped), len(kept), typeCounts(dropped))
	if !first.IsZero() {
		body += fmt.Sprintf("\nfrom: %s\nto: %s", formatTime(first), formatTime(last))
	}
	notice := item{ev: eventlog.NewEvent(TypeTruncation, r.now, body), pinned: true}
	r.items = append([]item{notice}, kept...)
	return true
}

// summarize keeps the most recent ceil(targetCount*SummarizeKeepFactor)
// events (at least keepMin) plus essential ones and folds the rest into a
// summary at the head of the log.
func (r *pass) summarize(keepMin int) bool {
	n := len(r.items)
	targetCount := int(math.Ceil(float64(n) * (1 - r.target)))
	keep := int(math.Ceil(float64(targetCount) * r.p.cfg.SummarizeKeepFactor))
	if keep < keepMin {
		keep = keepMin
	}
	if keep >= n {
		return false
	}

	cut := n - keep
	var kept, folded []item
	for i, it := range r.items {
		if i >= cut || it.essential {
			kept = append(kept, it)
		} else {
			folded = append(folded, it)
		}
	}
	if len(folded) == 0 {
		return false
	}

	ev, ok := replacement(folded, summary(folded))
	if !ok {
		return false
	}
	r.items = append([]item{{ev: ev, pinned: true}}, kept...)
	return true
}

// replacement accepts ev only when it is shorter than the events it stands
// for.
func replacement(members []item, ev eventlog.Event) (eventlog.Event, bool) {
	size := 0
	for _, m := range members {
		size += len(m.ev.Raw)
	}
	size += len(eventlog.Separator) * (len(members) - 1)
	return ev, len(ev.Raw) < size
}

func compactedHistory(run []item) eventlog.Event {
	first, last := span(run)
	body := fmt.Sprintf("events: %d\ntypes: %s", len(run), typeCounts(run))
	if !first.IsZero() {
		body += fmt.Sprintf("\nfrom: %s\nto: %s", formatTime(first), formatTime(last))
	}
	return eventlog.NewEvent(TypeCompactedHistory, run[len(run)-1].ev.Timestamp, body)
}

func consolidated(members []item) eventlog.Event {
	head := members[0].ev
	first, last := span(members)
	var sb strings.Builder
	fmt.Fprintf(&sb, "count: %d\ntype: %s", len(members), head.Type)
	if !first.IsZero() {
		fmt.Fprintf(&sb, "\nfirst: %s\nlast: %s", formatTime(first), formatTime(last))
	}
	if s := snippet(head.Content); s != "" {
		fmt.Fprintf(&sb, "\nsample: %s", s)
	}
	return eventlog.NewEvent(TypeConsolidated, members[len(members)-1].ev.Timestamp, sb.String())
}

func summary(folded []item) eventlog.Event {
	first, last := span(folded)
	var sb strings.Builder
	fmt.Fprintf(&sb, "summarized_events: %d\ntypes: %s", len(folded), typeCounts(folded))
	if !first.IsZero() {
		fmt.Fprintf(&sb, "\nfrom: %s\nto: %s", formatTime(first), formatTime(last))
	}
	return eventlog.NewEvent(TypeSummary, last, sb.String())
}

// span returns the earliest and latest non-zero timestamps.
func span(items []item) (first, last time.Time) {
	for _, it := range items {
		ts := it.ev.Timestamp
		if ts.IsZero() {
			continue
		}
		if first.IsZero() || ts.Before(first) {
			first = ts
		}
		if ts.After(last) {
			last = ts
		}
	}
	return first, last
}

// typeCounts renders "a=2, b=1" sorted by type name.
func typeCounts(items []item) string {
	events := make([]eventlog.Event, len(items))
	for i, it := range items {
		events[i] = it.ev
	}
	counts := eventlog.CountByType(events)
	names := make([]string, 0, len(counts))
	for name := range counts {
		names = append(names, name)
	}
	sort.Strings(names)
	parts := make([]string, len(names))
	for i, name := range names {
		parts[i] = fmt.Sprintf("%s=%d", name, counts[name])
	}
	return strings.Join(parts, ", ")
}

// snippet is a single-line, timestamp-free preview of content.
func snippet(content string) string {
	stripped := timestampLinePattern.ReplaceAllString(content, "")
	line := strings.Join(strings.Fields(stripped), " ")
	line = strings.NewReplacer("<", "(", ">", ")").Replace(line)
	return truncateRunes(line, snippetRunes)
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}
