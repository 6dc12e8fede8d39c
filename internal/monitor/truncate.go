package monitor

import (
	"fmt"
	"strings"
	"time"

	"github.com/stellarlinkco/ctxkeeper/internal/eventlog"
)

// TypeTruncationMarker heads a log cut by basic truncation.
const TypeTruncationMarker = "truncation_notice"

// basicTruncate keeps roughly the newest half of content, cut on a block
// boundary, behind a marker. It is the fallback when no pruner is set.
func basicTruncate(content string, now time.Time) string {
	log := eventlog.Parse(content)
	if log.Len() == 0 {
		tail := content[len(content)/2:]
		if i := strings.IndexByte(tail, '\n'); i >= 0 {
			tail = tail[i+1:]
		}
		tail = strings.ToValidUTF8(tail, "")
		marker := eventlog.NewEvent(TypeTruncationMarker, now,
			fmt.Sprintf("reason: basic truncation\ndropped_bytes: %d", len(content)-len(tail)))
		return marker.Raw + eventlog.Separator + tail
	}

	budget := len(content) / 2
	keep := 0
	size := 0
	for i := log.Len() - 1; i >= 0; i-- {
		size += len(log.Events[i].Raw) + len(eventlog.Separator)
		if keep > 0 && size > budget {
			break
		}
		keep++
	}
	dropped := log.Len() - keep

	marker := eventlog.NewEvent(TypeTruncationMarker, now,
		fmt.Sprintf("reason: basic truncation\ndropped_events: %d\nkept_events: %d", dropped, keep))
	kept := &eventlog.Log{Events: append([]eventlog.Event{marker}, log.Events[dropped:]...)}
	return kept.String()
}
