// Package coalesce merges bursts of adjacent messages into per-conversation
// batches so one generation call covers a burst instead of one call per row.
package coalesce

import (
	"sort"
	"time"

	"github.com/Alex4210987/deepiMessage/internal/core"
)

// Events groups events by conversation and splits each group into batches
// wherever the gap between consecutive events exceeds window. Events with no
// resolved content are skipped and do not reset the window. Conversation
// order follows first appearance in the input; within a conversation, events
// are batched in chronological order.
func Events(events []core.RawEvent, window time.Duration) []core.Batch {
	if len(events) == 0 {
		return nil
	}

	order := make([]string, 0, 4)
	byConv := make(map[string][]core.RawEvent)
	for _, ev := range events {
		if _, seen := byConv[ev.ConversationKey]; !seen {
			order = append(order, ev.ConversationKey)
		}
		byConv[ev.ConversationKey] = append(byConv[ev.ConversationKey], ev)
	}

	var out []core.Batch
	for _, key := range order {
		group := byConv[key]
		sort.SliceStable(group, func(i, j int) bool {
			return group[i].OccurredAt.Before(group[j].OccurredAt)
		})

		var (
			cur  core.Batch
			open bool
			prev time.Time
		)
		flush := func() {
			if open && len(cur.Content) > 0 {
				out = append(out, cur)
			}
			open = false
		}

		for _, ev := range group {
			if ev.Content == "" {
				continue
			}
			if open && ev.OccurredAt.Sub(prev) > window {
				flush()
			}
			if !open {
				cur = core.Batch{ConversationKey: key, WindowStart: ev.OccurredAt}
				open = true
			}
			cur.Content = append(cur.Content, ev.Content)
			cur.WindowEnd = ev.OccurredAt
			prev = ev.OccurredAt
		}
		flush()
	}
	return out
}
