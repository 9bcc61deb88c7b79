package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"feedmesh/pkg/timeframe"
	"feedmesh/pkg/types"
)

// message is what the demo peers write. Deps is the timeframe the author had
// read when writing, so readers can hold a message back until they caught up.
type message struct {
	Author string              `json:"author"`
	Body   string              `json:"body"`
	Deps   timeframe.Timeframe `json:"deps"`
}

func messageDeps(e types.Entry) timeframe.Timeframe {
	var m message
	if err := json.Unmarshal(e.Payload, &m); err != nil {
		return timeframe.Timeframe{}
	}
	return m.Deps
}

// chatFeed is the feed a peer writes to.
func chatFeed(id types.PeerID) types.LogID {
	return types.LogID(string(id) + "/chat")
}

// runWriter appends a message to the peer's own feed every interval. Each
// message depends on everything the peer holds at that moment.
func runWriter(ctx context.Context, n *node, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	own, _ := n.store.OpenFeed(chatFeed(n.id))
	for i := 0; ; i++ {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		m := message{
			Author: string(n.id),
			Body:   fmt.Sprintf("message %d", i),
			Deps:   timeframe.FromLengths(n.store.Feeds()...),
		}
		payload, err := json.Marshal(m)
		if err != nil {
			slog.Error("encode message", "error", err)
			return
		}
		if _, err := own.Append(ctx, payload); err != nil {
			if ctx.Err() == nil {
				slog.Warn("append message", "peer", string(n.id), "error", err)
			}
			return
		}
	}
}
