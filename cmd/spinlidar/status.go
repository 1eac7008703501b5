package main

import (
	"context"
	"log"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/banshee-data/spinlidar/internal/rotation"
	"github.com/banshee-data/spinlidar/internal/timeutil"
)

type statusSource interface {
	Stats() rotation.Stats
	Reset()
}

// runStatusLoop logs pipeline counters every interval until ctx is done.
func runStatusLoop(ctx context.Context, clock timeutil.Clock, src statusSource, interval time.Duration, maxQueue int) {
	if interval <= 0 {
		<-ctx.Done()
		return
	}
	ticker := clock.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			logStatus(src, maxQueue)
		}
	}
}

// logStatus logs one status line. Nobody may be consuming rotations, so a
// queue above maxQueue is reset; maxQueue 0 disables the check.
func logStatus(src statusSource, maxQueue int) bool {
	s := src.Stats()
	log.Printf("status: rpm=%.2f queued=%s frames=%s bad_headers=%s rotations=%s idle_polls=%s",
		s.RPM,
		humanize.Comma(int64(s.Queue.Len)),
		humanize.Comma(int64(s.Frames.Frames)),
		humanize.Comma(int64(s.Frames.BadHeaders)),
		humanize.Comma(int64(s.Rotations)),
		humanize.Comma(int64(s.IdlePolls)),
	)

	if maxQueue > 0 && s.Queue.Len > maxQueue {
		src.Reset()
		log.Printf("queue watchdog: %s samples exceeds max_queue %s, queue reset",
			humanize.Comma(int64(s.Queue.Len)), humanize.Comma(int64(maxQueue)))
		return true
	}
	return false
}
