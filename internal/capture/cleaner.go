package capture

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/discord-voice-lab/onair/internal/logging"
)

// Clean removes segments whose sidecar is older than retention, then the
// oldest segments beyond maxFiles. Zero disables either limit.
func Clean(dir string, retention time.Duration, maxFiles int, now time.Time) (int, error) {
	sidecars, err := ListSidecars(dir)
	if err != nil {
		return 0, err
	}
	remove := func(sc Sidecar) {
		_ = os.Remove(sc.path)
		if sc.WavPath != "" {
			_ = os.Remove(sc.WavPath)
		}
	}
	removed := 0
	kept := sidecars[:0]
	for _, sc := range sidecars {
		if retention > 0 && sc.modTime.Before(now.Add(-retention)) {
			remove(sc)
			removed++
			continue
		}
		kept = append(kept, sc)
	}
	if maxFiles > 0 && len(kept) > maxFiles {
		for _, sc := range kept[:len(kept)-maxFiles] {
			remove(sc)
			removed++
		}
	}
	return removed, nil
}

// StartCleaner runs Clean every interval until ctx is done. The caller
// must wg.Add(1) first.
func StartCleaner(ctx context.Context, wg *sync.WaitGroup, dir string, retention, interval time.Duration, maxFiles int) {
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				n, err := Clean(dir, retention, maxFiles, now)
				if err != nil {
					logging.Debugw("capture: cleanup failed", "dir", dir, "err", err)
					continue
				}
				if n > 0 {
					logging.Infow("capture: removed old segments", "dir", dir, "removed", n)
				}
			}
		}
	}()
}
