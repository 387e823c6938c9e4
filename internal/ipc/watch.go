package ipc

import (
	"context"
	"log/slog"
	"time"
)

// Watch polls dir every PollInterval and delivers drained messages to
// onDrained. When the close sentinel appears, onClose is invoked (after any
// messages drained in the same pass) and the loop exits. The loop also exits
// when ctx is cancelled. Filesystem errors are logged and the loop continues.
func (t *Transport) Watch(ctx context.Context, dir string, onDrained func(Drained), onClose func()) {
	ticker := time.NewTicker(PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			msgs, closed, err := t.Drain(dir)
			if err != nil {
				slog.Warn("ipc: drain failed", "dir", dir, "error", err)
				continue
			}
			for _, m := range msgs {
				onDrained(m)
			}
			if closed {
				if onClose != nil {
					onClose()
				}
				return
			}
		}
	}
}
