package agent

import (
	"bufio"
	"encoding/json"
	"io"
	"log/slog"
	"strings"

	"github.com/nextlevelbuilder/nanoclaw/pkg/protocol"
)

// maxFrameBytes bounds a single framed payload; anything larger is a
// runaway agent, not a real result.
const maxFrameBytes = 4 << 20

// readFrames scans the agent's stdout, extracting every framed AgentOutput
// and invoking onFrame for each in emit order. Lines outside frames are the
// agent's own logging and are ignored. Unparseable frames are logged and
// skipped. Returns the reader's error, if any.
func readFrames(r io.Reader, onFrame func(protocol.AgentOutput)) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), maxFrameBytes)

	var (
		inFrame bool
		buf     strings.Builder
	)
	for sc.Scan() {
		line := sc.Text()
		switch {
		case strings.TrimSpace(line) == protocol.OutputStartMarker:
			inFrame = true
			buf.Reset()
		case strings.TrimSpace(line) == protocol.OutputEndMarker:
			if !inFrame {
				continue
			}
			inFrame = false
			var out protocol.AgentOutput
			if err := json.Unmarshal([]byte(buf.String()), &out); err != nil {
				slog.Warn("agent: unparseable output frame", "error", err)
				continue
			}
			onFrame(out)
		default:
			if inFrame {
				if buf.Len()+len(line) > maxFrameBytes {
					slog.Warn("agent: oversized frame dropped")
					inFrame = false
					continue
				}
				buf.WriteString(line)
				buf.WriteString("\n")
			}
		}
	}
	return sc.Err()
}
