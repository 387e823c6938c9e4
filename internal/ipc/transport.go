// Package ipc implements the file-drop transport between the host and agent
// subprocesses. Files are written atomically (temp then rename), named
// <epochMillis>-<random6>.json so lexical order equals chronological order,
// and every write is contained under a designated root.
package ipc

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/nextlevelbuilder/nanoclaw/pkg/protocol"
)

// PollInterval is the inbox/outbox scan cadence.
const PollInterval = 500 * time.Millisecond

// ErrPathEscape is returned when a write would land outside the IPC root.
var ErrPathEscape = errors.New("ipc: path escapes transport root")

// Transport is a file-drop endpoint rooted at one directory. Producer and
// consumer may live in different processes; the only assumption is shared
// filesystem visibility.
type Transport struct {
	root string
}

// New creates a Transport rooted at dir. The directory is created if needed.
func New(dir string) (*Transport, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolve ipc root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create ipc root: %w", err)
	}
	return &Transport{root: abs}, nil
}

// Root returns the transport's canonical root directory.
func (t *Transport) Root() string { return t.root }

// AbsDir resolves a directory relative to the root, creates it, and returns
// its absolute path. Fails with ErrPathEscape outside the root.
func (t *Transport) AbsDir(rel string) (string, error) {
	abs, err := t.contain(rel)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return "", fmt.Errorf("create ipc dir: %w", err)
	}
	return abs, nil
}

// contain resolves rel against the root and rejects escapes.
func (t *Transport) contain(rel string) (string, error) {
	abs, err := filepath.Abs(filepath.Join(t.root, rel))
	if err != nil {
		return "", fmt.Errorf("resolve ipc path: %w", err)
	}
	if abs != t.root && !strings.HasPrefix(abs, t.root+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s", ErrPathEscape, rel)
	}
	return abs, nil
}

// Write drops v as a JSON file into the subdirectory dir (relative to the
// root), creating it if needed. The file becomes visible to readers only
// once complete.
func (t *Transport) Write(dir string, v any) error {
	target, err := t.contain(dir)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(target, 0o755); err != nil {
		return fmt.Errorf("create ipc dir: %w", err)
	}

	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode ipc message: %w", err)
	}

	name := fmt.Sprintf("%d-%s.json", time.Now().UnixMilli(), randomSuffix())
	final := filepath.Join(target, name)
	return atomicWrite(final, data)
}

// WriteRaw drops raw bytes at a fixed filename under the root, atomically.
// Used for snapshot files that are replaced in place rather than drained.
func (t *Transport) WriteRaw(rel string, data []byte) error {
	target, err := t.contain(rel)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return fmt.Errorf("create ipc dir: %w", err)
	}
	return atomicWrite(target, data)
}

// ReadRaw reads a file under the root, with the same containment check.
func (t *Transport) ReadRaw(rel string) ([]byte, error) {
	target, err := t.contain(rel)
	if err != nil {
		return nil, err
	}
	return os.ReadFile(target)
}

// atomicWrite writes data to path via temp-file-then-rename.
func atomicWrite(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write ipc temp file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename ipc file: %w", err)
	}
	return nil
}

// WriteClose drops the close sentinel into dir.
func (t *Transport) WriteClose(dir string) error {
	target, err := t.contain(dir)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(target, 0o755); err != nil {
		return fmt.Errorf("create ipc dir: %w", err)
	}
	return atomicWrite(filepath.Join(target, protocol.CloseSentinel), nil)
}

// Drained is one successfully parsed IPC file.
type Drained struct {
	Name string
	Raw  json.RawMessage
	Type string
}

// Drain consumes all .json files in dir in name (chronological) order. Each
// file is unlinked after a successful parse; unparseable files are unlinked
// and logged so one bad drop cannot wedge the directory. Returns whether the
// close sentinel was present (it is unlinked too).
func (t *Transport) Drain(dir string) ([]Drained, bool, error) {
	target, err := t.contain(dir)
	if err != nil {
		return nil, false, err
	}

	entries, err := os.ReadDir(target)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("list ipc dir: %w", err)
	}

	var names []string
	closed := false
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if e.Name() == protocol.CloseSentinel {
			closed = true
			continue
		}
		if filepath.Ext(e.Name()) == ".json" {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	var out []Drained
	for _, name := range names {
		path := filepath.Join(target, name)
		data, err := os.ReadFile(path)
		if err != nil {
			slog.Warn("ipc: read failed, skipping", "file", name, "error", err)
			os.Remove(path)
			continue
		}
		var env protocol.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			slog.Warn("ipc: unparseable file dropped", "file", name, "error", err)
			os.Remove(path)
			continue
		}
		out = append(out, Drained{Name: name, Raw: json.RawMessage(data), Type: env.Type})
		os.Remove(path)
	}

	if closed {
		os.Remove(filepath.Join(target, protocol.CloseSentinel))
	}
	return out, closed, nil
}

func randomSuffix() string {
	var b [3]byte
	if _, err := rand.Read(b[:]); err != nil {
		return fmt.Sprintf("%06d", time.Now().Nanosecond()%1000000)
	}
	return hex.EncodeToString(b[:])
}
