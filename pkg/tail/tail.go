package tail

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/mchurichi/buildtail/pkg/parser"
	"github.com/mchurichi/buildtail/pkg/store"
)

// State is the tailer lifecycle state.
type State int

const (
	StateStopped State = iota
	StateStarting
	StateWatching
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateWatching:
		return "watching"
	default:
		return "stopped"
	}
}

// defaultDebounce delays the incremental read after a change notification so
// a half-written line has settled before it is consumed.
const defaultDebounce = 100 * time.Millisecond

// Tailer treats an external file as an append-only stream of newline-delimited
// JSON records and keeps the store synchronized with it. The watched file may
// not exist yet, may be truncated or replaced by a restarting writer, and may
// be deleted and recreated; none of these abort the tailer.
type Tailer struct {
	path     string
	store    *store.Store
	debounce time.Duration

	// mu serializes read cycles and guards the offset.
	mu     sync.Mutex
	offset int64

	stateMu sync.Mutex
	state   State
	watcher *fsnotify.Watcher
	done    chan struct{}
	wg      sync.WaitGroup
}

// NewTailer creates a tailer feeding the given store. Start must be called
// before any records are ingested.
func NewTailer(path string, st *store.Store) *Tailer {
	return &Tailer{
		path:     path,
		store:    st,
		debounce: defaultDebounce,
	}
}

// Start performs a full read from offset 0, then installs a watch on the
// file's parent directory so create, write, and remove events for the file
// are observed. Starting an already-running tailer is an error.
func (t *Tailer) Start() error {
	t.stateMu.Lock()
	defer t.stateMu.Unlock()

	if t.state != StateStopped {
		return fmt.Errorf("tailer already started")
	}
	t.state = StateStarting

	t.mu.Lock()
	t.offset = 0
	t.mu.Unlock()

	// Records already present at startup are ingested exactly once, before
	// the watch is installed.
	t.readNew()

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		t.state = StateStopped
		return fmt.Errorf("failed to create watcher: %w", err)
	}

	dir := filepath.Dir(t.path)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		t.state = StateStopped
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}

	t.watcher = watcher
	t.done = make(chan struct{})
	t.wg.Add(1)
	go t.loop(watcher, t.done)

	t.state = StateWatching
	return nil
}

// Stop tears down the watch and returns the tailer to the stopped state. It
// is idempotent; an in-flight read cycle is allowed to finish.
func (t *Tailer) Stop() {
	t.stateMu.Lock()
	if t.state == StateStopped {
		t.stateMu.Unlock()
		return
	}
	watcher := t.watcher
	done := t.done
	t.state = StateStopped
	t.watcher = nil
	t.stateMu.Unlock()

	close(done)
	watcher.Close()
	t.wg.Wait()
}

// State returns the current lifecycle state.
func (t *Tailer) State() State {
	t.stateMu.Lock()
	defer t.stateMu.Unlock()
	return t.state
}

// Path returns the watched file path.
func (t *Tailer) Path() string {
	return t.path
}

// loop dispatches watch notifications to the incremental read routine.
// Write and create events are debounced into a single read; remove and
// rename reset the offset so a recreated file is read from its beginning.
func (t *Tailer) loop(watcher *fsnotify.Watcher, done chan struct{}) {
	defer t.wg.Done()

	timer := time.NewTimer(t.debounce)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	for {
		select {
		case <-done:
			return

		case ev, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != filepath.Clean(t.path) {
				continue
			}
			if ev.Op&(fsnotify.Remove|fsnotify.Rename) != 0 {
				t.mu.Lock()
				t.offset = 0
				t.mu.Unlock()
				continue
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write) != 0 {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(t.debounce)
			}

		case <-timer.C:
			t.readNew()

		case _, ok := <-watcher.Errors:
			if !ok {
				return
			}
			// Transient watch errors: the next notification retries.
		}
	}
}

// readNew ingests the file content between the last read offset and the
// current end of file. Any I/O error is treated as "no new content this
// cycle"; the next trigger retries from the last known-good offset.
func (t *Tailer) readNew() {
	t.mu.Lock()
	defer t.mu.Unlock()

	fi, err := os.Stat(t.path)
	if err != nil {
		return // file absent or unreadable
	}

	size := fi.Size()
	if size < t.offset {
		// Truncated or replaced: the entire current content is new.
		t.offset = 0
	}
	if size == t.offset {
		return
	}

	f, err := os.Open(t.path)
	if err != nil {
		return
	}
	defer f.Close()

	if _, err := f.Seek(t.offset, io.SeekStart); err != nil {
		return
	}

	buf := make([]byte, size-t.offset)
	n, _ := io.ReadFull(f, buf)
	if n == 0 {
		return
	}

	// Advance the offset before parsing so a bad line is never re-read.
	t.offset += int64(n)

	var recs []*store.Record
	for _, line := range strings.Split(string(buf[:n]), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		rec, err := parser.ParseLine(line)
		if err != nil {
			continue // one bad line never aborts its siblings
		}
		recs = append(recs, rec)
	}
	if len(recs) == 0 {
		return
	}

	if err := t.store.AddMany(recs); err != nil {
		log.Printf("Warning: failed to store %d records: %v", len(recs), err)
	}
}
