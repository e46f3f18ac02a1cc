package instance

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// BootstrapMarker is the line fragment the onion router prints once it has
// finished building its first circuits.
const BootstrapMarker = "Bootstrapped 100%"

// tailPollInterval is the fallback scan cadence for platforms or
// filesystems where fsnotify drops events.
const tailPollInterval = time.Second

// Tailer follows a growing log file and reports the first occurrence of a
// marker string. The file may not exist yet when the tailer starts; in
// that case the parent directory is watched until it appears.
type Tailer struct {
	path    string
	marker  string
	watcher *fsnotify.Watcher

	found chan struct{}
	done  chan struct{}
	once  sync.Once
	wg    sync.WaitGroup

	offset int64
	carry  string // partial last line between reads
}

// NewTailer creates a tailer for marker in the file at path.
func NewTailer(path, marker string) (*Tailer, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}

	t := &Tailer{
		path:    path,
		marker:  marker,
		watcher: watcher,
		found:   make(chan struct{}),
		done:    make(chan struct{}),
	}

	// Watch the file if it exists, otherwise its directory so the create
	// event is seen.
	if err := watcher.Add(path); err != nil {
		if err := watcher.Add(filepath.Dir(path)); err != nil {
			watcher.Close()
			return nil, fmt.Errorf("watch %s: %w", path, err)
		}
	}

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		t.loop()
	}()

	return t, nil
}

// Found is closed once the marker has been observed.
func (t *Tailer) Found() <-chan struct{} {
	return t.found
}

// Stop shuts the tailer down. Safe to call more than once.
func (t *Tailer) Stop() {
	t.once.Do(func() {
		close(t.done)
		t.watcher.Close()
	})
	t.wg.Wait()
}

func (t *Tailer) loop() {
	// Catch anything written before the watch was established.
	if t.scan() {
		return
	}

	ticker := time.NewTicker(tailPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-t.done:
			return

		case event, ok := <-t.watcher.Events:
			if !ok {
				return
			}
			if event.Name != t.path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if t.scan() {
				return
			}

		case <-ticker.C:
			if t.scan() {
				return
			}

		case _, ok := <-t.watcher.Errors:
			if !ok {
				return
			}
			// Watch errors degrade to polling; nothing to do here.
		}
	}
}

// scan reads newly appended bytes and reports whether the marker was seen.
func (t *Tailer) scan() bool {
	f, err := os.Open(t.path)
	if err != nil {
		return false
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return false
	}
	if st.Size() < t.offset {
		// Truncated; start over.
		t.offset = 0
		t.carry = ""
	}
	if st.Size() == t.offset {
		return false
	}

	if _, err := f.Seek(t.offset, 0); err != nil {
		return false
	}
	buf := make([]byte, st.Size()-t.offset)
	n, err := f.Read(buf)
	if n == 0 && err != nil {
		return false
	}
	t.offset += int64(n)

	chunk := t.carry + string(buf[:n])
	if idx := strings.LastIndexByte(chunk, '\n'); idx >= 0 {
		t.carry = chunk[idx+1:]
	} else {
		t.carry = chunk
	}

	if strings.Contains(chunk, t.marker) {
		close(t.found)
		return true
	}
	return false
}
