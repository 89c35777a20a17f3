package pending

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// debounceDefault is the default debounce interval for file events.
const debounceDefault = 200 * time.Millisecond

// maxConcurrentResponses limits how many response files are processed
// simultaneously.
const maxConcurrentResponses = 5

// maxQueueSize buffers the work queue. Larger than the worker count so a
// burst of responses does not block the debounce flush.
const maxQueueSize = 200

// Response is a human's answer to a published challenge, dropped into the
// response directory by an external surface.
type Response struct {
	ACCID    string `json:"acc_id"`
	Response string `json:"response"`
}

// Handler processes one parsed response.
type Handler func(r Response)

// ResponseWatcher watches the response directory for new .json files and
// feeds each parsed response to the handler. Processed files are removed.
type ResponseWatcher struct {
	dir      string
	handler  Handler
	debounce time.Duration
}

// NewResponseWatcher creates a watcher over the given response directory.
func NewResponseWatcher(dir string, handler Handler) *ResponseWatcher {
	return &ResponseWatcher{
		dir:      dir,
		handler:  handler,
		debounce: debounceDefault,
	}
}

// Run watches for response files. Blocks until ctx is cancelled.
func (w *ResponseWatcher) Run(ctx context.Context) error {
	if err := os.MkdirAll(w.dir, 0755); err != nil {
		return err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer func() { _ = watcher.Close() }()

	if err := watcher.Add(w.dir); err != nil {
		return err
	}

	// ready collects paths that passed debounce. One timer, reset per
	// event; on fire, everything accumulated flushes to the queue. No
	// per-file goroutines.
	var mu sync.Mutex
	ready := make(map[string]bool)

	queue := make(chan string, maxQueueSize)

	var wg sync.WaitGroup
	for i := 0; i < maxConcurrentResponses; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for path := range queue {
				w.process(path)
			}
		}()
	}

	flush := func() {
		mu.Lock()
		batch := make([]string, 0, len(ready))
		for p := range ready {
			batch = append(batch, p)
		}
		ready = make(map[string]bool)
		mu.Unlock()

		for _, p := range batch {
			select {
			case queue <- p:
			case <-ctx.Done():
				return
			}
		}
	}

	debounceTimer := time.NewTimer(w.debounce)
	debounceTimer.Stop()

	defer func() {
		debounceTimer.Stop()
		flush()
		close(queue)
		wg.Wait()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil

		case <-debounceTimer.C:
			flush()

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !event.Has(fsnotify.Create) {
				continue
			}
			if !isResponseFile(event.Name) {
				continue
			}

			mu.Lock()
			ready[event.Name] = true
			mu.Unlock()

			if !debounceTimer.Stop() {
				select {
				case <-debounceTimer.C:
				default:
				}
			}
			debounceTimer.Reset(w.debounce)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			_ = err
		}
	}
}

// ScanExisting processes response files already present, for answers that
// arrived while nothing was watching.
func (w *ResponseWatcher) ScanExisting() error {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		path := filepath.Join(w.dir, e.Name())
		if isResponseFile(path) {
			w.process(path)
		}
	}
	return nil
}

// process parses one response file, hands it off, and removes it. A file
// that does not parse is removed too; a malformed response consumes
// nothing.
func (w *ResponseWatcher) process(path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		return
	}
	defer func() { _ = os.Remove(path) }()

	var r Response
	if err := json.Unmarshal(data, &r); err != nil {
		return
	}
	if r.ACCID == "" {
		return
	}
	w.handler(r)
}

// isResponseFile returns true for .json files, skipping .tmp partial writes.
func isResponseFile(path string) bool {
	name := filepath.Base(path)
	return strings.HasSuffix(name, ".json") && !strings.HasSuffix(name, ".tmp")
}
