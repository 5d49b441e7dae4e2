package transfer

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/breeze-rmm/agent-updater/internal/logging"
)

const spoolExt = ".json"

// SpoolRecord is written for every finished transfer when a completion spool
// directory is configured, so that other processes can observe completions.
type SpoolRecord struct {
	Handle      Handle    `json:"handle"`
	State       string    `json:"state"`
	Reason      int       `json:"reason,omitempty"`
	Destination string    `json:"destination"`
	CompletedAt time.Time `json:"completedAt"`
}

func writeSpool(dir string, rec SpoolRecord) error {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	final := filepath.Join(dir, string(rec.Handle)+spoolExt)
	tmp, err := os.CreateTemp(dir, ".spool-*.tmp")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	if err := os.Rename(tmp.Name(), final); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("publish spool record: %w", err)
	}
	return nil
}

// ReadSpoolRecord loads the record for h from dir.
func ReadSpoolRecord(dir string, h Handle) (SpoolRecord, error) {
	var rec SpoolRecord
	data, err := os.ReadFile(filepath.Join(dir, string(h)+spoolExt))
	if err != nil {
		return rec, err
	}
	err = json.Unmarshal(data, &rec)
	return rec, err
}

// SpoolWatcher is a Notifier that turns records appearing in a completion
// spool directory into EventCompleted broadcasts.
type SpoolWatcher struct {
	dir     string
	watcher *fsnotify.Watcher
	bus     *Bus

	mu    sync.Mutex
	seen  map[Handle]struct{}
	order []Handle

	done chan struct{}
	wg   sync.WaitGroup
}

// spoolSeenLimit bounds the handles remembered for deduplicating the
// Create and Write events of one record.
const spoolSeenLimit = 64

// NewSpoolWatcher starts watching dir, creating it if needed. Records already
// present are not replayed.
func NewSpoolWatcher(dir string) (*SpoolWatcher, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create spool dir: %w", err)
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	if err := w.Add(dir); err != nil {
		w.Close()
		return nil, fmt.Errorf("watch %s: %w", dir, err)
	}

	sw := &SpoolWatcher{
		dir:     dir,
		watcher: w,
		bus:     NewBus(),
		seen:    make(map[Handle]struct{}),
		done:    make(chan struct{}),
	}
	sw.wg.Add(1)
	go sw.loop()
	return sw, nil
}

func (sw *SpoolWatcher) Subscribe() (Subscription, error) {
	return sw.bus.Subscribe()
}

func (sw *SpoolWatcher) Close() error {
	select {
	case <-sw.done:
		return nil
	default:
	}
	close(sw.done)
	err := sw.watcher.Close()
	sw.wg.Wait()
	sw.bus.Close()
	return err
}

func (sw *SpoolWatcher) loop() {
	defer sw.wg.Done()
	for {
		select {
		case <-sw.done:
			return
		case event, ok := <-sw.watcher.Events:
			if !ok {
				return
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
				continue
			}
			sw.handle(event.Name)
		case err, ok := <-sw.watcher.Errors:
			if !ok {
				return
			}
			log.Warn("spool watcher error", logging.KeyError, err)
		}
	}
}

func (sw *SpoolWatcher) handle(path string) {
	name := filepath.Base(path)
	if strings.HasPrefix(name, ".") || !strings.HasSuffix(name, spoolExt) {
		return
	}
	h := Handle(strings.TrimSuffix(name, spoolExt))

	sw.mu.Lock()
	if _, dup := sw.seen[h]; dup {
		sw.mu.Unlock()
		return
	}
	sw.seen[h] = struct{}{}
	sw.order = append(sw.order, h)
	if len(sw.order) > spoolSeenLimit {
		delete(sw.seen, sw.order[0])
		sw.order = sw.order[1:]
	}
	sw.mu.Unlock()

	log.Debug("spool completion observed", logging.KeyHandle, string(h))
	sw.bus.Publish(Event{Kind: EventCompleted, Handle: h, Progress: 100})
}
