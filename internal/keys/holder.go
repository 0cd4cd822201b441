package keys

import (
	"context"
	"errors"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

// Holder owns the active KeyRecord for the process. Requests read it
// without locking; administrative regeneration swaps the whole record
// atomically so no reader ever observes a half-updated record.
type Holder struct {
	record atomic.Pointer[KeyRecord]
}

// NewHolder creates an empty holder.
func NewHolder() *Holder {
	return &Holder{}
}

// Active returns the current record, or nil when none is loaded.
func (h *Holder) Active() *KeyRecord {
	return h.record.Load()
}

// Swap replaces the active record. A nil record clears it.
func (h *Holder) Swap(record *KeyRecord) {
	h.record.Store(record)
}

// Loaded reports whether a record is currently active.
func (h *Holder) Loaded() bool {
	return h.record.Load() != nil
}

// LoadFrom reads the store and swaps the result in. ErrStoreMissing
// leaves the holder empty without error so the server can start before
// the operator has generated keys.
func (h *Holder) LoadFrom(store *FileStore) error {
	record, err := store.Load()
	if err != nil {
		if errors.Is(err, ErrStoreMissing) {
			h.Swap(nil)
			return nil
		}
		return err
	}
	h.Swap(record)
	return nil
}

// Watch reloads the holder whenever the store file changes on disk,
// until the context is cancelled. Key regeneration is an out-of-band
// administrative action; the watch makes it visible to a running
// server without a restart. Reload failures keep the previous record
// active.
func (h *Holder) Watch(ctx context.Context, store *FileStore, logger *logrus.Logger, onReload func(ok bool)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	// Watch the directory, not the file: Save replaces the file via
	// rename, which drops a direct file watch on some platforms.
	dir := filepath.Dir(store.Path())
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return err
	}

	go func() {
		defer watcher.Close()

		// Editors and the store's own temp-file rename produce bursts
		// of events; coalesce them before reloading.
		var debounce *time.Timer
		reload := func() {
			err := h.LoadFrom(store)
			if err != nil {
				logger.WithError(err).WithField("path", store.Path()).
					Error("Key store reload failed, keeping previous record")
			} else {
				logger.WithField("path", store.Path()).Info("Key store reloaded")
			}
			if onReload != nil {
				onReload(err == nil)
			}
		}

		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != filepath.Clean(store.Path()) {
					continue
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
					continue
				}
				if debounce != nil {
					debounce.Stop()
				}
				debounce = time.AfterFunc(100*time.Millisecond, reload)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.WithError(err).Warn("Key store watcher error")
			}
		}
	}()

	return nil
}
