// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package fileadapter

import (
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// watchDebounce batches change events: editors emit several writes per
// save, and one re-index per burst is enough.
const watchDebounce = 500 * time.Millisecond

// watcher wraps fsnotify with recursive directory registration and
// debounced dispatch to the adapter's incremental indexer.
type watcher struct {
	fs      *fsnotify.Watcher
	source  string
	onBatch func(changed, removed []string)

	done chan struct{}
	wg   sync.WaitGroup
}

// newWatcher registers every directory under the given roots.
//
// fsnotify watches single directories only, so the tree is walked once
// here and new subdirectories are added as create events arrive.
func newWatcher(source string, roots []string, onBatch func(changed, removed []string)) (*watcher, error) {
	fs, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	w := &watcher{
		fs:      fs,
		source:  source,
		onBatch: onBatch,
		done:    make(chan struct{}),
	}

	for _, root := range roots {
		if err := w.addTree(root); err != nil {
			fs.Close()
			return nil, err
		}
	}

	w.wg.Add(1)
	go w.loop()
	return w, nil
}

func (w *watcher) addTree(root string) error {
	return filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return w.fs.Add(path)
		}
		return nil
	})
}

func (w *watcher) loop() {
	defer w.wg.Done()

	var debounce *time.Timer
	var timerC <-chan time.Time
	changed := make(map[string]bool)
	removed := make(map[string]bool)

	flush := func() {
		if len(changed) == 0 && len(removed) == 0 {
			return
		}
		c := make([]string, 0, len(changed))
		for p := range changed {
			c = append(c, p)
		}
		r := make([]string, 0, len(removed))
		for p := range removed {
			r = append(r, p)
		}
		changed = make(map[string]bool)
		removed = make(map[string]bool)
		w.onBatch(c, r)
	}

	for {
		select {
		case <-w.done:
			return

		case ev, ok := <-w.fs.Events:
			if !ok {
				return
			}
			w.handleEvent(ev, changed, removed)
			if debounce == nil {
				debounce = time.NewTimer(watchDebounce)
				timerC = debounce.C
			} else {
				debounce.Reset(watchDebounce)
			}

		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			slog.Warn("file watcher error", "source", w.source, "error", err)

		case <-timerC:
			flush()
		}
	}
}

func (w *watcher) handleEvent(ev fsnotify.Event, changed, removed map[string]bool) {
	switch {
	case ev.Op.Has(fsnotify.Create):
		if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
			if err := w.addTree(ev.Name); err != nil {
				slog.Warn("could not watch new directory", "source", w.source, "path", ev.Name, "error", err)
			}
			return
		}
		changed[ev.Name] = true
		delete(removed, ev.Name)

	case ev.Op.Has(fsnotify.Write):
		changed[ev.Name] = true
		delete(removed, ev.Name)

	case ev.Op.Has(fsnotify.Remove), ev.Op.Has(fsnotify.Rename):
		removed[ev.Name] = true
		delete(changed, ev.Name)
	}
}

// close stops the loop and releases the inotify handles.
func (w *watcher) close() {
	select {
	case <-w.done:
		return
	default:
	}
	close(w.done)
	w.fs.Close()
	w.wg.Wait()
}
