package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

var ErrLabelExists = errors.New("label already defined")

// LabelBook holds the moderation label definitions backed by a JSON file.
type LabelBook struct {
	path string

	mu     sync.RWMutex
	labels map[string]string

	// held from snapshot to rename so the file only moves forward
	saveMu sync.Mutex
}

func NewLabelBook(path string) *LabelBook {
	return &LabelBook{path: path, labels: make(map[string]string)}
}

// Load replaces the definitions with the file's contents. A missing file
// leaves the book empty and returns an error wrapping os.ErrNotExist.
func (b *LabelBook) Load() (int, error) {
	data, err := os.ReadFile(b.path)
	if err != nil {
		return 0, err
	}
	var defs []ModerationLabel
	if err := json.Unmarshal(data, &defs); err != nil {
		return 0, fmt.Errorf("parse %s: %w", b.path, err)
	}
	labels := make(map[string]string, len(defs))
	for _, d := range defs {
		labels[d.Label] = d.Description
	}
	b.mu.Lock()
	b.labels = labels
	b.mu.Unlock()
	return len(labels), nil
}

func (b *LabelBook) List() []ModerationLabel {
	b.mu.RLock()
	out := make([]ModerationLabel, 0, len(b.labels))
	for l, d := range b.labels {
		out = append(out, ModerationLabel{Label: l, Description: d})
	}
	b.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Label < out[j].Label })
	return out
}

func (b *LabelBook) Add(l ModerationLabel) error {
	b.mu.Lock()
	if _, ok := b.labels[l.Label]; ok {
		b.mu.Unlock()
		return ErrLabelExists
	}
	b.labels[l.Label] = l.Description
	b.mu.Unlock()
	return b.save()
}

func (b *LabelBook) Remove(label string) error {
	b.mu.Lock()
	delete(b.labels, label)
	b.mu.Unlock()
	return b.save()
}

// save writes the book atomically so a watcher never sees a half-written file.
func (b *LabelBook) save() error {
	b.saveMu.Lock()
	defer b.saveMu.Unlock()

	data, err := json.MarshalIndent(b.List(), "", "  ")
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(b.path), ".labels-*.json")
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
	return os.Rename(tmp.Name(), b.path)
}

// Watch reloads the book whenever its file changes on disk, until ctx is done.
// The parent directory is watched so editors that replace the file still count.
func (b *LabelBook) Watch(ctx context.Context, log *zap.Logger) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	dir := filepath.Dir(b.path)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}
	target := filepath.Clean(b.path)

	// coalesce bursts of events from a single save
	const settle = 200 * time.Millisecond
	timer := time.NewTimer(settle)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				timer.Reset(settle)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Warn("label watcher error", zap.Error(err))
		case <-timer.C:
			n, err := b.Load()
			if err != nil {
				log.Warn("reload labels", zap.String("path", b.path), zap.Error(err))
				continue
			}
			log.Info("reloaded label definitions", zap.Int("count", n))
		}
	}
}
