// Package inbox watches a drop directory where a UI process writes
// captured records as JSON files. Each file is enqueued and removed;
// files that cannot be decoded are moved to a rejected/ subdirectory.
package inbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/tidwall/gjson"

	"github.com/InnNhi24/vibetune-sync/internal/models"
)

const (
	// inboxDirPerm is the permission mode for the inbox and rejected
	// directories.
	inboxDirPerm = fs.FileMode(0o700)

	// debounceInterval is how often pending files are checked.
	debounceInterval = 100 * time.Millisecond

	// settleAfter is how long a file must go without events before it
	// is read, so a writer that is still flushing is not read half way.
	settleAfter = 300 * time.Millisecond

	// RejectedDir holds files that could not be decoded.
	RejectedDir = "rejected"

	// maxFileSize bounds a single inbox file.
	maxFileSize = 4 << 20
)

// Enqueuer is the subset of queue.Queue the watcher needs.
type Enqueuer interface {
	Enqueue(ctx context.Context, rec models.QueueRecord) models.QueueRecord
}

// Watcher moves records from the inbox directory into the queue.
type Watcher struct {
	dir       string
	queue     Enqueuer
	onEnqueue func()
	logger    *slog.Logger
}

// New creates a watcher for dir. onEnqueue, if non-nil, is called after
// each file that produced at least one record.
func New(dir string, q Enqueuer, onEnqueue func(), logger *slog.Logger) *Watcher {
	return &Watcher{dir: dir, queue: q, onEnqueue: onEnqueue, logger: logger}
}

// Run drains files already present, then watches for new ones until ctx
// is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	if err := os.MkdirAll(filepath.Join(w.dir, RejectedDir), inboxDirPerm); err != nil {
		return fmt.Errorf("creating inbox dir: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(w.dir); err != nil {
		return fmt.Errorf("watching inbox dir: %w", err)
	}

	w.logger.Info("inbox watcher started", slog.String("dir", w.dir))

	w.drain(ctx)

	pending := make(map[string]time.Time)

	ticker := time.NewTicker(debounceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return fmt.Errorf("fsnotify events channel closed unexpectedly")
			}

			if !isInboxFile(event.Name) {
				continue
			}

			if event.Has(fsnotify.Create) || event.Has(fsnotify.Write) {
				pending[event.Name] = time.Now()
			}

			if event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
				delete(pending, event.Name)
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return fmt.Errorf("fsnotify errors channel closed unexpectedly")
			}

			w.logger.Warn("watcher error", slog.String("error", err.Error()))

		case <-ticker.C:
			now := time.Now()
			for path, t := range pending {
				if now.Sub(t) < settleAfter {
					continue
				}

				delete(pending, path)
				w.process(ctx, path)
			}
		}
	}
}

// drain processes every inbox file currently in the directory.
func (w *Watcher) drain(ctx context.Context) {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		w.logger.Warn("reading inbox dir", slog.String("error", err.Error()))
		return
	}

	for _, e := range entries {
		path := filepath.Join(w.dir, e.Name())
		if e.Type().IsRegular() && isInboxFile(path) {
			w.process(ctx, path)
		}
	}
}

// process enqueues the records in one file and removes it.
func (w *Watcher) process(ctx context.Context, path string) {
	info, err := os.Lstat(path)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			w.logger.Warn("stat inbox file", slog.String("path", path), slog.String("error", err.Error()))
		}

		return
	}

	if !info.Mode().IsRegular() {
		return
	}

	if info.Size() > maxFileSize {
		w.reject(path, fmt.Errorf("file is %d bytes, limit is %d", info.Size(), maxFileSize))
		return
	}

	data, err := os.ReadFile(path)
	if err != nil {
		w.logger.Warn("reading inbox file", slog.String("path", path), slog.String("error", err.Error()))
		return
	}

	recs, err := Decode(data)
	if err != nil {
		w.reject(path, err)
		return
	}

	for _, rec := range recs {
		rec = w.queue.Enqueue(ctx, rec)

		w.logger.Debug("enqueued from inbox",
			slog.String("entity_type", string(rec.EntityType)),
			slog.String("id", rec.ID()),
		)
	}

	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		w.logger.Warn("removing inbox file", slog.String("path", path), slog.String("error", err.Error()))
	}

	if len(recs) > 0 && w.onEnqueue != nil {
		w.onEnqueue()
	}
}

func (w *Watcher) reject(path string, cause error) {
	dest := filepath.Join(w.dir, RejectedDir, filepath.Base(path))

	w.logger.Warn("rejecting inbox file",
		slog.String("path", path),
		slog.String("error", cause.Error()),
	)

	if err := os.Rename(path, dest); err != nil {
		w.logger.Warn("moving rejected file", slog.String("path", path), slog.String("error", err.Error()))
	}
}

// isInboxFile reports whether path names a file the watcher should read.
// Hidden files and anything without a .json suffix are skipped so writers
// can stage a temporary file and rename it into place.
func isInboxFile(path string) bool {
	name := filepath.Base(path)
	return !strings.HasPrefix(name, ".") && strings.HasSuffix(name, ".json")
}

// Decode parses an inbox file. A file holds one record or an array of
// records; each record is either a queue envelope
// ({"entity_type","payload"}) or a bare payload carrying entity_type.
func Decode(data []byte) ([]models.QueueRecord, error) {
	if !gjson.ValidBytes(data) {
		return nil, fmt.Errorf("invalid JSON")
	}

	doc := gjson.ParseBytes(data)

	var items []gjson.Result

	switch {
	case doc.IsArray():
		items = doc.Array()
	case doc.IsObject():
		items = []gjson.Result{doc}
	default:
		return nil, fmt.Errorf("expected an object or array, got %s", doc.Type)
	}

	recs := make([]models.QueueRecord, 0, len(items))

	for i, item := range items {
		rec, err := decodeOne(item)
		if err != nil {
			return nil, fmt.Errorf("record %d: %w", i, err)
		}

		recs = append(recs, rec)
	}

	return recs, nil
}

func decodeOne(item gjson.Result) (models.QueueRecord, error) {
	if !item.IsObject() {
		return models.QueueRecord{}, fmt.Errorf("expected an object")
	}

	t := models.EntityType(item.Get("entity_type").String())
	if !t.Valid() {
		return models.QueueRecord{}, fmt.Errorf("unknown entity type %q", t)
	}

	raw := item.Raw
	if payload := item.Get("payload"); payload.Exists() {
		raw = payload.Raw
	}

	rec, err := models.RecordFromPayload(t, json.RawMessage(raw))
	if err != nil {
		return models.QueueRecord{}, err
	}

	if rec.EntityType == models.EntityMessage && rec.Message.ConversationID == "" {
		return models.QueueRecord{}, fmt.Errorf("message without conversation_id")
	}

	return rec, rec.Validate()
}
