/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

// Package logtest provides a log.FieldLogger that keeps logged entries in memory,
// so tests can check what was logged and, more importantly, what was not (raw credentials).
package logtest

import (
	"strings"
	"sync"
	"time"

	"github.com/ssgreg/logf"

	"github.com/acronis/go-tokenlimit/log"
)

// RecordedEntry is a single logged entry.
type RecordedEntry struct {
	LoggerName string
	Fields     []log.Field
	Level      log.Level
	Time       time.Time
	Text       string
}

// FindField returns the field with the given key.
func (re *RecordedEntry) FindField(key string) (*log.Field, bool) {
	for i := range re.Fields {
		if re.Fields[i].Key == key {
			return &re.Fields[i], true
		}
	}
	return nil, false
}

// FieldString returns the value of the string (or bytes) field with the given key.
func (re *RecordedEntry) FieldString(key string) (string, bool) {
	f, ok := re.FindField(key)
	if !ok {
		return "", false
	}
	return string(f.Bytes), true
}

// contains reports whether the text or any string-like field value of the entry contains s.
func (re *RecordedEntry) contains(s string) bool {
	if strings.Contains(re.Text, s) {
		return true
	}
	for i := range re.Fields {
		if len(re.Fields[i].Bytes) != 0 && strings.Contains(string(re.Fields[i].Bytes), s) {
			return true
		}
	}
	return false
}

type entryStore struct {
	mu      sync.RWMutex
	entries []RecordedEntry
}

//nolint:gocritic // logf.EntryWriter passes entries by value.
func (s *entryStore) WriteEntry(e logf.Entry) {
	fields := make([]log.Field, 0, len(e.Fields)+len(e.DerivedFields))
	fields = append(fields, e.Fields...)
	fields = append(fields, e.DerivedFields...)

	s.mu.Lock()
	s.entries = append(s.entries, RecordedEntry{
		LoggerName: e.LoggerName,
		Fields:     fields,
		Level:      levelFromLogf(e.Level),
		Time:       e.Time,
		Text:       e.Text,
	})
	s.mu.Unlock()
}

// Recorder implements log.FieldLogger and keeps all logged entries (starting from debug level).
// Loggers derived via With and WithLevel share the same storage.
type Recorder struct {
	*log.LogfAdapter
	store *entryStore
}

// NewRecorder returns a new Recorder.
func NewRecorder() *Recorder {
	store := &entryStore{}
	return &Recorder{&log.LogfAdapter{Logger: logf.NewLogger(logf.LevelDebug, store)}, store}
}

// With returns a derived logger with the given fields.
func (r *Recorder) With(fs ...log.Field) log.FieldLogger {
	return &Recorder{r.LogfAdapter.With(fs...).(*log.LogfAdapter), r.store}
}

// WithLevel returns a derived logger which ignores entries below the given level.
func (r *Recorder) WithLevel(level log.Level) log.FieldLogger {
	return &Recorder{r.LogfAdapter.WithLevel(level).(*log.LogfAdapter), r.store}
}

// Entries returns a copy of all recorded entries.
func (r *Recorder) Entries() []RecordedEntry {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	return append([]RecordedEntry(nil), r.store.entries...)
}

// FindEntry returns the first entry with exactly the given message.
func (r *Recorder) FindEntry(msg string) (RecordedEntry, bool) {
	return r.FindEntryByFilter(func(entry RecordedEntry) bool { return entry.Text == msg })
}

// FindEntryByFilter returns the first entry matching the filter.
func (r *Recorder) FindEntryByFilter(filter func(entry RecordedEntry) bool) (RecordedEntry, bool) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	for _, entry := range r.store.entries {
		if filter(entry) {
			return entry, true
		}
	}
	return RecordedEntry{}, false
}

// Contains reports whether s occurs in any recorded message or string field value.
// Tests use it to make sure that raw credentials never reach the log.
func (r *Recorder) Contains(s string) bool {
	_, found := r.FindEntryByFilter(func(entry RecordedEntry) bool { return entry.contains(s) })
	return found
}

// Reset drops all recorded entries.
func (r *Recorder) Reset() {
	r.store.mu.Lock()
	r.store.entries = nil
	r.store.mu.Unlock()
}

func levelFromLogf(value logf.Level) log.Level {
	switch value {
	case logf.LevelError:
		return log.LevelError
	case logf.LevelWarn:
		return log.LevelWarn
	case logf.LevelDebug:
		return log.LevelDebug
	default:
		return log.LevelInfo
	}
}
