package logging

import (
	"container/ring"
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

const (
	// DefaultBufferSize is the number of log entries kept in memory
	DefaultBufferSize = 1000

	LogLevelDebug = "debug"
	LogLevelInfo  = "info"
	LogLevelWarn  = "warn"
	LogLevelError = "error"
)

// LogEntry represents a single log entry
type LogEntry struct {
	ID        string                 `json:"id"`
	Timestamp time.Time              `json:"timestamp"`
	Level     string                 `json:"level"`
	Component string                 `json:"component,omitempty"`
	Message   string                 `json:"message"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// Manager keeps the most recent log entries in a ring buffer. It implements
// io.Writer so it can be attached to zerolog as an additional output; each
// write is one JSON event.
type Manager struct {
	mu       sync.RWMutex
	buffer   *ring.Ring
	size     int
	seq      uint64
	handlers []func(LogEntry)
}

// NewManager creates a new logging manager
func NewManager(size int) *Manager {
	if size <= 0 {
		size = DefaultBufferSize
	}
	return &Manager{
		buffer: ring.New(size),
		size:   size,
	}
}

// Write parses one zerolog JSON event and stores it.
func (m *Manager) Write(p []byte) (int, error) {
	var raw map[string]interface{}
	if err := json.Unmarshal(p, &raw); err != nil {
		// Not JSON (e.g. console output); keep it as a plain message.
		m.add(LogEntry{Timestamp: time.Now(), Level: LogLevelInfo, Message: string(p)})
		return len(p), nil
	}

	entry := LogEntry{Timestamp: time.Now()}
	if v, ok := raw["level"].(string); ok {
		entry.Level = v
	}
	if v, ok := raw["message"].(string); ok {
		entry.Message = v
	}
	if v, ok := raw["component"].(string); ok {
		entry.Component = v
	}
	if v, ok := raw["time"].(string); ok {
		if ts, err := time.Parse(time.RFC3339, v); err == nil {
			entry.Timestamp = ts
		}
	}
	for _, k := range []string{"level", "message", "component", "time"} {
		delete(raw, k)
	}
	if len(raw) > 0 {
		entry.Metadata = raw
	}

	m.add(entry)
	return len(p), nil
}

func (m *Manager) add(entry LogEntry) {
	m.mu.Lock()
	m.seq++
	entry.ID = fmt.Sprintf("log-%d", m.seq)
	m.buffer.Value = entry
	m.buffer = m.buffer.Next()
	handlers := m.handlers
	m.mu.Unlock()

	for _, handler := range handlers {
		handler(entry)
	}
}

// Recent returns up to limit entries, newest first, optionally filtered by
// level and component.
func (m *Manager) Recent(limit int, levelFilter, componentFilter string) []LogEntry {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if limit <= 0 || limit > m.size {
		limit = 100
	}

	// ring.Do walks from the oldest slot to the newest.
	all := make([]LogEntry, 0, m.size)
	m.buffer.Do(func(v interface{}) {
		entry, ok := v.(LogEntry)
		if !ok {
			return
		}
		if levelFilter != "" && entry.Level != levelFilter {
			return
		}
		if componentFilter != "" && entry.Component != componentFilter {
			return
		}
		all = append(all, entry)
	})

	logs := make([]LogEntry, 0, limit)
	for i := len(all) - 1; i >= 0 && len(logs) < limit; i-- {
		logs = append(logs, all[i])
	}
	return logs
}

// AddHandler registers a callback invoked synchronously for every entry.
func (m *Manager) AddHandler(handler func(LogEntry)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers = append(m.handlers, handler)
}
