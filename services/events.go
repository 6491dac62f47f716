package services

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
)

// SecurityEvent is one record in the security stream.
type SecurityEvent struct {
	ID        uuid.UUID              `json:"id"`
	Timestamp time.Time              `json:"timestamp"`
	Level     string                 `json:"level"`
	Message   string                 `json:"message"`
	IPAddress string                 `json:"ip_address,omitempty"`
	Context   map[string]interface{} `json:"context,omitempty"`
}

// AuditEvent is one record in the audit stream.
type AuditEvent struct {
	ID        uuid.UUID              `json:"id"`
	Timestamp time.Time              `json:"timestamp"`
	Action    string                 `json:"action"`
	Identity  string                 `json:"identity,omitempty"`
	IPAddress string                 `json:"ip_address,omitempty"`
	Context   map[string]interface{} `json:"context,omitempty"`
}

// EventLogConfig defines configuration for the event log
type EventLogConfig struct {
	Dir             string `yaml:"dir" default:"logs"`
	MaxSegmentBytes int64  `yaml:"max_segment_bytes" default:"10485760"`
	MirrorToConsole bool   `yaml:"mirror_to_console" default:"true"`
	RecentBuffer    int    `yaml:"recent_buffer" default:"1000"`
}

// EventLogStats provides statistics about event log usage
type EventLogStats struct {
	SecurityWritten int64     `json:"security_written"`
	AuditWritten    int64     `json:"audit_written"`
	WriteFailures   int64     `json:"write_failures"`
	Rotations       int64     `json:"rotations"`
	LastWriteTime   time.Time `json:"last_write_time"`
}

// eventStream is a single append-only line-oriented file with size-based rotation.
type eventStream struct {
	mu      sync.Mutex
	path    string
	file    *os.File
	written int64
}

// EventLog writes security and audit events to two independent append-only
// streams. Writes never fail the caller: errors are counted and, outside
// production, mirrored to the console.
type EventLog struct {
	config   EventLogConfig
	security *eventStream
	audit    *eventStream

	mu     sync.RWMutex
	recent []SecurityEvent
	stats  EventLogStats

	archive Storage
}

// NewEventLog creates a new event log writing under config.Dir.
func NewEventLog(config EventLogConfig) *EventLog {
	if config.Dir == "" {
		config.Dir = "logs"
	}
	if config.MaxSegmentBytes <= 0 {
		config.MaxSegmentBytes = 10 << 20
	}
	if config.RecentBuffer <= 0 {
		config.RecentBuffer = 1000
	}

	return &EventLog{
		config:   config,
		security: &eventStream{path: filepath.Join(config.Dir, "security.log")},
		audit:    &eventStream{path: filepath.Join(config.Dir, "audit.log")},
		recent:   make([]SecurityEvent, 0),
	}
}

// SetArchiveStorage sets an optional archive target for rotated segments.
func (el *EventLog) SetArchiveStorage(s Storage) {
	el.mu.Lock()
	el.archive = s
	el.mu.Unlock()
}

// LogSecurityEvent appends one record to the security stream.
func (el *EventLog) LogSecurityEvent(level, message, ip string, context map[string]interface{}) {
	event := SecurityEvent{
		ID:        uuid.New(),
		Timestamp: time.Now(),
		Level:     level,
		Message:   message,
		IPAddress: ip,
		Context:   context,
	}

	el.mu.Lock()
	el.recent = append(el.recent, event)
	if len(el.recent) > el.config.RecentBuffer {
		el.recent = el.recent[len(el.recent)-el.config.RecentBuffer:]
	}
	el.stats.SecurityWritten++
	el.stats.LastWriteTime = event.Timestamp
	el.mu.Unlock()

	el.append(el.security, event)

	if el.config.MirrorToConsole {
		log.Printf("[security:%s] %s ip=%s", level, message, ip)
	}
}

// LogAuditEvent appends one record to the audit stream.
func (el *EventLog) LogAuditEvent(action, identity, ip string, context map[string]interface{}) {
	event := AuditEvent{
		ID:        uuid.New(),
		Timestamp: time.Now(),
		Action:    action,
		Identity:  identity,
		IPAddress: ip,
		Context:   context,
	}

	el.mu.Lock()
	el.stats.AuditWritten++
	el.stats.LastWriteTime = event.Timestamp
	el.mu.Unlock()

	el.append(el.audit, event)

	if el.config.MirrorToConsole {
		log.Printf("[audit] %s identity=%s ip=%s", action, identity, ip)
	}
}

// RecentSecurityEvents returns the most recent security events, newest last.
func (el *EventLog) RecentSecurityEvents(limit int) []SecurityEvent {
	el.mu.RLock()
	defer el.mu.RUnlock()

	if limit <= 0 || limit >= len(el.recent) {
		out := make([]SecurityEvent, len(el.recent))
		copy(out, el.recent)
		return out
	}
	out := make([]SecurityEvent, limit)
	copy(out, el.recent[len(el.recent)-limit:])
	return out
}

// GetStats returns current event log statistics
func (el *EventLog) GetStats() EventLogStats {
	el.mu.RLock()
	defer el.mu.RUnlock()
	return el.stats
}

// Close flushes and closes both streams.
func (el *EventLog) Close() {
	for _, s := range []*eventStream{el.security, el.audit} {
		s.mu.Lock()
		if s.file != nil {
			s.file.Close()
			s.file = nil
		}
		s.mu.Unlock()
	}
}

// append serializes one record as a JSON line. A failed write must never
// propagate to the request path; it is counted and dropped.
func (el *EventLog) append(s *eventStream, record interface{}) {
	data, err := json.Marshal(record)
	if err != nil {
		el.countFailure(err)
		return
	}
	data = append(data, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.file == nil {
		if err := el.open(s); err != nil {
			el.countFailure(err)
			return
		}
	}

	if s.written+int64(len(data)) > el.config.MaxSegmentBytes {
		el.rotate(s)
	}

	n, err := s.file.Write(data)
	s.written += int64(n)
	if err != nil {
		el.countFailure(err)
	}
}

func (el *EventLog) open(s *eventStream) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return err
	}
	s.file = f
	s.written = info.Size()
	return nil
}

// rotate renames the current segment aside and reopens a fresh file. The
// rotated segment is handed to the archive storage when one is configured.
func (el *EventLog) rotate(s *eventStream) {
	s.file.Close()
	s.file = nil

	rotated := fmt.Sprintf("%s.%s", s.path, time.Now().UTC().Format("20060102T150405"))
	if err := os.Rename(s.path, rotated); err != nil {
		el.countFailure(err)
	} else {
		el.archiveSegment(rotated)
	}

	el.mu.Lock()
	el.stats.Rotations++
	el.mu.Unlock()

	if err := el.open(s); err != nil {
		el.countFailure(err)
	}
}

func (el *EventLog) archiveSegment(path string) {
	el.mu.RLock()
	archive := el.archive
	el.mu.RUnlock()
	if archive == nil {
		return
	}

	f, err := os.Open(path)
	if err != nil {
		el.countFailure(err)
		return
	}
	defer f.Close()

	key := filepath.Base(path)
	if _, err := archive.Save(context.Background(), key, f, "application/x-ndjson"); err != nil {
		el.countFailure(err)
	}
}

func (el *EventLog) countFailure(err error) {
	el.mu.Lock()
	el.stats.WriteFailures++
	el.mu.Unlock()
	if el.config.MirrorToConsole {
		log.Printf("event log write failed: %v", err)
	}
}
