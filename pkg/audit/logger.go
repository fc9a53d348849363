// Package audit implements the append-only security audit log: a bounded
// in-memory ring of recent events plus a durable line-oriented JSON journal.
package audit

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// DefaultRingSize is the number of recent events retained in memory.
const DefaultRingSize = 1000

// JournalFileName is the name of the durable journal inside the log directory.
const JournalFileName = "security_audit.log"

// Options configures a Logger.
type Options struct {
	// LogDir is the directory holding the journal file. Created if absent.
	LogDir string

	// RingSize bounds the in-memory ring. Defaults to DefaultRingSize.
	RingSize int

	// Sinks receive every accepted event. Sink failures never propagate.
	Sinks []Sink
}

// Logger is the audit event sink. It is safe for concurrent use. Event
// construction goes through the Log* convenience methods; callers never
// assemble event type values directly.
type Logger struct {
	mu        sync.Mutex
	ring      []Event
	ringSize  int
	journal   *os.File
	sessionID string
	sinks     []Sink
	logger    zerolog.Logger

	journalFailed bool
}

// NewLogger creates an audit logger writing its journal under opts.LogDir.
func NewLogger(opts Options, logger zerolog.Logger) (*Logger, error) {
	if opts.LogDir == "" {
		return nil, fmt.Errorf("audit log directory is required")
	}
	if opts.RingSize <= 0 {
		opts.RingSize = DefaultRingSize
	}

	if err := os.MkdirAll(opts.LogDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create audit log directory: %w", err)
	}

	path := filepath.Join(opts.LogDir, JournalFileName)
	journal, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit journal: %w", err)
	}

	return &Logger{
		ring:      make([]Event, 0, opts.RingSize),
		ringSize:  opts.RingSize,
		journal:   journal,
		sessionID: uuid.New().String(),
		sinks:     opts.Sinks,
		logger:    logger.With().Str("component", "audit").Logger(),
	}, nil
}

// SessionID returns the session identifier stamped on every event.
func (l *Logger) SessionID() string {
	return l.sessionID
}

// Close closes the journal file.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.journal == nil {
		return nil
	}
	err := l.journal.Close()
	l.journal = nil
	return err
}

// Correlation carries the optional correlation fields for an event.
type Correlation struct {
	// RunID is the plan execution run, if any.
	RunID string

	// PlanID is the plan, if any.
	PlanID string

	// ToolName is the tool involved, if any.
	ToolName string
}

// logEvent stamps and records a single event. It never returns an error:
// a journal failure would otherwise mask the underlying operation's error.
func (l *Logger) logEvent(eventType EventType, severity Severity, actor, resource, action, result string, details map[string]interface{}, corr Correlation) Event {
	event := Event{
		Timestamp: time.Now().UTC().Truncate(time.Millisecond),
		Type:      eventType,
		Severity:  severity,
		Actor:     actor,
		Resource:  resource,
		Action:    action,
		Result:    result,
		Details:   details,
		SessionID: l.sessionID,
		RunID:     corr.RunID,
		PlanID:    corr.PlanID,
		ToolName:  corr.ToolName,
	}

	l.mu.Lock()
	if len(l.ring) >= l.ringSize {
		copy(l.ring, l.ring[1:])
		l.ring = l.ring[:len(l.ring)-1]
	}
	l.ring = append(l.ring, event)
	l.appendJournalLocked(event)
	l.mu.Unlock()

	for _, sink := range l.sinks {
		if err := sink.Record(event); err != nil {
			l.logger.Error().Err(err).
				Str("event_type", string(event.Type)).
				Msg("audit sink rejected event")
		}
	}

	return event
}

// appendJournalLocked writes one JSON line and flushes it. Failures are
// reported once and then swallowed.
func (l *Logger) appendJournalLocked(event Event) {
	if l.journal == nil {
		return
	}

	line, err := json.Marshal(event)
	if err == nil {
		_, err = l.journal.Write(append(line, '\n'))
	}
	if err == nil {
		err = l.journal.Sync()
	}
	if err != nil && !l.journalFailed {
		l.journalFailed = true
		fmt.Fprintf(os.Stderr, "CRITICAL: audit journal write failed: %v\n", err)
		l.logger.Error().Err(err).Msg("audit journal write failed")
	}
}

// LogPermissionCheck records a permission evaluation. Denials are recorded
// as permission_denied at warning severity.
func (l *Logger) LogPermissionCheck(actor, resource, action string, allowed bool, ruleID string, corr Correlation) {
	details := map[string]interface{}{"allowed": allowed}
	if ruleID != "" {
		details["rule_id"] = ruleID
	}

	result := "allowed"
	if !allowed {
		result = "denied"
	}
	l.logEvent(EventPermissionCheck, SeverityInfo, actor, resource, action, result, details, corr)

	if !allowed {
		l.logEvent(EventPermissionDenied, SeverityWarning, actor, resource, action, "denied", details, corr)
	}
}

// LogSecretDetection records detection (and optional redaction) of a secret.
func (l *Logger) LogSecretDetection(actor, resource, secretType string, redacted bool, corr Correlation) {
	details := map[string]interface{}{"secret_type": secretType}
	l.logEvent(EventSecretDetected, SeverityWarning, actor, resource, "scan", "detected", details, corr)
	if redacted {
		l.logEvent(EventSecretRedacted, SeverityInfo, actor, resource, "redact", "redacted", details, corr)
	}
}

// LogToolExecution records a tool invocation. A start marker is an event
// with success=false emitted before the tool runs; the completion event
// carries the true outcome and timing.
func (l *Logger) LogToolExecution(actor, toolName, resource string, success bool, details map[string]interface{}, corr Correlation) {
	severity := SeverityInfo
	result := "success"
	if !success {
		severity = SeverityWarning
		result = "failure"
	}
	corr.ToolName = toolName
	l.logEvent(EventToolExecution, severity, actor, resource, "execute", result, details, corr)
}

// LogSandboxViolation records an attempted sandbox escape at critical severity.
func (l *Logger) LogSandboxViolation(actor, resource, action string, details map[string]interface{}, corr Correlation) {
	l.logEvent(EventSandboxViolation, SeverityCritical, actor, resource, action, "blocked", details, corr)
}

// LogPlanExecution records a plan lifecycle transition such as "start",
// "complete", "failed", "cancelled" or "waiting_approval". A
// "storage_failure" result is recorded at critical severity.
func (l *Logger) LogPlanExecution(actor, planID, action, result string, details map[string]interface{}, corr Correlation) {
	severity := SeverityInfo
	switch result {
	case "failure", "failed":
		severity = SeverityError
	case "storage_failure":
		severity = SeverityCritical
	}
	corr.PlanID = planID
	l.logEvent(EventPlanExecution, severity, actor, planID, action, result, details, corr)
}

// LogApprovalEvent records an approval lifecycle event. Decision is one of
// "required", "granted", "denied".
func (l *Logger) LogApprovalEvent(actor, planID, stepID, decision string, details map[string]interface{}, corr Correlation) {
	var eventType EventType
	severity := SeverityInfo
	switch decision {
	case "granted":
		eventType = EventApprovalGranted
	case "denied":
		eventType = EventApprovalDenied
		severity = SeverityWarning
	default:
		eventType = EventApprovalRequired
	}
	corr.PlanID = planID
	l.logEvent(eventType, severity, actor, stepID, "approve", decision, details, corr)
}

// LogSuspiciousActivity records heuristically flagged behavior.
func (l *Logger) LogSuspiciousActivity(actor, resource, reason string, details map[string]interface{}, corr Correlation) {
	if details == nil {
		details = map[string]interface{}{}
	}
	details["reason"] = reason
	l.logEvent(EventSuspiciousActivity, SeverityWarning, actor, resource, "observe", "flagged", details, corr)
}

// Recent returns up to limit events from the ring in reverse chronological
// order after applying the filter. limit <= 0 means no limit.
func (l *Logger) Recent(limit int, filter Filter) []Event {
	l.mu.Lock()
	defer l.mu.Unlock()

	events := make([]Event, 0, len(l.ring))
	for i := len(l.ring) - 1; i >= 0; i-- {
		if !filter.Matches(l.ring[i]) {
			continue
		}
		events = append(events, l.ring[i])
		if limit > 0 && len(events) >= limit {
			break
		}
	}
	return events
}

// Summary returns aggregate counts over the ring.
func (l *Logger) Summary() Summary {
	l.mu.Lock()
	defer l.mu.Unlock()

	s := Summary{
		TotalEvents: len(l.ring),
		ByType:      make(map[EventType]int),
		BySeverity:  make(map[Severity]int),
	}
	for _, e := range l.ring {
		s.ByType[e.Type]++
		s.BySeverity[e.Severity]++
		switch e.Type {
		case EventPermissionDenied:
			s.PermissionDenials++
		case EventSecretDetected:
			s.SecretDetections++
		}
	}
	return s
}

// Clear empties the in-memory ring. The journal is untouched.
func (l *Logger) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.ring = l.ring[:0]
}

// csvHeader is the fixed column set for CSV export. The details blob is
// excluded.
var csvHeader = []string{
	"timestamp", "event_type", "severity", "actor", "resource",
	"action", "result", "session_id", "run_id", "plan_id", "tool_name",
}

// Export writes the current ring contents to path. Format is "json" (one
// event per line) or "csv". Returns the number of events written.
func (l *Logger) Export(path, format string) (int, error) {
	events := l.Recent(0, Filter{})

	f, err := os.Create(path)
	if err != nil {
		return 0, fmt.Errorf("failed to create export file: %w", err)
	}
	defer f.Close()

	switch format {
	case "json":
		enc := json.NewEncoder(f)
		for _, e := range events {
			if err := enc.Encode(e); err != nil {
				return 0, fmt.Errorf("failed to encode event: %w", err)
			}
		}
	case "csv":
		w := csv.NewWriter(f)
		if err := w.Write(csvHeader); err != nil {
			return 0, fmt.Errorf("failed to write csv header: %w", err)
		}
		for _, e := range events {
			record := []string{
				e.Timestamp.Format(time.RFC3339Nano),
				string(e.Type),
				string(e.Severity),
				e.Actor,
				e.Resource,
				e.Action,
				e.Result,
				e.SessionID,
				e.RunID,
				e.PlanID,
				e.ToolName,
			}
			if err := w.Write(record); err != nil {
				return 0, fmt.Errorf("failed to write csv record: %w", err)
			}
		}
		w.Flush()
		if err := w.Error(); err != nil {
			return 0, fmt.Errorf("failed to flush csv: %w", err)
		}
	default:
		return 0, fmt.Errorf("unsupported export format: %s (must be %s or %s)",
			format, strconv.Quote("json"), strconv.Quote("csv"))
	}

	return len(events), nil
}
