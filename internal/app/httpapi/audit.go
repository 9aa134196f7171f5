package httpapi

import (
	"encoding/json"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/R3E-Network/marketplace_layer/internal/middleware"
	"github.com/R3E-Network/marketplace_layer/pkg/logger"
)

// AuditEntry records one state-changing request.
type AuditEntry struct {
	Time       time.Time `json:"time"`
	Caller     string    `json:"caller,omitempty"`
	TraceID    string    `json:"trace_id,omitempty"`
	Method     string    `json:"method"`
	Path       string    `json:"path"`
	Status     int       `json:"status"`
	RemoteAddr string    `json:"remote_addr,omitempty"`
	UserAgent  string    `json:"user_agent,omitempty"`
}

// AuditSink persists audit entries outside the in-memory ring.
type AuditSink interface {
	Write(entry AuditEntry) error
}

// AuditLog keeps the most recent entries in memory and forwards every entry
// to an optional sink.
type AuditLog struct {
	mu      sync.Mutex
	entries []AuditEntry
	max     int
	sink    AuditSink
	log     *logger.Logger
}

// NewAuditLog keeps up to max entries; max <= 0 selects 200.
func NewAuditLog(max int, sink AuditSink, log *logger.Logger) *AuditLog {
	if max <= 0 {
		max = 200
	}
	if log == nil {
		log = logger.NewDefault("audit")
	}
	return &AuditLog{max: max, sink: sink, log: log}
}

func (l *AuditLog) add(entry AuditEntry) {
	l.mu.Lock()
	l.entries = append(l.entries, entry)
	if len(l.entries) > l.max {
		l.entries = l.entries[len(l.entries)-l.max:]
	}
	sink := l.sink
	l.mu.Unlock()

	if sink != nil {
		if err := sink.Write(entry); err != nil {
			l.log.WithError(err).Warn("audit sink write failed")
		}
	}
}

// List returns up to limit of the newest entries in arrival order.
func (l *AuditLog) List(limit int) []AuditEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	if limit <= 0 || limit > len(l.entries) {
		limit = len(l.entries)
	}
	out := make([]AuditEntry, limit)
	copy(out, l.entries[len(l.entries)-limit:])
	return out
}

// Middleware records every request that is not a read.
func (l *AuditLog) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet || r.Method == http.MethodHead || r.Method == http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}
		rec := &auditWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		l.add(AuditEntry{
			Time:       time.Now().UTC(),
			Caller:     middleware.Caller(r.Context()),
			TraceID:    logger.TraceID(r.Context()),
			Method:     r.Method,
			Path:       r.URL.Path,
			Status:     rec.status,
			RemoteAddr: r.RemoteAddr,
			UserAgent:  r.UserAgent(),
		})
	})
}

type auditWriter struct {
	http.ResponseWriter
	status int
}

func (w *auditWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// FileAuditSink appends audit entries as JSON lines.
type FileAuditSink struct {
	mu   sync.Mutex
	file *os.File
}

// NewFileAuditSink opens path for appending. An empty path returns nil.
func NewFileAuditSink(path string) (*FileAuditSink, error) {
	if path == "" {
		return nil, nil
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
	if err != nil {
		return nil, err
	}
	return &FileAuditSink{file: f}, nil
}

func (s *FileAuditSink) Write(entry AuditEntry) error {
	if s == nil || s.file == nil {
		return nil
	}
	b, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err = s.file.Write(append(b, '\n'))
	return err
}

// Close closes the underlying file.
func (s *FileAuditSink) Close() error {
	if s == nil || s.file == nil {
		return nil
	}
	return s.file.Close()
}
