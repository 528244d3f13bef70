// Package security records rejected client input for later review.
package security

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kz-records/internal/domain"
)

// AuditLog appends one JSON line per security event to a file
type AuditLog struct {
	mu     sync.Mutex
	path   string
	logger *slog.Logger
	now    func() time.Time
}

// NewAuditLog creates the log directory if needed
func NewAuditLog(path string, logger *slog.Logger) (*AuditLog, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating audit log directory: %w", err)
	}
	return &AuditLog{
		path:   path,
		logger: logger,
		now:    time.Now,
	}, nil
}

// Path returns the audit log file path
func (a *AuditLog) Path() string {
	return a.path
}

// LogInjectionAttempt records a rejected map identifier together with the
// client that sent it. Failures are logged, never returned.
func (a *AuditLog) LogInjectionAttempt(_ context.Context, client domain.Client, raw, reason string) {
	event := domain.SecurityEvent{
		ID:         uuid.NewString(),
		Timestamp:  a.now().UTC(),
		IP:         client.IP,
		UserAgent:  client.UserAgent,
		RequestURI: client.RequestURI,
		MapName:    raw,
		Reason:     reason,
	}

	a.logger.Warn("potential injection attempt",
		"event_id", event.ID,
		"map_name", raw,
		"reason", reason,
		"ip", client.IP,
		"user_agent", client.UserAgent,
		"request_uri", client.RequestURI,
	)

	if err := a.append(event); err != nil {
		a.logger.Error("failed to write audit log", "path", a.path, "error", err)
	}
}

func (a *AuditLog) append(event domain.SecurityEvent) error {
	line, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encoding event: %w", err)
	}
	line = append(line, '\n')

	a.mu.Lock()
	defer a.mu.Unlock()

	f, err := os.OpenFile(a.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o640)
	if err != nil {
		return fmt.Errorf("opening audit log: %w", err)
	}
	if _, err := f.Write(line); err != nil {
		f.Close()
		return fmt.Errorf("appending audit log: %w", err)
	}
	return f.Close()
}
