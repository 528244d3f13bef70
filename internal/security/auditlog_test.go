package security

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/kz-records/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func readEvents(t *testing.T, path string) []domain.SecurityEvent {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var events []domain.SecurityEvent
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var e domain.SecurityEvent
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &e))
		events = append(events, e)
	}
	require.NoError(t, scanner.Err())
	return events
}

func TestLogInjectionAttemptWritesJSONLine(t *testing.T) {
	path := filepath.Join(t.TempDir(), "security", "injection_attempts.log")
	log, err := NewAuditLog(path, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)

	client := domain.Client{IP: "203.0.113.9", UserAgent: "curl/8.0", RequestURI: "/api?endpoint=records&map=x"}
	log.LogInjectionAttempt(context.Background(), client, "1; DROP TABLE Maps", "charset")

	events := readEvents(t, path)
	require.Len(t, events, 1)
	e := events[0]
	assert.NotEmpty(t, e.ID)
	assert.Equal(t, "203.0.113.9", e.IP)
	assert.Equal(t, "curl/8.0", e.UserAgent)
	assert.Equal(t, "/api?endpoint=records&map=x", e.RequestURI)
	assert.Equal(t, "1; DROP TABLE Maps", e.MapName)
	assert.Equal(t, "charset", e.Reason)
	assert.False(t, e.Timestamp.IsZero())
}

func TestLogInjectionAttemptConcurrentAppends(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.log")
	log, err := NewAuditLog(path, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 25; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			log.LogInjectionAttempt(context.Background(), domain.UnknownClient, "union_select", "keyword")
		}()
	}
	wg.Wait()

	assert.Len(t, readEvents(t, path), 25)
}
