// Package logging wires zap for process-wide structured logging plus
// append-only per-intent progress files under <data>/logs/<intent>.ndjson.
package logging

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New builds the process logger. Debug mode enables development encoding and
// debug-level output; otherwise JSON at info level.
func New(debug bool) (*zap.Logger, error) {
	var cfg zap.Config
	if debug {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg = zap.NewProductionConfig()
		cfg.EncoderConfig.EncodeTime = zapcore.RFC3339NanoTimeEncoder
	}
	return cfg.Build()
}

// IntentLog is the append-only NDJSON event feed for one intent. One event
// per line; writers are serialized. The file survives the process and is the
// human-auditable trail of a run.
type IntentLog struct {
	mu   sync.Mutex
	file *os.File
}

// OpenIntentLog opens (creating if needed) logs/<intentID>.ndjson under root.
func OpenIntentLog(root, intentID string) (*IntentLog, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create logs root: %w", err)
	}
	path := filepath.Join(root, intentID+".ndjson")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open intent log: %w", err)
	}
	return &IntentLog{file: f}, nil
}

// Event appends one event line. Unknown field values marshal best-effort;
// a failed write is returned but the log stays usable.
func (l *IntentLog) Event(event string, fields map[string]any) error {
	if l == nil {
		return nil
	}
	doc := map[string]any{
		"ts":    time.Now().UTC().Format(time.RFC3339Nano),
		"event": event,
	}
	for k, v := range fields {
		doc[k] = v
	}
	b, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, err := l.file.Write(append(b, '\n')); err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	return nil
}

func (l *IntentLog) Close() error {
	if l == nil || l.file == nil {
		return nil
	}
	return l.file.Close()
}
