// log.go persists a session as an append-only JSONL file inside the session
// directory. The file is replayed on open to rebuild history.
package agent

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// LogFile is the name of the session log inside a session directory.
const LogFile = "session.jsonl"

const (
	recordMeta       = "meta"
	recordMessage    = "message"
	recordModel      = "model"
	recordCompaction = "compaction"
)

// logRecord is one JSONL line.
type logRecord struct {
	Type    string    `json:"type"`
	TS      time.Time `json:"ts"`
	Role    Role      `json:"role,omitempty"`
	Content string    `json:"content,omitempty"`
	Model   string    `json:"model,omitempty"`
	Summary string    `json:"summary,omitempty"`
	Kept    int       `json:"kept,omitempty"`
}

// sessionLog appends and replays one session's records.
type sessionLog struct {
	path   string
	logger *slog.Logger
	mu     sync.Mutex
}

func newSessionLog(dir string, logger *slog.Logger) *sessionLog {
	return &sessionLog{path: filepath.Join(dir, LogFile), logger: logger}
}

// append writes records as JSONL lines in a single write.
func (l *sessionLog) append(records ...logRecord) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("open session log: %w", err)
	}
	defer func() {
		if closeErr := f.Close(); closeErr != nil {
			l.logger.Warn("failed to close session log", "path", l.path, "error", closeErr)
		}
	}()

	var buf []byte
	for _, rec := range records {
		data, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("marshal record: %w", err)
		}
		buf = append(buf, data...)
		buf = append(buf, '\n')
	}
	if _, err := f.Write(buf); err != nil {
		return fmt.Errorf("write session log: %w", err)
	}
	return nil
}

// load reads every record. A missing file yields no records; malformed
// lines are skipped.
func (l *sessionLog) load() ([]logRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return readLog(l.path, l.logger)
}

func readLog(path string, logger *slog.Logger) ([]logRecord, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("open session log: %w", err)
	}
	defer f.Close()

	var (
		records []logRecord
		skipped int
	)
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec logRecord
		if err := json.Unmarshal(line, &rec); err != nil {
			skipped++
			continue
		}
		records = append(records, rec)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read session log: %w", err)
	}
	if skipped > 0 && logger != nil {
		logger.Warn("skipped malformed session log lines", "path", path, "count", skipped)
	}
	return records, nil
}

// replayed is the state rebuilt from a log.
type replayed struct {
	model        string
	messages     []Message
	createdAt    time.Time
	lastActivity time.Time
}

func replay(records []logRecord) replayed {
	var r replayed
	for _, rec := range records {
		if r.createdAt.IsZero() || rec.TS.Before(r.createdAt) {
			r.createdAt = rec.TS
		}
		if rec.TS.After(r.lastActivity) {
			r.lastActivity = rec.TS
		}

		switch rec.Type {
		case recordMeta, recordModel:
			if rec.Model != "" {
				r.model = rec.Model
			}
		case recordMessage:
			r.messages = append(r.messages, Message{Role: rec.Role, Content: rec.Content, Timestamp: rec.TS})
		case recordCompaction:
			r.messages = compacted(r.messages, rec.Summary, rec.Kept, rec.TS)
		}
	}
	return r
}

// compacted replaces all but the last kept messages with a summary message.
func compacted(messages []Message, summary string, kept int, at time.Time) []Message {
	if kept > len(messages) {
		kept = len(messages)
	}
	out := make([]Message, 0, kept+1)
	out = append(out, Message{Role: RoleSystem, Content: summary, Timestamp: at})
	out = append(out, messages[len(messages)-kept:]...)
	return out
}

// inspectDir summarizes a session directory without opening a session.
func inspectDir(dir string) (Summary, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return Summary{}, fmt.Errorf("stat session dir: %w", err)
	}

	records, err := readLog(filepath.Join(dir, LogFile), nil)
	if err != nil {
		return Summary{}, err
	}

	s := Summary{CreatedAt: info.ModTime(), LastActivity: info.ModTime()}
	if len(records) == 0 {
		return s, nil
	}
	r := replay(records)
	s.CreatedAt = r.createdAt
	s.LastActivity = r.lastActivity
	for i := len(records) - 1; i >= 0; i-- {
		if records[i].Type == recordMessage && records[i].Role == RoleUser {
			s.LastUserMessage = records[i].Content
			break
		}
	}
	return s, nil
}
