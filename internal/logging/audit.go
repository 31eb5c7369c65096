package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Audit appends operator-relevant events to plain-text files in a directory:
// ban.log for ban mutations, command.log for admin commands, and a daily
// server-YYYY-MM-DD.log for general audit lines. A nil *Audit is a no-op, so
// callers never need to branch on whether auditing is enabled.
type Audit struct {
	dir string
	mu  sync.Mutex
}

// NewAudit opens (creating if needed) the audit directory. An empty dir
// disables auditing and returns nil.
func NewAudit(dir string) (*Audit, error) {
	if dir == "" {
		return nil, nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating audit dir: %w", err)
	}
	return &Audit{dir: dir}, nil
}

// Ban records a ban-registry mutation.
func (a *Audit) Ban(format string, args ...any) {
	a.append("ban.log", format, args...)
}

// Command records a privileged admin command.
func (a *Audit) Command(format string, args ...any) {
	a.append("command.log", format, args...)
}

// Server records a general server audit line in the daily log.
func (a *Audit) Server(format string, args ...any) {
	name := "server-" + time.Now().UTC().Format("2006-01-02") + ".log"
	a.append(name, format, args...)
}

func (a *Audit) append(name, format string, args ...any) {
	if a == nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	f, err := os.OpenFile(filepath.Join(a.dir, name), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		GetLogger().Warn("audit append failed: " + err.Error())
		return
	}
	defer f.Close()

	line := time.Now().UTC().Format(time.RFC3339) + " " + fmt.Sprintf(format, args...) + "\n"
	if _, err := f.WriteString(line); err != nil {
		GetLogger().Warn("audit write failed: " + err.Error())
	}
}
