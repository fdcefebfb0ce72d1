package gitops

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/Iron-Ham/simpleaide/internal/gitexec"
)

// opLog is the append-only log of one git operation.
type opLog struct {
	mu   sync.Mutex
	path string
	file *os.File
}

// LogPath returns the log file path for opID under dir.
func LogPath(dir, opID string) string {
	return filepath.Join(dir, opID+".log")
}

func openOpLog(dir, opID string) (*opLog, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create operation log directory: %w", err)
	}
	path := LogPath(dir, opID)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open operation log: %w", err)
	}
	return &opLog{path: path, file: f}, nil
}

// Printf appends one timestamped, redacted line.
func (l *opLog) Printf(format string, args ...any) {
	if l == nil {
		return
	}
	line := gitexec.Redact(fmt.Sprintf(format, args...))

	l.mu.Lock()
	defer l.mu.Unlock()
	fmt.Fprintf(l.file, "%s %s\n", time.Now().UTC().Format(time.RFC3339), line)
}

// Command appends a finished command and its output.
func (l *opLog) Command(res *gitexec.Result) {
	if l == nil || res == nil {
		return
	}
	l.Printf("$ git %s", strings.Join(res.Args, " "))
	if out := res.Output(); out != "" {
		for _, line := range strings.Split(out, "\n") {
			l.Printf("  %s", line)
		}
	}
	switch {
	case res.TimedOut:
		l.Printf("timed out after %s", res.Duration.Round(time.Millisecond))
	case res.Truncated:
		l.Printf("exit %d in %s (output truncated)", res.ExitCode, res.Duration.Round(time.Millisecond))
	default:
		l.Printf("exit %d in %s", res.ExitCode, res.Duration.Round(time.Millisecond))
	}
}

func (l *opLog) Close() error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.file.Close()
}
