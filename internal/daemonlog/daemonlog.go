// Package daemonlog sets up the daemon's logging exactly the way the
// teacher's main.go does it -- a timestamped log file under a logs
// directory, multi-written to stdout, with a background sweep that
// deletes entries older than a configurable retention window instead
// of the teacher's hardcoded 30 days.
package daemonlog

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"
)

// Logger owns the open log file and the retention sweep goroutine.
type Logger struct {
	file      *os.File
	dir       string
	retention time.Duration
	stop      chan struct{}
}

// Open creates logDir if needed, opens a fresh timestamped log file,
// and starts multi-writing stdlib log output to both stdout and the
// file. retention defaults to 30 days, matching the teacher, when
// zero.
func Open(logDir string, retention time.Duration) (*Logger, error) {
	if retention <= 0 {
		retention = 30 * 24 * time.Hour
	}
	if err := os.MkdirAll(logDir, 0755); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}

	timestamp := time.Now().Format("2006-01-02_15-04-05")
	logFileName := fmt.Sprintf("annunciator_%s.log", timestamp)
	logFilePath := filepath.Join(logDir, logFileName)

	file, err := os.OpenFile(logFilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}

	log.SetOutput(io.MultiWriter(os.Stdout, file))
	log.Printf("=== annunciator started ===")
	log.Printf("platform: %s/%s", runtime.GOOS, runtime.GOARCH)
	log.Printf("log file: %s", logFilePath)
	log.Printf("log retention: %s", retention)
	log.Printf("============================")

	l := &Logger{file: file, dir: logDir, retention: retention, stop: make(chan struct{})}
	go l.sweepLoop()
	return l, nil
}

func (l *Logger) sweepLoop() {
	if err := l.sweep(); err != nil {
		log.Printf("warning: log cleanup failed: %v", err)
	}
	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := l.sweep(); err != nil {
				log.Printf("warning: log cleanup failed: %v", err)
			}
		case <-l.stop:
			return
		}
	}
}

func (l *Logger) sweep() error {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		return fmt.Errorf("read log directory: %w", err)
	}

	cutoff := time.Now().Add(-l.retention)
	deleted := 0
	for _, entry := range entries {
		if !strings.HasSuffix(entry.Name(), ".log") {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			log.Printf("warning: could not stat log file %s: %v", entry.Name(), err)
			continue
		}
		if info.ModTime().Before(cutoff) {
			path := filepath.Join(l.dir, entry.Name())
			if err := os.Remove(path); err != nil {
				log.Printf("warning: could not delete old log file %s: %v", entry.Name(), err)
				continue
			}
			deleted++
		}
	}
	if deleted > 0 {
		log.Printf("log cleanup: deleted %d file(s) older than %s", deleted, l.retention)
	}
	return nil
}

// Close flushes the shutdown banner and closes the log file.
func (l *Logger) Close() {
	close(l.stop)
	log.Printf("=== annunciator shutting down ===")
	l.file.Close()
}
