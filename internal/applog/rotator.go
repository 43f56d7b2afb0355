package applog

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

const dateLayout = "2006-01-02"

// FileName is the log file a component writes on the given day, for example
// "tabsync-relay-2026-03-01.log".
func FileName(component string, day time.Time) string {
	return fmt.Sprintf("tabsync-%s-%s.log", component, day.Format(dateLayout))
}

// Rotator appends to one file per component per day. The relay and every
// joined context run as separate processes, so each gets its own file
// instead of interleaving lines in a shared one.
type Rotator struct {
	dir       string
	component string
	keepDays  int

	mu   sync.Mutex
	day  string
	file *os.File
	now  func() time.Time
}

// NewRotator writes component's log into dir. Files dated more than
// keepDays-1 days before today are removed on rotation; keepDays <= 0 keeps
// everything.
func NewRotator(dir, component string, keepDays int) *Rotator {
	return &Rotator{dir: dir, component: component, keepDays: keepDays, now: time.Now}
}

func (r *Rotator) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	if day := now.Format(dateLayout); day != r.day {
		if err := r.openDay(now); err != nil {
			return 0, err
		}
	}
	return r.file.Write(p)
}

func (r *Rotator) openDay(now time.Time) error {
	if r.file != nil {
		r.file.Close()
		r.file = nil
	}
	f, err := os.OpenFile(filepath.Join(r.dir, FileName(r.component, now)), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	r.file = f
	r.day = now.Format(dateLayout)
	r.removeExpired(now)
	return nil
}

// removeExpired deletes this component's files older than the window.
// Other components' files and names that do not parse are left alone.
func (r *Rotator) removeExpired(now time.Time) {
	if r.keepDays <= 0 {
		return
	}
	today, _ := time.Parse(dateLayout, now.Format(dateLayout))
	oldest := today.AddDate(0, 0, -(r.keepDays - 1))

	prefix := "tabsync-" + r.component + "-"
	matches, _ := filepath.Glob(filepath.Join(r.dir, prefix+"*.log"))
	for _, path := range matches {
		stamp := strings.TrimSuffix(strings.TrimPrefix(filepath.Base(path), prefix), ".log")
		day, err := time.Parse(dateLayout, stamp)
		if err != nil {
			continue
		}
		if day.Before(oldest) {
			os.Remove(path)
		}
	}
}

// Close closes the current file. A later Write reopens it.
func (r *Rotator) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.file == nil {
		return nil
	}
	err := r.file.Close()
	r.file = nil
	r.day = ""
	return err
}
