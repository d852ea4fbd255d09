// Package utilities holds the raw frame journal: one hex line per frame,
// one file per day.
package utilities

import (
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const journalPrefix = "ALLTRACKINGS"

type FrameJournal struct {
	dir string
	now func() time.Time

	mu  sync.Mutex
	day string
	f   *os.File
}

// NewFrameJournal creates dir if needed. Files are opened lazily on the
// first write of each day.
func NewFrameJournal(dir string) (*FrameJournal, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create journal dir: %w", err)
	}
	return &FrameJournal{dir: dir, now: time.Now}, nil
}

func (j *FrameJournal) path(day string) string {
	return filepath.Join(j.dir, journalPrefix+"_"+day+".log")
}

// Write appends "hh:mm:ss - remote - hex" for one frame.
func (j *FrameJournal) Write(remote string, frame []byte) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	t := j.now()
	day := t.Format("20060102")
	if j.f == nil || day != j.day {
		if j.f != nil {
			_ = j.f.Close()
			j.f = nil
		}
		f, err := os.OpenFile(j.path(day), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return fmt.Errorf("open journal: %w", err)
		}
		j.f, j.day = f, day
	}

	line := t.Format("15:04:05") + " - " + remote + " - " + hex.EncodeToString(frame) + "\n"
	if _, err := j.f.WriteString(line); err != nil {
		return fmt.Errorf("write journal: %w", err)
	}
	return nil
}

func (j *FrameJournal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.f == nil {
		return nil
	}
	err := j.f.Close()
	j.f = nil
	return err
}
