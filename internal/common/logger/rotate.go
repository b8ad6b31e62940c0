package logger

import (
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap/zapcore"
)

// dailyFileSyncer writes to <dir>/YYYY-MM-DD.log and reopens the file when
// the date changes. Writes are serialized; the zap core already batches.
type dailyFileSyncer struct {
	dir     string
	mu      sync.Mutex
	file    *os.File
	curDate string
}

func newDailyFileSyncer(dir string) (zapcore.WriteSyncer, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	s := &dailyFileSyncer{dir: dir}
	if err := s.rotateLocked(time.Now()); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *dailyFileSyncer) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	if now.Format("2006-01-02") != s.curDate {
		if err := s.rotateLocked(now); err != nil {
			return 0, err
		}
	}
	return s.file.Write(p)
}

func (s *dailyFileSyncer) Sync() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	return s.file.Sync()
}

func (s *dailyFileSyncer) rotateLocked(now time.Time) error {
	date := now.Format("2006-01-02")
	file, err := os.OpenFile(
		filepath.Join(s.dir, date+".log"),
		os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	if s.file != nil {
		_ = s.file.Close()
	}
	s.file = file
	s.curDate = date
	return nil
}
