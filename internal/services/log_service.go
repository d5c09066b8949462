package services

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/moyanhui/webtm/backend/internal/config"
)

// LogService exposes the rotated application log files to the console.
type LogService struct {
	cfg config.Config
}

func NewLogService(cfg config.Config) *LogService {
	return &LogService{cfg: cfg}
}

type LogFile struct {
	Name     string    `json:"name"`
	Size     int64     `json:"size"`
	Modified time.Time `json:"modified"`
}

// ListLogs returns the .log files in the log directory, newest first.
func (s *LogService) ListLogs() ([]LogFile, error) {
	entries, err := os.ReadDir(s.cfg.LogDir())
	if err != nil {
		if os.IsNotExist(err) {
			return []LogFile{}, nil
		}
		return nil, fmt.Errorf("read log directory: %w", err)
	}

	logs := []LogFile{}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".log") {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		logs = append(logs, LogFile{
			Name:     entry.Name(),
			Size:     info.Size(),
			Modified: info.ModTime(),
		})
	}

	for i := 0; i < len(logs); i++ {
		for j := i + 1; j < len(logs); j++ {
			if logs[j].Modified.After(logs[i].Modified) {
				logs[i], logs[j] = logs[j], logs[i]
			}
		}
	}
	return logs, nil
}

// ReadLog returns the last n lines of a log file. The name must be a bare
// .log filename; anything that could leave the log directory is rejected.
func (s *LogService) ReadLog(name string, n int) ([]string, error) {
	if name != filepath.Base(name) || !strings.HasSuffix(name, ".log") {
		return nil, fmt.Errorf("invalid log name %q", name)
	}

	f, err := os.Open(filepath.Join(s.cfg.LogDir(), name))
	if err != nil {
		return nil, fmt.Errorf("open log: %w", err)
	}
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
		if len(lines) > n {
			lines = lines[1:]
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read log: %w", err)
	}
	return lines, nil
}
