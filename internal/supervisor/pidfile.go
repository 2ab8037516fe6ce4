package supervisor

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// PIDRecord is the JSON metadata written after the pid line, enough to tell
// on the next boot which project a stale pidfile belonged to.
type PIDRecord struct {
	ProjectID int64     `json:"project_id"`
	Name      string    `json:"name"`
	Dir       string    `json:"dir"`
	StartedAt time.Time `json:"started_at"`
}

func writePIDFile(path string, pid int, rec PIDRecord) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return err
	}
	meta, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	data := fmt.Sprintf("%d\n%s\n", pid, meta)
	return os.WriteFile(path, []byte(data), 0o600)
}

// ReadPIDFile reads a pidfile written by the supervisor. It returns the pid
// and, when the metadata line parses, the record that follows.
func ReadPIDFile(path string) (int, *PIDRecord, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return 0, nil, err
	}
	pidLine, rest, _ := strings.Cut(string(b), "\n")
	pid, err := strconv.Atoi(strings.TrimSpace(pidLine))
	if err != nil {
		return 0, nil, fmt.Errorf("malformed pidfile %s: %w", path, err)
	}
	rest = strings.TrimSpace(rest)
	if rest == "" {
		return pid, nil, nil
	}
	var rec PIDRecord
	if err := json.Unmarshal([]byte(rest), &rec); err != nil {
		return pid, nil, nil
	}
	return pid, &rec, nil
}
