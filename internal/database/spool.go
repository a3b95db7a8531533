package database

import (
	"compress/gzip"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// SpoolArtifact is the on-disk fallback for a run whose metrics could not be
// uploaded: all balancing-cycle records plus enough context to replay the
// upload later.
type SpoolArtifact struct {
	Version int `json:"version"`

	CreatedAt time.Time `json:"created_at"`

	RunName string `json:"run_name"`

	StartTime time.Time `json:"start_time"`
	EndTime   time.Time `json:"end_time"`

	Cycles []CycleRecord `json:"cycles"`
}

func DefaultSpoolDir() string {
	if v := strings.TrimSpace(os.Getenv("DEADLINE_SCHED_SPOOL_DIR")); v != "" {
		return v
	}
	return "spool"
}

// BuildSpoolArtifact packages a run's cycle records for spooling.
func BuildSpoolArtifact(runName string, records []CycleRecord, startTime, endTime time.Time) *SpoolArtifact {
	return &SpoolArtifact{
		Version:   1,
		CreatedAt: time.Now(),
		RunName:   runName,
		StartTime: startTime,
		EndTime:   endTime,
		Cycles:    records,
	}
}

// WriteSpoolArtifact writes a gzip-compressed JSON artifact to disk
// atomically. It returns the final file path.
func WriteSpoolArtifact(dir string, artifact *SpoolArtifact) (string, error) {
	if artifact == nil {
		return "", fmt.Errorf("spool artifact is nil")
	}
	if dir == "" {
		dir = DefaultSpoolDir()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}

	run := artifact.RunName
	if run == "" {
		run = "unnamed"
	}
	name := fmt.Sprintf(
		"run_%s_%s.json.gz",
		sanitizeRunName(run),
		artifact.CreatedAt.UTC().Format("20060102T150405Z"),
	)
	finalPath := filepath.Join(dir, name)

	tmp, err := os.CreateTemp(dir, name+".tmp.*")
	if err != nil {
		return "", err
	}
	tmpPath := tmp.Name()

	ok := false
	defer func() {
		_ = tmp.Close()
		if !ok {
			_ = os.Remove(tmpPath)
		}
	}()

	gz := gzip.NewWriter(tmp)
	enc := json.NewEncoder(gz)
	enc.SetIndent("", "  ")
	if err := enc.Encode(artifact); err != nil {
		_ = gz.Close()
		return "", err
	}
	if err := gz.Close(); err != nil {
		return "", err
	}
	if err := tmp.Sync(); err != nil {
		return "", err
	}
	if err := tmp.Close(); err != nil {
		return "", err
	}

	if err := os.Rename(tmpPath, finalPath); err != nil {
		return "", err
	}
	ok = true
	return finalPath, nil
}

func sanitizeRunName(name string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '-' || r == '_':
			return r
		default:
			return '_'
		}
	}, name)
}
