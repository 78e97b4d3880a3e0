package install

import (
	"context"
	"os"
	"time"
)

// StagedSideloader waits for the host-side transfer service to stage a
// package at a fixed path, applies it, and removes the staged copy. The
// transfer itself is outside this process; all it leaves behind is the file.
type StagedSideloader struct {
	// StagePath is where the transfer lands, plus a ".done" marker that
	// appears once the file is complete.
	StagePath string
	Installer Installer

	// PollInterval defaults to half a second.
	PollInterval time.Duration
}

func (s *StagedSideloader) Sideload(ctx context.Context) (Result, error) {
	interval := s.PollInterval
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return Result{Status: StatusNone}, ctx.Err()
		case <-ticker.C:
		}

		if _, err := os.Stat(s.StagePath + ".done"); err != nil {
			continue
		}

		result, err := s.Installer.Install(ctx, s.StagePath)
		_ = os.Remove(s.StagePath)
		_ = os.Remove(s.StagePath + ".done")
		return result, err
	}
}
