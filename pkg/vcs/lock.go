package vcs

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/smithers-run/smithers/pkg/serrors"
)

// LockTimeout is the default time Lock waits for a contested lock
// file before giving up (spec.md §6: "30-second timeout").
const LockTimeout = 30 * time.Second

// lockPollInterval governs how often Lock retries O_EXCL creation
// while waiting out a contested lock.
const lockPollInterval = 20 * time.Millisecond

// Lock is a held advisory lock on a repository's .lock file. Release
// must be called exactly once.
type Lock struct {
	path string
}

// Lock acquires the repository's advisory lock file (<repo>/.lock),
// polling with O_EXCL creation — portable, no cgo — until timeout
// elapses or ctx is cancelled (spec.md §6 "The overlay VCS repository
// ... is protected by an advisory lock file to prevent concurrent
// executions from stomping on each other").
func (r *Repo) Lock(ctx context.Context, timeout time.Duration) (*Lock, error) {
	if timeout <= 0 {
		timeout = LockTimeout
	}
	path := filepath.Join(r.Dir, ".lock")
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(lockPollInterval)
	defer ticker.Stop()

	for {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			fmt.Fprintf(f, "%d\n", os.Getpid())
			f.Close()
			return &Lock{path: path}, nil
		}
		if !os.IsExist(err) {
			return nil, serrors.NewStore(serrors.StoreSubkindIO, "vcs.Lock", err)
		}
		if time.Now().After(deadline) {
			return nil, serrors.NewStore(serrors.StoreSubkindIO, "vcs.Lock",
				fmt.Errorf("lock file %s held past %s timeout", path, timeout))
		}
		select {
		case <-ctx.Done():
			return nil, serrors.NewStore(serrors.StoreSubkindIO, "vcs.Lock", ctx.Err())
		case <-ticker.C:
		}
	}
}

// Release removes the lock file.
func (l *Lock) Release() error {
	err := os.Remove(l.path)
	if os.IsNotExist(err) {
		return nil
	}
	return err
}
