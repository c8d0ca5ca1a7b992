package git

import (
	"context"

	"github.com/google/uuid"

	"github.com/jnoller/racer/internal/workspace"
)

// Fetcher clones remote repositories into isolated workspace directories.
type Fetcher struct {
	ws *workspace.Manager
}

// NewFetcher constructs a Fetcher on top of a workspace manager.
func NewFetcher(ws *workspace.Manager) *Fetcher {
	return &Fetcher{ws: ws}
}

// Fetch clones repoURL into a fresh workspace and returns its path. A failed
// clone leaves no directory behind.
func (f *Fetcher) Fetch(ctx context.Context, repoURL string) (string, error) {
	dir, err := f.ws.Prepare(uuid.NewString()[:8])
	if err != nil {
		return "", err
	}
	if err := Clone(ctx, repoURL, dir); err != nil {
		_ = f.ws.Cleanup(dir)
		return "", err
	}
	return dir, nil
}
