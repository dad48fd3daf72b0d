package backend

import (
	"context"

	"github.com/smartmob/pantarei/internal/acquisition"
)

// SnapshotFetcher loads the current snapshot for a selection: the latest
// acquisition of the line and station, as a list.
type SnapshotFetcher struct {
	client Client
}

// NewSnapshotFetcher wraps client.
func NewSnapshotFetcher(client Client) *SnapshotFetcher {
	return &SnapshotFetcher{client: client}
}

// Fetch is idempotent. An incomplete selection yields an empty list and no request.
func (f *SnapshotFetcher) Fetch(ctx context.Context, sel acquisition.Selection) ([]acquisition.Record, error) {
	if !sel.Valid() {
		return []acquisition.Record{}, nil
	}
	return f.client.LatestSingle(ctx, sel)
}
