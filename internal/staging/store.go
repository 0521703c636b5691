package staging

import (
	"context"

	"github.com/citymasterplan/geostore/internal/utils"
	"github.com/google/uuid"
)

const (
	msgNoApproval  = "No changes selected for approval"
	msgNoRejection = "No changes selected for rejection"
)

// Store is the staging area between an upload and the canonical table.
type Store interface {
	// Begin opens a session, clearing rows left by finished sessions.
	Begin(ctx context.Context, filename string) (uuid.UUID, error)
	// Stage bulk inserts rows into the session and returns how many landed.
	Stage(ctx context.Context, session uuid.UUID, rows []Row) (int, error)
	// Classify runs the diff engine for the session.
	Classify(ctx context.Context, session uuid.UUID) (Counts, error)
	// Center is the [lat, lng] centroid of the session's staged geometry.
	Center(ctx context.Context, session uuid.UUID) ([2]float64, bool, error)
	Finish(ctx context.Context, session uuid.UUID, outcome Outcome) error
	// LatestSession returns the newest session still awaiting review.
	LatestSession(ctx context.Context) (uuid.UUID, bool, error)
	Changes(ctx context.Context) ([]Change, error)
	Apply(ctx context.Context, ids []int, reviewer string) (ApplyResult, error)
	Reject(ctx context.Context, ids []int, reviewer string) (int, error)
}

func requireIDs(ids []int, message string) ([]int64, error) {
	if len(ids) == 0 {
		return nil, utils.Validation("%s", message)
	}
	seen := make(map[int]bool, len(ids))
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		if seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, int64(id))
	}
	return out, nil
}
