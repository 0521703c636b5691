package staging

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/citymasterplan/geostore/internal/crs"
	"github.com/citymasterplan/geostore/internal/parcels"
	"github.com/citymasterplan/geostore/internal/utils"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/twpayne/go-geom"
)

const (
	plotA = "MULTIPOLYGON (((39.6 11.8, 39.6 11.801, 39.601 11.801, 39.601 11.8, 39.6 11.8)))"
	plotB = "MULTIPOLYGON (((39.61 11.81, 39.61 11.811, 39.611 11.811, 39.611 11.81, 39.61 11.81)))"
)

func ptr[T any](v T) *T { return &v }

func polygonA() geom.T {
	return geom.NewPolygonFlat(geom.XY, []float64{
		39.6, 11.8, 39.6, 11.801, 39.601, 11.801, 39.601, 11.8, 39.6, 11.8,
	}, []int{10})
}

func canonicalParcel(id int, upin, owner string) parcels.Record {
	return parcels.Record{
		ID:         id,
		Attributes: parcels.Attributes{UPIN: ptr(upin), OwnerName: ptr(owner), LandUse: ptr("Residential")},
		Geometry:   polygonA(),
	}
}

func row(upin, owner, wkt string) Row {
	return Row{
		Attributes: parcels.Attributes{UPIN: ptr(upin), OwnerName: ptr(owner), LandUse: ptr("Residential")},
		WKT:        wkt,
		SRID:       crs.WGS84,
	}
}

func stage(t *testing.T, s *Memory, rows ...Row) uuid.UUID {
	t.Helper()
	ctx := context.Background()
	session, err := s.Begin(ctx, "parcels.zip")
	require.NoError(t, err)
	n, err := s.Stage(ctx, session, rows)
	require.NoError(t, err)
	require.Equal(t, len(rows), n)
	return session
}

func finish(t *testing.T, s *Memory, session uuid.UUID) {
	t.Helper()
	require.NoError(t, s.Finish(context.Background(), session, Outcome{Status: SessionStaged}))
}

func TestOwnerChangeIsModified(t *testing.T) {
	canonical := parcels.NewMemory(canonicalParcel(1, "WLD-7", "Abebe"))
	s := NewMemory(canonical)
	session := stage(t, s, row("WLD-7", "Almaz", plotA))

	counts, err := s.Classify(context.Background(), session)
	require.NoError(t, err)
	assert.Equal(t, Counts{Modified: 1}, counts)

	again, err := s.Classify(context.Background(), session)
	require.NoError(t, err)
	assert.Equal(t, counts, again, "re-running the diff is stable")
}

func TestUnchangedRowsAreNotCounted(t *testing.T) {
	canonical := parcels.NewMemory(canonicalParcel(1, "WLD-7", "Abebe"))
	s := NewMemory(canonical)
	session := stage(t, s, row("WLD-7", "Abebe", plotA))

	counts, err := s.Classify(context.Background(), session)
	require.NoError(t, err)
	assert.Equal(t, Counts{}, counts)
}

func TestGeometryChangeIsModified(t *testing.T) {
	canonical := parcels.NewMemory(canonicalParcel(1, "WLD-7", "Abebe"))
	s := NewMemory(canonical)
	session := stage(t, s, row("WLD-7", "Abebe", plotB))

	counts, err := s.Classify(context.Background(), session)
	require.NoError(t, err)
	assert.Equal(t, Counts{Modified: 1}, counts)
}

func TestNewAndDeleted(t *testing.T) {
	canonical := parcels.NewMemory(canonicalParcel(1, "WLD-1", "Abebe"), canonicalParcel(2, "WLD-2", "Kebede"))
	s := NewMemory(canonical)
	session := stage(t, s, row("WLD-1", "Abebe", plotA), row("WLD-3", "Sara", plotB))

	counts, err := s.Classify(context.Background(), session)
	require.NoError(t, err)
	assert.Equal(t, Counts{New: 1, Deleted: 1}, counts)

	again, err := s.Classify(context.Background(), session)
	require.NoError(t, err)
	assert.Equal(t, counts, again)
}

func TestRedetectAfterApplyProposesNothing(t *testing.T) {
	ctx := context.Background()
	canonical := parcels.NewMemory(canonicalParcel(1, "WLD-1", "Abebe"))
	s := NewMemory(canonical)
	session := stage(t, s, row("WLD-1", "Almaz", plotA), row("WLD-3", "Sara", plotB))

	counts, err := s.Classify(ctx, session)
	require.NoError(t, err)
	require.Equal(t, Counts{New: 1, Modified: 1}, counts)
	finish(t, s, session)

	changes, err := s.Changes(ctx)
	require.NoError(t, err)
	_, err = s.Apply(ctx, []int{changes[0].ID, changes[1].ID}, "surveyor")
	require.NoError(t, err)

	again, err := s.Classify(ctx, session)
	require.NoError(t, err)
	assert.Equal(t, Counts{}, again)
	pending, err := s.Changes(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)
	assert.Len(t, canonical.Snapshot(), 2)
}

func TestRedetectAfterRejectKeepsCanonical(t *testing.T) {
	ctx := context.Background()
	canonical := parcels.NewMemory(canonicalParcel(1, "WLD-1", "Abebe"), canonicalParcel(2, "WLD-2", "Kebede"))
	s := NewMemory(canonical)
	session := stage(t, s, row("WLD-1", "Almaz", plotA))

	counts, err := s.Classify(ctx, session)
	require.NoError(t, err)
	require.Equal(t, Counts{Modified: 1, Deleted: 1}, counts)
	finish(t, s, session)

	changes, err := s.Changes(ctx)
	require.NoError(t, err)
	require.Len(t, changes, 2)
	_, err = s.Reject(ctx, []int{changes[0].ID, changes[1].ID}, "surveyor")
	require.NoError(t, err)

	again, err := s.Classify(ctx, session)
	require.NoError(t, err)
	assert.Equal(t, Counts{}, again, "rejected rows stay rejected")
	pending, err := s.Changes(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestObjectIDMatchBeatsUPINMatch(t *testing.T) {
	byUPIN := canonicalParcel(1, "WLD-9", "Abebe")
	byObjectID := canonicalParcel(2, "OTHER", "Abebe")
	byObjectID.Attributes.ObjectID = ptr(int64(44))
	s := NewMemory(parcels.NewMemory(byUPIN, byObjectID))

	r := row("WLD-9", "Almaz", plotA)
	r.Attributes.ObjectID = ptr(int64(44))
	session := stage(t, s, r)
	finish(t, s, session)

	_, err := s.Classify(context.Background(), session)
	require.NoError(t, err)
	changes, err := s.Changes(context.Background())
	require.NoError(t, err)
	require.Len(t, changes, 1)
	assert.Equal(t, ChangeModified, changes[0].ChangeType)
	assert.Equal(t, 2, *changes[0].OriginalID)
}

func TestApplyNewModifiedDeleted(t *testing.T) {
	ctx := context.Background()
	canonical := parcels.NewMemory(canonicalParcel(1, "WLD-1", "Abebe"), canonicalParcel(2, "WLD-2", "Kebede"))
	s := NewMemory(canonical)
	session := stage(t, s, row("WLD-1", "Almaz", plotA), row("WLD-3", "Sara", plotB))
	_, err := s.Classify(ctx, session)
	require.NoError(t, err)
	finish(t, s, session)

	changes, err := s.Changes(ctx)
	require.NoError(t, err)
	require.Len(t, changes, 3)
	ids := make([]int, len(changes))
	for i, c := range changes {
		ids[i] = c.ID
	}

	res, err := s.Apply(ctx, ids, "surveyor")
	require.NoError(t, err)
	assert.Equal(t, ApplyResult{Inserted: 1, Updated: 1, Deleted: 1, Processed: 3}, res)

	snapshot := canonical.Snapshot()
	require.Len(t, snapshot, 2)
	assert.Equal(t, 1, snapshot[0].ID)
	assert.Equal(t, "Almaz", *snapshot[0].Attributes.OwnerName)
	assert.Equal(t, "WLD-3", *snapshot[1].Attributes.UPIN, "new row inserted, WLD-2 deleted")

	remaining, err := s.Changes(ctx)
	require.NoError(t, err)
	assert.Empty(t, remaining, "applied staging rows are gone")

	reviews := s.Reviews()
	require.Len(t, reviews, 1)
	assert.Equal(t, "applied", reviews[0].Action)
	assert.Equal(t, "surveyor", reviews[0].Reviewer)
}

func TestRejectIsIdempotent(t *testing.T) {
	ctx := context.Background()
	canonical := parcels.NewMemory(canonicalParcel(1, "WLD-1", "Abebe"))
	s := NewMemory(canonical)
	session := stage(t, s, row("WLD-5", "Sara", plotB))
	_, err := s.Classify(ctx, session)
	require.NoError(t, err)
	finish(t, s, session)

	changes, err := s.Changes(ctx)
	require.NoError(t, err)
	require.Len(t, changes, 2)
	ids := []int{changes[0].ID, changes[1].ID}

	n, err := s.Reject(ctx, ids, "surveyor")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = s.Reject(ctx, ids, "surveyor")
	require.NoError(t, err)
	assert.Zero(t, n)

	assert.Len(t, canonical.Snapshot(), 1, "rejection never touches canonical rows")
}

func TestEmptyIDListsAreRejected(t *testing.T) {
	ctx := context.Background()
	canonical := parcels.NewMemory(canonicalParcel(1, "WLD-1", "Abebe"))
	s := NewMemory(canonical)

	_, err := s.Apply(ctx, nil, "x")
	assert.EqualError(t, err, "No changes selected for approval")
	assert.Equal(t, 400, utils.StatusCode(err))

	_, err = s.Reject(ctx, []int{}, "x")
	assert.EqualError(t, err, "No changes selected for rejection")

	assert.Len(t, canonical.Snapshot(), 1)
	assert.Empty(t, s.Reviews())
}

func TestRequireIDsKeepsMessageVerbatim(t *testing.T) {
	_, err := requireIDs(nil, "100% of ids missing")
	assert.EqualError(t, err, "100% of ids missing")

	ids, err := requireIDs([]int{4, 2, 4}, msgNoApproval)
	require.NoError(t, err)
	assert.Equal(t, []int64{4, 2}, ids)
}

func TestBeginSupersedesFinishedSessions(t *testing.T) {
	ctx := context.Background()
	s := NewMemory(parcels.NewMemory())

	first := stage(t, s, row("A", "a", plotA))
	finish(t, s, first)

	inFlight := stage(t, s, row("B", "b", plotB))

	// Later uploads clear finished sessions but never one still processing.
	_, err := s.Begin(ctx, "third.zip")
	require.NoError(t, err)

	assert.Empty(t, s.sessionRows(first))
	assert.Len(t, s.sessionRows(inFlight), 1)
	assert.Equal(t, SessionSuperseded, s.sessions[first].Status)
	assert.Equal(t, SessionProcessing, s.sessions[inFlight].Status)
}

func TestAbandonedProcessingSessionIsCleared(t *testing.T) {
	now := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)
	s := NewMemory(parcels.NewMemory())
	s.now = func() time.Time { return now }

	stuck := stage(t, s, row("A", "a", plotA))
	now = now.Add(2 * time.Hour)
	_, err := s.Begin(context.Background(), "next.zip")
	require.NoError(t, err)
	assert.Empty(t, s.sessionRows(stuck))
}

func TestFailedSessionDropsRows(t *testing.T) {
	s := NewMemory(parcels.NewMemory())
	session := stage(t, s, row("A", "a", plotA))
	require.NoError(t, s.Finish(context.Background(), session, Outcome{Status: SessionFailed, Message: "boom"}))
	assert.Empty(t, s.sessionRows(session))

	_, ok, err := s.LatestSession(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCenterAndProjectedInput(t *testing.T) {
	ctx := context.Background()
	s := NewMemory(parcels.NewMemory())

	x, y, err := crs.FromWGS84(crs.Adindan37N, 39.6069, 11.8311)
	require.NoError(t, err)
	projected := Row{
		Attributes: parcels.Attributes{UPIN: ptr("UTM-1")},
		WKT:        "POINT (" + ftoa(x) + " " + ftoa(y) + ")",
		SRID:       crs.Adindan37N,
	}
	session := stage(t, s, projected)

	center, ok, err := s.Center(ctx, session)
	require.NoError(t, err)
	require.True(t, ok)
	assert.InDelta(t, 11.8311, center[0], 1e-6)
	assert.InDelta(t, 39.6069, center[1], 1e-6)

	empty, err := s.Begin(ctx, "empty.zip")
	require.NoError(t, err)
	_, ok, err = s.Center(ctx, empty)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestChangesListsOnlyStagedSessions(t *testing.T) {
	ctx := context.Background()
	s := NewMemory(parcels.NewMemory())
	session := stage(t, s, row("A", "a", plotA))
	_, err := s.Classify(ctx, session)
	require.NoError(t, err)

	changes, err := s.Changes(ctx)
	require.NoError(t, err)
	assert.Empty(t, changes, "session still processing")

	finish(t, s, session)
	changes, err = s.Changes(ctx)
	require.NoError(t, err)
	require.Len(t, changes, 1)

	props := changes[0].Feature().Properties.(ChangeProperties)
	assert.Equal(t, ChangeNew, props.ChangeType)
	assert.Equal(t, session, props.SessionID)
}

func ftoa(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
