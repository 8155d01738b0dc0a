package sqlite

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/memva/memva/internal/domain"
)

func createPermission(t *testing.T, db *DB, p *domain.PermissionRequest) *domain.PermissionRequest {
	t.Helper()
	require.NoError(t, db.PermissionRepository().Create(context.Background(), p))
	return p
}

func TestPermissionRepository_CreateAndGet(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	seedSession(t, db, "sess-1")

	before := time.Now()
	perm := createPermission(t, db, &domain.PermissionRequest{
		SessionID: "sess-1",
		ToolName:  "Bash",
		ToolUseID: "tool-use-1",
		Input:     []byte(`{"command":"rm -rf build"}`),
	})
	require.NotEmpty(t, perm.ID)

	loaded, err := db.PermissionRepository().Get(ctx, perm.ID)
	require.NoError(t, err)
	require.Equal(t, domain.PermissionPending, loaded.Status)
	require.Equal(t, "Bash", loaded.ToolName)
	require.Equal(t, "tool-use-1", loaded.ToolUseID)
	require.JSONEq(t, `{"command":"rm -rf build"}`, string(loaded.Input))
	require.Nil(t, loaded.Decision)
	require.Nil(t, loaded.DecidedAt)
	require.WithinDuration(t, before.Add(domain.PermissionTTL), loaded.ExpiresAt, time.Second)
}

func TestPermissionRepository_CreateSupersedesPending(t *testing.T) {
	db := newTestDB(t)
	repo := db.PermissionRepository()
	ctx := context.Background()
	seedSession(t, db, "sess-1")
	seedSession(t, db, "sess-2")

	first := createPermission(t, db, &domain.PermissionRequest{SessionID: "sess-1", ToolName: "Bash"})
	other := createPermission(t, db, &domain.PermissionRequest{SessionID: "sess-2", ToolName: "Bash"})
	second := createPermission(t, db, &domain.PermissionRequest{SessionID: "sess-1", ToolName: "Edit"})

	loaded, err := repo.Get(ctx, first.ID)
	require.NoError(t, err)
	require.Equal(t, domain.PermissionSuperseded, loaded.Status)

	loaded, err = repo.Get(ctx, second.ID)
	require.NoError(t, err)
	require.Equal(t, domain.PermissionPending, loaded.Status)

	// Other sessions are untouched.
	loaded, err = repo.Get(ctx, other.ID)
	require.NoError(t, err)
	require.Equal(t, domain.PermissionPending, loaded.Status)

	pending, err := repo.List(ctx, PermissionFilter{SessionID: "sess-1", Status: domain.PermissionPending})
	require.NoError(t, err)
	require.Len(t, pending, 1, "at most one pending request per session")
}

func TestPermissionRepository_CreateUnknownSession(t *testing.T) {
	db := newTestDB(t)

	err := db.PermissionRepository().Create(context.Background(), &domain.PermissionRequest{
		SessionID: "missing",
		ToolName:  "Bash",
	})
	require.True(t, domain.IsNotFound(err))
}

func TestPermissionRepository_Decide(t *testing.T) {
	db := newTestDB(t)
	repo := db.PermissionRepository()
	ctx := context.Background()
	seedSession(t, db, "sess-1")

	perm := createPermission(t, db, &domain.PermissionRequest{SessionID: "sess-1", ToolName: "Bash"})

	decided, err := repo.Decide(ctx, perm.ID, domain.DecisionAllow)
	require.NoError(t, err)
	require.Equal(t, domain.PermissionApproved, decided.Status)
	require.NotNil(t, decided.Decision)
	require.Equal(t, domain.DecisionAllow, *decided.Decision)
	require.NotNil(t, decided.DecidedAt)

	// A second decision loses the guard and reports a conflict; the
	// stored row is unchanged.
	_, err = repo.Decide(ctx, perm.ID, domain.DecisionDeny)
	require.True(t, domain.IsConflict(err))

	loaded, err := repo.Get(ctx, perm.ID)
	require.NoError(t, err)
	require.Equal(t, domain.PermissionApproved, loaded.Status)
	require.Equal(t, domain.DecisionAllow, *loaded.Decision)
}

func TestPermissionRepository_DecideDeny(t *testing.T) {
	db := newTestDB(t)
	repo := db.PermissionRepository()
	ctx := context.Background()
	seedSession(t, db, "sess-1")

	perm := createPermission(t, db, &domain.PermissionRequest{SessionID: "sess-1", ToolName: "Bash"})

	decided, err := repo.Decide(ctx, perm.ID, domain.DecisionDeny)
	require.NoError(t, err)
	require.Equal(t, domain.PermissionDenied, decided.Status)
	require.Equal(t, domain.DecisionDeny, *decided.Decision)
}

func TestPermissionRepository_DecideMissing(t *testing.T) {
	db := newTestDB(t)

	_, err := db.PermissionRepository().Decide(context.Background(), "missing", domain.DecisionAllow)
	require.True(t, domain.IsNotFound(err))
}

func TestPermissionRepository_TransitionPending(t *testing.T) {
	db := newTestDB(t)
	repo := db.PermissionRepository()
	ctx := context.Background()
	seedSession(t, db, "sess-1")

	perm := createPermission(t, db, &domain.PermissionRequest{SessionID: "sess-1", ToolName: "Bash"})
	require.NoError(t, repo.TransitionPending(ctx, perm.ID, domain.PermissionTimeout))

	loaded, err := repo.Get(ctx, perm.ID)
	require.NoError(t, err)
	require.Equal(t, domain.PermissionTimeout, loaded.Status)
	require.Nil(t, loaded.Decision, "timeouts record no decision")
	require.Nil(t, loaded.DecidedAt)

	err = repo.TransitionPending(ctx, perm.ID, domain.PermissionCancelled)
	require.True(t, domain.IsConflict(err))
}

func TestPermissionRepository_ExpireOverdue(t *testing.T) {
	db := newTestDB(t)
	repo := db.PermissionRepository()
	ctx := context.Background()
	seedSession(t, db, "sess-1")
	seedSession(t, db, "sess-2")

	overdue := createPermission(t, db, &domain.PermissionRequest{
		SessionID: "sess-1",
		ToolName:  "Bash",
		ExpiresAt: time.Now().Add(-time.Minute),
	})
	fresh := createPermission(t, db, &domain.PermissionRequest{SessionID: "sess-2", ToolName: "Edit"})

	n, err := repo.ExpireOverdue(ctx, time.Now())
	require.NoError(t, err)
	require.Equal(t, 1, n)

	loaded, err := repo.Get(ctx, overdue.ID)
	require.NoError(t, err)
	require.Equal(t, domain.PermissionExpired, loaded.Status)

	loaded, err = repo.Get(ctx, fresh.ID)
	require.NoError(t, err)
	require.Equal(t, domain.PermissionPending, loaded.Status)
}

func TestPermissionRepository_SupersedePendingBefore(t *testing.T) {
	db := newTestDB(t)
	repo := db.PermissionRepository()
	ctx := context.Background()
	seedSession(t, db, "sess-1")

	perm := createPermission(t, db, &domain.PermissionRequest{SessionID: "sess-1", ToolName: "Bash"})

	// A user message arriving after the request invalidates it.
	n, err := repo.SupersedePendingBefore(ctx, "sess-1", time.Now().Add(time.Second))
	require.NoError(t, err)
	require.Equal(t, 1, n)

	loaded, err := repo.Get(ctx, perm.ID)
	require.NoError(t, err)
	require.Equal(t, domain.PermissionSuperseded, loaded.Status)

	// A message from before the request leaves it pending.
	later := createPermission(t, db, &domain.PermissionRequest{SessionID: "sess-1", ToolName: "Edit"})
	n, err = repo.SupersedePendingBefore(ctx, "sess-1", later.CreatedAt.Add(-time.Minute))
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestPermissionRepository_CancelPendingForSession(t *testing.T) {
	db := newTestDB(t)
	repo := db.PermissionRepository()
	ctx := context.Background()
	seedSession(t, db, "sess-1")

	perm := createPermission(t, db, &domain.PermissionRequest{SessionID: "sess-1", ToolName: "Bash"})

	n, err := repo.CancelPendingForSession(ctx, "sess-1")
	require.NoError(t, err)
	require.Equal(t, 1, n)

	loaded, err := repo.Get(ctx, perm.ID)
	require.NoError(t, err)
	require.Equal(t, domain.PermissionCancelled, loaded.Status)
}

func TestPermissionRepository_PendingCountsPerSession(t *testing.T) {
	db := newTestDB(t)
	repo := db.PermissionRepository()
	ctx := context.Background()
	seedSession(t, db, "sess-1")
	seedSession(t, db, "sess-2")
	seedSession(t, db, "sess-3")

	createPermission(t, db, &domain.PermissionRequest{SessionID: "sess-1", ToolName: "Bash"})
	decided := createPermission(t, db, &domain.PermissionRequest{SessionID: "sess-2", ToolName: "Edit"})
	_, err := repo.Decide(ctx, decided.ID, domain.DecisionDeny)
	require.NoError(t, err)

	counts, err := repo.PendingCountsPerSession(ctx, []string{"sess-1", "sess-2", "sess-3"})
	require.NoError(t, err)
	require.Equal(t, 1, counts["sess-1"])
	_, ok := counts["sess-2"]
	require.False(t, ok, "decided requests do not count")
	_, ok = counts["sess-3"]
	require.False(t, ok)

	empty, err := repo.PendingCountsPerSession(ctx, nil)
	require.NoError(t, err)
	require.Empty(t, empty)
}
