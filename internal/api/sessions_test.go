package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/memva/memva/internal/domain"
	"github.com/memva/memva/internal/events"
	"github.com/memva/memva/internal/testutil"
)

func TestCreateSession_DefaultsTitleToProjectDir(t *testing.T) {
	fx := newFixture(t)

	w := fx.serve(httptest.NewRequest(http.MethodPost, "/api/sessions",
		jsonBody(t, CreateSessionRequest{ProjectPath: "/home/alice/webapp"})))

	require.Equal(t, http.StatusCreated, w.Code)
	var created domain.Session
	decode(t, w, &created)
	assert.NotEmpty(t, created.ID)
	assert.Equal(t, "webapp", created.Title)
	assert.Equal(t, "/home/alice/webapp", created.ProjectPath)
	assert.Equal(t, domain.SessionActive, created.Status)
	assert.Equal(t, domain.ClaudeNotStarted, created.ClaudeStatus)

	stored, err := fx.db.SessionRepository().Get(context.Background(), created.ID)
	require.NoError(t, err)
	assert.Equal(t, created.Title, stored.Title)
}

func TestCreateSession_KeepsTitleAndSettings(t *testing.T) {
	fx := newFixture(t)
	maxTurns := 8
	mode := domain.PermissionModePlan

	w := fx.serve(httptest.NewRequest(http.MethodPost, "/api/sessions",
		jsonBody(t, CreateSessionRequest{
			Title:       "Checkout revamp",
			ProjectPath: "/home/alice/shop",
			Settings:    &domain.SessionSettings{MaxTurns: &maxTurns, PermissionMode: &mode},
		})))

	require.Equal(t, http.StatusCreated, w.Code)
	var created domain.Session
	decode(t, w, &created)
	assert.Equal(t, "Checkout revamp", created.Title)
	require.NotNil(t, created.Settings)
	require.NotNil(t, created.Settings.MaxTurns)
	assert.Equal(t, 8, *created.Settings.MaxTurns)
	require.NotNil(t, created.Settings.PermissionMode)
	assert.Equal(t, domain.PermissionModePlan, *created.Settings.PermissionMode)
}

func TestCreateSession_Validation(t *testing.T) {
	fx := newFixture(t)

	t.Run("missing project path", func(t *testing.T) {
		w := fx.serve(httptest.NewRequest(http.MethodPost, "/api/sessions",
			jsonBody(t, CreateSessionRequest{Title: "no path"})))

		require.Equal(t, http.StatusBadRequest, w.Code)
		var resp ErrorResponse
		decode(t, w, &resp)
		assert.Equal(t, "validation_error", resp.Code)
	})

	t.Run("bad settings", func(t *testing.T) {
		zero := 0
		w := fx.serve(httptest.NewRequest(http.MethodPost, "/api/sessions",
			jsonBody(t, CreateSessionRequest{
				ProjectPath: "/p",
				Settings:    &domain.SessionSettings{MaxTurns: &zero},
			})))

		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("malformed json", func(t *testing.T) {
		w := fx.serve(httptest.NewRequest(http.MethodPost, "/api/sessions",
			strings.NewReader(`{"project_path":`)))

		require.Equal(t, http.StatusBadRequest, w.Code)
		var resp ErrorResponse
		decode(t, w, &resp)
		assert.Equal(t, "invalid_json", resp.Code)
	})
}

func TestGetSession_NotFound(t *testing.T) {
	fx := newFixture(t)

	w := fx.serve(httptest.NewRequest(http.MethodGet, "/api/sessions/ghost", nil))

	require.Equal(t, http.StatusNotFound, w.Code)
	var resp ErrorResponse
	decode(t, w, &resp)
	assert.Equal(t, "not_found", resp.Code)
}

func TestUpdateSession_RenameAndArchive(t *testing.T) {
	fx := newFixture(t)
	testutil.NewBuilder(t, fx.db).WithSession("sess-1", testutil.Title("old name")).Build()

	title := "new name"
	w := fx.serve(httptest.NewRequest(http.MethodPatch, "/api/sessions/sess-1",
		jsonBody(t, UpdateSessionRequest{Title: &title})))
	require.Equal(t, http.StatusOK, w.Code)

	status := "archived"
	w = fx.serve(httptest.NewRequest(http.MethodPatch, "/api/sessions/sess-1",
		jsonBody(t, UpdateSessionRequest{Status: &status})))
	require.Equal(t, http.StatusOK, w.Code)

	var updated domain.Session
	decode(t, w, &updated)
	assert.Equal(t, "new name", updated.Title)
	assert.Equal(t, domain.SessionArchived, updated.Status)

	stored, err := fx.db.SessionRepository().Get(context.Background(), "sess-1")
	require.NoError(t, err)
	assert.Equal(t, "new name", stored.Title)
	assert.Equal(t, domain.SessionArchived, stored.Status)
}

func TestUpdateSession_Validation(t *testing.T) {
	fx := newFixture(t)
	testutil.NewBuilder(t, fx.db).WithSession("sess-1").Build()

	t.Run("empty title", func(t *testing.T) {
		title := ""
		w := fx.serve(httptest.NewRequest(http.MethodPatch, "/api/sessions/sess-1",
			jsonBody(t, UpdateSessionRequest{Title: &title})))
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("bad status", func(t *testing.T) {
		status := "paused"
		w := fx.serve(httptest.NewRequest(http.MethodPatch, "/api/sessions/sess-1",
			jsonBody(t, UpdateSessionRequest{Status: &status})))
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("unknown session", func(t *testing.T) {
		title := "x"
		w := fx.serve(httptest.NewRequest(http.MethodPatch, "/api/sessions/ghost",
			jsonBody(t, UpdateSessionRequest{Title: &title})))
		assert.Equal(t, http.StatusNotFound, w.Code)
	})
}

func TestListSessions_DecoratesSummaries(t *testing.T) {
	fx := newFixture(t)
	testutil.NewBuilder(t, fx.db).
		WithCompletedRun("sess-1", "agent-1").
		WithPermission("perm-1", "sess-1", "Bash").
		WithSession("sess-2", testutil.Archived()).
		Build()

	w := fx.serve(httptest.NewRequest(http.MethodGet, "/api/sessions", nil))

	require.Equal(t, http.StatusOK, w.Code)
	var resp ListSessionsResponse
	decode(t, w, &resp)
	require.Equal(t, 2, resp.Total)

	byID := make(map[string]SessionSummary, len(resp.Sessions))
	for _, s := range resp.Sessions {
		byID[s.ID] = s
	}

	active := byID["sess-1"]
	require.NotNil(t, active.Session)
	require.NotNil(t, active.LatestAssistantEvent)
	assert.Equal(t, "sess-1-assistant", active.LatestAssistantEvent.UUID)
	assert.Equal(t, 1, active.PendingPermissionCount)

	archived := byID["sess-2"]
	require.NotNil(t, archived.Session)
	assert.Nil(t, archived.LatestAssistantEvent)
	assert.Zero(t, archived.PendingPermissionCount)
}

func TestListSessions_FiltersByStatus(t *testing.T) {
	fx := newFixture(t)
	testutil.NewBuilder(t, fx.db).
		WithSession("sess-1").
		WithSession("sess-2", testutil.Archived()).
		Build()

	w := fx.serve(httptest.NewRequest(http.MethodGet, "/api/sessions?status=archived", nil))

	require.Equal(t, http.StatusOK, w.Code)
	var resp ListSessionsResponse
	decode(t, w, &resp)
	require.Equal(t, 1, resp.Total)
	assert.Equal(t, "sess-2", resp.Sessions[0].ID)

	w = fx.serve(httptest.NewRequest(http.MethodGet, "/api/sessions?status=paused", nil))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestListSessionEvents_Pages(t *testing.T) {
	fx := newFixture(t)
	testutil.NewBuilder(t, fx.db).WithCompletedRun("sess-1", "agent-1").Build()

	t.Run("visible history", func(t *testing.T) {
		w := fx.serve(httptest.NewRequest(http.MethodGet, "/api/sessions/sess-1/events", nil))

		require.Equal(t, http.StatusOK, w.Code)
		var page events.Page
		decode(t, w, &page)
		require.Len(t, page.Events, 3)
		assert.Equal(t, "sess-1-user", page.Events[0].UUID)
		assert.Equal(t, "sess-1-result", page.Events[2].UUID)
		assert.Equal(t, domain.ClaudeCompleted, page.SessionStatus)
		assert.False(t, page.HasMore)
		assert.Equal(t, "sess-1-result", page.LatestEventID)
	})

	t.Run("include hidden", func(t *testing.T) {
		w := fx.serve(httptest.NewRequest(http.MethodGet, "/api/sessions/sess-1/events?include_all=true", nil))

		require.Equal(t, http.StatusOK, w.Code)
		var page events.Page
		decode(t, w, &page)
		assert.Len(t, page.Events, 4)
	})

	t.Run("incremental since event", func(t *testing.T) {
		w := fx.serve(httptest.NewRequest(http.MethodGet, "/api/sessions/sess-1/events?since_event_id=sess-1-user", nil))

		require.Equal(t, http.StatusOK, w.Code)
		var page events.Page
		decode(t, w, &page)
		require.Len(t, page.Events, 2)
		assert.Equal(t, "sess-1-assistant", page.Events[0].UUID)
	})

	t.Run("limit leaves more", func(t *testing.T) {
		w := fx.serve(httptest.NewRequest(http.MethodGet, "/api/sessions/sess-1/events?limit=1", nil))

		require.Equal(t, http.StatusOK, w.Code)
		var page events.Page
		decode(t, w, &page)
		require.Len(t, page.Events, 1)
		assert.Equal(t, "sess-1-user", page.Events[0].UUID)
		assert.True(t, page.HasMore)
		assert.Equal(t, "sess-1-user", page.LatestEventID)
	})
}

func TestListSessionEvents_BadQuery(t *testing.T) {
	fx := newFixture(t)
	testutil.NewBuilder(t, fx.db).WithSession("sess-1").Build()

	for name, query := range map[string]string{
		"bad timestamp": "since_timestamp=yesterday",
		"bad bool":      "include_all=sure",
		"zero limit":    "limit=0",
	} {
		t.Run(name, func(t *testing.T) {
			w := fx.serve(httptest.NewRequest(http.MethodGet, "/api/sessions/sess-1/events?"+query, nil))
			assert.Equal(t, http.StatusBadRequest, w.Code)
		})
	}
}

func TestListSessionEvents_UnknownSession(t *testing.T) {
	fx := newFixture(t)

	w := fx.serve(httptest.NewRequest(http.MethodGet, "/api/sessions/ghost/events", nil))

	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestActiveJob_ReportsRun(t *testing.T) {
	fx := newFixture(t)
	testutil.NewBuilder(t, fx.db).
		WithActiveRun("sess-1").
		WithSession("sess-2").
		Build()

	t.Run("running session", func(t *testing.T) {
		w := fx.serve(httptest.NewRequest(http.MethodGet, "/api/sessions/sess-1/active-job", nil))

		require.Equal(t, http.StatusOK, w.Code)
		var resp ActiveJobResponse
		decode(t, w, &resp)
		require.NotNil(t, resp.Job)
		assert.Equal(t, "sess-1-job", resp.Job.ID)
		assert.Equal(t, domain.JobRunning, resp.Job.Status)
	})

	t.Run("idle session", func(t *testing.T) {
		w := fx.serve(httptest.NewRequest(http.MethodGet, "/api/sessions/sess-2/active-job", nil))

		require.Equal(t, http.StatusOK, w.Code)
		var resp ActiveJobResponse
		decode(t, w, &resp)
		assert.Nil(t, resp.Job)
	})

	t.Run("unknown session", func(t *testing.T) {
		w := fx.serve(httptest.NewRequest(http.MethodGet, "/api/sessions/ghost/active-job", nil))
		assert.Equal(t, http.StatusNotFound, w.Code)
	})
}

func TestSessionSettings_RoundTrip(t *testing.T) {
	fx := newFixture(t)
	testutil.NewBuilder(t, fx.db).WithSession("sess-1").Build()

	w := fx.serve(httptest.NewRequest(http.MethodGet, "/api/session/sess-1/settings", nil))
	require.Equal(t, http.StatusOK, w.Code)
	var resp SessionSettingsResponse
	decode(t, w, &resp)
	assert.Nil(t, resp.Settings)

	maxTurns := 7
	mode := domain.PermissionModePlan
	w = fx.serve(httptest.NewRequest(http.MethodPut, "/api/session/sess-1/settings",
		jsonBody(t, domain.SessionSettings{MaxTurns: &maxTurns, PermissionMode: &mode})))
	require.Equal(t, http.StatusOK, w.Code)

	w = fx.serve(httptest.NewRequest(http.MethodGet, "/api/session/sess-1/settings", nil))
	require.Equal(t, http.StatusOK, w.Code)
	decode(t, w, &resp)
	require.NotNil(t, resp.Settings)
	require.NotNil(t, resp.Settings.MaxTurns)
	assert.Equal(t, 7, *resp.Settings.MaxTurns)
	require.NotNil(t, resp.Settings.PermissionMode)
	assert.Equal(t, domain.PermissionModePlan, *resp.Settings.PermissionMode)
}

func TestSessionSettings_Validation(t *testing.T) {
	fx := newFixture(t)
	testutil.NewBuilder(t, fx.db).WithSession("sess-1").Build()

	t.Run("invalid max turns", func(t *testing.T) {
		zero := 0
		w := fx.serve(httptest.NewRequest(http.MethodPut, "/api/session/sess-1/settings",
			jsonBody(t, domain.SessionSettings{MaxTurns: &zero})))
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("invalid permission mode", func(t *testing.T) {
		mode := domain.PermissionMode("yolo")
		w := fx.serve(httptest.NewRequest(http.MethodPut, "/api/session/sess-1/settings",
			jsonBody(t, domain.SessionSettings{PermissionMode: &mode})))
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("unknown session", func(t *testing.T) {
		maxTurns := 5
		w := fx.serve(httptest.NewRequest(http.MethodPut, "/api/session/ghost/settings",
			jsonBody(t, domain.SessionSettings{MaxTurns: &maxTurns})))
		assert.Equal(t, http.StatusNotFound, w.Code)

		w = fx.serve(httptest.NewRequest(http.MethodGet, "/api/session/ghost/settings", nil))
		assert.Equal(t, http.StatusNotFound, w.Code)
	})
}

// Keeps the events page cache honest: a prompt appended after a full
// read must show up on the next full read.
func TestListSessionEvents_SeesFreshAppends(t *testing.T) {
	fx := newFixture(t)
	testutil.NewBuilder(t, fx.db).WithCompletedRun("sess-1", "agent-1").Build()

	w := fx.serve(httptest.NewRequest(http.MethodGet, "/api/sessions/sess-1/events", nil))
	require.Equal(t, http.StatusOK, w.Code)
	var page events.Page
	decode(t, w, &page)
	require.Len(t, page.Events, 3)

	_, err := fx.pipeline.AppendUserEvent(context.Background(), "sess-1", "and another thing")
	require.NoError(t, err)

	w = fx.serve(httptest.NewRequest(http.MethodGet, "/api/sessions/sess-1/events", nil))
	require.Equal(t, http.StatusOK, w.Code)
	decode(t, w, &page)
	assert.Len(t, page.Events, 4)
	if assert.NotNil(t, page.LatestTimestamp) {
		assert.WithinDuration(t, time.Now(), *page.LatestTimestamp, time.Minute)
	}
}
