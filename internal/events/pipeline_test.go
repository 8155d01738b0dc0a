package events

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/memva/memva/internal/domain"
	"github.com/memva/memva/internal/infrastructure/sqlite"
	"github.com/memva/memva/internal/testutil"
)

func newTestPipeline(t *testing.T) (*Pipeline, *sqlite.DB) {
	t.Helper()
	db := testutil.NewTestDB(t)
	return NewPipeline(db).WithStreamIntervals(10*time.Millisecond, time.Minute), db
}

func TestAppendUserEvent_FirstEventHasNilParent(t *testing.T) {
	pipeline, db := newTestPipeline(t)
	testutil.NewBuilder(t, db).WithSession("sess-1").Build()

	event, err := pipeline.AppendUserEvent(context.Background(), "sess-1", "Hello there")
	require.NoError(t, err)

	assert.NotEmpty(t, event.UUID)
	assert.Nil(t, event.ParentUUID)
	assert.Equal(t, domain.EventUser, event.EventType)
	assert.Equal(t, "sess-1", event.MemvaSessionID)
	assert.Equal(t, "/tmp/sess-1", event.CWD)
	assert.Equal(t, "sess-1", event.ProjectName)
	assert.True(t, event.Visible)
	assert.JSONEq(t, `{"type":"user","content":"Hello there"}`, string(event.Data))

	page, err := pipeline.ListForSession(context.Background(), "sess-1", ListOptions{})
	require.NoError(t, err)
	require.Len(t, page.Events, 1)
	assert.Equal(t, event.UUID, page.Events[0].UUID)
}

func TestAppendUserEvent_ChainsOntoLatest(t *testing.T) {
	pipeline, db := newTestPipeline(t)
	testutil.NewBuilder(t, db).WithCompletedRun("sess-1", "agent-1").Build()

	event, err := pipeline.AppendUserEvent(context.Background(), "sess-1", "Continue")
	require.NoError(t, err)

	require.NotNil(t, event.ParentUUID)
	assert.Equal(t, "sess-1-result", *event.ParentUUID)
}

func TestAppendUserEvent_EmptyPrompt(t *testing.T) {
	pipeline, db := newTestPipeline(t)
	testutil.NewBuilder(t, db).WithSession("sess-1").Build()

	_, err := pipeline.AppendUserEvent(context.Background(), "sess-1", "")
	assert.True(t, domain.IsValidation(err))

	_, err = pipeline.AppendUserEvent(context.Background(), "sess-1", "   \n\t")
	assert.True(t, domain.IsValidation(err))
}

func TestAppendUserEvent_UnknownSession(t *testing.T) {
	pipeline, _ := newTestPipeline(t)

	_, err := pipeline.AppendUserEvent(context.Background(), "ghost", "hello")
	assert.True(t, domain.IsNotFound(err))
}

func TestListForSession_FullHistoryExcludesHidden(t *testing.T) {
	pipeline, db := newTestPipeline(t)
	testutil.NewBuilder(t, db).WithCompletedRun("sess-1", "agent-1").Build()

	page, err := pipeline.ListForSession(context.Background(), "sess-1", ListOptions{})
	require.NoError(t, err)

	require.Len(t, page.Events, 3)
	assert.Equal(t, "sess-1-user", page.Events[0].UUID)
	assert.Equal(t, "sess-1-assistant", page.Events[1].UUID)
	assert.Equal(t, "sess-1-result", page.Events[2].UUID)
	assert.Equal(t, domain.ClaudeCompleted, page.SessionStatus)
	assert.False(t, page.HasMore)
	assert.Equal(t, "sess-1-result", page.LatestEventID)
	require.NotNil(t, page.LatestTimestamp)
	assert.Equal(t, page.Events[2].Timestamp, *page.LatestTimestamp)
}

func TestListForSession_IncludeAllReturnsHidden(t *testing.T) {
	pipeline, db := newTestPipeline(t)
	testutil.NewBuilder(t, db).WithCompletedRun("sess-1", "agent-1").Build()

	page, err := pipeline.ListForSession(context.Background(), "sess-1", ListOptions{IncludeAll: true})
	require.NoError(t, err)

	require.Len(t, page.Events, 4)
	assert.Equal(t, "sess-1-system", page.Events[1].UUID)
}

func TestListForSession_SinceEventUUID(t *testing.T) {
	pipeline, db := newTestPipeline(t)
	testutil.NewBuilder(t, db).WithCompletedRun("sess-1", "agent-1").Build()

	page, err := pipeline.ListForSession(context.Background(), "sess-1", ListOptions{
		SinceEventUUID: "sess-1-user",
	})
	require.NoError(t, err)

	require.Len(t, page.Events, 2)
	assert.Equal(t, "sess-1-assistant", page.Events[0].UUID)
	assert.Equal(t, "sess-1-result", page.Events[1].UUID)
	assert.Equal(t, "sess-1-result", page.LatestEventID)
}

func TestListForSession_SinceTimestamp(t *testing.T) {
	pipeline, db := newTestPipeline(t)
	base := time.Now().Add(-time.Minute)
	testutil.NewBuilder(t, db).
		WithSession("sess-1").
		WithEvent("ev-1", "sess-1", testutil.Timestamp(base)).
		WithEvent("ev-2", "sess-1", testutil.Timestamp(base.Add(time.Second))).
		WithEvent("ev-3", "sess-1", testutil.Timestamp(base.Add(2*time.Second))).
		Build()

	since := base.Add(500 * time.Millisecond)
	page, err := pipeline.ListForSession(context.Background(), "sess-1", ListOptions{
		SinceTimestamp: &since,
	})
	require.NoError(t, err)

	require.Len(t, page.Events, 2)
	assert.Equal(t, "ev-2", page.Events[0].UUID)
	assert.Equal(t, "ev-3", page.Events[1].UUID)
}

func TestListForSession_LimitAndHasMore(t *testing.T) {
	pipeline, db := newTestPipeline(t)
	base := time.Now().Add(-time.Minute)
	testutil.NewBuilder(t, db).
		WithSession("sess-1").
		WithEvent("ev-1", "sess-1", testutil.Timestamp(base)).
		WithEvent("ev-2", "sess-1", testutil.Timestamp(base.Add(time.Second))).
		WithEvent("ev-3", "sess-1", testutil.Timestamp(base.Add(2*time.Second))).
		Build()

	page, err := pipeline.ListForSession(context.Background(), "sess-1", ListOptions{Limit: 2})
	require.NoError(t, err)
	require.Len(t, page.Events, 2)
	assert.True(t, page.HasMore)
	assert.Equal(t, "ev-2", page.LatestEventID)

	next, err := pipeline.ListForSession(context.Background(), "sess-1", ListOptions{
		SinceEventUUID: page.LatestEventID, Limit: 2,
	})
	require.NoError(t, err)
	require.Len(t, next.Events, 1)
	assert.Equal(t, "ev-3", next.Events[0].UUID)
	assert.False(t, next.HasMore)
}

func TestListForSession_UnknownSession(t *testing.T) {
	pipeline, _ := newTestPipeline(t)

	_, err := pipeline.ListForSession(context.Background(), "ghost", ListOptions{})
	assert.True(t, domain.IsNotFound(err))
}

func TestListForSession_CachedReadSeesOwnAppends(t *testing.T) {
	pipeline, db := newTestPipeline(t)
	testutil.NewBuilder(t, db).WithSession("sess-1").Build()
	ctx := context.Background()

	_, err := pipeline.AppendUserEvent(ctx, "sess-1", "one")
	require.NoError(t, err)

	page, err := pipeline.ListForSession(ctx, "sess-1", ListOptions{})
	require.NoError(t, err)
	require.Len(t, page.Events, 1)

	// The first read warmed the cache; the append must invalidate it so
	// the next read is not served a stale page.
	_, err = pipeline.AppendUserEvent(ctx, "sess-1", "two")
	require.NoError(t, err)

	page, err = pipeline.ListForSession(ctx, "sess-1", ListOptions{})
	require.NoError(t, err)
	require.Len(t, page.Events, 2)
}

func TestLatestAssistantPerSession(t *testing.T) {
	pipeline, db := newTestPipeline(t)
	testutil.NewBuilder(t, db).
		WithCompletedRun("sess-1", "agent-1").
		WithCompletedRun("sess-2", "agent-2").
		WithSession("sess-3").
		Build()
	ctx := context.Background()

	snippets, err := pipeline.LatestAssistantPerSession(ctx, []string{"sess-1", "sess-2", "sess-3"})
	require.NoError(t, err)

	require.Len(t, snippets, 2)
	assert.Equal(t, "sess-1-assistant", snippets["sess-1"].UUID)
	assert.Equal(t, "sess-2-assistant", snippets["sess-2"].UUID)
	assert.NotContains(t, snippets, "sess-3")

	// Second call is served from the cache and must agree.
	again, err := pipeline.LatestAssistantPerSession(ctx, []string{"sess-1", "sess-2", "sess-3"})
	require.NoError(t, err)
	require.Len(t, again, 2)
	assert.Equal(t, "sess-1-assistant", again["sess-1"].UUID)
}

func TestLatestAssistantPerSession_NoSessions(t *testing.T) {
	pipeline, _ := newTestPipeline(t)

	snippets, err := pipeline.LatestAssistantPerSession(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, snippets)
}

func TestAppend_InvalidatesAssistantSnippet(t *testing.T) {
	pipeline, db := newTestPipeline(t)
	testutil.NewBuilder(t, db).WithCompletedRun("sess-1", "agent-1").Build()
	ctx := context.Background()

	snippets, err := pipeline.LatestAssistantPerSession(ctx, []string{"sess-1"})
	require.NoError(t, err)
	require.Equal(t, "sess-1-assistant", snippets["sess-1"].UUID)

	parent := "sess-1-result"
	err = pipeline.Append(ctx, &domain.Event{
		UUID:           "ev-newer",
		MemvaSessionID: "sess-1",
		EventType:      domain.EventAssistant,
		Timestamp:      time.Now().UTC(),
		ParentUUID:     &parent,
		Data:           []byte(`{"type":"assistant"}`),
		Visible:        true,
	})
	require.NoError(t, err)

	snippets, err = pipeline.LatestAssistantPerSession(ctx, []string{"sess-1"})
	require.NoError(t, err)
	assert.Equal(t, "ev-newer", snippets["sess-1"].UUID)
}

func TestCountsPerSession(t *testing.T) {
	pipeline, db := newTestPipeline(t)
	testutil.NewBuilder(t, db).
		WithCompletedRun("sess-1", "agent-1").
		WithSession("sess-2").
		Build()

	counts, err := pipeline.CountsPerSession(context.Background(), []string{"sess-1", "sess-2"})
	require.NoError(t, err)

	// Hidden protocol frames count too: the audit trail is four events.
	assert.Equal(t, 4, counts["sess-1"])
	assert.NotContains(t, counts, "sess-2")
}

func TestLatestEvent_SeesHiddenEvents(t *testing.T) {
	pipeline, db := newTestPipeline(t)
	base := time.Now().Add(-time.Minute)
	testutil.NewBuilder(t, db).
		WithSession("sess-1").
		WithEvent("ev-1", "sess-1", testutil.Timestamp(base)).
		WithEvent("ev-2", "sess-1", testutil.Timestamp(base.Add(time.Second)), testutil.Invisible()).
		Build()

	latest, err := pipeline.LatestEvent(context.Background(), "sess-1")
	require.NoError(t, err)
	assert.Equal(t, "ev-2", latest.UUID)
}

// TestProperty_UserEventsFormParentChain interleaves prompt appends
// across sessions and verifies each session's history is one unbroken
// chain: the first event has no parent, every later event points at its
// predecessor.
func TestProperty_UserEventsFormParentChain(t *testing.T) {
	rapid.Check(t, func(r *rapid.T) {
		pipeline, db := newTestPipeline(t)
		ctx := context.Background()

		numSessions := rapid.IntRange(1, 3).Draw(r, "numSessions")
		sessions := make([]string, numSessions)
		builder := testutil.NewBuilder(t, db)
		for i := range sessions {
			sessions[i] = fmt.Sprintf("sess-%d", i+1)
			builder.WithSession(sessions[i])
		}
		builder.Build()

		numEvents := rapid.IntRange(1, 20).Draw(r, "numEvents")
		for i := 0; i < numEvents; i++ {
			sessionID := sessions[rapid.IntRange(0, numSessions-1).Draw(r, "session")]
			prompt := rapid.StringMatching(`[a-z][a-z ]{0,39}`).Draw(r, "prompt")
			_, err := pipeline.AppendUserEvent(ctx, sessionID, prompt)
			require.NoError(t, err)
		}

		for _, sessionID := range sessions {
			page, err := pipeline.ListForSession(ctx, sessionID, ListOptions{})
			require.NoError(t, err)

			// INVARIANT: the chain is unbroken and stays inside the session.
			for i, event := range page.Events {
				require.Equal(t, sessionID, event.MemvaSessionID)
				if i == 0 {
					require.Nil(t, event.ParentUUID,
						"first event %s should have no parent", event.UUID)
					continue
				}
				require.NotNil(t, event.ParentUUID, "event %s lost its parent", event.UUID)
				require.Equal(t, page.Events[i-1].UUID, *event.ParentUUID,
					"event %s chained past its predecessor", event.UUID)
			}
		}
	})
}
