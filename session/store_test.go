package session

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/deepnoodle-ai/relay/llm"
	"github.com/stretchr/testify/require"
)

func eachStore(t *testing.T, fn func(t *testing.T, store Store)) {
	t.Helper()
	t.Run("memory", func(t *testing.T) {
		fn(t, NewMemoryStore())
	})
	t.Run("sqlite", func(t *testing.T) {
		store, err := NewSQLiteStore(context.Background(), filepath.Join(t.TempDir(), "relay.db"), SQLiteStoreOptions{})
		require.NoError(t, err)
		t.Cleanup(func() { store.Close() })
		fn(t, store)
	})
}

func createSession(t *testing.T, store Store, id string) *Session {
	t.Helper()
	sess, err := store.CreateSession(context.Background(), &Session{ID: id, IsActive: true})
	require.NoError(t, err)
	return sess
}

func textMessage(id string, seq int, role llm.Role, text string) *Message {
	return &Message{
		SessionID:     id,
		Sequence:      seq,
		Role:          role,
		ContentBlocks: []llm.ContentBlock{llm.NewText(text)},
	}
}

func TestCreateAndGetSession(t *testing.T) {
	eachStore(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		created, err := store.CreateSession(ctx, &Session{
			ID:          "s1",
			WorkspaceID: "ws1",
			IsActive:    true,
			Metadata:    Metadata{Title: "First", Tags: []string{"a"}},
		})
		require.NoError(t, err)
		require.False(t, created.CreatedAt.IsZero())

		got, err := store.GetSession(ctx, "s1")
		require.NoError(t, err)
		require.Equal(t, "ws1", got.WorkspaceID)
		require.Equal(t, "First", got.Metadata.Title)
		require.Equal(t, []string{"a"}, got.Metadata.Tags)
		require.True(t, got.IsActive)
		require.Equal(t, 0, got.MessageCount)

		_, err = store.CreateSession(ctx, &Session{ID: "s1"})
		require.ErrorIs(t, err, ErrDuplicateSession)

		_, err = store.GetSession(ctx, "missing")
		require.ErrorIs(t, err, ErrSessionNotFound)

		_, err = store.CreateSession(ctx, &Session{ID: "../etc"})
		require.ErrorIs(t, err, ErrInvalidID)
	})
}

func TestNextSequenceIsGapless(t *testing.T) {
	eachStore(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		createSession(t, store, "s1")

		for i := 0; i < 4; i++ {
			seq, err := store.NextSequence(ctx, "s1")
			require.NoError(t, err)
			require.Equal(t, i, seq)
			role := llm.User
			if i%2 == 1 {
				role = llm.Assistant
			}
			require.NoError(t, store.AppendMessage(ctx, textMessage("s1", seq, role, fmt.Sprint(i))))
			require.NoError(t, store.IncrementMessageCount(ctx, "s1"))
		}

		messages, err := store.Messages(ctx, "s1")
		require.NoError(t, err)
		require.Len(t, messages, 4)
		for i, msg := range messages {
			require.Equal(t, i, msg.Sequence)
		}

		sess, err := store.GetSession(ctx, "s1")
		require.NoError(t, err)
		require.Equal(t, len(messages), sess.MessageCount)

		seq, err := store.NextSequence(ctx, "other")
		require.NoError(t, err)
		require.Equal(t, 0, seq)
	})
}

func TestAppendMessageConflict(t *testing.T) {
	eachStore(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		createSession(t, store, "s1")

		require.NoError(t, store.AppendMessage(ctx, textMessage("s1", 0, llm.User, "first")))
		err := store.AppendMessage(ctx, textMessage("s1", 0, llm.User, "second"))
		require.ErrorIs(t, err, ErrSequenceConflict)

		// The original message is not overwritten
		messages, err := store.Messages(ctx, "s1")
		require.NoError(t, err)
		require.Len(t, messages, 1)
		require.Equal(t, "first", llm.Text(messages[0].ContentBlocks))

		err = store.AppendMessage(ctx, textMessage("missing", 0, llm.User, "x"))
		require.ErrorIs(t, err, ErrSessionNotFound)
	})
}

func TestMessageRoundTripsUsage(t *testing.T) {
	eachStore(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		createSession(t, store, "s1")

		cost := 0.0042
		in, out := 12, 34
		duration := int64(1500)
		msg := &Message{
			SessionID: "s1",
			Sequence:  0,
			Role:      llm.Assistant,
			ContentBlocks: []llm.ContentBlock{
				llm.NewThinking("adding"),
				llm.NewToolUse("t1", "Bash", []byte(`{"command":"expr 2 + 2"}`)),
				llm.NewToolResult("t1", "4"),
				llm.NewText("4"),
			},
			DurationMS:   &duration,
			CostUSD:      &cost,
			InputTokens:  &in,
			OutputTokens: &out,
		}
		require.NoError(t, store.AppendMessage(ctx, msg))

		messages, err := store.Messages(ctx, "s1")
		require.NoError(t, err)
		require.Len(t, messages, 1)
		got := messages[0]
		require.Equal(t, llm.Assistant, got.Role)
		require.Len(t, got.ContentBlocks, 4)
		require.Equal(t, llm.ContentTypeToolUse, got.ContentBlocks[1].Type)
		require.Equal(t, "t1", got.ContentBlocks[2].ToolCallID)
		require.Equal(t, cost, *got.CostUSD)
		require.Equal(t, in, *got.InputTokens)
		require.Equal(t, out, *got.OutputTokens)
		require.Equal(t, duration, *got.DurationMS)
		require.True(t, got.HasUsage())
	})
}

func TestAddUsageCostReplacesTokensAdd(t *testing.T) {
	eachStore(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		createSession(t, store, "s1")

		require.NoError(t, store.AddUsage(ctx, "s1", 0.01, 10, 5))
		require.NoError(t, store.AddUsage(ctx, "s1", 0.03, 7, 2))

		sess, err := store.GetSession(ctx, "s1")
		require.NoError(t, err)
		require.Equal(t, 0.03, sess.TotalCostUSD)
		require.Equal(t, 17, sess.TotalInputTokens)
		require.Equal(t, 7, sess.TotalOutputTokens)

		require.ErrorIs(t, store.AddUsage(ctx, "missing", 1, 1, 1), ErrSessionNotFound)
		require.ErrorIs(t, store.IncrementMessageCount(ctx, "missing"), ErrSessionNotFound)
	})
}

func TestDeleteSessionCascades(t *testing.T) {
	eachStore(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		createSession(t, store, "s1")
		require.NoError(t, store.AppendMessage(ctx, textMessage("s1", 0, llm.User, "hi")))
		require.NoError(t, store.ReplaceReplayLines(ctx, "s1", []string{`{"a":1}`, `{"b":2}`}))

		existed, err := store.DeleteSession(ctx, "s1")
		require.NoError(t, err)
		require.True(t, existed)

		_, err = store.GetSession(ctx, "s1")
		require.ErrorIs(t, err, ErrSessionNotFound)
		messages, err := store.Messages(ctx, "s1")
		require.NoError(t, err)
		require.Empty(t, messages)
		lines, err := store.ReplayLines(ctx, "s1")
		require.NoError(t, err)
		require.Empty(t, lines)

		// Recreating the id starts from an empty history
		createSession(t, store, "s1")
		seq, err := store.NextSequence(ctx, "s1")
		require.NoError(t, err)
		require.Equal(t, 0, seq)

		existed, err = store.DeleteSession(ctx, "never")
		require.NoError(t, err)
		require.False(t, existed)
	})
}

func TestListSessions(t *testing.T) {
	eachStore(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
		for i := 0; i < 5; i++ {
			_, err := store.CreateSession(ctx, &Session{
				ID:          fmt.Sprintf("s%d", i),
				CreatedAt:   base.Add(time.Duration(i) * time.Minute),
				IsActive:    i != 2,
				WorkspaceID: map[bool]string{true: "ws"}[i >= 3],
			})
			require.NoError(t, err)
		}

		all, err := store.ListSessions(ctx, nil)
		require.NoError(t, err)
		ids := make([]string, len(all))
		for i, sess := range all {
			ids[i] = sess.ID
		}
		require.Equal(t, []string{"s4", "s3", "s1", "s0"}, ids)

		page, err := store.ListSessions(ctx, &ListOptions{Limit: 2, Offset: 1})
		require.NoError(t, err)
		require.Len(t, page, 2)
		require.Equal(t, "s3", page[0].ID)
		require.Equal(t, "s1", page[1].ID)

		threads, err := store.ListSessions(ctx, &ListOptions{WorkspaceID: "ws"})
		require.NoError(t, err)
		require.Len(t, threads, 2)

		empty, err := store.ListSessions(ctx, &ListOptions{Offset: 10})
		require.NoError(t, err)
		require.Empty(t, empty)
	})
}

func TestUpdateMetadata(t *testing.T) {
	eachStore(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		createSession(t, store, "s1")
		require.NoError(t, store.UpdateMetadata(ctx, "s1", Metadata{Title: "Renamed", Tags: []string{"x", "y"}}))

		sess, err := store.GetSession(ctx, "s1")
		require.NoError(t, err)
		require.Equal(t, "Renamed", sess.Metadata.Title)
		require.Equal(t, []string{"x", "y"}, sess.Metadata.Tags)

		require.ErrorIs(t, store.UpdateMetadata(ctx, "missing", Metadata{}), ErrSessionNotFound)
	})
}

func TestReplaceReplayLines(t *testing.T) {
	eachStore(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		createSession(t, store, "s1")

		require.NoError(t, store.ReplaceReplayLines(ctx, "s1", []string{"a", "b", "c"}))
		require.NoError(t, store.ReplaceReplayLines(ctx, "s1", []string{"x", "y"}))
		lines, err := store.ReplayLines(ctx, "s1")
		require.NoError(t, err)
		require.Equal(t, []string{"x", "y"}, lines)

		err = store.ReplaceReplayLines(ctx, "missing", []string{"x"})
		require.ErrorIs(t, err, ErrSessionNotFound)
	})
}

func TestConcurrentAppendsToDistinctSessions(t *testing.T) {
	eachStore(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		const n = 4
		for i := 0; i < n; i++ {
			createSession(t, store, fmt.Sprintf("s%d", i))
		}
		var wg sync.WaitGroup
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func(id string) {
				defer wg.Done()
				for j := 0; j < 5; j++ {
					seq, err := store.NextSequence(ctx, id)
					require.NoError(t, err)
					require.NoError(t, store.AppendMessage(ctx, textMessage(id, seq, llm.User, "m")))
				}
			}(fmt.Sprintf("s%d", i))
		}
		wg.Wait()
		for i := 0; i < n; i++ {
			seq, err := store.NextSequence(ctx, fmt.Sprintf("s%d", i))
			require.NoError(t, err)
			require.Equal(t, 5, seq)
		}
	})
}

func TestWorkspaces(t *testing.T) {
	eachStore(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		ws, err := store.CreateWorkspace(ctx, &Workspace{ID: "w1", Name: "Decks", SkillNames: []string{"pptx"}})
		require.NoError(t, err)
		require.False(t, ws.CreatedAt.IsZero())

		ws.SkillNames = append(ws.SkillNames, "csv")
		ws.Description = "slides"
		require.NoError(t, store.UpdateWorkspace(ctx, ws))

		got, err := store.GetWorkspace(ctx, "w1")
		require.NoError(t, err)
		require.Equal(t, []string{"pptx", "csv"}, got.SkillNames)
		require.Equal(t, "slides", got.Description)

		list, err := store.ListWorkspaces(ctx, 10, 0)
		require.NoError(t, err)
		require.Len(t, list, 1)

		existed, err := store.DeleteWorkspace(ctx, "w1")
		require.NoError(t, err)
		require.True(t, existed)
		_, err = store.GetWorkspace(ctx, "w1")
		require.ErrorIs(t, err, ErrWorkspaceNotFound)
		require.ErrorIs(t, store.UpdateWorkspace(ctx, ws), ErrWorkspaceNotFound)
	})
}
