// Integration tests for the store layer against a real PostgreSQL.
// Uses a testcontainer locally and CI_DATABASE_URL in CI.
package integration

import (
	"context"
	stdsql "database/sql"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	testdb "github.com/chanspect/chanspect/test/database"

	"github.com/chanspect/chanspect/pkg/store"
)

func seedCorpus(t *testing.T, db *stdsql.DB) {
	t.Helper()
	ctx := context.Background()

	exec := func(query string, args ...any) {
		_, err := db.ExecContext(ctx, query, args...)
		require.NoError(t, err)
	}

	exec(`INSERT INTO expert_metadata (expert_id, display_name, channel_username) VALUES
		('e1', 'Alice', 'alice_channel'),
		('e2', 'Bob', 'bob_channel'),
		('e3', 'Carol', 'carol_channel')`)

	// e1 owns posts 1-4, e2 owns post 5. Post 4 is older than the others.
	now := time.Now().UTC().Truncate(time.Second)
	old := now.Add(-120 * 24 * time.Hour)
	exec(`INSERT INTO posts (post_id, expert_id, channel_id, telegram_message_id, created_at, message_text, channel_username) VALUES
		(1, 'e1', 10, 101, $1, 'go caching patterns', 'alice_channel'),
		(2, 'e1', 10, 102, $2, 'sharding follow-up', 'alice_channel'),
		(3, 'e1', 10, 103, $3, 'replication basics', 'alice_channel'),
		(4, 'e1', 10, 104, $4, 'ancient post', 'alice_channel'),
		(5, 'e2', 20, 201, $1, 'kubernetes networking', 'bob_channel')`,
		now, now.Add(-time.Hour), now.Add(-2*time.Hour), old)

	exec(`INSERT INTO comments (post_id, telegram_comment_id, author_name, created_at, comment_text) VALUES
		(1, 1001, 'reader', $1, 'what about redis?'),
		(1, 1002, 'alice', $2, 'covered next week')`,
		now.Add(-30*time.Minute), now.Add(-20*time.Minute))

	// Link chain with a cycle: 1 -> 2 -> 3 -> 1, plus a cross-expert link
	// 1 -> 5 that must never surface in e1's corpus.
	exec(`INSERT INTO links (source_post_id, target_post_id, link_type) VALUES
		(1, 2, 'reply'),
		(2, 3, 'forward'),
		(3, 1, 'mention'),
		(1, 5, 'mention')`)

	exec(`INSERT INTO comment_group_drift (post_id, expert_id, has_drift, drift_topics, analyzed_by) VALUES
		(1, 'e1', TRUE, '{"has_drift": true, "drift_topics": [{"topic": "redis vs memcached", "keywords": ["redis"]}]}', 'analyzer-v2'),
		(2, 'e1', TRUE, '{"has_drift": true, "drift_topics": [{"topic": "consistent hashing"}]}', 'analyzer-v2'),
		(3, 'e1', TRUE, '{"has_drift": true, "drift_topics": []}', 'pending')`)
}

func TestStoreIntegration(t *testing.T) {
	client := testdb.NewTestClient(t)
	seedCorpus(t, client.DB())

	st := store.New(client.DB())
	ctx := context.Background()

	t.Run("posts scoped to expert newest first", func(t *testing.T) {
		posts, err := st.PostsForExpert(ctx, "e1", nil)
		require.NoError(t, err)
		require.Len(t, posts, 4)
		assert.Equal(t, int64(1), posts[0].PostID)
		for _, p := range posts {
			assert.Equal(t, "e1", p.ExpertID)
		}
	})

	t.Run("recency cutoff drops old posts", func(t *testing.T) {
		since := time.Now().UTC().Add(-90 * 24 * time.Hour)
		posts, err := st.PostsForExpert(ctx, "e1", &since)
		require.NoError(t, err)
		assert.Len(t, posts, 3)
		for _, p := range posts {
			assert.NotEqual(t, int64(4), p.PostID)
		}
	})

	t.Run("link expansion bounded with cycle and expert scope", func(t *testing.T) {
		expanded, err := st.ExpandLinks(ctx, []int64{1}, "e1", 2, nil)
		require.NoError(t, err)
		// Depth 1 reaches post 2; depth 2 reaches post 3. The cycle back to
		// post 1 and the cross-expert link to post 5 are both excluded.
		require.Len(t, expanded, 2)
		ids := []int64{expanded[0].PostID, expanded[1].PostID}
		assert.ElementsMatch(t, []int64{2, 3}, ids)
	})

	t.Run("post with comments ordered oldest first", func(t *testing.T) {
		post, err := st.PostWithComments(ctx, 1, "e1")
		require.NoError(t, err)
		assert.Equal(t, "go caching patterns", post.MessageText)
		require.Len(t, post.Comments, 2)
		assert.Equal(t, "what about redis?", post.Comments[0].Text)
	})

	t.Run("post from another expert is not found", func(t *testing.T) {
		_, err := st.PostWithComments(ctx, 5, "e1")
		assert.ErrorIs(t, err, store.ErrNotFound)
	})

	t.Run("drift groups exclude anchors and pending rows", func(t *testing.T) {
		groups, err := st.DriftGroupsForExpert(ctx, "e1", []int64{1}, nil)
		require.NoError(t, err)
		// Post 1 excluded by the caller, post 3 still pending.
		require.Len(t, groups, 1)
		assert.Equal(t, int64(2), groups[0].AnchorPostID)
		require.Len(t, groups[0].Topics, 1)
		assert.Equal(t, "consistent hashing", groups[0].Topics[0].Topic)
	})

	t.Run("experts with posts excludes empty corpus", func(t *testing.T) {
		experts, err := st.ExpertsWithPosts(ctx, nil)
		require.NoError(t, err)
		require.Len(t, experts, 2)
		assert.Equal(t, "e1", experts[0].ExpertID)
		assert.Equal(t, "e2", experts[1].ExpertID)
	})

	t.Run("expert listing carries corpus stats", func(t *testing.T) {
		experts, err := st.ListExperts(ctx)
		require.NoError(t, err)
		require.Len(t, experts, 3)
		assert.Equal(t, 4, experts[0].Stats.PostsCount)
		assert.Equal(t, 2, experts[0].Stats.CommentsCount)
		assert.Equal(t, 0, experts[2].Stats.PostsCount)
	})

	t.Run("missing expert", func(t *testing.T) {
		_, err := st.GetExpert(ctx, "ghost")
		assert.True(t, errors.Is(err, store.ErrNotFound))
	})
}
