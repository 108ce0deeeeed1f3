package store

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chanspect/chanspect/pkg/models"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return New(db), mock
}

var postCols = []string{
	"post_id", "expert_id", "channel_id", "telegram_message_id",
	"channel_username", "author_name", "created_at", "message_text",
}

func postRow(rows *sqlmock.Rows, id int64, expertID string, msgID int64, created time.Time) *sqlmock.Rows {
	return rows.AddRow(id, expertID, int64(42), msgID, "chan", "author", created, "text")
}

func TestPostsForExpert(t *testing.T) {
	s, mock := newMockStore(t)
	now := time.Now()

	rows := sqlmock.NewRows(postCols)
	postRow(rows, 1, "e1", 101, now)
	postRow(rows, 2, "e1", 102, now.Add(-time.Hour))

	mock.ExpectQuery(`FROM posts p WHERE p\.expert_id = \$1 ORDER BY p\.created_at DESC`).
		WithArgs("e1").
		WillReturnRows(rows)

	posts, err := s.PostsForExpert(context.Background(), "e1", nil)
	require.NoError(t, err)
	require.Len(t, posts, 2)
	assert.Equal(t, int64(101), posts[0].TelegramMessageID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostsForExpert_RecencyCutoff(t *testing.T) {
	s, mock := newMockStore(t)
	since := time.Now().Add(-90 * 24 * time.Hour)

	mock.ExpectQuery(`AND p\.created_at >= \$2`).
		WithArgs("e1", since).
		WillReturnRows(sqlmock.NewRows(postCols))

	posts, err := s.PostsForExpert(context.Background(), "e1", &since)
	require.NoError(t, err)
	assert.Empty(t, posts)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestExpandLinks_TwoLevelsWithCycle(t *testing.T) {
	s, mock := newMockStore(t)
	now := time.Now()

	// Level 1: post 1 links to posts 2 and 1 (self-cycle is filtered by the
	// visited set, not by SQL).
	level1 := sqlmock.NewRows(postCols)
	postRow(level1, 2, "e1", 202, now)
	postRow(level1, 1, "e1", 201, now)
	mock.ExpectQuery(`l\.source_post_id IN \(\$2\)`).
		WithArgs("e1", int64(1)).
		WillReturnRows(level1)

	// Level 2: post 2 links back to post 1 — already visited, nothing new.
	level2 := sqlmock.NewRows(postCols)
	postRow(level2, 1, "e1", 201, now)
	mock.ExpectQuery(`l\.source_post_id IN \(\$2\)`).
		WithArgs("e1", int64(2)).
		WillReturnRows(level2)

	posts, err := s.ExpandLinks(context.Background(), []int64{1}, "e1", 2, nil)
	require.NoError(t, err)
	require.Len(t, posts, 1)
	assert.Equal(t, int64(2), posts[0].PostID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestExpandLinks_EmptySeed(t *testing.T) {
	s, _ := newMockStore(t)
	posts, err := s.ExpandLinks(context.Background(), nil, "e1", 2, nil)
	require.NoError(t, err)
	assert.Empty(t, posts)
}

func TestDriftGroupsForExpert(t *testing.T) {
	s, mock := newMockStore(t)
	now := time.Now()

	rows := sqlmock.NewRows([]string{
		"post_id", "telegram_message_id", "expert_id", "channel_username",
		"message_text", "created_at", "drift_topics", "analyzed_by",
	}).AddRow(int64(200), int64(300), "e1", "chan", "anchor", now,
		[]byte(`{"has_drift":true,"drift_topics":[{"topic":"scaling","keywords":["gpu"]}]}`), "gemini-2.5")

	mock.ExpectQuery(`AND d\.post_id NOT IN \(\$3, \$4\)`).
		WithArgs("e1", models.AnalyzedByPending, int64(101), int64(103)).
		WillReturnRows(rows)

	groups, err := s.DriftGroupsForExpert(context.Background(), "e1", []int64{101, 103}, nil)
	require.NoError(t, err)
	require.Len(t, groups, 1)
	assert.True(t, groups[0].HasDrift)
	require.Len(t, groups[0].Topics, 1)
	assert.Equal(t, "scaling", groups[0].Topics[0].Topic)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDriftGroupsForExpert_RejectsLegacyArray(t *testing.T) {
	s, mock := newMockStore(t)
	now := time.Now()

	rows := sqlmock.NewRows([]string{
		"post_id", "telegram_message_id", "expert_id", "channel_username",
		"message_text", "created_at", "drift_topics", "analyzed_by",
	}).AddRow(int64(200), int64(300), "e1", "chan", "anchor", now,
		[]byte(`[{"topic":"legacy"}]`), "gemini-2.5")

	mock.ExpectQuery(`FROM comment_group_drift`).
		WithArgs("e1", models.AnalyzedByPending).
		WillReturnRows(rows)

	_, err := s.DriftGroupsForExpert(context.Background(), "e1", nil, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "legacy drift_topics array")
}

func TestGetExpert_NotFound(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery(`FROM expert_metadata WHERE expert_id = \$1`).
		WithArgs("ghost").
		WillReturnRows(sqlmock.NewRows([]string{"expert_id", "display_name", "channel_username"}))

	_, err := s.GetExpert(context.Background(), "ghost")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPostWithComments_ScopedByExpert(t *testing.T) {
	s, mock := newMockStore(t)

	// The post exists but under another expert: the scoped query returns no
	// rows and the caller sees ErrNotFound.
	mock.ExpectQuery(`WHERE p\.post_id = \$1 AND p\.expert_id = \$2`).
		WithArgs(int64(7), "e1").
		WillReturnRows(sqlmock.NewRows(postCols))

	_, err := s.PostWithComments(context.Background(), 7, "e1")
	assert.ErrorIs(t, err, ErrNotFound)
}
