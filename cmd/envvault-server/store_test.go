package main

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seededMemoryRepo(t *testing.T) *memoryRepo {
	t.Helper()
	repo := newMemoryRepo()
	base := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	step := 0
	repo.now = func() time.Time {
		ts := base.Add(time.Duration(step) * time.Hour)
		step++
		return ts
	}
	records := []envRecord{
		{UserID: 1, UserName: "alice", RepoFullName: "alice/widget", RepoName: "widget", EnvName: ".env.a", Content: "ev1:a", IsEncrypted: true},
		{UserID: 1, UserName: "alice", RepoFullName: "alice/widget", RepoName: "widget", Directory: "api", EnvName: ".env.api", Content: "ev1:b", IsEncrypted: true},
		{UserID: 2, UserName: "bob", RepoFullName: "bob/service", RepoName: "service", EnvName: ".env", Content: "ev1:c", IsEncrypted: true},
		{UserID: 1, UserName: "alice", RepoFullName: "alice/widget", RepoName: "widget", EnvName: ".env.a", Content: "ev1:d", IsEncrypted: true},
	}
	for i := range records {
		_, err := repo.Insert(context.Background(), &records[i])
		require.NoError(t, err)
	}
	return repo
}

func TestMemoryRepoQueryFiltersByDirectory(t *testing.T) {
	repo := seededMemoryRepo(t)

	root, err := repo.Query(context.Background(), "alice/widget", "")
	require.NoError(t, err)
	require.Len(t, root, 2)
	// Duplicate names are kept and ordered newest first.
	assert.Equal(t, "ev1:d", root[0].Content)
	assert.Equal(t, "ev1:a", root[1].Content)

	api, err := repo.Query(context.Background(), "alice/widget", "api")
	require.NoError(t, err)
	require.Len(t, api, 1)
	assert.Equal(t, ".env.api", api[0].EnvName)

	none, err := repo.Query(context.Background(), "ghost/none", "")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestMemoryRepoQueryRepos(t *testing.T) {
	repo := seededMemoryRepo(t)

	records, err := repo.QueryRepos(context.Background(), []string{"alice/widget", "bob/service", "ghost/none"})
	require.NoError(t, err)
	require.Len(t, records, 4)
	for i := 1; i < len(records); i++ {
		assert.False(t, records[i-1].UpdatedAt.Before(records[i].UpdatedAt), "records out of order at %d", i)
	}

	empty, err := repo.QueryRepos(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestMemoryRepoGetDelete(t *testing.T) {
	repo := newMemoryRepo()
	id, err := repo.Insert(context.Background(), &envRecord{
		UserID: 1, UserName: "alice",
		RepoFullName: "alice/widget", RepoName: "widget",
		EnvName: ".env", Content: "ev1:x", IsEncrypted: true,
	})
	require.NoError(t, err)

	rec, err := repo.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, "ev1:x", rec.Content)
	assert.False(t, rec.CreatedAt.IsZero())

	// Get hands back a copy; mutating it must not touch the store.
	rec.Content = "tampered"
	again, err := repo.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, "ev1:x", again.Content)

	require.NoError(t, repo.Delete(context.Background(), id))
	assert.ErrorIs(t, repo.Delete(context.Background(), id), errRecordNotFound)
	_, err = repo.Get(context.Background(), id)
	assert.ErrorIs(t, err, errRecordNotFound)
}

func TestSplitRepo(t *testing.T) {
	owner, repo, err := splitRepo("alice/widget")
	require.NoError(t, err)
	assert.Equal(t, "alice", owner)
	assert.Equal(t, "widget", repo)

	for _, bad := range []string{"", "widget", "alice/", "/widget", "a/b/c"} {
		_, _, err := splitRepo(bad)
		assert.Error(t, err, bad)
	}
}
