// Copyright (c) 2025 TheoThePerson
// SPDX-License-Identifier: GPL-3.0-or-later

package storage

import (
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestArchive(t *testing.T) *Archive {
	t.Helper()
	a, err := Open(filepath.Join(t.TempDir(), "archive.db"))
	require.NoError(t, err)
	t.Cleanup(func() { a.Close() })
	return a
}

func TestSaveAndLoad(t *testing.T) {
	a := openTestArchive(t)

	id, err := a.SaveConversation("llama3:8b", []StoredMessage{
		{Role: "user", Content: "What is WAL mode?"},
		{Role: "assistant", Content: "Write-ahead logging."},
	})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	conv, err := a.Load(id)
	require.NoError(t, err)
	assert.Equal(t, "llama3:8b", conv.Model)
	assert.Equal(t, "What is WAL mode?", conv.Summary)
	require.Len(t, conv.Messages, 2)
	assert.Equal(t, "user", conv.Messages[0].Role)
	assert.Equal(t, "assistant", conv.Messages[1].Role)
	assert.Equal(t, "Write-ahead logging.", conv.Messages[1].Content)
}

func TestSaveRejectsEmpty(t *testing.T) {
	a := openTestArchive(t)
	_, err := a.SaveConversation("m", nil)
	assert.Error(t, err)
}

func TestSummaryTruncatesFirstUserLine(t *testing.T) {
	a := openTestArchive(t)

	long := "first line that runs well past the eighty character truncation boundary used for the listing view of the archive"
	id, err := a.SaveConversation("m", []StoredMessage{
		{Role: "system", Content: "be brief"},
		{Role: "user", Content: long + "\nsecond line"},
	})
	require.NoError(t, err)

	conv, err := a.Load(id)
	require.NoError(t, err)
	assert.LessOrEqual(t, len([]rune(conv.Summary)), 80)
	assert.NotContains(t, conv.Summary, "second line")
}

func TestListNewestFirst(t *testing.T) {
	a := openTestArchive(t)

	var ids []string
	for i := 0; i < 3; i++ {
		id, err := a.SaveConversation("m", []StoredMessage{
			{Role: "user", Content: fmt.Sprintf("question %d", i)},
		})
		require.NoError(t, err)
		ids = append(ids, id)
	}

	metas, err := a.List()
	require.NoError(t, err)
	require.Len(t, metas, 3)
	assert.Equal(t, 1, metas[0].MessageCount)
	// Same-second saves fall back to id order; every id must be present.
	seen := map[string]bool{}
	for _, m := range metas {
		seen[m.ID] = true
	}
	for _, id := range ids {
		assert.True(t, seen[id])
	}
}

func TestLoadMissing(t *testing.T) {
	a := openTestArchive(t)
	_, err := a.Load("nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDelete(t *testing.T) {
	a := openTestArchive(t)

	id, err := a.SaveConversation("m", []StoredMessage{{Role: "user", Content: "hi"}})
	require.NoError(t, err)

	require.NoError(t, a.Delete(id))
	_, err = a.Load(id)
	assert.ErrorIs(t, err, ErrNotFound)

	assert.ErrorIs(t, a.Delete(id), ErrNotFound)
}

func TestPruneKeepsNewest(t *testing.T) {
	a := openTestArchive(t)
	a.MaxConversations = 2

	for i := 0; i < 5; i++ {
		_, err := a.SaveConversation("m", []StoredMessage{
			{Role: "user", Content: fmt.Sprintf("question %d", i)},
		})
		require.NoError(t, err)
	}

	metas, err := a.List()
	require.NoError(t, err)
	assert.Len(t, metas, 2)
}
