//go:build integration

package storage

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/mbp/errors"
	"github.com/c360/mbp/natsclient"
)

func TestKV_Repository(t *testing.T) {
	ctx := context.Background()
	tc := natsclient.NewTestClient(t, natsclient.WithKVBuckets("mbp_entities"))
	bucket, err := tc.CreateKVBucket(ctx, "mbp_entities")
	require.NoError(t, err)

	store := NewKV(tc.Client.NewKVStore(bucket))
	repo := widgets(store)

	require.NoError(t, repo.Save(ctx, &widget{ID: "w1", Owner: "u1", Size: 1}))
	require.NoError(t, repo.Save(ctx, &widget{ID: "w2", Owner: "u2", Size: 2}))

	got, err := repo.Get(ctx, "w2")
	require.NoError(t, err)
	assert.Equal(t, 2, got.Size)

	owned, err := repo.FindBy(ctx, func(w *widget) bool { return w.Owner == "u1" })
	require.NoError(t, err)
	require.Len(t, owned, 1)

	require.NoError(t, repo.Delete(ctx, "w1"))
	_, err = repo.Get(ctx, "w1")
	assert.ErrorIs(t, err, errors.ErrNotFound)

	ok, err := repo.Exists(ctx, "w1")
	require.NoError(t, err)
	assert.False(t, ok)
}
