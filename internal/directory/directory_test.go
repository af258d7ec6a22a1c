package directory

import (
	"context"
	"errors"
	"testing"

	"gator-chat/internal/database"
	"gator-chat/internal/models"
	"gator-chat/internal/utils"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type failingStore struct{}

func (failingStore) GetUser(ctx context.Context, id string) (*models.User, error) {
	return nil, utils.NewPersistenceError("failed to load user", errors.New("down"))
}

func TestStoreDirectory(t *testing.T) {
	ctx := context.Background()
	db := database.NewMemoryDB()
	require.NoError(t, db.SaveUser(ctx, &models.User{
		ID:     "u1",
		Name:   "Alice",
		Avatar: models.Avatar{PublicID: "p1", URL: "https://cdn/alice.png"},
	}))
	dir := NewStoreDirectory(db)

	ok, err := dir.Exists(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = dir.Exists(ctx, "nobody")
	require.NoError(t, err)
	assert.False(t, ok)

	info, err := dir.GetDisplayInfo(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "Alice", info.Name)
	assert.Equal(t, "https://cdn/alice.png", info.Avatar.URL)

	_, err = dir.GetDisplayInfo(ctx, "nobody")
	assert.True(t, utils.IsErrorCode(err, utils.ErrNotFound))
}

func TestStoreDirectoryPropagatesStoreErrors(t *testing.T) {
	_, err := NewStoreDirectory(failingStore{}).Exists(context.Background(), "u1")
	assert.True(t, utils.IsErrorCode(err, utils.ErrPersistence))
}
