package database

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"gator-chat/internal/models"
	"gator-chat/internal/utils"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mongoTestDB connects to MONGODB_TEST_URI with a throwaway database, or skips.
func mongoTestDB(t *testing.T) *MongoDB {
	t.Helper()
	uri := os.Getenv("MONGODB_TEST_URI")
	if uri == "" {
		t.Skip("MONGODB_TEST_URI not set")
	}
	ctx := context.Background()
	name := "gator_chat_test_" + uuid.NewString()[:8]
	db, err := NewMongoDB(ctx, uri, name)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = db.Client.Database(name).Drop(context.Background())
		_ = db.Close(context.Background())
	})
	return db
}

// postgresTestDB connects to POSTGRES_TEST_URI with fresh tables, or skips.
func postgresTestDB(t *testing.T) *PostgresDB {
	t.Helper()
	uri := os.Getenv("POSTGRES_TEST_URI")
	if uri == "" {
		t.Skip("POSTGRES_TEST_URI not set")
	}
	ctx := context.Background()
	db, err := NewPostgresDB(uri)
	require.NoError(t, err)
	for _, table := range []string{"notifications", "contacts", "inbox_entries", "messages", "conversations", "users"} {
		_, err := db.DB.ExecContext(ctx, "DROP TABLE IF EXISTS "+table+" CASCADE")
		require.NoError(t, err)
	}
	require.NoError(t, db.InitializeTables(ctx))
	t.Cleanup(func() { _ = db.Close(context.Background()) })
	return db
}

// checkConcurrentReadersFlipOnce races several readers over one conversation
// while the sender keeps appending. Every message is flipped by at most one
// reader and nothing moves back from read.
func checkConcurrentReadersFlipOnce(t *testing.T, db DBAdapter) {
	ctx := context.Background()
	require.NoError(t, db.SaveUser(ctx, &models.User{ID: "u1", Name: "Alice"}))
	require.NoError(t, db.SaveUser(ctx, &models.User{ID: "u2", Name: "Bob"}))

	const total = 20
	for i := 0; i < total/2; i++ {
		_, err := db.AppendMessage(ctx, newMessage(fmt.Sprintf("m%02d", i), "u1", "u2", base.Add(time.Duration(i)*time.Second)))
		require.NoError(t, err)
	}

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		flipped []string
	)
	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 5; i++ {
				ids, err := db.MarkMessagesRead(ctx, "u1:u2", "u2", base.Add(time.Hour))
				assert.NoError(t, err)
				mu.Lock()
				flipped = append(flipped, ids...)
				mu.Unlock()
			}
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := total / 2; i < total; i++ {
			_, err := db.AppendMessage(ctx, newMessage(fmt.Sprintf("m%02d", i), "u1", "u2", base.Add(time.Duration(i)*time.Second)))
			assert.NoError(t, err)
		}
	}()
	wg.Wait()

	last, err := db.MarkMessagesRead(ctx, "u1:u2", "u2", base.Add(2*time.Hour))
	require.NoError(t, err)
	flipped = append(flipped, last...)

	seen := make(map[string]bool, len(flipped))
	for _, id := range flipped {
		assert.False(t, seen[id], "message %s flipped twice", id)
		seen[id] = true
	}
	assert.Len(t, seen, total)

	messages, err := db.GetMessages(ctx, "u1:u2")
	require.NoError(t, err)
	require.Len(t, messages, total)
	for _, msg := range messages {
		assert.True(t, msg.Read, msg.ID)
		assert.Equal(t, models.StatusRead, msg.Status, msg.ID)
	}
}

func TestConcurrentReadersFlipOnceMemory(t *testing.T) {
	checkConcurrentReadersFlipOnce(t, NewMemoryDB())
}

func TestConcurrentReadersFlipOnceMongo(t *testing.T) {
	checkConcurrentReadersFlipOnce(t, mongoTestDB(t))
}

func TestConcurrentReadersFlipOncePostgres(t *testing.T) {
	checkConcurrentReadersFlipOnce(t, postgresTestDB(t))
}

func TestPostgresMessageIDTakenByOtherConversation(t *testing.T) {
	db := postgresTestDB(t)
	ctx := context.Background()
	for _, id := range []string{"u1", "u2", "u3"} {
		require.NoError(t, db.SaveUser(ctx, &models.User{ID: id}))
	}

	_, err := db.AppendMessage(ctx, newMessage("m1", "u1", "u2", base))
	require.NoError(t, err)

	_, err = db.AppendMessage(ctx, newMessage("m1", "u3", "u2", base.Add(time.Second)))
	assert.True(t, utils.IsErrorCode(err, utils.ErrConflict), "got %v", err)

	messages, err := db.GetMessages(ctx, "u2:u3")
	require.NoError(t, err)
	assert.Empty(t, messages)
}
