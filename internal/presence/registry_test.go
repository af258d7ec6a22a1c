package presence

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRegisterMultipleDevices(t *testing.T) {
	r := NewRegistry()
	assert.Empty(t, r.ConnectionsFor("u1"))
	assert.Equal(t, 0, r.Count())

	r.Register("c1", "u1")
	r.Register("c2", "u1")
	r.Register("c3", "u2")

	assert.ElementsMatch(t, []string{"c1", "c2"}, r.ConnectionsFor("u1"))
	assert.ElementsMatch(t, []string{"c3"}, r.ConnectionsFor("u2"))
	assert.True(t, r.IsOnline("u1"))
	assert.Equal(t, 3, r.Count())

	userID, ok := r.UserFor("c2")
	assert.True(t, ok)
	assert.Equal(t, "u1", userID)
}

func TestUnregisterIsIdempotent(t *testing.T) {
	r := NewRegistry()
	r.Register("c1", "u1")

	r.Unregister("c1")
	r.Unregister("c1")
	r.Unregister("never-registered")

	assert.Empty(t, r.ConnectionsFor("u1"))
	assert.False(t, r.IsOnline("u1"))
	_, ok := r.UserFor("c1")
	assert.False(t, ok)
}

func TestReRegisterMovesConnection(t *testing.T) {
	r := NewRegistry()
	r.Register("c1", "u1")
	r.Register("c1", "u1")
	r.Register("c1", "u2")

	assert.Empty(t, r.ConnectionsFor("u1"))
	assert.Equal(t, []string{"c1"}, r.ConnectionsFor("u2"))
	assert.Equal(t, 1, r.Count())
}

func TestConcurrentRegistration(t *testing.T) {
	r := NewRegistry()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			conn := fmt.Sprintf("c%d", i)
			r.Register(conn, "u1")
			_ = r.ConnectionsFor("u1")
			if i%2 == 0 {
				r.Unregister(conn)
			}
		}(i)
	}
	wg.Wait()
	assert.Len(t, r.ConnectionsFor("u1"), 25)
}
