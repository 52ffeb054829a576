package gateway

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClientRegistry(t *testing.T) {
	r := NewClientRegistry()

	r.Add(&Client{ID: "a", Authenticated: true, LastActivity: time.Now()})
	r.Add(&Client{ID: "b", LastActivity: time.Now().Add(-10 * time.Minute)})

	t.Run("get and count", func(t *testing.T) {
		assert.Equal(t, 2, r.Count())

		client, ok := r.Get("a")
		require.True(t, ok)
		assert.Equal(t, "a", client.ID)

		_, ok = r.Get("missing")
		assert.False(t, ok)
	})

	t.Run("only authenticated clients receive broadcasts", func(t *testing.T) {
		clients := r.Authenticated()
		require.Len(t, clients, 1)
		assert.Equal(t, "a", clients[0].ID)
	})

	t.Run("infos flag idle clients", func(t *testing.T) {
		idleByID := map[string]bool{}
		for _, info := range r.Infos() {
			idleByID[info.ID] = info.Idle
		}
		assert.False(t, idleByID["a"])
		assert.True(t, idleByID["b"])
	})

	t.Run("touch refreshes activity", func(t *testing.T) {
		r.Touch("b")
		client, ok := r.Get("b")
		require.True(t, ok)
		assert.WithinDuration(t, time.Now(), client.LastActivity, time.Second)
	})

	t.Run("remove", func(t *testing.T) {
		r.Remove("b")
		assert.Equal(t, 1, r.Count())
	})
}
