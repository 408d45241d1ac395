package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNewNotifyListener(t *testing.T) {
	manager := NewConnectionManager(&fakeQuerier{}, testFanOutConfig(), 5*time.Second)
	listener := NewNotifyListener("host=localhost dbname=test", manager)

	assert.NotNil(t, listener)
	assert.Equal(t, "host=localhost dbname=test", listener.connString)
	assert.NotNil(t, listener.channels)
	assert.Equal(t, manager, listener.manager)
}

func TestNotifyListener_NotRunningGuards(t *testing.T) {
	// Without Start() there is no LISTEN connection. Subscribe must refuse
	// so callers never confirm a subscription that cannot deliver;
	// Unsubscribe and Stop must stay harmless.
	manager := NewConnectionManager(&fakeQuerier{}, testFanOutConfig(), 5*time.Second)
	listener := NewNotifyListener("host=localhost dbname=test", manager)

	t.Run("subscribe before start returns error", func(t *testing.T) {
		err := listener.Subscribe(t.Context(), "session:abc")
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "not established")
	})

	t.Run("unsubscribe before start is a no-op", func(t *testing.T) {
		assert.NoError(t, listener.Unsubscribe(t.Context(), "session:abc"))
	})

	t.Run("broadcast channel is never unlistened", func(t *testing.T) {
		assert.NoError(t, listener.Unsubscribe(t.Context(), BroadcastChannel))
	})

	t.Run("stop before start does not panic", func(t *testing.T) {
		assert.NotPanics(t, func() {
			listener.Stop(t.Context())
		})
	})
}
