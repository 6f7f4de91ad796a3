package venue

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestReconnectDelaySequence(t *testing.T) {
	want := []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second, 30 * time.Second}
	for i, w := range want {
		assert.Equal(t, w, ReconnectDelay(i+1), "attempt %d", i+1)
	}
}

func TestBookStoreSetGet(t *testing.T) {
	s := NewBookStore()
	_, ok := s.Get("BTCUSDT")
	assert.False(t, ok)

	s.Set("BTCUSDT", nil)
	_, ok = s.Get("BTCUSDT")
	assert.True(t, ok)
	assert.Len(t, s.Symbols(), 1)
}
