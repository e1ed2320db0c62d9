package snowflake

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewNodeRange(t *testing.T) {
	_, err := NewNode(-1)
	assert.Error(t, err)
	_, err = NewNode(1024)
	assert.Error(t, err)
	_, err = NewNode(1023)
	assert.NoError(t, err)
}

func TestGenerateMonotonic(t *testing.T) {
	n, err := NewNode(3)
	require.NoError(t, err)

	prev := n.Generate()
	for i := 0; i < 10000; i++ {
		next := n.Generate()
		if next <= prev {
			t.Fatalf("id %d not greater than %d", next, prev)
		}
		prev = next
	}
	assert.Equal(t, int64(3), prev.Node())
	assert.WithinDuration(t, time.Now(), prev.Time(), 5*time.Second)
}

func TestGenerateConcurrentUnique(t *testing.T) {
	n, err := NewNode(1)
	require.NoError(t, err)

	const workers, per = 8, 500
	ids := make(chan ID, workers*per)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < per; i++ {
				ids <- n.Generate()
			}
		}()
	}
	wg.Wait()
	close(ids)

	seen := make(map[ID]struct{}, workers*per)
	for id := range ids {
		_, dup := seen[id]
		require.False(t, dup, "duplicate id %s", id)
		seen[id] = struct{}{}
	}
}

func TestIDJSONRoundTrip(t *testing.T) {
	n, _ := NewNode(1)
	id := n.Generate()

	b, err := json.Marshal(struct {
		ID ID `json:"id"`
	}{id})
	require.NoError(t, err)
	assert.Contains(t, string(b), `"`+id.String()+`"`)

	var out struct {
		ID ID `json:"id"`
	}
	require.NoError(t, json.Unmarshal(b, &out))
	assert.Equal(t, id, out.ID)

	require.NoError(t, json.Unmarshal([]byte(`{"id":42}`), &out))
	assert.Equal(t, ID(42), out.ID)
}

func TestParseRejectsGarbage(t *testing.T) {
	for _, s := range []string{"", "abc", "-5", "0"} {
		_, err := Parse(s)
		assert.ErrorIs(t, err, ErrInvalidID, s)
	}
}
