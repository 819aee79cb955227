package quickquery

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHistory_CapDefaults(t *testing.T) {
	assert.Equal(t, DefaultCapacity, NewHistory(0).Capacity())
	assert.Equal(t, DefaultCapacity, NewHistory(-3).Capacity())
	assert.Equal(t, 5, NewHistory(5).Capacity())
}

func TestHistory_AddWithinCapacity(t *testing.T) {
	h := NewHistory(3)
	h.Add(Entry{Question: "a"})
	h.Add(Entry{Question: "b"})

	entries := h.Entries()
	require.Len(t, entries, 2)
	assert.Equal(t, "a", entries[0].Question)
	assert.Equal(t, "b", entries[1].Question)
}

// Inserting beyond capacity always leaves exactly C entries, the C most
// recently inserted, oldest evicted.
func TestHistory_EvictsOldestBeyondCapacity(t *testing.T) {
	const capacity = 10
	h := NewHistory(capacity)

	for i := 1; i <= 25; i++ {
		h.Add(Entry{Question: fmt.Sprintf("q-%d", i)})
		want := i
		if want > capacity {
			want = capacity
		}
		require.Equal(t, want, h.Len())
	}

	entries := h.Entries()
	require.Len(t, entries, capacity)
	for i, e := range entries {
		assert.Equal(t, fmt.Sprintf("q-%d", 16+i), e.Question)
	}
}

func TestHistory_EntriesIsACopy(t *testing.T) {
	h := NewHistory(3)
	h.Add(Entry{Question: "a"})

	snap := h.Entries()
	snap[0].Question = "mutated"

	assert.Equal(t, "a", h.Entries()[0].Question)
}
