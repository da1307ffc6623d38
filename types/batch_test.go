package types

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewBatchSnapshotsItems(t *testing.T) {
	buf := []Message{NewMessage("0"), NewMessage("1"), NewMessage("2")}
	b := NewBatch(4, TriggerSize, buf)

	buf[0] = NewMessage("mutated")

	assert.Equal(t, []string{"0", "1", "2"}, b.Contents())
	assert.Equal(t, 3, b.Len())
	assert.Equal(t, 4, b.Source)
	assert.Equal(t, TriggerSize, b.Trigger)
	assert.NotEmpty(t, b.ID)
}

func TestItemsReturnsCopy(t *testing.T) {
	b := NewBatch(0, TriggerTick, []Message{NewMessage("a")})

	items := b.Items()
	items[0] = NewMessage("b")

	assert.Equal(t, []string{"a"}, b.Contents())
}

func TestEmptyBatch(t *testing.T) {
	b := NewBatch(0, TriggerTick, nil)

	assert.Equal(t, 0, b.Len())
	assert.Empty(t, b.Items())
	assert.NotEmpty(t, b.ID)
}

func TestBatchJSONKeepsOrder(t *testing.T) {
	b := NewBatch(2, TriggerManual, []Message{NewMessage("x"), NewMessage("y")})

	data, err := json.Marshal(b)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"items":[{"content":"x"},{"content":"y"}]`)

	var decoded Batch
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, b.ID, decoded.ID)
	assert.Equal(t, []string{"x", "y"}, decoded.Contents())
}

func TestEachVisitsInOrder(t *testing.T) {
	b := NewBatch(0, TriggerSize, []Message{NewMessage("p"), NewMessage("q")})

	var seen []string
	b.Each(func(i int, m Message) {
		seen = append(seen, m.Content)
	})
	assert.Equal(t, []string{"p", "q"}, seen)
}
