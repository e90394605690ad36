package storage

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemStorageReadWrite(t *testing.T) {
	s := NewMemStorage()
	require.Nil(t, s.Start())
	defer s.Stop()

	r, err := s.Reader()
	require.Nil(t, err)
	defer r.Close()

	item, err := r.Get("k1")
	assert.Nil(t, err)
	assert.Nil(t, item)

	require.Nil(t, s.Write([]Modify{
		{Key: "k1", Item: NextItem(nil, []byte("a"))},
		{Key: "k2", Item: Item{Version: 4, Value: []byte("b")}},
	}))
	item, err = r.Get("k1")
	require.Nil(t, err)
	assert.Equal(t, uint64(0), item.Version)
	assert.Equal(t, []byte("a"), item.Value)
	assert.Equal(t, 2, s.Len())

	require.Nil(t, s.Write([]Modify{{Key: "k1", Item: NextItem(item, []byte("c"))}}))
	item, err = r.Get("k1")
	require.Nil(t, err)
	assert.Equal(t, uint64(1), item.Version)
	assert.Equal(t, []byte("c"), item.Value)
}

func TestMemStorageScan(t *testing.T) {
	s := NewMemStorage()
	s.Set("b", 0, []byte{2})
	s.Set("a", 3, []byte{1})
	s.Set("c", 1, []byte{3})

	r, _ := s.Reader()
	var keys []string
	require.Nil(t, r.Scan(func(key string, item *Item) bool {
		keys = append(keys, key)
		return key != "b"
	}))
	assert.Equal(t, []string{"a", "b"}, keys)
}

func TestReturnedItemIsACopy(t *testing.T) {
	s := NewMemStorage()
	s.Set("a", 0, []byte{1})
	item := s.Get("a")
	item.Version = 9
	assert.Equal(t, uint64(0), s.Get("a").Version)
}

func TestNextItem(t *testing.T) {
	assert.Equal(t, Item{Version: 0, Value: []byte("x")}, NextItem(nil, []byte("x")))
	assert.Equal(t, Item{Version: 6, Value: []byte("y")}, NextItem(&Item{Version: 5}, []byte("y")))
}
