package queue

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBoundedFIFO(t *testing.T) {
	q := NewBounded(10)

	require.NoError(t, q.Push("a", 1))
	require.NoError(t, q.Push("b", 2))
	require.NoError(t, q.Push("c", 3))
	assert.Equal(t, 3, q.Len())

	item, ok := q.Pop()
	require.True(t, ok)
	assert.Equal(t, "a", item.Key)

	item, ok = q.Pop()
	require.True(t, ok)
	assert.Equal(t, "b", item.Key)

	item, ok = q.Pop()
	require.True(t, ok)
	assert.Equal(t, "c", item.Key)

	_, ok = q.Pop()
	assert.False(t, ok)
}

func TestBoundedCapacity(t *testing.T) {
	q := NewBounded(2)

	require.NoError(t, q.Push("a", nil))
	require.NoError(t, q.Push("b", nil))

	// 满了拒绝入队，不挤掉旧元素
	err := q.Push("c", nil)
	assert.ErrorIs(t, err, ErrQueueFull)
	assert.Equal(t, 2, q.Len())

	// 取走一个之后恢复可入队
	_, ok := q.Pop()
	require.True(t, ok)
	assert.NoError(t, q.Push("c", nil))
}

func TestBoundedDeduplicate(t *testing.T) {
	q := NewBounded(10)

	require.NoError(t, q.Push("req-1", "first"))

	// 同一个 key 至多占一个位置
	err := q.Push("req-1", "second")
	assert.ErrorIs(t, err, ErrDuplicate)
	assert.Equal(t, 1, q.Len())

	// 取出之后同一个 key 可以再次入队
	item, ok := q.Pop()
	require.True(t, ok)
	assert.Equal(t, "first", item.Value)
	assert.NoError(t, q.Push("req-1", "third"))
}

func TestBoundedRemove(t *testing.T) {
	q := NewBounded(10)

	require.NoError(t, q.Push("a", nil))
	require.NoError(t, q.Push("b", nil))
	require.NoError(t, q.Push("c", nil))

	assert.True(t, q.Remove("b"))
	assert.False(t, q.Remove("b"))
	assert.False(t, q.Contains("b"))
	assert.Equal(t, 2, q.Len())

	// 剩余元素保持先进先出顺序
	item, _ := q.Pop()
	assert.Equal(t, "a", item.Key)
	item, _ = q.Pop()
	assert.Equal(t, "c", item.Key)
}

func TestBoundedSnapshot(t *testing.T) {
	q := NewBounded(10)
	require.NoError(t, q.Push("a", 1))
	require.NoError(t, q.Push("b", 2))

	snapshot := q.Snapshot()
	require.Len(t, snapshot, 2)

	// 快照是拷贝，修改不影响队列
	snapshot[0].Key = "mutated"
	item, _ := q.Pop()
	assert.Equal(t, "a", item.Key)
}
