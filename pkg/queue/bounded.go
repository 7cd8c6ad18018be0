package queue

import (
	"errors"
	"sync"
)

var (
	ErrQueueFull = errors.New("队列已满")
	ErrDuplicate = errors.New("元素已在队列中")
)

// Bounded 有容量上限、按 key 去重的 FIFO 队列
//
// 两条不变式：
//   1. 长度永远不超过 capacity，满了拒绝入队而不是挤掉旧元素
//   2. 同一个 key 在队列中至多出现一次
//
// 用于人工复核队列：对账任务往里推 request_id，运维端取走处理，
// 同一笔记录被多轮对账扫到也只占一个位置
type Bounded struct {
	mu       sync.Mutex
	capacity int
	items    []Item
	index    map[string]struct{}
}

// Item 队列元素
type Item struct {
	Key   string      `json:"key"`
	Value interface{} `json:"value"`
}

// NewBounded 创建队列，capacity 必须大于 0
func NewBounded(capacity int) *Bounded {
	if capacity <= 0 {
		capacity = 1
	}
	return &Bounded{
		capacity: capacity,
		items:    make([]Item, 0, capacity),
		index:    make(map[string]struct{}, capacity),
	}
}

// Push 入队
// 队列满返回 ErrQueueFull，key 已存在返回 ErrDuplicate
func (q *Bounded) Push(key string, value interface{}) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, exists := q.index[key]; exists {
		return ErrDuplicate
	}
	if len(q.items) >= q.capacity {
		return ErrQueueFull
	}

	q.items = append(q.items, Item{Key: key, Value: value})
	q.index[key] = struct{}{}
	return nil
}

// Pop 按先进先出取出一个元素，队列空返回 false
func (q *Bounded) Pop() (Item, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 {
		return Item{}, false
	}

	item := q.items[0]
	q.items = q.items[1:]
	delete(q.index, item.Key)
	return item, true
}

// Remove 按 key 移除
func (q *Bounded) Remove(key string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, exists := q.index[key]; !exists {
		return false
	}

	for i, item := range q.items {
		if item.Key == key {
			q.items = append(q.items[:i], q.items[i+1:]...)
			break
		}
	}
	delete(q.index, key)
	return true
}

// Contains 判断 key 是否在队列中
func (q *Bounded) Contains(key string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, exists := q.index[key]
	return exists
}

// Len 当前长度
func (q *Bounded) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Snapshot 返回当前元素的拷贝（运维端查看用）
func (q *Bounded) Snapshot() []Item {
	q.mu.Lock()
	defer q.mu.Unlock()

	items := make([]Item, len(q.items))
	copy(items, q.items)
	return items
}
