package conn

import (
	"sync"
	"time"

	"github.com/BetaCatPro/ws-guard/pkg/types"
)

// QueueEntry 待发送消息
type QueueEntry struct {
	Envelope   types.Envelope
	EnqueuedAt time.Time
}

// Queue 有界 FIFO 发送队列，满时丢弃最旧的消息
type Queue struct {
	mu       sync.Mutex
	entries  []QueueEntry
	capacity int
	dropped  int64
}

// NewQueue 创建发送队列
func NewQueue(capacity int) *Queue {
	if capacity <= 0 {
		capacity = 1
	}
	return &Queue{capacity: capacity, entries: make([]QueueEntry, 0, capacity)}
}

// Push 入队，返回被挤出的最旧消息（如有）
func (q *Queue) Push(env types.Envelope) (QueueEntry, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var evicted QueueEntry
	dropped := false
	if len(q.entries) >= q.capacity {
		evicted = q.entries[0]
		q.entries = q.entries[1:]
		q.dropped++
		dropped = true
	}
	q.entries = append(q.entries, QueueEntry{Envelope: env, EnqueuedAt: time.Now()})
	return evicted, dropped
}

// Drain 取出全部消息，按入队顺序
func (q *Queue) Drain() []QueueEntry {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := q.entries
	q.entries = make([]QueueEntry, 0, q.capacity)
	return out
}

// Requeue 把未发出的消息放回队首，保持原有顺序；超出容量时仍丢弃最旧的
func (q *Queue) Requeue(entries []QueueEntry) {
	if len(entries) == 0 {
		return
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	merged := make([]QueueEntry, 0, len(entries)+len(q.entries))
	merged = append(merged, entries...)
	merged = append(merged, q.entries...)
	if over := len(merged) - q.capacity; over > 0 {
		merged = merged[over:]
		q.dropped += int64(over)
	}
	q.entries = merged
}

// Len 当前长度
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// Dropped 累计丢弃数
func (q *Queue) Dropped() int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}

// Capacity 队列容量
func (q *Queue) Capacity() int {
	return q.capacity
}
