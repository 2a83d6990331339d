package conn

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/BetaCatPro/ws-guard/internal/errors"
	"github.com/BetaCatPro/ws-guard/pkg/types"
)

// Result 关联请求的结果，只会投递一次
type Result struct {
	Envelope types.Envelope
	Err      error
}

type pendingRequest struct {
	request   types.Envelope
	timer     *time.Timer
	result    chan Result
	createdAt time.Time
}

// PendingRequests 关联ID -> 等待中的请求
type PendingRequests struct {
	mu      sync.Mutex
	entries map[string]*pendingRequest
}

// NewPendingRequests 创建关联请求表
func NewPendingRequests() *PendingRequests {
	return &PendingRequests{entries: make(map[string]*pendingRequest)}
}

// Add 登记请求，超时后自动以 ErrRequestTimeout 结束
func (p *PendingRequests) Add(id string, req types.Envelope, timeout time.Duration) (<-chan Result, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, exists := p.entries[id]; exists {
		return nil, fmt.Errorf("duplicate correlation id %q", id)
	}
	pr := &pendingRequest{
		request:   req,
		result:    make(chan Result, 1),
		createdAt: time.Now(),
	}
	pr.timer = time.AfterFunc(timeout, func() {
		p.Reject(id, fmt.Errorf("%w after %v", errors.ErrRequestTimeout, timeout))
	})
	p.entries[id] = pr
	return pr.result, nil
}

// Resolve 以响应结束请求，返回是否命中
func (p *PendingRequests) Resolve(id string, resp types.Envelope) bool {
	return p.complete(id, Result{Envelope: resp})
}

// Reject 以错误结束请求，返回是否命中
func (p *PendingRequests) Reject(id string, err error) bool {
	return p.complete(id, Result{Err: err})
}

func (p *PendingRequests) complete(id string, res Result) bool {
	p.mu.Lock()
	pr, ok := p.entries[id]
	if ok {
		delete(p.entries, id)
	}
	p.mu.Unlock()

	if !ok {
		return false
	}
	pr.timer.Stop()
	pr.result <- res
	return true
}

// RejectAll 以同一错误结束全部请求
func (p *PendingRequests) RejectAll(err error) int {
	p.mu.Lock()
	entries := p.entries
	p.entries = make(map[string]*pendingRequest)
	p.mu.Unlock()

	for _, pr := range entries {
		pr.timer.Stop()
		pr.result <- Result{Err: err}
	}
	return len(entries)
}

// Requests 返回仍在等待的原始请求，按创建时间排序
func (p *PendingRequests) Requests() []types.Envelope {
	p.mu.Lock()
	defer p.mu.Unlock()

	list := make([]*pendingRequest, 0, len(p.entries))
	for _, pr := range p.entries {
		list = append(list, pr)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].createdAt.Before(list[j].createdAt) })
	out := make([]types.Envelope, 0, len(list))
	for _, pr := range list {
		out = append(out, pr.request)
	}
	return out
}

// Len 等待中的请求数
func (p *PendingRequests) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}
