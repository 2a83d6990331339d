// Package events 提供带 owner 标签的事件分发器，单个监听器 panic 不影响其他监听器。
package events

import (
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// Listener 事件回调
type Listener func(payload any)

// ListenerID 注册返回的句柄，用于 Off
type ListenerID uint64

type registration struct {
	id       ListenerID
	owner    string
	listener Listener
}

type ownedRef struct {
	event string
	id    ListenerID
}

// Emitter 事件分发器
type Emitter struct {
	mu        sync.RWMutex
	nextID    ListenerID
	listeners map[string][]registration
	byOwner   map[string]map[ownedRef]struct{} // owner -> {event, id}
	logger    *zap.Logger
}

// NewEmitter 创建事件分发器
func NewEmitter(logger *zap.Logger) *Emitter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Emitter{
		listeners: make(map[string][]registration),
		byOwner:   make(map[string]map[ownedRef]struct{}),
		logger:    logger,
	}
}

// On 注册监听器
func (e *Emitter) On(event string, fn Listener) ListenerID {
	return e.OnWithOwner("", event, fn)
}

// OnWithOwner 注册带 owner 标签的监听器，可通过 OffAllByOwner 一次性移除
func (e *Emitter) OnWithOwner(owner, event string, fn Listener) ListenerID {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.nextID++
	id := e.nextID
	e.listeners[event] = append(e.listeners[event], registration{id: id, owner: owner, listener: fn})
	if owner != "" {
		refs, ok := e.byOwner[owner]
		if !ok {
			refs = make(map[ownedRef]struct{})
			e.byOwner[owner] = refs
		}
		refs[ownedRef{event: event, id: id}] = struct{}{}
	}
	return id
}

// Off 移除单个监听器，返回是否存在
func (e *Emitter) Off(event string, id ListenerID) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.removeLocked(event, id)
}

// OffAllByOwner 移除该 owner 注册的全部监听器，返回移除数量
func (e *Emitter) OffAllByOwner(owner string) int {
	if owner == "" {
		return 0
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	removed := 0
	for ref := range e.byOwner[owner] {
		if e.removeLocked(ref.event, ref.id) {
			removed++
		}
	}
	delete(e.byOwner, owner)
	return removed
}

func (e *Emitter) removeLocked(event string, id ListenerID) bool {
	regs := e.listeners[event]
	for i, reg := range regs {
		if reg.id != id {
			continue
		}
		next := make([]registration, 0, len(regs)-1)
		next = append(next, regs[:i]...)
		next = append(next, regs[i+1:]...)
		if len(next) == 0 {
			delete(e.listeners, event)
		} else {
			e.listeners[event] = next
		}
		if reg.owner != "" {
			if refs, ok := e.byOwner[reg.owner]; ok {
				delete(refs, ownedRef{event: event, id: id})
				if len(refs) == 0 {
					delete(e.byOwner, reg.owner)
				}
			}
		}
		return true
	}
	return false
}

// Emit 按注册顺序同步调用监听器，调用时不持有锁
func (e *Emitter) Emit(event string, payload any) {
	e.mu.RLock()
	regs := e.listeners[event]
	e.mu.RUnlock()

	for _, reg := range regs {
		e.invoke(event, reg, payload)
	}
}

func (e *Emitter) invoke(event string, reg registration, payload any) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("event listener panicked",
				zap.String("event", event),
				zap.String("owner", reg.owner),
				zap.Uint64("listener_id", uint64(reg.id)),
				zap.String("panic", fmt.Sprint(r)))
		}
	}()
	reg.listener(payload)
}

// ListenerCount 返回某事件的监听器数量
func (e *Emitter) ListenerCount(event string) int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.listeners[event])
}
