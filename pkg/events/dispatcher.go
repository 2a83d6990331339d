package events

import "sync"

type posted struct {
	event   string
	payload any
}

// Dispatcher 按投递顺序在独立协程中分发事件，投递方不等待监听器返回
//
// 没有待分发事件时协程退出，下一次投递时再启动。
type Dispatcher struct {
	emitter *Emitter

	mu      sync.Mutex
	queue   []posted
	running bool
}

// NewDispatcher 创建绑定到 emitter 的分发器
func NewDispatcher(emitter *Emitter) *Dispatcher {
	return &Dispatcher{emitter: emitter}
}

// Post 投递事件，立即返回
func (d *Dispatcher) Post(event string, payload any) {
	d.mu.Lock()
	d.queue = append(d.queue, posted{event: event, payload: payload})
	if !d.running {
		d.running = true
		go d.drain()
	}
	d.mu.Unlock()
}

// Pending 尚未分发的事件数
func (d *Dispatcher) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.queue)
}

func (d *Dispatcher) drain() {
	for {
		d.mu.Lock()
		if len(d.queue) == 0 {
			d.running = false
			d.queue = nil
			d.mu.Unlock()
			return
		}
		next := d.queue[0]
		d.queue[0] = posted{}
		d.queue = d.queue[1:]
		d.mu.Unlock()

		d.emitter.Emit(next.event, next.payload)
	}
}
