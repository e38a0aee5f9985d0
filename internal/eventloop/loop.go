// Package eventloop 提供单线程任务循环。
// 每个执行上下文拥有一个 Loop：定时器与异步宿主操作（fetch、KV、DNS 等）的完成回调
// 从任意 goroutine 投递，但只在调用 Run 的 goroutine 上执行，保证 JS 运行时不被并发访问。
package eventloop

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrIdle 表示队列为空且没有任何挂起的定时器或异步操作，循环无法继续推进。
var ErrIdle = errors.New("event loop idle")

// Task 是在循环 goroutine 上执行的任务。
type Task func() error

type timer struct {
	t      *time.Timer
	d      time.Duration
	repeat bool
	fn     Task
}

// Loop 是单个执行上下文的事件循环。
type Loop struct {
	mu        sync.Mutex
	queue     []Task
	wake      chan struct{}
	gen       uint64
	pending   int
	timers    map[int64]*timer
	nextTimer int64
	closed    bool
}

// New 创建事件循环。
func New() *Loop {
	return &Loop{
		wake:   make(chan struct{}, 1),
		timers: make(map[int64]*timer),
	}
}

// Hold 登记一个挂起的异步操作，返回的 complete 函数可从任意 goroutine 调用一次，
// 将完成回调投递回循环。Reset 或 Close 之后的投递会被丢弃。
func (l *Loop) Hold() func(Task) {
	l.mu.Lock()
	gen := l.gen
	l.pending++
	l.mu.Unlock()

	var once sync.Once
	return func(t Task) {
		once.Do(func() {
			l.post(gen, func() error {
				l.mu.Lock()
				l.pending--
				l.mu.Unlock()
				return t()
			})
		})
	}
}

// Stream 登记一个可多次投递的长期异步源（如套接字）。
// post 可从任意 goroutine 多次调用；done 调用一次后该源不再使循环保持活跃。
func (l *Loop) Stream() (post func(Task), done func()) {
	l.mu.Lock()
	gen := l.gen
	l.pending++
	l.mu.Unlock()

	var once sync.Once
	post = func(t Task) { l.post(gen, t) }
	done = func() {
		once.Do(func() {
			l.post(gen, func() error {
				l.mu.Lock()
				l.pending--
				l.mu.Unlock()
				return nil
			})
		})
	}
	return post, done
}

// SetTimer 注册定时器，返回其 ID。repeat 为 true 时按间隔 d 重复触发。
func (l *Loop) SetTimer(d time.Duration, repeat bool, fn Task) int64 {
	if d < 0 {
		d = 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.nextTimer++
	id := l.nextTimer
	tm := &timer{d: d, repeat: repeat, fn: fn}
	l.timers[id] = tm
	l.pending++
	l.arm(id, tm, l.gen)
	return id
}

// arm 调用方必须持有 l.mu。
func (l *Loop) arm(id int64, tm *timer, gen uint64) {
	tm.t = time.AfterFunc(tm.d, func() {
		l.post(gen, func() error { return l.fire(id) })
	})
}

func (l *Loop) fire(id int64) error {
	l.mu.Lock()
	tm, ok := l.timers[id]
	if !ok {
		l.mu.Unlock()
		return nil
	}
	if tm.repeat {
		l.arm(id, tm, l.gen)
	} else {
		delete(l.timers, id)
		l.pending--
	}
	l.mu.Unlock()
	return tm.fn()
}

// ClearTimer 取消定时器；ID 不存在时什么也不做。
func (l *Loop) ClearTimer(id int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if tm, ok := l.timers[id]; ok {
		tm.t.Stop()
		delete(l.timers, id)
		l.pending--
	}
}

func (l *Loop) post(gen uint64, t Task) {
	l.mu.Lock()
	if l.closed || gen != l.gen {
		l.mu.Unlock()
		return
	}
	l.queue = append(l.queue, t)
	l.mu.Unlock()
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

func (l *Loop) next() (Task, int, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.queue) == 0 {
		return nil, l.pending, false
	}
	t := l.queue[0]
	l.queue[0] = nil
	l.queue = l.queue[1:]
	return t, l.pending, true
}

// Run 在当前 goroutine 上执行任务，直到 until 返回 true（返回 nil）、
// 循环空闲（返回 ErrIdle）、ctx 结束（返回 ctx.Err()）或某个任务返回错误。
func (l *Loop) Run(ctx context.Context, until func() bool) error {
	for {
		if until != nil && until() {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		task, pending, ok := l.next()
		if ok {
			if err := task(); err != nil {
				return err
			}
			continue
		}
		if pending == 0 {
			return ErrIdle
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-l.wake:
		}
	}
}

// Pending 返回挂起的定时器与异步操作数量。
func (l *Loop) Pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.pending
}

// Reset 丢弃所有排队任务、定时器与挂起操作，使循环可用于下一次调用。
func (l *Loop) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.resetLocked()
}

func (l *Loop) resetLocked() {
	l.gen++
	for _, tm := range l.timers {
		tm.t.Stop()
	}
	l.timers = make(map[int64]*timer)
	l.queue = nil
	l.pending = 0
	select {
	case <-l.wake:
	default:
	}
}

// Close 释放循环，之后的所有投递都被丢弃。
func (l *Loop) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.resetLocked()
	l.closed = true
}
