package service

import "sync"

// callbackGuard bridges the lifetime gap between a reactor and callbacks the
// reactor installed on a table: a table worker may be about to invoke a
// callback at the instant the reactor tears down. Callbacks enter the guard
// before touching reactor state; teardown closes the guard and waits for
// every entered callback to exit, after which no callback can observe freed
// reactor state.
type callbackGuard struct {
	mu     sync.Mutex
	cond   *sync.Cond
	active int
	closed bool
}

func newCallbackGuard() *callbackGuard {
	g := &callbackGuard{}
	g.cond = sync.NewCond(&g.mu)
	return g
}

// Enter registers an in-flight callback. It returns false once the guard is
// closed; the callback must then return without touching the reactor.
func (g *callbackGuard) Enter() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return false
	}
	g.active++
	return true
}

// Exit balances a successful Enter.
func (g *callbackGuard) Exit() {
	g.mu.Lock()
	g.active--
	if g.active == 0 && g.closed {
		g.cond.Broadcast()
	}
	g.mu.Unlock()
}

// CloseAndWait rejects new entries and blocks until in-flight callbacks have
// exited. Idempotent.
func (g *callbackGuard) CloseAndWait() {
	g.mu.Lock()
	g.closed = true
	for g.active > 0 {
		g.cond.Wait()
	}
	g.mu.Unlock()
}
