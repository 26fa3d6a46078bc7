package typing

import (
	"sync"
	"time"
)

type key struct {
	roomId string
	userId string
}

type state struct {
	timer *time.Timer
	gen   uint64
}

// Coordinator tracks who is typing in which room and expires indicators that
// are not renewed within the timeout. Callers only hear about transitions:
// Typing reports the idle-to-typing edge, Stop the reverse, and the expiry
// callback fires when the timeout ends an indicator nobody stopped.
//
// Each (room, user) pair owns an independent timer. Renewals bump a
// generation counter so a timer that already fired for a superseded
// generation can never expire the fresh indicator.
type Coordinator struct {
	mu      sync.Mutex
	active  map[key]*state
	timeout time.Duration
	expired func(roomId, userId string)
}

func NewCoordinator(timeout time.Duration, expired func(roomId, userId string)) *Coordinator {
	return &Coordinator{
		active:  make(map[key]*state),
		timeout: timeout,
		expired: expired,
	}
}

// Typing records typing activity and reports whether this was the
// idle-to-typing transition. A renewal extends the deadline silently.
func (c *Coordinator) Typing(roomId, userId string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	k := key{roomId: roomId, userId: userId}
	if st, ok := c.active[k]; ok {
		st.gen++
		st.timer.Stop()
		st.timer = time.AfterFunc(c.timeout, c.expireFunc(k, st.gen))
		return false
	}
	st := &state{gen: 1}
	st.timer = time.AfterFunc(c.timeout, c.expireFunc(k, st.gen))
	c.active[k] = st
	return true
}

// Stop cancels the indicator and reports whether the user was actually
// typing. Stopping an idle pair is a no-op.
func (c *Coordinator) Stop(roomId, userId string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	k := key{roomId: roomId, userId: userId}
	st, ok := c.active[k]
	if !ok {
		return false
	}
	st.timer.Stop()
	delete(c.active, k)
	return true
}

func (c *Coordinator) IsTyping(roomId, userId string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.active[key{roomId: roomId, userId: userId}]
	return ok
}

// Close cancels every outstanding timer without firing callbacks.
func (c *Coordinator) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, st := range c.active {
		st.timer.Stop()
		delete(c.active, k)
	}
}

// expireFunc builds the timer callback for one generation of an indicator.
// The generation check drops callbacks from timers that were renewed or
// stopped between firing and acquiring the lock.
func (c *Coordinator) expireFunc(k key, gen uint64) func() {
	return func() {
		c.mu.Lock()
		st, ok := c.active[k]
		if !ok || st.gen != gen {
			c.mu.Unlock()
			return
		}
		delete(c.active, k)
		c.mu.Unlock()
		if c.expired != nil {
			c.expired(k.roomId, k.userId)
		}
	}
}
