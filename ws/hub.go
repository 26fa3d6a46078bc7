package ws

import (
	"time"

	"github.com/antonmedv/expr/vm"
	"github.com/chatrelay/chatrelay/filter"
	"github.com/chatrelay/chatrelay/globals"
	"github.com/chatrelay/chatrelay/types"
)

const (
	maxMessageSize   = 4096
	pongWait         = 2 * time.Minute
	pingPeriod       = time.Minute
	writeWait        = 10 * time.Second
	deliverWait      = 5 * time.Second
	eventChannelSize = 1000
)

// Event is one fan-out unit: a pre-marshaled envelope plus its delivery
// constraints.
type Event struct {
	Name string
	Data []byte

	// ExcludeUser skips every connection of one user; used for signal echoes
	// (typing, join/leave notices) that the author should not receive back.
	ExcludeUser string

	// ExcludeConn skips a single connection: the authoring device of a chat
	// message already renders it locally, the author's other devices still
	// get a copy.
	ExcludeConn string

	// Filter is an optional per-recipient target filter expression, compiled
	// once per event and run once per member.
	Filter string
	Sender *types.User

	// Done, when non-nil, receives the number of connections delivered to.
	Done chan int
}

// Hub is the delivery actor of one room. Every event of the room passes
// through its single loop, which yields room-level FIFO ordering without any
// cross-room lock.
type Hub struct {
	roomId string
	events chan *Event
	router *Router
}

func newHub(roomId string, router *Router) *Hub {
	return &Hub{
		roomId: roomId,
		events: make(chan *Event, eventChannelSize),
		router: router,
	}
}

func (h *Hub) run(done <-chan struct{}) {
	for {
		select {
		case ev := <-h.events:
			n := h.deliver(ev)
			if ev.Done != nil {
				ev.Done <- n
			}
		case <-done:
			return
		}
	}
}

// deliver resolves the room's member snapshot against the live connection set
// and writes the event to each connection in turn. A connection that cannot
// take the event within the delivery budget is torn down; its failure never
// aborts the rest of the fan-out.
func (h *Hub) deliver(ev *Event) int {
	members, err := h.router.store.Members(h.roomId)
	if err != nil {
		globals.AppLogger.Debug("dropping event for unknown room", "room", h.roomId, "event", ev.Name)
		return 0
	}

	var prog *vm.Program
	var env filter.Env
	if ev.Filter != "" {
		prog = filter.Compile(ev.Filter)
		if room, err := h.router.store.Room(h.roomId); err == nil {
			env.Room = filter.Room{Id: room.Id, Name: room.Name, Private: room.IsPrivate}
		}
		if ev.Sender != nil {
			env.Sender = filter.User{
				Id:          ev.Sender.Id,
				Username:    ev.Sender.Username,
				DisplayName: ev.Sender.DisplayName,
				Online:      true,
			}
		}
	}

	delivered := 0
	for _, userId := range members {
		if userId == ev.ExcludeUser {
			continue
		}
		if prog != nil && !h.passesFilter(prog, env, userId) {
			continue
		}
		for _, conn := range h.router.registry.UserConns(userId) {
			if conn.Handle() == ev.ExcludeConn {
				continue
			}
			if err := conn.Deliver(ev.Data, deliverWait); err != nil {
				globals.AppLogger.Warn("delivery failed, dropping connection",
					"room", h.roomId, "conn", conn.Handle(), "event", ev.Name, "error", err)
				conn.Kill("delivery failed")
				continue
			}
			delivered++
		}
	}
	return delivered
}

func (h *Hub) passesFilter(prog *vm.Program, env filter.Env, targetId string) bool {
	if target, ok := h.router.registry.UserById(targetId); ok {
		env.Target = filter.User{
			Id:          target.Id,
			Username:    target.Username,
			DisplayName: target.DisplayName,
			Online:      true,
		}
	} else {
		env.Target = filter.User{Id: targetId}
	}
	return filter.Run(prog, env)
}
