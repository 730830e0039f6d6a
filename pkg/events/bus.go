package events

import (
	"sync"
	"sync/atomic"

	"xypriss/pkg/logger"
)

// Token identifies a subscription for later Unsubscribe calls.
type Token uint64

// Priority controls delivery order when a Bus's internal dispatch queue is
// backed up: higher-priority subscribers are fanned out to first on every
// dispatch cycle so time-sensitive consumers (the cluster supervisor) are
// not starved by slower ones (diagnostics, logging).
type Priority int

const (
	PriorityLow      Priority = 0
	PriorityNormal   Priority = 5
	PriorityHigh     Priority = 10
	PriorityCritical Priority = 20
)

const defaultDispatchBuffer = 4096

type subscription struct {
	token    Token
	typ      Type
	priority Priority
	ch       chan Event
}

// Bus is a bounded, asynchronous publish-subscribe event bus. Publish never
// blocks the caller beyond enqueueing onto the bus's internal dispatch
// buffer; a background goroutine fans each event out to matching
// subscribers. A subscriber whose own buffered channel is full has the
// event dropped for it (with a warning log) rather than stalling dispatch
// for every other subscriber.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[Type][]*subscription
	nextToken   atomic.Uint64

	dispatch chan Event
	done     chan struct{}
	wg       sync.WaitGroup
}

// NewBus creates a Bus and starts its dispatch loop. Close must be called
// to stop the loop and release resources.
func NewBus() *Bus {
	b := &Bus{
		subscribers: make(map[Type][]*subscription),
		dispatch:    make(chan Event, defaultDispatchBuffer),
		done:        make(chan struct{}),
	}

	b.wg.Add(1)
	go b.dispatchLoop()

	return b
}

// Subscribe registers a new subscriber for the given event Type with a
// bounded delivery channel of the given buffer size. It returns the
// channel to receive on and a Token to later Unsubscribe.
func (b *Bus) Subscribe(typ Type, priority Priority, bufferSize int) (<-chan Event, Token) {
	if bufferSize <= 0 {
		bufferSize = 64
	}

	sub := &subscription{
		token:    Token(b.nextToken.Add(1)),
		typ:      typ,
		priority: priority,
		ch:       make(chan Event, bufferSize),
	}

	b.mu.Lock()
	subs := append(b.subscribers[typ], sub)
	sortByPriorityDesc(subs)
	b.subscribers[typ] = subs
	b.mu.Unlock()

	return sub.ch, sub.token
}

// Unsubscribe removes the subscription identified by token and closes its
// channel. It is a no-op if the token is unknown.
func (b *Bus) Unsubscribe(token Token) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for typ, subs := range b.subscribers {
		for i, sub := range subs {
			if sub.token == token {
				close(sub.ch)
				b.subscribers[typ] = append(subs[:i], subs[i+1:]...)
				return
			}
		}
	}
}

// Publish enqueues an event for asynchronous fan-out. If the bus's
// dispatch buffer is saturated, the event is dropped and a warning is
// logged rather than blocking the publisher — publishers are request-path
// code and must never stall on event delivery.
func (b *Bus) Publish(e Event) {
	select {
	case b.dispatch <- e:
	default:
		logger.Log.Warn("event bus dispatch buffer saturated, dropping event", "type", string(e.Type))
	}
}

// Close stops the dispatch loop and closes every subscriber channel.
func (b *Bus) Close() {
	close(b.done)
	b.wg.Wait()

	b.mu.Lock()
	defer b.mu.Unlock()
	for _, subs := range b.subscribers {
		for _, sub := range subs {
			close(sub.ch)
		}
	}
	b.subscribers = make(map[Type][]*subscription)
}

func (b *Bus) dispatchLoop() {
	defer b.wg.Done()

	for {
		select {
		case <-b.done:
			return
		case e := <-b.dispatch:
			b.fanOut(e)
		}
	}
}

func (b *Bus) fanOut(e Event) {
	b.mu.RLock()
	subs := b.subscribers[e.Type]
	b.mu.RUnlock()

	for _, sub := range subs {
		select {
		case sub.ch <- e:
		default:
			logger.Log.Warn("subscriber buffer full, dropping event",
				"type", string(e.Type), "token", sub.token)
		}
	}
}

func sortByPriorityDesc(subs []*subscription) {
	for i := 1; i < len(subs); i++ {
		for j := i; j > 0 && subs[j-1].priority < subs[j].priority; j-- {
			subs[j-1], subs[j] = subs[j], subs[j-1]
		}
	}
}
