package windows

import (
	"context"
	"sync"
)

// MemHub is an in-process SlotStore fabric for tests and single-host runs.
// Each "window" takes its own handle via Client; notifications fan out to
// every handle except the writer's, matching the RedisStore contract.
type MemHub struct {
	mu   sync.Mutex
	data map[string]string
	subs map[int]*memSub
	next int
}

type memSub struct {
	client *MemClient
	fn     func(key string)
}

func NewMemHub() *MemHub {
	return &MemHub{
		data: make(map[string]string),
		subs: make(map[int]*memSub),
	}
}

// Client returns a store handle with its own writer identity.
func (h *MemHub) Client() *MemClient {
	return &MemClient{hub: h}
}

type MemClient struct {
	hub *MemHub
}

func (c *MemClient) Write(_ context.Context, key, value string) error {
	c.hub.mu.Lock()
	c.hub.data[key] = value
	fns := c.hub.otherSubscribers(c)
	c.hub.mu.Unlock()

	for _, fn := range fns {
		fn(key)
	}
	return nil
}

func (c *MemClient) Read(_ context.Context, key string) (string, bool, error) {
	c.hub.mu.Lock()
	defer c.hub.mu.Unlock()
	v, ok := c.hub.data[key]
	return v, ok, nil
}

func (c *MemClient) Delete(_ context.Context, key string) error {
	c.hub.mu.Lock()
	_, existed := c.hub.data[key]
	delete(c.hub.data, key)
	fns := c.hub.otherSubscribers(c)
	c.hub.mu.Unlock()

	if existed {
		for _, fn := range fns {
			fn(key)
		}
	}
	return nil
}

func (c *MemClient) Subscribe(_ context.Context, fn func(key string)) (func(), error) {
	c.hub.mu.Lock()
	defer c.hub.mu.Unlock()

	id := c.hub.next
	c.hub.next++
	c.hub.subs[id] = &memSub{client: c, fn: fn}

	return func() {
		c.hub.mu.Lock()
		defer c.hub.mu.Unlock()
		delete(c.hub.subs, id)
	}, nil
}

// otherSubscribers must be called with the hub lock held.
func (h *MemHub) otherSubscribers(writer *MemClient) []func(key string) {
	var fns []func(string)
	for _, s := range h.subs {
		if s.client == writer {
			continue
		}
		fns = append(fns, s.fn)
	}
	return fns
}
