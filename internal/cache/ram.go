package cache

import "sync"

// ramCache is a byte-bounded LRU of payloads. It only ever holds entries that
// are already persisted, so dropping from it never loses data.
type ramCache struct {
	maxBytes int64

	mu    sync.Mutex
	items map[string]*ramItem
	head  *ramItem
	tail  *ramItem
	total int64
	// gen counts Put and Delete calls; Fill compares against it
	gen uint64
}

type ramItem struct {
	key     string
	payload []byte
	prev    *ramItem
	next    *ramItem
}

func newRAMCache(maxBytes int64) *ramCache {
	return &ramCache{maxBytes: maxBytes, items: map[string]*ramItem{}}
}

func (c *ramCache) fits(n int) bool { return int64(n) <= c.maxBytes }

func (c *ramCache) TotalSize() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.total
}

func (c *ramCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

func (c *ramCache) Get(key string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	it, ok := c.items[key]
	if !ok {
		return nil, false
	}
	c.moveToFront(it)
	return it.payload, true
}

func (c *ramCache) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gen++
	if it, ok := c.items[key]; ok {
		c.drop(it)
	}
}

// Gen returns the current write generation.
func (c *ramCache) Gen() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gen
}

// Fill stores a payload read from disk, unless a Put or Delete happened after
// gen was taken.
func (c *ramCache) Fill(key string, payload []byte, gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gen != gen {
		return false
	}
	c.put(key, payload)
	return true
}

func (c *ramCache) Put(key string, payload []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gen++
	c.put(key, payload)
}

func (c *ramCache) put(key string, payload []byte) {
	sz := int64(len(payload))
	if it, ok := c.items[key]; ok {
		c.drop(it)
	}
	if sz > c.maxBytes {
		return
	}
	for c.total+sz > c.maxBytes && c.tail != nil {
		c.drop(c.tail)
	}

	it := &ramItem{key: key, payload: payload}
	c.items[key] = it
	c.addToFront(it)
	c.total += sz
}

func (c *ramCache) drop(it *ramItem) {
	c.remove(it)
	delete(c.items, it.key)
	c.total -= int64(len(it.payload))
}

func (c *ramCache) addToFront(it *ramItem) {
	it.prev = nil
	it.next = c.head
	if c.head != nil {
		c.head.prev = it
	}
	c.head = it
	if c.tail == nil {
		c.tail = it
	}
}

func (c *ramCache) remove(it *ramItem) {
	if it.prev != nil {
		it.prev.next = it.next
	} else {
		c.head = it.next
	}
	if it.next != nil {
		it.next.prev = it.prev
	} else {
		c.tail = it.prev
	}
	it.prev, it.next = nil, nil
}

func (c *ramCache) moveToFront(it *ramItem) {
	if c.head == it {
		return
	}
	c.remove(it)
	c.addToFront(it)
}
