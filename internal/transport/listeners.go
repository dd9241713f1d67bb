package transport

import "sync"

// Listeners is an observer list safe for concurrent subscribe/unsubscribe.
type Listeners struct {
	mu     sync.RWMutex
	nextID int
	items  map[int]Listener
}

// Add registers l and returns its removal function.
func (ls *Listeners) Add(l Listener) func() {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	if ls.items == nil {
		ls.items = make(map[int]Listener)
	}
	id := ls.nextID
	ls.nextID++
	ls.items[id] = l

	var once sync.Once
	return func() {
		once.Do(func() {
			ls.mu.Lock()
			delete(ls.items, id)
			ls.mu.Unlock()
		})
	}
}

// Len returns the number of registered listeners.
func (ls *Listeners) Len() int {
	ls.mu.RLock()
	defer ls.mu.RUnlock()
	return len(ls.items)
}

func (ls *Listeners) snapshot() []Listener {
	ls.mu.RLock()
	defer ls.mu.RUnlock()
	out := make([]Listener, 0, len(ls.items))
	for _, l := range ls.items {
		out = append(out, l)
	}
	return out
}

// Message fans r out to every listener.
func (ls *Listeners) Message(r ReceiveResult) {
	for _, l := range ls.snapshot() {
		l.OnMessageReceived(r)
	}
}

// Close fans info out to every listener.
func (ls *Listeners) Close(info CloseInfo) {
	for _, l := range ls.snapshot() {
		l.OnClose(info)
	}
}
