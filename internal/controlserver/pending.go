package controlserver

import (
	"sync"
	"time"

	"pos-agent/internal/protocol"
)

// pendingEntry is a waiter for one command's save_results.
type pendingEntry struct {
	ch       chan protocol.SaveResults
	deviceID string
	created  time.Time
}

// pendingSet maps command_id to its waiter. Register before sending so an
// immediate result cannot be missed.
type pendingSet struct {
	mu sync.Mutex
	m  map[string]*pendingEntry
}

func newPendingSet() *pendingSet {
	return &pendingSet{m: make(map[string]*pendingEntry)}
}

func (p *pendingSet) register(commandID, deviceID string) <-chan protocol.SaveResults {
	p.mu.Lock()
	defer p.mu.Unlock()
	ch := make(chan protocol.SaveResults, 1)
	p.m[commandID] = &pendingEntry{ch: ch, deviceID: deviceID, created: time.Now()}
	return ch
}

func (p *pendingSet) unregister(commandID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.m, commandID)
}

// resolve hands res to the waiter for its command and reports whether one
// was registered.
func (p *pendingSet) resolve(res protocol.SaveResults) bool {
	p.mu.Lock()
	entry, ok := p.m[res.CommandID]
	if ok {
		delete(p.m, res.CommandID)
	}
	p.mu.Unlock()

	if !ok {
		return false
	}
	entry.ch <- res
	close(entry.ch)
	return true
}

// failDevice closes every waiter for deviceID so callers stop waiting.
func (p *pendingSet) failDevice(deviceID string) int {
	p.mu.Lock()
	var failed []*pendingEntry
	for id, e := range p.m {
		if e.deviceID == deviceID {
			failed = append(failed, e)
			delete(p.m, id)
		}
	}
	p.mu.Unlock()

	for _, e := range failed {
		close(e.ch)
	}
	return len(failed)
}

func (p *pendingSet) len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.m)
}
