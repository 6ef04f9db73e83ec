package reach

import "sync"

// registry is the authoritative mapping from connection identity to live
// flow state. At most one live flow exists per identity at any time; all
// operations are atomic with respect to concurrent flow activity. drain
// leaves the registry terminally closed so a receive path racing a
// shutdown cannot register a flow nobody will ever tear down.
type registry struct {
	lk     sync.Mutex
	flows  map[string]*DatagramFlow
	closed bool
}

func newRegistry() *registry {
	return &registry{
		flows: make(map[string]*DatagramFlow),
	}
}

func (rg *registry) lookup(identity string) (*DatagramFlow, bool) {
	rg.lk.Lock()
	defer rg.lk.Unlock()
	fl, ok := rg.flows[identity]
	return fl, ok
}

// insert registers fl under identity. It fails with ErrIdentityInUse if
// the identity is already live and with ErrManagerClosed once the
// registry has been drained.
func (rg *registry) insert(identity string, fl *DatagramFlow) error {
	rg.lk.Lock()
	defer rg.lk.Unlock()
	if rg.closed {
		return ErrManagerClosed
	}
	if _, taken := rg.flows[identity]; taken {
		return ErrIdentityInUse
	}
	rg.flows[identity] = fl
	return nil
}

func (rg *registry) remove(identity string) {
	rg.lk.Lock()
	delete(rg.flows, identity)
	rg.lk.Unlock()
}

// snapshot returns every live flow without disturbing the registry.
func (rg *registry) snapshot() []*DatagramFlow {
	rg.lk.Lock()
	defer rg.lk.Unlock()
	flows := make([]*DatagramFlow, 0, len(rg.flows))
	for _, fl := range rg.flows {
		flows = append(flows, fl)
	}
	return flows
}

// drain empties the registry and returns every flow that was live, for
// shutdown teardown. The registry refuses insertions from then on.
func (rg *registry) drain() []*DatagramFlow {
	rg.lk.Lock()
	defer rg.lk.Unlock()
	rg.closed = true
	flows := make([]*DatagramFlow, 0, len(rg.flows))
	for _, fl := range rg.flows {
		flows = append(flows, fl)
	}
	rg.flows = make(map[string]*DatagramFlow)
	return flows
}
