package reach

import (
	"math/rand/v2"
	"sync"
)

const (
	ephemeralPortMin = 49152
	ephemeralPortMax = 65535

	// maxPortAttempts bounds the allocation retry loop so a near-saturated
	// range surfaces as ErrPortsExhausted instead of spinning.
	maxPortAttempts = 128
)

// portAllocator hands out process-local source ports for outbound
// datagram flows. A claimed port is never reissued until freed, so two
// concurrently-live flows can never share one.
type portAllocator struct {
	lk      sync.Mutex
	claimed map[int]struct{}

	min, max int
}

func newPortAllocator() *portAllocator {
	return &portAllocator{
		claimed: make(map[int]struct{}),
		min:     ephemeralPortMin,
		max:     ephemeralPortMax,
	}
}

func (pa *portAllocator) Allocate() (int, error) {
	pa.lk.Lock()
	defer pa.lk.Unlock()
	for range maxPortAttempts {
		port := pa.min + rand.IntN(pa.max-pa.min+1)
		if _, taken := pa.claimed[port]; taken {
			continue
		}
		pa.claimed[port] = struct{}{}
		return port, nil
	}
	return 0, ErrPortsExhausted
}

func (pa *portAllocator) Free(port int) {
	pa.lk.Lock()
	delete(pa.claimed, port)
	pa.lk.Unlock()
}
