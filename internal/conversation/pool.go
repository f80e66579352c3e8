package conversation

import (
	"fmt"
	"sync"

	"github.com/dgraph-io/ristretto/v2"
)

// Pool hands out one Controller per conversation id so that concurrent
// requests for a conversation are serialized in-process. Idle controllers are
// evicted once more than maxControllers are cached; an evicted conversation
// is reloaded from the store on its next request.
type Pool struct {
	deps Deps
	mu   sync.Mutex
	c    *ristretto.Cache[string, *Controller]
}

// NewPool returns a pool building controllers from deps.
func NewPool(deps Deps, maxControllers int64) (*Pool, error) {
	if maxControllers <= 0 {
		maxControllers = 1024
	}
	c, err := ristretto.NewCache(&ristretto.Config[string, *Controller]{
		NumCounters:        maxControllers * 10,
		MaxCost:            maxControllers,
		BufferItems:        64,
		IgnoreInternalCost: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create controller pool: %w", err)
	}
	return &Pool{deps: deps, c: c}, nil
}

// Get returns the controller bound to conversationID.
func (p *Pool) Get(conversationID string) *Controller {
	if ctl, ok := p.c.Get(conversationID); ok {
		return ctl
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if ctl, ok := p.c.Get(conversationID); ok {
		return ctl
	}
	ctl := NewController(p.deps, conversationID)
	p.c.Set(conversationID, ctl, 1)
	p.c.Wait()
	return ctl
}

// Close releases the pool's goroutines.
func (p *Pool) Close() {
	p.c.Close()
}
