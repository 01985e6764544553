package clients

import (
	"fmt"
	"sort"
	"sync"

	"github.com/vitwit/payflow/types"
)

// Provider maps chain ids to their clients. Chains are registered during
// setup; lookups are safe for concurrent use.
type Provider struct {
	mu       sync.RWMutex
	clients  map[int64]ChainClient
	bundlers map[int64]Bundler
}

func NewProvider() *Provider {
	return &Provider{
		clients:  make(map[int64]ChainClient),
		bundlers: make(map[int64]Bundler),
	}
}

// Add registers a chain client and its bundler. bundler may be nil for
// chains that only deploy.
func (p *Provider) Add(client ChainClient, bundler Bundler) error {
	if client == nil {
		return fmt.Errorf("client cannot be nil")
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	id := client.ChainID()
	if _, exists := p.clients[id]; exists {
		return types.NewError(types.CodeConfigError, "chain %d already registered", id)
	}
	p.clients[id] = client
	if bundler != nil {
		p.bundlers[id] = bundler
	}
	return nil
}

// Client returns the chain client for chainID.
func (p *Provider) Client(chainID int64) (ChainClient, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	c, ok := p.clients[chainID]
	if !ok {
		return nil, types.NewError(types.CodeEmptyClient, "no client configured").OnChain(chainID)
	}
	return c, nil
}

// Bundler returns the bundler for chainID.
func (p *Provider) Bundler(chainID int64) (Bundler, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	b, ok := p.bundlers[chainID]
	if !ok {
		return nil, types.NewError(types.CodeEmptyClient, "no bundler configured").OnChain(chainID)
	}
	return b, nil
}

func (p *Provider) Has(chainID int64) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, ok := p.clients[chainID]
	return ok
}

// ChainIDs lists registered chains in ascending order.
func (p *Provider) ChainIDs() []int64 {
	p.mu.RLock()
	defer p.mu.RUnlock()

	ids := make([]int64, 0, len(p.clients))
	for id := range p.clients {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Close closes all client connections
func (p *Provider) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, c := range p.clients {
		c.Close()
	}
	for _, b := range p.bundlers {
		b.Close()
	}
}
