// Package identity deduplicates subjects across track gaps by matching a
// normalized facial descriptor against a short-lived gallery.
package identity

import (
	"sort"
	"sync"

	"gonum.org/v1/gonum/floats"

	"github.com/banshee-data/watchtower/internal/geom"
)

// Config holds registry parameters.
type Config struct {
	MatchThreshold float64 // Maximum cosine distance for a match
	TTL            int64   // Seconds an unseen identity is kept
	Momentum       float64 // Weight of the stored descriptor in the EMA blend
	MaxIdentities  int
}

// DefaultConfig returns the production registry parameters.
func DefaultConfig() Config {
	return Config{
		MatchThreshold: 0.20,
		TTL:            120,
		Momentum:       0.8,
		MaxIdentities:  1024,
	}
}

// Identity is a persistent subject identifier across track gaps.
type Identity struct {
	ID         int64     `json:"id"`
	Descriptor []float64 `json:"descriptor"`
	FirstSeen  int64     `json:"first_seen"` // stream seconds
	LastSeen   int64     `json:"last_seen"`  // stream seconds
	Matches    int       `json:"matches"`
}

// Registry maps descriptors to identities.
type Registry struct {
	cfg        Config
	identities map[int64]*Identity
	nextID     int64

	mu sync.RWMutex
}

// NewRegistry creates a registry. Zero fields fall back to DefaultConfig.
func NewRegistry(cfg Config) *Registry {
	def := DefaultConfig()
	if cfg.MatchThreshold <= 0 {
		cfg.MatchThreshold = def.MatchThreshold
	}
	if cfg.TTL <= 0 {
		cfg.TTL = def.TTL
	}
	if cfg.Momentum <= 0 || cfg.Momentum >= 1 {
		cfg.Momentum = def.Momentum
	}
	if cfg.MaxIdentities <= 0 {
		cfg.MaxIdentities = def.MaxIdentities
	}
	return &Registry{
		cfg:        cfg,
		identities: make(map[int64]*Identity),
		nextID:     1,
	}
}

// Config returns the registry configuration.
func (r *Registry) Config() Config { return r.cfg }

// Resolve returns the identity matching descriptor at stream time now,
// registering a new one when nothing is close enough. A nil, empty or zero
// descriptor returns (0, false) and registers nothing.
func (r *Registry) Resolve(descriptor []float64, now int64) (id int64, isNew bool) {
	if len(descriptor) == 0 || floats.Norm(descriptor, 2) == 0 {
		return 0, false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for id, ident := range r.identities {
		if now-ident.LastSeen > r.cfg.TTL {
			delete(r.identities, id)
		}
	}

	var best *Identity
	bestDist := 2.0
	for _, ident := range r.identities {
		d := geom.CosineDistance(descriptor, ident.Descriptor)
		if d < bestDist || (d == bestDist && best != nil && ident.ID < best.ID) {
			best, bestDist = ident, d
		}
	}

	if best != nil && bestDist <= r.cfg.MatchThreshold {
		blended := make([]float64, len(best.Descriptor))
		floats.AddScaled(blended, r.cfg.Momentum, best.Descriptor)
		floats.AddScaled(blended, 1-r.cfg.Momentum, descriptor)
		best.Descriptor = geom.L2Normalize(blended)
		best.LastSeen = now
		best.Matches++
		return best.ID, false
	}

	if len(r.identities) >= r.cfg.MaxIdentities {
		r.evictStalest()
	}
	ident := &Identity{
		ID:         r.nextID,
		Descriptor: geom.L2Normalize(descriptor),
		FirstSeen:  now,
		LastSeen:   now,
		Matches:    1,
	}
	r.nextID++
	r.identities[ident.ID] = ident
	return ident.ID, true
}

func (r *Registry) evictStalest() {
	var victim *Identity
	for _, ident := range r.identities {
		if victim == nil || ident.LastSeen < victim.LastSeen ||
			(ident.LastSeen == victim.LastSeen && ident.ID < victim.ID) {
			victim = ident
		}
	}
	if victim != nil {
		delete(r.identities, victim.ID)
	}
}

// Len returns the number of identities currently held, including any that
// have expired but not yet been swept by a Resolve call.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.identities)
}

// Identities returns copies of the live identities ordered by id.
func (r *Registry) Identities() []Identity {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Identity, 0, len(r.identities))
	for _, ident := range r.identities {
		c := *ident
		c.Descriptor = append([]float64(nil), ident.Descriptor...)
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Reset forgets every identity. Ids are never reused.
func (r *Registry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.identities = make(map[int64]*Identity)
}
