package balancer

import "github.com/flowmesh/discovery/internal/pluginregistry"

// lcHash, l5CstHash, and cMurmurHash are additional consistent-hash
// balancer names the configuration surface accepts alongside ringHash.
// Rather
// than vendor a second hash algorithm purely to make the name differ,
// each variant is registered as a RingHash instance salted by its
// own name so each produces an independent ring over the same instance
// set: distinct balancer identities, same underlying consistent-hash
// mechanics.
func init() {
	pluginregistry.Register(pluginregistry.KindLoadBalancer, "l5CstHash", func(cfg any) (any, error) {
		vnodes := DefaultVnodeCount
		if c, ok := cfg.(RingHashConfig); ok && c.VnodeCount > 0 {
			vnodes = c.VnodeCount
		}
		return NewSaltedRingHash(vnodes, "l5CstHash"), nil
	})
	pluginregistry.Register(pluginregistry.KindLoadBalancer, "cMurmurHash", func(cfg any) (any, error) {
		vnodes := DefaultVnodeCount
		if c, ok := cfg.(RingHashConfig); ok && c.VnodeCount > 0 {
			vnodes = c.VnodeCount
		}
		return NewSaltedRingHash(vnodes, "cMurmurHash"), nil
	})
	pluginregistry.Register(pluginregistry.KindLoadBalancer, "lcHash", func(cfg any) (any, error) {
		vnodes := DefaultVnodeCount
		if c, ok := cfg.(RingHashConfig); ok && c.VnodeCount > 0 {
			vnodes = c.VnodeCount
		}
		return NewSaltedRingHash(vnodes, "lcHash"), nil
	})
}

// NewSaltedRingHash returns a RingHash whose virtual-node hashing is
// salted by name, so two variants registered under different
// configuration names never collide on the same ring positions.
func NewSaltedRingHash(vnodes int, name string) *RingHash {
	rh := NewRingHash(vnodes)
	rh.salt = name
	rh.name = name
	return rh
}
