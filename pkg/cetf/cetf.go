// Package cetf lets validators sign a queue of tags per height with
// BLS keys, so external verifiers can check threshold attestations
// without following the chain.
package cetf

import (
	"errors"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/subnetlabs/subnetd/pkg/types"
)

// Tag is a 32-byte value enqueued for signing at a height.
type Tag [32]byte

var (
	ErrNotEnabled      = errors.New("tag signing not enabled")
	ErrAlreadyEnabled  = errors.New("tag signing already enabled")
	ErrMissingKeys     = errors.New("not all validators have registered a key")
	ErrUnknownSigner   = errors.New("signer has no registered key")
	ErrBadSignatureLen = errors.New("bad signature length")
)

// Registry is the tag state machine: validators enrol their BLS keys,
// the extension is enabled once every validator in the power table
// has enrolled, and from then on tags queue up per height.
//
// Enrolment after enable is rejected: verifiers pin the key set at
// the enable height.
type Registry struct {
	mu      sync.Mutex
	enabled bool
	keys    map[common.Address]BlsPublicKey
	queue   map[types.BlockHeight][]Tag
}

func NewRegistry() *Registry {
	return &Registry{
		keys:  make(map[common.Address]BlsPublicKey),
		queue: make(map[types.BlockHeight][]Tag),
	}
}

// AddValidator enrols a validator's BLS public key.
func (r *Registry) AddValidator(addr common.Address, key BlsPublicKey) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.enabled {
		return ErrAlreadyEnabled
	}
	r.keys[addr] = key
	return nil
}

// Enable turns tag signing on. Every validator in the power table
// must have enrolled first.
func (r *Registry) Enable(pt types.PowerTable) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.enabled {
		return ErrAlreadyEnabled
	}
	for _, v := range pt.Validators {
		if _, ok := r.keys[v.Addr]; !ok {
			return fmt.Errorf("%w: %s", ErrMissingKeys, v.Addr)
		}
	}
	r.enabled = true
	return nil
}

func (r *Registry) Enabled() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.enabled
}

// EnqueueTag queues a tag for signing at a height.
func (r *Registry) EnqueueTag(height types.BlockHeight, tag Tag) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.enabled {
		return ErrNotEnabled
	}
	r.queue[height] = append(r.queue[height], tag)
	return nil
}

func (r *Registry) TagsAt(height types.BlockHeight) []Tag {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Tag(nil), r.queue[height]...)
}

// ClearBelow drops queues for heights below the given one.
func (r *Registry) ClearBelow(height types.BlockHeight) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for h := range r.queue {
		if h < height {
			delete(r.queue, h)
		}
	}
}

// KeyOf returns the registered key of a validator.
func (r *Registry) KeyOf(addr common.Address) (BlsPublicKey, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	k, ok := r.keys[addr]
	return k, ok
}

// VerifyTag checks a validator's signature over a tag.
func (r *Registry) VerifyTag(addr common.Address, tag Tag, sig BlsSignature) error {
	key, ok := r.KeyOf(addr)
	if !ok {
		return ErrUnknownSigner
	}
	if !Verify(key, tag[:], sig) {
		return fmt.Errorf("tag signature does not verify for %s", addr)
	}
	return nil
}
