// Package tips finds the block at which every independently persisting
// component last saved its state, so that they can all resume from a single
// common point after a restart.
package tips

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/lightninglabs/walletsync/chainview"
)

// keyPrefix is prepended to the key of every component.
const keyPrefix = "TIP_"

var (
	// ErrNotInitialized is returned when the common tip is read before the
	// reconciler has been initialized.
	ErrNotInitialized = errors.New("tip reconciler not initialized")

	// ErrAlreadyInitialized is returned when Initialize is called twice.
	ErrAlreadyInitialized = errors.New("tip reconciler already " +
		"initialized")
)

// TipResolutionError is returned when a persisted or provided tip hash can
// not be found in the chain index. This means the component state and the
// chain disagree, which can not be repaired automatically.
type TipResolutionError struct {
	// Key is the storage key of the component.
	Key string

	// Hash is the hash that failed to resolve.
	Hash chainhash.Hash
}

// Error returns a human readable description of the error.
func (e *TipResolutionError) Error() string {
	return fmt.Sprintf("tip %v of %v not found in chain index", e.Hash,
		e.Key)
}

// TipProvider is a component that persists its own progress through the
// chain.
type TipProvider interface {
	// TipKey returns the key the tip of the component is stored under.
	// An empty key selects a key derived from the component's type.
	TipKey() string
}

// Reconciler tracks the tips of a set of components and derives the common
// tip they can all resume from.
type Reconciler struct {
	store Store
	chain chainview.ChainIndex

	mtx         sync.RWMutex
	providers   []TipProvider
	commonTip   *chainview.Header
	initialized bool
}

// NewReconciler creates a reconciler persisting into store.
func NewReconciler(store Store, chain chainview.ChainIndex) *Reconciler {
	return &Reconciler{
		store: store,
		chain: chain,
	}
}

// Register adds a component whose tip takes part in the reconciliation.
func (r *Reconciler) Register(p TipProvider) {
	r.mtx.Lock()
	defer r.mtx.Unlock()

	r.providers = append(r.providers, p)
}

// Initialize computes the common tip of all registered components. It must
// be run exactly once, before CommonTip is consulted.
//
// The common tip is the chain tip if no component is registered, genesis if
// any component has no persisted tip, and the deepest common ancestor of all
// persisted tips otherwise.
func (r *Reconciler) Initialize(chainTip *chainview.Header) error {
	r.mtx.Lock()
	defer r.mtx.Unlock()

	if r.initialized {
		return ErrAlreadyInitialized
	}

	common, err := r.findCommonTip(chainTip)
	if err != nil {
		return err
	}

	r.commonTip = common
	r.initialized = true

	log.Infof("Common tip of %d components initialized at %v",
		len(r.providers), common)

	return nil
}

// findCommonTip folds the persisted tips of all providers.
//
// NOTE: must be called with the mutex held.
func (r *Reconciler) findCommonTip(
	chainTip *chainview.Header) (*chainview.Header, error) {

	common := chainTip
	for _, p := range r.providers {
		key := storageKey(p)

		rec, err := r.loadTip(key)
		if err != nil {
			return nil, err
		}

		if rec == nil {
			log.Infof("Component %v has no persisted tip, "+
				"starting from genesis", key)

			return r.chain.Genesis(), nil
		}

		hdr, ok := r.chain.HeaderByHash(&rec.Hash)
		if !ok {
			return nil, &TipResolutionError{
				Key:  key,
				Hash: rec.Hash,
			}
		}

		log.Debugf("Component %v persisted tip %v", key, hdr)

		common = chainview.FindFork(common, hdr)
		if common == nil {
			return nil, &TipResolutionError{
				Key:  key,
				Hash: rec.Hash,
			}
		}
	}

	return common, nil
}

// CommonTip returns the tip every component can resume from.
func (r *Reconciler) CommonTip() (*chainview.Header, error) {
	r.mtx.RLock()
	defer r.mtx.RUnlock()

	if !r.initialized {
		return nil, ErrNotInitialized
	}

	return r.commonTip, nil
}

// StoreTip resolves hash against the chain and persists it, with its height,
// as the tip of the component.
func (r *Reconciler) StoreTip(p TipProvider, hash chainhash.Hash) error {
	key := storageKey(p)

	hdr, ok := r.chain.HeaderByHash(&hash)
	if !ok {
		return &TipResolutionError{Key: key, Hash: hash}
	}

	rec := &TipRecord{Hash: hdr.Hash, Height: hdr.Height}
	value, err := rec.Bytes()
	if err != nil {
		return err
	}

	if err := r.store.Save(key, value); err != nil {
		return fmt.Errorf("unable to store tip of %v: %w", key, err)
	}

	log.Tracef("Stored tip %v for %v", hdr, key)

	return nil
}

// LoadTip returns the persisted tip of the component, or nil if it never
// stored one.
func (r *Reconciler) LoadTip(p TipProvider) (*TipRecord, error) {
	return r.loadTip(storageKey(p))
}

func (r *Reconciler) loadTip(key string) (*TipRecord, error) {
	value, err := r.store.Load(key)
	if err != nil {
		return nil, fmt.Errorf("unable to load tip of %v: %w", key, err)
	}

	if value.IsNone() {
		return nil, nil
	}

	rec, err := DecodeTipRecord(value.UnsafeFromSome())
	if err != nil {
		return nil, fmt.Errorf("unable to decode tip of %v: %w", key,
			err)
	}

	return rec, nil
}

// storageKey returns the key the tip of p is stored under.
func storageKey(p TipProvider) string {
	key := p.TipKey()
	if key == "" {
		key = strings.TrimPrefix(fmt.Sprintf("%T", p), "*")
	}

	return keyPrefix + key
}
