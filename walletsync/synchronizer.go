// Package walletsync feeds connected blocks into the wallets in chain order.
// Blocks are queued by the producers and consumed by a single goroutine that
// detects reorganizations, rolls the wallets back to the fork and replays the
// missed blocks from the block store.
package walletsync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/lightninglabs/walletsync/blockqueue"
	"github.com/lightninglabs/walletsync/chainview"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/looplab/fsm"
)

// Synchronizer keeps the wallets in line with the active chain.
type Synchronizer struct {
	started atomic.Bool
	stopped atomic.Bool

	cfg *Config

	queue   *blockqueue.Queue
	machine *fsm.FSM
	gm      *fn.GoroutineManager

	// syncMtx serializes every change of the wallet tip: absorbing a
	// block, rewinding to a height and resolving a loaded wallet.
	syncMtx sync.Mutex

	// tipMtx guards tip, the last block reflected in the wallets as seen
	// by the synchronizer.
	tipMtx sync.RWMutex
	tip    *chainview.Header
}

// New creates a synchronizer. Start must be called before blocks are
// consumed.
func New(cfg *Config) (*Synchronizer, error) {
	if cfg.Retry == (RetryPolicy{}) {
		cfg.Retry = DefaultRetryPolicy()
	}
	if err := cfg.Retry.Validate(); err != nil {
		return nil, err
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.NewDefaultClock()
	}

	return &Synchronizer{
		cfg:     cfg,
		queue:   blockqueue.New(cfg.MaxQueueBytes, cfg.QueueCapacity),
		machine: newStateMachine(),
		gm:      fn.NewGoroutineManager(),
	}, nil
}

// Start resolves the wallet tip against the chain and launches the consumer.
// If the tip is no longer part of the active chain, for example after an
// unclean shutdown during a reorganization, the wallets are rolled back to
// the deepest block their locators share with the chain. A configured start
// tip below the wallet tip rolls the wallets back further.
func (s *Synchronizer) Start(ctx context.Context) error {
	if !s.started.CompareAndSwap(false, true) {
		return fmt.Errorf("synchronizer already started")
	}

	s.syncMtx.Lock()
	tip := s.rewindToStartTip(s.resolveWalletTip())
	s.syncMtx.Unlock()

	if err := s.machine.Event(ctx, eventStart); err != nil {
		return err
	}

	if !s.gm.Go(ctx, s.consumeBlocks) {
		return fmt.Errorf("synchronizer is shutting down")
	}

	log.Infof("Wallet synchronizer started at %v", tip)

	return nil
}

// ResolveWalletTip moves the synchronizer tip to the wallet tip if the two
// differ, which happens once a wallet behind the others is loaded. The blocks
// above the wallet tip are absorbed again as the next block arrives.
func (s *Synchronizer) ResolveWalletTip() {
	s.syncMtx.Lock()
	defer s.syncMtx.Unlock()

	tipHash, _ := s.cfg.Wallets.WalletTip()
	if tip := s.Tip(); tip != nil && tip.Hash == tipHash {
		return
	}

	tip := s.resolveWalletTip()

	log.Infof("Wallet sync restarting from %v", tip)
}

// resolveWalletTip sets the tip to the wallet tip, or to the fork the wallets
// are rolled back to if the wallet tip left the active chain.
//
// NOTE: syncMtx must be held.
func (s *Synchronizer) resolveWalletTip() *chainview.Header {
	tipHash, tipHeight := s.cfg.Wallets.WalletTip()

	tip, ok := s.cfg.Chain.HeaderByHash(&tipHash)
	if !ok {
		fork := s.locateFork()

		log.Infof("Wallet tip %v at height %d not on active chain, "+
			"rolling back to %v", tipHash, tipHeight, fork)

		s.cfg.Wallets.RollbackAbove(fork)
		tip = fork
	}
	s.setTip(tip)

	return tip
}

// rewindToStartTip rolls the wallets back to the configured start tip if it
// lies below the given tip on the active chain. Wallets without a tip have
// nothing to roll back.
//
// NOTE: syncMtx must be held.
func (s *Synchronizer) rewindToStartTip(
	tip *chainview.Header) *chainview.Header {

	start := s.cfg.StartTip.UnwrapOr(tip)
	switch {
	case start == nil || start.Height >= tip.Height:
		return tip

	case len(s.cfg.Wallets.WalletLocators()) == 0:
		return tip

	case !chainview.OnActiveChain(s.cfg.Chain, start):
		log.Warnf("Start tip %v not on active chain, keeping wallet "+
			"tip %v", start, tip)

		return tip
	}

	log.Infof("Rolling wallets back from %v to start tip %v", tip, start)

	s.cfg.Wallets.RollbackAbove(start)
	s.setTip(start)

	return start
}

// locateFork finds the deepest active chain block all wallets agree on.
func (s *Synchronizer) locateFork() *chainview.Header {
	locators := s.cfg.Wallets.WalletLocators()
	if !s.cfg.Wallets.ContainsWallets() || len(locators) == 0 {
		return s.cfg.Chain.Tip()
	}

	var fork *chainview.Header
	for _, locator := range locators {
		h := chainview.LocateFork(s.cfg.Chain, locator)
		if fork == nil || h.Height < fork.Height {
			fork = h
		}
	}

	return fork
}

// Stop stops the consumer. A block that is being absorbed is completed
// first.
func (s *Synchronizer) Stop() error {
	if !s.stopped.CompareAndSwap(false, true) {
		return nil
	}

	s.gm.Stop()

	if s.machine.Can(eventResetState) {
		s.transition(eventResetState)
	}

	log.Infof("Wallet synchronizer stopped at %v", s.Tip())

	return nil
}

// Tip returns the synchronizer tip.
func (s *Synchronizer) Tip() *chainview.Header {
	s.tipMtx.RLock()
	defer s.tipMtx.RUnlock()

	return s.tip
}

func (s *Synchronizer) setTip(tip *chainview.Header) {
	s.tipMtx.Lock()
	s.tip = tip
	s.tipMtx.Unlock()

	prometheusTipHeight.Set(float64(tip.Height))
}

// State returns the current state of the synchronizer.
func (s *Synchronizer) State() string {
	return s.machine.Current()
}

// QueueSize returns the serialized size of the queued blocks.
func (s *Synchronizer) QueueSize() int64 {
	return s.queue.Size()
}

// ProcessBlock hands a connected block to the synchronizer. Blocks are
// dropped while the queue is full; the chain backend redelivers a later block
// that triggers a replay of the dropped ones. Without wallets there is
// nothing to absorb and the tip simply follows the chain.
func (s *Synchronizer) ProcessBlock(block *btcutil.Block) {
	if !s.cfg.Wallets.ContainsWallets() {
		s.followChain(block)
		return
	}

	err := s.queue.Enqueue(block)
	prometheusQueueBytes.Set(float64(s.queue.Size()))
	if errors.Is(err, blockqueue.ErrQueueFullAndDropped) {
		prometheusBlocksDropped.Inc()
		log.Debugf("Block queue full, dropped block %v", block.Hash())

		return
	}
	if err != nil {
		log.Errorf("Unable to queue block %v: %v", block.Hash(), err)
	}
}

// followChain moves the tip to the block without absorbing it.
func (s *Synchronizer) followChain(block *btcutil.Block) {
	s.syncMtx.Lock()
	defer s.syncMtx.Unlock()

	hdr, ok := s.cfg.Chain.HeaderByHash(block.Hash())
	if !ok {
		return
	}

	s.cfg.Wallets.SetWalletTip(hdr)
	s.setTip(hdr)
}

// ProcessTransaction absorbs an unconfirmed transaction right away.
func (s *Synchronizer) ProcessTransaction(tx *btcutil.Tx) {
	found, err := s.cfg.Wallets.ProcessTransaction(
		tx, fn.None[int32](), nil, true,
	)
	if err != nil {
		log.Errorf("Unable to absorb tx %v: %v", tx.Hash(), err)
		return
	}

	if found {
		log.Debugf("Unconfirmed tx %v affects the wallets", tx.Hash())
	}
}

// SyncFromHeight moves the tip back, or forward, to the active chain block
// at the given height. Blocks above it are absorbed again as the next block
// arrives; absorption is idempotent so records already present are kept.
func (s *Synchronizer) SyncFromHeight(height int32) error {
	hdr, ok := s.cfg.Chain.HeaderByHeight(height)
	if !ok {
		return fmt.Errorf("%w: %d", ErrInvalidHeight, height)
	}

	s.syncMtx.Lock()
	defer s.syncMtx.Unlock()

	s.cfg.Wallets.SetWalletTip(hdr)
	s.setTip(hdr)

	log.Infof("Wallet sync restarting from %v", hdr)

	return nil
}

// SyncFromDate moves the tip to the first block not older than t.
func (s *Synchronizer) SyncFromDate(t time.Time) error {
	return s.SyncFromHeight(s.cfg.Chain.HeightForTime(t))
}

// consumeBlocks is the single consumer of the block queue. It exits once the
// context is done, never in the middle of a block.
func (s *Synchronizer) consumeBlocks(ctx context.Context) {
	for {
		block, err := s.queue.Dequeue(ctx).Unpack()
		if err != nil {
			return
		}
		prometheusQueueBytes.Set(float64(s.queue.Size()))

		s.handleBlock(ctx, block)
	}
}

// handleBlock brings the wallets up to the delivered block.
func (s *Synchronizer) handleBlock(ctx context.Context, block *btcutil.Block) {
	s.syncMtx.Lock()
	defer s.syncMtx.Unlock()

	newTip, ok := s.cfg.Chain.HeaderByHash(block.Hash())
	if !ok {
		prometheusStaleBlocks.Inc()
		log.Debugf("Discarding block %v, no longer on active chain",
			block.Hash())

		return
	}

	tip := s.Tip()
	if block.MsgBlock().Header.PrevBlock == tip.Hash {
		log.Tracef("Block %v connects to tip", newTip)

		s.connectBlock(block, newTip)

		return
	}

	s.transition(eventResolve)
	defer s.transition(eventCatchUp)

	tip = s.resolveReorg(tip)

	// A block at or below the tip is already reflected in the wallets.
	if newTip.Height <= tip.Height {
		if !newTip.IsAncestorOf(tip) {
			log.Debugf("Block %v not an ancestor of tip %v",
				newTip, tip)
		}

		return
	}

	if !tip.IsAncestorOf(newTip) {
		log.Debugf("Tip %v not an ancestor of block %v", tip, newTip)
		return
	}

	log.Debugf("Tip %v behind block %v, replaying", tip, newTip)

	s.transition(eventReplay)
	for height := tip.Height + 1; height < newTip.Height; height++ {
		if ctx.Err() != nil {
			return
		}

		next := newTip.Ancestor(height)
		missed, err := s.fetchBlock(ctx, next).Unpack()
		if err != nil {
			log.Warnf("Unable to catch up to %v, waiting for next "+
				"block: %v", newTip, err)

			return
		}

		if !s.connectBlock(missed, next) {
			return
		}
	}

	s.connectBlock(block, newTip)
}

// resolveReorg walks back from the tip until it reaches the active chain and
// rolls the wallets back to that fork. The new tip is returned.
func (s *Synchronizer) resolveReorg(tip *chainview.Header) *chainview.Header {
	if chainview.OnActiveChain(s.cfg.Chain, tip) {
		return tip
	}

	fork := tip
	for fork != nil && !chainview.OnActiveChain(s.cfg.Chain, fork) {
		fork = fork.Parent()
	}
	if fork == nil {
		fork = s.cfg.Chain.Genesis()
	}

	log.Infof("Reorg detected, going back from %v to %v", tip, fork)

	s.cfg.Wallets.RollbackAbove(fork)
	s.setTip(fork)
	prometheusReorgs.Inc()

	return fork
}

// connectBlock absorbs a block connecting to the tip. A block the wallets
// refuse stalls the sync: the tip stays put so that the block is retried with
// the next delivery and nothing above it is absorbed.
func (s *Synchronizer) connectBlock(block *btcutil.Block,
	hdr *chainview.Header) bool {

	if err := s.cfg.Wallets.ProcessBlock(block, hdr); err != nil {
		prometheusSyncStalls.Inc()
		log.Errorf("Wallet sync stalled at %v, unable to process "+
			"block %v: %v", s.Tip(), hdr, err)

		return false
	}

	s.setTip(hdr)
	prometheusBlocksProcessed.Inc()

	return true
}

// fetchBlock reads a block from the store. Blocks the store does not have
// yet are retried according to the retry policy.
func (s *Synchronizer) fetchBlock(ctx context.Context,
	hdr *chainview.Header) fn.Result[*btcutil.Block] {

	policy := s.cfg.Retry
	for attempt := 1; ; attempt++ {
		block, err := s.cfg.Blocks.FetchBlock(&hdr.Hash)
		switch {
		case err == nil:
			return fn.Ok(block)

		case !errors.Is(err, chainview.ErrBlockNotYetAvailable):
			return fn.Err[*btcutil.Block](err)

		case attempt >= policy.Attempts:
			return fn.Err[*btcutil.Block](fmt.Errorf("block %v "+
				"still missing after %d attempts: %w", hdr,
				attempt, err))
		}

		prometheusReplayRetries.Inc()
		log.Debugf("Block %v not in store yet, attempt %d of %d", hdr,
			attempt, policy.Attempts)

		select {
		case <-s.cfg.Clock.TickAfter(policy.Backoff):
		case <-ctx.Done():
			return fn.Err[*btcutil.Block](ctx.Err())
		}
	}
}

// transition fires a state machine event. Transitions only fail on a
// programming error, which is logged.
func (s *Synchronizer) transition(event string) {
	err := s.machine.Event(context.Background(), event)
	if err != nil && !isNoTransition(err) {
		log.Errorf("Invalid sync state transition %v from %v: %v",
			event, s.machine.Current(), err)
	}
}

func isNoTransition(err error) bool {
	var noTransition fsm.NoTransitionError

	return errors.As(err, &noTransition)
}
