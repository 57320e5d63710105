// Package btcdsource follows a btcd node over its websocket RPC interface. It
// mirrors the node's header chain into a chainview.Chain, serves blocks from
// the node and publishes connected blocks and mempool transactions on the
// event bus.
package btcdsource

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/btcsuite/btcd/btcjson"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/rpcclient"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightninglabs/walletsync/chainview"
	"github.com/lightninglabs/walletsync/eventbus"
	"github.com/lightningnetwork/lnd/queue"
)

const (
	// connectRetries is the number of connection attempts on start.
	connectRetries = 20

	// updateBuffer is the channel buffer of the notification queue.
	updateBuffer = 20
)

// ChainClient is the part of the btcd RPC client the source uses.
type ChainClient interface {
	Connect(tries int) error
	Shutdown()

	NotifyBlocks() error
	NotifyNewTransactions(verbose bool) error

	GetBestBlock() (*chainhash.Hash, int32, error)
	GetBlockHash(height int64) (*chainhash.Hash, error)
	GetBlockHeader(hash *chainhash.Hash) (*wire.BlockHeader, error)
	GetBlock(hash *chainhash.Hash) (*wire.MsgBlock, error)
	GetRawTransaction(hash *chainhash.Hash) (*btcutil.Tx, error)
}

// A compile-time check to ensure the RPC client satisfies ChainClient.
var _ ChainClient = (*rpcclient.Client)(nil)

// blockUpdate is queued for every block the node connects.
type blockUpdate struct {
	hash   chainhash.Hash
	height int32
}

// txUpdate is queued for every transaction entering the node's mempool.
type txUpdate struct {
	hash chainhash.Hash
}

// Source mirrors the chain of a btcd node.
type Source struct {
	started atomic.Bool
	stopped atomic.Bool

	client ChainClient
	chain  *chainview.Chain
	bus    *eventbus.Bus

	// syncMtx serializes header syncs.
	syncMtx sync.Mutex

	// updates carries the notifications from the RPC client's handlers to
	// the dispatcher without blocking them.
	updates *queue.ConcurrentQueue

	quit chan struct{}
	wg   sync.WaitGroup
}

// A compile-time check to ensure Source satisfies the BlockStore interface.
var _ chainview.BlockStore = (*Source)(nil)

// New creates a source on top of an existing client. The client's
// notification handlers must call Handlers of the returned source.
func New(client ChainClient, params *chaincfg.Params,
	bus *eventbus.Bus) *Source {

	return &Source{
		client:  client,
		chain:   chainview.NewChain(&params.GenesisBlock.Header),
		bus:     bus,
		updates: queue.NewConcurrentQueue(updateBuffer),
		quit:    make(chan struct{}),
	}
}

// NewRPCSource connects to btcd with the given connection config.
func NewRPCSource(cfg rpcclient.ConnConfig, params *chaincfg.Params,
	bus *eventbus.Bus) (*Source, error) {

	s := New(nil, params, bus)

	cfg.Endpoint = "ws"
	cfg.DisableConnectOnNew = true
	cfg.DisableAutoReconnect = false
	client, err := rpcclient.New(&cfg, s.Handlers())
	if err != nil {
		return nil, err
	}
	s.client = client

	return s, nil
}

// Handlers returns the notification handlers to register with the RPC
// client.
func (s *Source) Handlers() *rpcclient.NotificationHandlers {
	return &rpcclient.NotificationHandlers{
		OnBlockConnected: s.onBlockConnected,
		OnTxAccepted:     s.onTxAccepted,
	}
}

// Chain returns the mirrored header chain.
func (s *Source) Chain() *chainview.Chain {
	return s.chain
}

// Start connects to the node, downloads its header chain and subscribes to
// block and transaction notifications.
func (s *Source) Start() error {
	if !s.started.CompareAndSwap(false, true) {
		return nil
	}

	if err := s.client.Connect(connectRetries); err != nil {
		return err
	}

	s.updates.Start()

	if err := s.syncHeaders(); err != nil {
		return fmt.Errorf("unable to sync headers: %w", err)
	}

	if err := s.client.NotifyBlocks(); err != nil {
		return err
	}
	if err := s.client.NotifyNewTransactions(false); err != nil {
		return err
	}

	s.wg.Add(1)
	go s.dispatcher()

	log.Infof("Chain source started at %v", s.chain.Tip())

	return nil
}

// Stop disconnects from the node.
func (s *Source) Stop() error {
	if !s.stopped.CompareAndSwap(false, true) {
		return nil
	}

	s.client.Shutdown()

	close(s.quit)
	s.wg.Wait()
	s.updates.Stop()

	log.Infof("Chain source stopped")

	return nil
}

// CheckConnection asks the node for its best block. It is used as the
// backend health check.
func (s *Source) CheckConnection() error {
	_, _, err := s.client.GetBestBlock()
	return err
}

// onBlockConnected queues a connected block.
func (s *Source) onBlockConnected(hash *chainhash.Hash, height int32,
	_ time.Time) {

	s.enqueue(&blockUpdate{hash: *hash, height: height})
}

// onTxAccepted queues a mempool transaction.
func (s *Source) onTxAccepted(hash *chainhash.Hash, _ btcutil.Amount) {
	s.enqueue(&txUpdate{hash: *hash})
}

func (s *Source) enqueue(update interface{}) {
	select {
	case s.updates.ChanIn() <- update:
	case <-s.quit:
	}
}

// dispatcher handles the queued notifications in order.
//
// NOTE: MUST be run as a goroutine.
func (s *Source) dispatcher() {
	defer s.wg.Done()

	for {
		select {
		case item, ok := <-s.updates.ChanOut():
			if !ok {
				return
			}

			switch update := item.(type) {
			case *blockUpdate:
				s.handleBlock(update)

			case *txUpdate:
				s.handleTx(update)
			}

		case <-s.quit:
			return
		}
	}
}

// handleBlock brings the header chain up to date and publishes the block if
// it is still part of the active chain.
func (s *Source) handleBlock(update *blockUpdate) {
	if err := s.syncHeaders(); err != nil {
		log.Errorf("Unable to sync headers to block %v: %v",
			update.hash, err)

		return
	}

	hdr, ok := s.chain.HeaderByHash(&update.hash)
	if !ok {
		log.Debugf("Block %v at height %d no longer on active chain",
			update.hash, update.height)

		return
	}

	block, err := s.FetchBlock(&hdr.Hash)
	if err != nil {
		log.Errorf("Unable to fetch block %v: %v", hdr, err)
		return
	}

	s.publish(eventbus.BlockConnected{Block: block})
}

// handleTx publishes a mempool transaction.
func (s *Source) handleTx(update *txUpdate) {
	tx, err := s.client.GetRawTransaction(&update.hash)
	if err != nil {
		log.Debugf("Unable to fetch tx %v: %v", update.hash, err)
		return
	}

	s.publish(eventbus.TransactionSeen{Tx: tx})
}

func (s *Source) publish(event eventbus.Event) {
	if err := s.bus.Publish(event); err != nil {
		log.Debugf("Unable to publish %v: %v", event.Type(), err)
	}
}

// syncHeaders mirrors the node's active chain. The fork with the local chain
// is found by comparing hashes downwards from the lower of the two tips,
// then the node's branch above it is downloaded and made active.
func (s *Source) syncHeaders() error {
	s.syncMtx.Lock()
	defer s.syncMtx.Unlock()

	bestHash, bestHeight, err := s.client.GetBestBlock()
	if err != nil {
		return err
	}

	tip := s.chain.Tip()
	if tip.Hash == *bestHash {
		s.chain.SetDownloaded(true)
		return nil
	}

	fork := tip.Ancestor(min(tip.Height, bestHeight))
	for fork.Height > 0 {
		remote, err := s.client.GetBlockHash(int64(fork.Height))
		if err != nil {
			return err
		}
		if *remote == fork.Hash {
			break
		}
		fork = fork.Parent()
	}

	newTip := fork
	for height := fork.Height + 1; height <= bestHeight; height++ {
		hash, err := s.client.GetBlockHash(int64(height))
		if err != nil {
			return err
		}
		hdr, err := s.client.GetBlockHeader(hash)
		if err != nil {
			return err
		}

		// The node switched branches while we were downloading.
		// The next notification picks up the new branch.
		if hdr.PrevBlock != newTip.Hash {
			return fmt.Errorf("header %v at height %d does not "+
				"connect to %v", hash, height, newTip)
		}

		newTip = chainview.NewHeader(newTip, hdr)
	}

	if newTip != tip {
		if err := s.chain.SetTip(newTip); err != nil {
			return err
		}

		if fork != tip {
			log.Infof("Chain reorganized at %v, new tip %v", fork,
				newTip)
		} else {
			log.Debugf("Chain extended to %v", newTip)
		}
	}

	s.chain.SetDownloaded(newTip.Hash == *bestHash)

	return nil
}

// FetchBlock returns a block from the node.
func (s *Source) FetchBlock(hash *chainhash.Hash) (*btcutil.Block, error) {
	msg, err := s.client.GetBlock(hash)
	if err != nil {
		// Anything but a definite not-found for a header we do not
		// know may clear up on a later attempt.
		_, known := s.chain.HeaderByHash(hash)
		if known || !isNotFound(err) {
			return nil, fmt.Errorf("block %v: %w: %v", hash,
				chainview.ErrBlockNotYetAvailable, err)
		}

		return nil, fmt.Errorf("block %v: %w: %v", hash,
			chainview.ErrBlockUnknown, err)
	}

	block := btcutil.NewBlock(msg)
	if hdr, ok := s.chain.HeaderByHash(hash); ok {
		block.SetHeight(hdr.Height)
	}

	return block, nil
}

// isNotFound reports whether err is btcd's block-not-found RPC error.
func isNotFound(err error) bool {
	var rpcErr *btcjson.RPCError
	if !errors.As(err, &rpcErr) {
		return false
	}

	return rpcErr.Code == btcjson.ErrRPCBlockNotFound
}
