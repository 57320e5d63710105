// Package walletmgr owns the state of all loaded wallets: their accounts,
// addresses and transaction records, the lookup index derived from them and
// the wallet tip. Every mutation and every read goes through a single mutex,
// since the outpoint index is shared between wallets and has to change
// atomically with the records it points to.
package walletmgr

import (
	"fmt"
	"sync"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/lightninglabs/walletsync/addrindex"
	"github.com/lightninglabs/walletsync/chainview"
	"github.com/lightninglabs/walletsync/hdwallet"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/lnd/fn/v2"
)

// walletEntry is a loaded wallet together with the deriver that extends its
// address pools.
type walletEntry struct {
	wallet  *hdwallet.Wallet
	deriver hdwallet.KeyDeriver
}

// addrOwner locates the account an address belongs to.
type addrOwner struct {
	entry   *walletEntry
	account *hdwallet.Account
}

// Manager is the single owner of wallet state. It absorbs transactions and
// blocks, rolls back reorganized blocks and answers snapshot queries.
type Manager struct {
	cfg Config

	mu      sync.Mutex
	wallets []*walletEntry
	byName  map[string]*walletEntry
	owners  map[*hdwallet.Address]addrOwner
	index   *addrindex.Index

	// tipHash and tipHeight are the wallet tip: the last block whose
	// effects are reflected in all loaded wallets.
	tipHash   chainhash.Hash
	tipHeight int32
}

// New creates a manager without wallets. Its tip starts at the tip of the
// chain and is moved back by wallets loaded with a lower tip.
func New(cfg Config) *Manager {
	if cfg.UnusedAddressBuffer <= 0 {
		cfg.UnusedAddressBuffer = DefaultUnusedAddressBuffer
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.NewDefaultClock()
	}

	tip := cfg.Chain.Tip()

	return &Manager{
		cfg:       cfg,
		byName:    make(map[string]*walletEntry),
		owners:    make(map[*hdwallet.Address]addrOwner),
		index:     addrindex.New(),
		tipHash:   tip.Hash,
		tipHeight: tip.Height,
	}
}

// AddWallet loads a wallet. The address pools of all accounts are topped up,
// every address is tracked and the index is rebuilt to include the existing
// records of the wallet.
func (m *Manager) AddWallet(w *hdwallet.Wallet,
	deriver hdwallet.KeyDeriver) error {

	var n notifications

	m.mu.Lock()
	err := m.addWalletLocked(w, deriver, &n)
	m.mu.Unlock()

	if err != nil {
		return err
	}

	m.fire(&n)

	return nil
}

func (m *Manager) addWalletLocked(w *hdwallet.Wallet,
	deriver hdwallet.KeyDeriver, n *notifications) error {

	if _, ok := m.byName[w.Name]; ok {
		return fmt.Errorf("%w: wallet %v", ErrDuplicateName, w.Name)
	}

	entry := &walletEntry{wallet: w, deriver: deriver}
	for _, acct := range w.Accounts {
		for _, addr := range acct.Addresses() {
			m.trackLocked(entry, acct, addr)
		}
	}
	for _, acct := range w.Accounts {
		if err := m.replenishLocked(entry, acct, n); err != nil {
			return err
		}
	}

	m.wallets = append(m.wallets, entry)
	m.byName[w.Name] = entry
	m.index.Rebuild(m.allAddressesLocked())

	// The manager tip is the lowest wallet tip, so that a wallet behind
	// the others gets the blocks it missed replayed.
	w.Tip.WhenSome(func(t hdwallet.Tip) {
		if t.Height > m.tipHeight ||
			(t.Height == m.tipHeight && t.Hash == m.tipHash) {

			return
		}

		log.Infof("Wallet tip moved back from height %d to %v at "+
			"height %d by wallet %v", m.tipHeight, t.Hash, t.Height,
			w.Name)

		m.tipHash = t.Hash
		m.tipHeight = t.Height
	})

	log.Infof("Loaded wallet %v with %d accounts, tip height %d",
		w.Name, len(w.Accounts), w.TipHeight())

	return nil
}

// CreateAccount adds a new account to a wallet and fills its address pools.
// The number of the new account is returned.
func (m *Manager) CreateAccount(walletName, name string) (uint32, error) {
	var n notifications

	m.mu.Lock()
	entry, err := m.walletLocked(walletName)
	if err != nil {
		m.mu.Unlock()
		return 0, err
	}

	if _, ok := entry.wallet.AccountByName(name); ok {
		m.mu.Unlock()
		return 0, fmt.Errorf("%w: account %v in wallet %v",
			ErrDuplicateName, name, walletName)
	}

	acct := &hdwallet.Account{
		Index: uint32(len(entry.wallet.Accounts)),
		Name:  name,
	}
	if err := m.replenishLocked(entry, acct, &n); err != nil {
		m.mu.Unlock()
		return 0, err
	}
	entry.wallet.Accounts = append(entry.wallet.Accounts, acct)
	m.mu.Unlock()

	m.fire(&n)

	return acct.Index, nil
}

// WalletNames returns the names of all loaded wallets in load order.
func (m *Manager) WalletNames() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	names := make([]string, 0, len(m.wallets))
	for _, e := range m.wallets {
		names = append(names, e.wallet.Name)
	}

	return names
}

// ContainsWallets reports whether any wallet is loaded.
func (m *Manager) ContainsWallets() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	return len(m.wallets) > 0
}

// WalletTip returns the hash and height of the wallet tip.
func (m *Manager) WalletTip() (chainhash.Hash, int32) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.tipHash, m.tipHeight
}

// SetWalletTip moves the wallet tip, and the tip of every loaded wallet, to
// the given header.
func (m *Manager) SetWalletTip(hdr *chainview.Header) {
	var n notifications

	m.mu.Lock()
	m.setTipLocked(hdr, &n)
	m.mu.Unlock()

	m.fire(&n)
}

// SetWalletTipOf moves the tip of a single wallet without touching the
// wallet tip of the manager. It is used to assign the sync start point of a
// freshly created wallet.
func (m *Manager) SetWalletTipOf(walletName string,
	hdr *chainview.Header) error {

	var n notifications

	m.mu.Lock()
	entry, err := m.walletLocked(walletName)
	if err != nil {
		m.mu.Unlock()
		return err
	}

	tip := newTip(hdr)
	entry.wallet.Tip = fn.Some(tip)
	n.tip = &tip
	n.tipWallets = []string{walletName}
	m.mu.Unlock()

	m.fire(&n)

	return nil
}

// WalletTipOf returns the tip of a wallet, which is None for wallets that
// still wait for their sync start point.
func (m *Manager) WalletTipOf(walletName string) (fn.Option[hdwallet.Tip],
	error) {

	m.mu.Lock()
	defer m.mu.Unlock()

	entry, err := m.walletLocked(walletName)
	if err != nil {
		return fn.None[hdwallet.Tip](), err
	}

	return entry.wallet.Tip, nil
}

// LastReceivedBlock returns the lowest tip over all wallets. With no wallets,
// or no wallet tip assigned yet, the chain tip is returned.
func (m *Manager) LastReceivedBlock() (chainhash.Hash, int32) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var lowest *hdwallet.Tip
	for _, e := range m.wallets {
		e.wallet.Tip.WhenSome(func(t hdwallet.Tip) {
			if lowest == nil || t.Height < lowest.Height {
				lowest = &t
			}
		})
	}

	if lowest == nil {
		tip := m.cfg.Chain.Tip()
		return tip.Hash, tip.Height
	}

	return lowest.Hash, lowest.Height
}

// LastBlockHeight returns the lowest wallet tip height, or the height of the
// chain tip if no wallet is loaded. Wallets without a tip count as height 0.
func (m *Manager) LastBlockHeight() int32 {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.wallets) == 0 {
		return m.cfg.Chain.Tip().Height
	}

	lowest := int32(-1)
	for _, e := range m.wallets {
		h := e.wallet.TipHeight()
		if h < 0 {
			h = 0
		}
		if lowest < 0 || h < lowest {
			lowest = h
		}
	}

	return lowest
}

// WalletLocators returns the block locators of every wallet with a tip.
func (m *Manager) WalletLocators() [][]chainhash.Hash {
	m.mu.Lock()
	defer m.mu.Unlock()

	var locators [][]chainhash.Hash
	for _, e := range m.wallets {
		e.wallet.Tip.WhenSome(func(t hdwallet.Tip) {
			locator := make([]chainhash.Hash, len(t.Locator))
			copy(locator, t.Locator)
			locators = append(locators, locator)
		})
	}

	return locators
}

// OldestCreationTime returns the creation time of the oldest wallet, or the
// zero time if no wallet is loaded.
func (m *Manager) OldestCreationTime() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()

	var oldest time.Time
	for _, e := range m.wallets {
		if oldest.IsZero() || e.wallet.CreationTime.Before(oldest) {
			oldest = e.wallet.CreationTime
		}
	}

	return oldest
}

// walletLocked looks up a loaded wallet.
//
// NOTE: must be called with the mutex held.
func (m *Manager) walletLocked(name string) (*walletEntry, error) {
	entry, ok := m.byName[name]
	if !ok {
		return nil, fmt.Errorf("%w: %v", ErrWalletNotFound, name)
	}

	return entry, nil
}

// accountLocked looks up an account of a loaded wallet.
//
// NOTE: must be called with the mutex held.
func (m *Manager) accountLocked(walletName,
	accountName string) (*walletEntry, *hdwallet.Account, error) {

	entry, err := m.walletLocked(walletName)
	if err != nil {
		return nil, nil, err
	}

	acct, ok := entry.wallet.AccountByName(accountName)
	if !ok {
		return nil, nil, fmt.Errorf("%w: %v in wallet %v",
			ErrAccountNotFound, accountName, walletName)
	}

	return entry, acct, nil
}

// allAddressesLocked returns the addresses of all wallets.
//
// NOTE: must be called with the mutex held.
func (m *Manager) allAddressesLocked() []*hdwallet.Address {
	var addrs []*hdwallet.Address
	for _, e := range m.wallets {
		addrs = append(addrs, e.wallet.Addresses()...)
	}

	return addrs
}

// trackLocked registers an address in the index and remembers its owner.
//
// NOTE: must be called with the mutex held.
func (m *Manager) trackLocked(entry *walletEntry, acct *hdwallet.Account,
	addr *hdwallet.Address) {

	m.owners[addr] = addrOwner{entry: entry, account: acct}
	m.index.Track(addr)
}

// setTipLocked moves the manager tip and the tip of every wallet.
//
// NOTE: must be called with the mutex held.
func (m *Manager) setTipLocked(hdr *chainview.Header, n *notifications) {
	m.tipHash = hdr.Hash
	m.tipHeight = hdr.Height

	if len(m.wallets) == 0 {
		return
	}

	tip := newTip(hdr)
	names := make([]string, 0, len(m.wallets))
	for _, e := range m.wallets {
		e.wallet.Tip = fn.Some(tip)
		names = append(names, e.wallet.Name)
	}

	n.tip = &tip
	n.tipWallets = names
}

// newTip creates a wallet tip for the header.
func newTip(hdr *chainview.Header) hdwallet.Tip {
	return hdwallet.Tip{
		Hash:    hdr.Hash,
		Height:  hdr.Height,
		Locator: chainview.BlockLocator(hdr),
	}
}

// notifications collects hook invocations while the mutex is held so that
// they can be fired once it is released.
type notifications struct {
	created    map[string][]*hdwallet.Address
	removed    map[string][]RemovedTx
	tip        *hdwallet.Tip
	tipWallets []string
}

func (n *notifications) addCreated(wallet string,
	addrs []*hdwallet.Address) {

	if len(addrs) == 0 {
		return
	}
	if n.created == nil {
		n.created = make(map[string][]*hdwallet.Address)
	}

	n.created[wallet] = append(n.created[wallet], addrs...)
}

func (n *notifications) addRemoved(wallet string, removed []RemovedTx) {
	if len(removed) == 0 {
		return
	}
	if n.removed == nil {
		n.removed = make(map[string][]RemovedTx)
	}

	n.removed[wallet] = append(n.removed[wallet], removed...)
}

// fire invokes the configured hooks.
//
// NOTE: must be called without the mutex held.
func (m *Manager) fire(n *notifications) {
	hooks := m.cfg.Hooks

	if hooks.AddressesCreated != nil {
		for wallet, addrs := range n.created {
			hooks.AddressesCreated(wallet, addrs)
		}
	}

	if hooks.TransactionsRemoved != nil {
		for wallet, removed := range n.removed {
			hooks.TransactionsRemoved(wallet, removed)
		}
	}

	if hooks.TipUpdated != nil && n.tip != nil {
		hooks.TipUpdated(*n.tip, n.tipWallets)
	}
}
