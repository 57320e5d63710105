package coordinator

import (
	"errors"
	"fmt"

	"github.com/lightninglabs/walletsync/hdwallet"
	"github.com/lightninglabs/walletsync/tips"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/lightningnetwork/lnd/kvdb"
)

var (
	// walletTipBucket holds the tip of every wallet keyed by wallet name.
	walletTipBucket = []byte("wallet-tips")

	// ErrCorruptedTipStore is returned when the wallet tip bucket is
	// missing from a store that was initialized.
	ErrCorruptedTipStore = errors.New("wallet tip store has been corrupted")
)

// WalletTipStore persists the tips of the wallets, so that a restarted node
// resumes every wallet where it left off.
type WalletTipStore struct {
	db kvdb.Backend
}

// NewWalletTipStore creates the store inside db.
func NewWalletTipStore(db kvdb.Backend) (*WalletTipStore, error) {
	err := kvdb.Update(db, func(tx kvdb.RwTx) error {
		_, err := tx.CreateTopLevelBucket(walletTipBucket)
		return err
	}, func() {})
	if err != nil {
		return nil, err
	}

	return &WalletTipStore{db: db}, nil
}

// SaveTips stores tip as the tip of each of the given wallets in a single
// transaction.
func (s *WalletTipStore) SaveTips(tip hdwallet.Tip, wallets ...string) error {
	rec := &tips.TipRecord{
		Hash:    tip.Hash,
		Height:  tip.Height,
		Locator: tip.Locator,
	}
	value, err := rec.Bytes()
	if err != nil {
		return err
	}

	return kvdb.Update(s.db, func(tx kvdb.RwTx) error {
		bucket := tx.ReadWriteBucket(walletTipBucket)
		if bucket == nil {
			return ErrCorruptedTipStore
		}

		for _, name := range wallets {
			if err := bucket.Put([]byte(name), value); err != nil {
				return err
			}
		}

		return nil
	}, func() {})
}

// LoadTip returns the persisted tip of a wallet.
func (s *WalletTipStore) LoadTip(wallet string) (fn.Option[hdwallet.Tip],
	error) {

	var value []byte
	err := kvdb.View(s.db, func(tx kvdb.RTx) error {
		bucket := tx.ReadBucket(walletTipBucket)
		if bucket == nil {
			return ErrCorruptedTipStore
		}

		if v := bucket.Get([]byte(wallet)); v != nil {
			value = append([]byte{}, v...)
		}

		return nil
	}, func() {
		value = nil
	})
	if err != nil {
		return fn.None[hdwallet.Tip](), err
	}

	if value == nil {
		return fn.None[hdwallet.Tip](), nil
	}

	rec, err := tips.DecodeTipRecord(value)
	if err != nil {
		return fn.None[hdwallet.Tip](), fmt.Errorf("unable to decode "+
			"tip of wallet %v: %w", wallet, err)
	}

	return fn.Some(hdwallet.Tip{
		Hash:    rec.Hash,
		Height:  rec.Height,
		Locator: rec.Locator,
	}), nil
}

// DeleteTip removes the tip of a wallet.
func (s *WalletTipStore) DeleteTip(wallet string) error {
	return kvdb.Update(s.db, func(tx kvdb.RwTx) error {
		bucket := tx.ReadWriteBucket(walletTipBucket)
		if bucket == nil {
			return ErrCorruptedTipStore
		}

		return bucket.Delete([]byte(wallet))
	}, func() {})
}
