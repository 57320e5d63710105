package addrindex

import (
	"testing"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightninglabs/walletsync/hdwallet"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

// TestTrackIdempotent verifies that re-tracking a script keeps the first
// owner and does not grow the table.
func TestTrackIdempotent(t *testing.T) {
	t.Parallel()

	idx := New()
	a := &hdwallet.Address{ScriptPubKey: []byte{1}, Pubkey: []byte{2}}
	b := &hdwallet.Address{ScriptPubKey: []byte{1}}

	idx.Track(a)
	idx.Track(a, b)
	require.Equal(t, 2, idx.NumScripts())

	owner, ok := idx.Lookup([]byte{1})
	require.True(t, ok)
	require.Same(t, a, owner)

	owner, ok = idx.Lookup([]byte{2})
	require.True(t, ok)
	require.Same(t, a, owner)

	_, ok = idx.Lookup([]byte{3})
	require.False(t, ok)
}

// TestOutPointTable covers insertion, explicit keys and removal.
func TestOutPointTable(t *testing.T) {
	t.Parallel()

	idx := New()
	rec := &hdwallet.TxRecord{ID: chainhash.Hash{1}, Index: 2}

	idx.AddOutPoint(rec)
	got := idx.OutPoint(rec.OutPoint())
	require.True(t, got.IsSome())
	require.Same(t, rec, got.UnsafeFromSome())

	other := wire.OutPoint{Hash: chainhash.Hash{9}}
	idx.AddOutPointAt(other, rec)
	require.Len(t, idx.OutPoints(), 2)

	idx.RemoveOutPoint(rec.OutPoint())
	require.True(t, idx.OutPoint(rec.OutPoint()).IsNone())
	require.True(t, idx.OutPoint(other).IsSome())
}

// TestRebuildConsistency generates random record sets and checks that a
// rebuilt index holds exactly the unspent or spent-unconfirmed outpoints and
// the inputs of unconfirmed records.
func TestRebuildConsistency(t *testing.T) {
	t.Parallel()

	rapid.Check(t, func(t *rapid.T) {
		numAddrs := rapid.IntRange(1, 5).Draw(t, "addrs")

		var (
			addrs      []*hdwallet.Address
			wantOuts   = make(map[wire.OutPoint]*hdwallet.TxRecord)
			wantInputs = make(map[wire.OutPoint]*hdwallet.TxRecord)
			nextID     byte
		)
		for a := 0; a < numAddrs; a++ {
			addr := &hdwallet.Address{
				ScriptPubKey: []byte{byte(a)},
			}

			numRecs := rapid.IntRange(0, 6).Draw(t, "recs")
			for r := 0; r < numRecs; r++ {
				nextID++
				rec := &hdwallet.TxRecord{
					ID: chainhash.Hash{nextID},
					Inputs: []wire.OutPoint{{
						Hash: chainhash.Hash{0xff, nextID},
					}},
				}

				if rapid.Bool().Draw(t, "confirmed") {
					rec.BlockHeight = fn.Some(int32(r))
				}

				switch rapid.IntRange(0, 2).Draw(t, "spend") {
				case 1:
					rec.Spending = &hdwallet.SpendRecord{}
				case 2:
					rec.Spending = &hdwallet.SpendRecord{
						BlockHeight: fn.Some(int32(r)),
					}
				}

				if !rec.Spending.IsConfirmed() {
					wantOuts[rec.OutPoint()] = rec
				}
				if !rec.IsConfirmed() {
					wantInputs[rec.Inputs[0]] = rec
				}

				addr.Transactions = append(
					addr.Transactions, rec,
				)
			}
			addrs = append(addrs, addr)
		}

		idx := New()

		// Stale entries from before the rebuild must not survive.
		idx.AddOutPointAt(wire.OutPoint{Index: 99}, &hdwallet.TxRecord{})
		idx.Rebuild(addrs)

		require.Equal(t, wantOuts, idx.OutPoints())
		require.Equal(t, len(wantInputs), idx.NumInputs())
		for op, rec := range wantInputs {
			got := idx.InputSpender(op)
			require.True(t, got.IsSome())
			require.Same(t, rec, got.UnsafeFromSome())
		}
	})
}
