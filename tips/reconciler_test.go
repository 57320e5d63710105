package tips

import (
	"path/filepath"
	"testing"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/lightninglabs/walletsync/chainview"
	"github.com/lightninglabs/walletsync/chainview/chaintest"
	"github.com/lightningnetwork/lnd/kvdb"
	"github.com/stretchr/testify/require"
)

type namedProvider string

func (n namedProvider) TipKey() string {
	return string(n)
}

type anonymousProvider struct{}

func (anonymousProvider) TipKey() string {
	return ""
}

// newBoltStore opens a bolt backed tip store in a temporary directory.
func newBoltStore(t *testing.T) *DBStore {
	t.Helper()

	db, err := kvdb.Create(
		kvdb.BoltBackendName, filepath.Join(t.TempDir(), "tips.db"),
		true, kvdb.DefaultDBTimeout, false,
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, db.Close())
	})

	store, err := NewDBStore(db)
	require.NoError(t, err)

	return store
}

// TestCommonTipFold checks the fold over persisted tips of several
// components on a single linear chain.
func TestCommonTipFold(t *testing.T) {
	t.Parallel()

	h := chaintest.NewHarness(t)
	h.MineEmpty(15)

	headerAt := func(height int32) *chainview.Header {
		hdr, ok := h.Chain.HeaderByHeight(height)
		require.True(t, ok)

		return hdr
	}

	testCases := []struct {
		name    string
		heights []int32
		missing bool
		want    int32
	}{
		{
			name:    "minimum of persisted tips",
			heights: []int32{10, 7, 12},
			want:    7,
		},
		{
			name:    "one component without tip",
			heights: []int32{10, 7, 12},
			missing: true,
			want:    0,
		},
		{
			name: "no components",
			want: 15,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			r := NewReconciler(newBoltStore(t), h.Chain)

			for i, height := range tc.heights {
				p := namedProvider(string(rune('a' + i)))
				r.Register(p)
				require.NoError(
					t, r.StoreTip(p, headerAt(height).Hash),
				)
			}
			if tc.missing {
				r.Register(namedProvider("fresh"))
			}

			_, err := r.CommonTip()
			require.ErrorIs(t, err, ErrNotInitialized)

			require.NoError(t, r.Initialize(h.Chain.Tip()))
			require.ErrorIs(
				t, r.Initialize(h.Chain.Tip()),
				ErrAlreadyInitialized,
			)

			tip, err := r.CommonTip()
			require.NoError(t, err)
			require.Equal(t, tc.want, tip.Height)
			require.Equal(t, headerAt(tc.want).Hash, tip.Hash)
		})
	}
}

// TestCommonTipAcrossFork ensures that a component whose tip sits on a branch
// that is still active is folded with one on an older block correctly.
func TestCommonTipAcrossFork(t *testing.T) {
	t.Parallel()

	h := chaintest.NewHarness(t)
	h.MineEmpty(6)
	h4, _ := h.Chain.HeaderByHeight(4)
	tip := h.Chain.Tip()

	store := NewMemStore()
	r := NewReconciler(store, h.Chain)
	r.Register(namedProvider("wallet"))
	r.Register(namedProvider("index"))
	require.NoError(t, r.StoreTip(namedProvider("wallet"), tip.Hash))
	require.NoError(t, r.StoreTip(namedProvider("index"), h4.Hash))

	require.NoError(t, r.Initialize(tip))
	common, err := r.CommonTip()
	require.NoError(t, err)
	require.Equal(t, h4.Hash, common.Hash)
}

// TestTipResolutionError covers persisted tips unknown to the chain.
func TestTipResolutionError(t *testing.T) {
	t.Parallel()

	h := chaintest.NewHarness(t)
	h.MineEmpty(3)

	store := NewMemStore()
	r := NewReconciler(store, h.Chain)
	p := namedProvider("wallet")
	r.Register(p)

	unknown := chainhash.Hash{0xab}
	var resErr *TipResolutionError
	require.ErrorAs(t, r.StoreTip(p, unknown), &resErr)
	require.Equal(t, "TIP_wallet", resErr.Key)

	// A tip persisted before a reorg removed it from the chain.
	rec := &TipRecord{Hash: unknown, Height: 2}
	value, err := rec.Bytes()
	require.NoError(t, err)
	require.NoError(t, store.Save("TIP_wallet", value))

	err = r.Initialize(h.Chain.Tip())
	require.ErrorAs(t, err, &resErr)
	require.Equal(t, unknown, resErr.Hash)

	_, err = r.CommonTip()
	require.ErrorIs(t, err, ErrNotInitialized)
}

// TestStorageKey checks explicit and type derived keys.
func TestStorageKey(t *testing.T) {
	t.Parallel()

	require.Equal(t, "TIP_wallet", storageKey(namedProvider("wallet")))
	require.Equal(
		t, "TIP_tips.anonymousProvider",
		storageKey(&anonymousProvider{}),
	)

	h := chaintest.NewHarness(t)
	h.MineEmpty(2)

	r := NewReconciler(NewMemStore(), h.Chain)
	rec, err := r.LoadTip(anonymousProvider{})
	require.NoError(t, err)
	require.Nil(t, rec)

	require.NoError(t, r.StoreTip(anonymousProvider{}, h.Chain.Tip().Hash))
	rec, err = r.LoadTip(&anonymousProvider{})
	require.NoError(t, err)
	require.EqualValues(t, 2, rec.Height)
}

// TestTipRecordLocator round trips a record holding a locator.
func TestTipRecordLocator(t *testing.T) {
	t.Parallel()

	rec := &TipRecord{
		Hash:    chainhash.Hash{1},
		Height:  42,
		Locator: []chainhash.Hash{{1}, {2}, {3}},
	}
	b, err := rec.Bytes()
	require.NoError(t, err)

	got, err := DecodeTipRecord(b)
	require.NoError(t, err)
	require.Equal(t, rec, got)
}
