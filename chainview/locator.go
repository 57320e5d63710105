package chainview

import (
	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// maxDenseLocatorEntries is the number of most recent hashes a locator lists
// before it starts skipping blocks.
const maxDenseLocatorEntries = 10

// BlockLocator builds a sparse list of ancestor hashes of h, newest first.
// The ten most recent blocks are listed one by one, after which the gap
// between entries doubles each step. The genesis hash always terminates the
// list.
func BlockLocator(h *Header) []chainhash.Hash {
	if h == nil {
		return nil
	}

	locator := make([]chainhash.Hash, 0, maxDenseLocatorEntries+log2(h.Height))

	step := int32(1)
	for n := h; n != nil; {
		locator = append(locator, n.Hash)
		if n.Height == 0 {
			break
		}

		height := n.Height - step
		if height < 0 {
			height = 0
		}
		n = n.Ancestor(height)

		if len(locator) > maxDenseLocatorEntries {
			step *= 2
		}
	}

	return locator
}

// LocateFork returns the deepest header of the active chain that appears in
// any of the given locators. The genesis header is returned when nothing
// matches.
func LocateFork(index ChainIndex, locators ...[]chainhash.Hash) *Header {
	var best *Header
	for _, locator := range locators {
		for i := range locator {
			h, ok := index.HeaderByHash(&locator[i])
			if !ok {
				continue
			}

			if best == nil || h.Height > best.Height {
				best = h
			}

			// Locators are ordered newest first, so the first
			// resolving entry is the deepest one.
			break
		}
	}

	if best == nil {
		return index.Genesis()
	}

	return best
}

func log2(n int32) int {
	var r int
	for n > 1 {
		n >>= 1
		r++
	}

	return r
}
