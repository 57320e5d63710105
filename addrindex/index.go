// Package addrindex maintains the lookup tables used to decide in constant
// time whether a transaction pays or spends a wallet: tracked scripts,
// wallet outpoints that can still be spent, and the inputs of unconfirmed
// wallet transactions.
//
// The index is a derived cache. It performs no I/O and no locking; its owner
// serializes access and may rebuild it from the address records at any time.
package addrindex

import (
	"github.com/btcsuite/btcd/wire"
	"github.com/lightninglabs/walletsync/hdwallet"
	"github.com/lightningnetwork/lnd/fn/v2"
)

// Index holds the script, outpoint and input lookup tables.
type Index struct {
	scripts   map[string]*hdwallet.Address
	outpoints map[wire.OutPoint]*hdwallet.TxRecord
	inputs    map[wire.OutPoint]*hdwallet.TxRecord
}

// New creates an empty index.
func New() *Index {
	return &Index{
		scripts:   make(map[string]*hdwallet.Address),
		outpoints: make(map[wire.OutPoint]*hdwallet.TxRecord),
		inputs:    make(map[wire.OutPoint]*hdwallet.TxRecord),
	}
}

// Track registers the addresses by their receive script and, if present,
// their pay-to-pubkey script. Scripts that are already tracked are left
// untouched.
func (i *Index) Track(addrs ...*hdwallet.Address) {
	for _, addr := range addrs {
		i.trackScript(addr.ScriptPubKey, addr)
		i.trackScript(addr.Pubkey, addr)
	}
}

func (i *Index) trackScript(script []byte, addr *hdwallet.Address) {
	if len(script) == 0 {
		return
	}
	if _, ok := i.scripts[string(script)]; ok {
		return
	}

	i.scripts[string(script)] = addr
}

// Lookup returns the tracked address owning the script.
func (i *Index) Lookup(script []byte) (*hdwallet.Address, bool) {
	addr, ok := i.scripts[string(script)]

	return addr, ok
}

// NumScripts returns the number of tracked scripts.
func (i *Index) NumScripts() int {
	return len(i.scripts)
}

// AddOutPoint maps the outpoint of the record to the record.
func (i *Index) AddOutPoint(rec *hdwallet.TxRecord) {
	i.outpoints[rec.OutPoint()] = rec
}

// AddOutPointAt maps an explicit outpoint to the record, overwriting any
// previous mapping.
func (i *Index) AddOutPointAt(op wire.OutPoint, rec *hdwallet.TxRecord) {
	i.outpoints[op] = rec
}

// RemoveOutPoint deletes the mapping of the outpoint.
func (i *Index) RemoveOutPoint(op wire.OutPoint) {
	delete(i.outpoints, op)
}

// OutPoint returns the record mapped to the outpoint.
func (i *Index) OutPoint(op wire.OutPoint) fn.Option[*hdwallet.TxRecord] {
	rec, ok := i.outpoints[op]
	if !ok {
		return fn.None[*hdwallet.TxRecord]()
	}

	return fn.Some(rec)
}

// OutPoints returns a copy of the outpoint table.
func (i *Index) OutPoints() map[wire.OutPoint]*hdwallet.TxRecord {
	c := make(map[wire.OutPoint]*hdwallet.TxRecord, len(i.outpoints))
	for op, rec := range i.outpoints {
		c[op] = rec
	}

	return c
}

// AddInputs records rec as the unconfirmed wallet transaction spending each
// of the given outpoints.
func (i *Index) AddInputs(rec *hdwallet.TxRecord, inputs []wire.OutPoint) {
	for _, op := range inputs {
		i.inputs[op] = rec
	}
}

// RemoveInputs drops the input entries of the given outpoints.
func (i *Index) RemoveInputs(inputs []wire.OutPoint) {
	for _, op := range inputs {
		delete(i.inputs, op)
	}
}

// InputSpender returns the unconfirmed wallet record whose transaction spends
// the outpoint.
func (i *Index) InputSpender(op wire.OutPoint) fn.Option[*hdwallet.TxRecord] {
	rec, ok := i.inputs[op]
	if !ok {
		return fn.None[*hdwallet.TxRecord]()
	}

	return fn.Some(rec)
}

// NumInputs returns the number of tracked inputs.
func (i *Index) NumInputs() int {
	return len(i.inputs)
}

// Clear empties the outpoint and input tables. Tracked scripts are kept.
func (i *Index) Clear() {
	i.outpoints = make(map[wire.OutPoint]*hdwallet.TxRecord)
	i.inputs = make(map[wire.OutPoint]*hdwallet.TxRecord)
}

// Rebuild clears the outpoint and input tables and refills them from the
// records of the given addresses. Every record that is unspent or spent by an
// unconfirmed transaction gets an outpoint entry, and every unconfirmed
// record gets input entries for its creating transaction.
func (i *Index) Rebuild(addrs []*hdwallet.Address) {
	i.Clear()

	for _, addr := range addrs {
		for _, rec := range addr.Transactions {
			if !rec.Spending.IsConfirmed() {
				i.AddOutPoint(rec)
			}
			if !rec.IsConfirmed() {
				i.AddInputs(rec, rec.Inputs)
			}
		}
	}
}
