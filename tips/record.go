package tips

import (
	"bytes"
	"fmt"
	"io"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/lightningnetwork/lnd/tlv"
)

const (
	tipHashType    tlv.Type = 0
	tipHeightType  tlv.Type = 1
	tipLocatorType tlv.Type = 2
)

// TipRecord is the persisted form of a tip: a block hash, its height and an
// optional block locator.
type TipRecord struct {
	Hash    chainhash.Hash
	Height  int32
	Locator []chainhash.Hash
}

// Encode writes the record as a TLV stream.
func (r *TipRecord) Encode(w io.Writer) error {
	height := uint32(r.Height)
	hash := [32]byte(r.Hash)

	records := []tlv.Record{
		tlv.MakePrimitiveRecord(tipHashType, &hash),
		tlv.MakePrimitiveRecord(tipHeightType, &height),
	}

	if len(r.Locator) > 0 {
		locator := make([]byte, 0, len(r.Locator)*chainhash.HashSize)
		for _, h := range r.Locator {
			locator = append(locator, h[:]...)
		}
		records = append(records, tlv.MakePrimitiveRecord(
			tipLocatorType, &locator,
		))
	}

	stream, err := tlv.NewStream(records...)
	if err != nil {
		return err
	}

	return stream.Encode(w)
}

// Decode reads a record written by Encode.
func (r *TipRecord) Decode(rd io.Reader) error {
	var (
		hash    [32]byte
		height  uint32
		locator []byte
	)

	stream, err := tlv.NewStream(
		tlv.MakePrimitiveRecord(tipHashType, &hash),
		tlv.MakePrimitiveRecord(tipHeightType, &height),
		tlv.MakePrimitiveRecord(tipLocatorType, &locator),
	)
	if err != nil {
		return err
	}

	if err := stream.Decode(rd); err != nil {
		return err
	}

	if len(locator)%chainhash.HashSize != 0 {
		return fmt.Errorf("invalid locator length %d", len(locator))
	}

	r.Hash = chainhash.Hash(hash)
	r.Height = int32(height)
	r.Locator = nil
	for i := 0; i < len(locator); i += chainhash.HashSize {
		var h chainhash.Hash
		copy(h[:], locator[i:i+chainhash.HashSize])
		r.Locator = append(r.Locator, h)
	}

	return nil
}

// Bytes returns the encoded record.
func (r *TipRecord) Bytes() ([]byte, error) {
	var b bytes.Buffer
	if err := r.Encode(&b); err != nil {
		return nil, err
	}

	return b.Bytes(), nil
}

// DecodeTipRecord decodes a record from its encoding.
func DecodeTipRecord(b []byte) (*TipRecord, error) {
	r := &TipRecord{}
	if err := r.Decode(bytes.NewReader(b)); err != nil {
		return nil, err
	}

	return r, nil
}
