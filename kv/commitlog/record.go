package commitlog

import (
	"encoding/binary"

	"github.com/pingcap-incubator/tinytxn/kv/util/codec"
	"github.com/pingcap/errors"
)

const recordVersion byte = 1

// Mutation is the committed image of one row.
type Mutation struct {
	Table     uint32
	Key       []byte
	Value     []byte
	Tombstone bool
}

// Record describes one committed transaction.
type Record struct {
	CommitSeq uint64
	TxnID     uint64
	Mutations []Mutation
}

// Encode serializes the record. Keys and values are written with the memcomparable byte encoding, which is self
// delimiting.
func (r *Record) Encode() []byte {
	buf := make([]byte, 0, 32+len(r.Mutations)*32)
	buf = append(buf, recordVersion)
	buf = appendUvarint(buf, r.CommitSeq)
	buf = appendUvarint(buf, r.TxnID)
	buf = appendUvarint(buf, uint64(len(r.Mutations)))
	for _, m := range r.Mutations {
		buf = append(buf, codec.EncodeRowKey(m.Table, m.Key)...)
		if m.Tombstone {
			buf = append(buf, 1)
			continue
		}
		buf = append(buf, 0)
		buf = append(buf, codec.EncodeBytes(m.Value)...)
	}
	return buf
}

// DecodeRecord parses a record produced by Encode.
func DecodeRecord(data []byte) (*Record, error) {
	if len(data) == 0 || data[0] != recordVersion {
		return nil, errors.New("bad commit record version")
	}
	data = data[1:]
	r := new(Record)
	var err error
	if r.CommitSeq, data, err = readUvarint(data); err != nil {
		return nil, err
	}
	if r.TxnID, data, err = readUvarint(data); err != nil {
		return nil, err
	}
	var n uint64
	if n, data, err = readUvarint(data); err != nil {
		return nil, err
	}
	r.Mutations = make([]Mutation, 0, n)
	for i := uint64(0); i < n; i++ {
		var m Mutation
		if len(data) < 4 {
			return nil, errors.New("truncated commit record")
		}
		table := binary.BigEndian.Uint32(data)
		left, key, err := codec.DecodeBytes(data[4:])
		if err != nil {
			return nil, errors.Trace(err)
		}
		m.Table, m.Key = table, key
		if len(left) == 0 {
			return nil, errors.New("truncated commit record")
		}
		m.Tombstone = left[0] == 1
		data = left[1:]
		if !m.Tombstone {
			if data, m.Value, err = codec.DecodeBytes(data); err != nil {
				return nil, errors.Trace(err)
			}
		}
		r.Mutations = append(r.Mutations, m)
	}
	if len(data) != 0 {
		return nil, errors.Errorf("%d trailing bytes in commit record", len(data))
	}
	return r, nil
}

func appendUvarint(buf []byte, v uint64) []byte {
	var tmp [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(tmp[:], v)
	return append(buf, tmp[:n]...)
}

func readUvarint(data []byte) (uint64, []byte, error) {
	v, n := binary.Uvarint(data)
	if n <= 0 {
		return 0, nil, errors.New("bad uvarint in commit record")
	}
	return v, data[n:], nil
}
