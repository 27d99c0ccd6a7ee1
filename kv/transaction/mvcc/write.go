package mvcc

import (
	"encoding/binary"
	"fmt"

	"github.com/pingcap-incubator/tinytxn/kv/storage"
	"github.com/pingcap-incubator/tinytxn/kv/util/engine_util"
)

// WriteKind tells a row image apart from a deletion.
type WriteKind byte

const (
	WriteKindPut    WriteKind = 1
	WriteKindDelete WriteKind = 2
)

func (wk WriteKind) String() string {
	switch wk {
	case WriteKindPut:
		return "put"
	case WriteKindDelete:
		return "delete"
	}
	return "unknown"
}

const imageHeaderLen = 9

// EncodeImage serializes a committed row image for the row column family: the kind, the commit sequence number
// that created it, then the row data. The header keeps an empty row distinguishable from a deleted one, which
// storage batches would otherwise drop.
func EncodeImage(seq uint64, data []byte) []byte {
	buf := make([]byte, imageHeaderLen+len(data))
	buf[0] = byte(WriteKindPut)
	binary.BigEndian.PutUint64(buf[1:], seq)
	copy(buf[imageHeaderLen:], data)
	return buf
}

// DecodeImage returns the commit sequence number and the row data of a stored image.
func DecodeImage(value []byte) (uint64, []byte, error) {
	if len(value) < imageHeaderLen {
		return 0, nil, fmt.Errorf("mvcc/write/DecodeImage: value is incorrect length, expected at least %d, found %d",
			imageHeaderLen, len(value))
	}
	if WriteKind(value[0]) != WriteKindPut {
		return 0, nil, fmt.Errorf("mvcc/write/DecodeImage: unexpected kind %s", WriteKind(value[0]))
	}
	return binary.BigEndian.Uint64(value[1:]), value[imageHeaderLen:], nil
}

// Mutations builds the storage batch that makes images committed at seq durable.
func Mutations(images []Image, seq uint64) []storage.Modify {
	batch := make([]storage.Modify, 0, len(images))
	for _, img := range images {
		key := img.Key.Encode()
		if img.Tombstone {
			batch = append(batch, storage.Modify{Data: storage.Delete{Cf: engine_util.CfRow, Key: key}})
			continue
		}
		batch = append(batch, storage.Modify{Data: storage.Put{Cf: engine_util.CfRow, Key: key, Value: EncodeImage(seq, img.Data)}})
	}
	return batch
}
