package codec

import (
	"bytes"
	"encoding/binary"

	"github.com/pingcap/errors"
)

const (
	encGroupSize = 8
	encMarker    = byte(0xFF)
	encPad       = byte(0x0)
)

var pads = make([]byte, encGroupSize)

// EncodeRowKey encodes a table id and a user key so that encoded keys sort first by table (ascending), then by key
// (ascending).
func EncodeRowKey(table uint32, key []byte) []byte {
	encoded := make([]byte, 4, 4+(len(key)/encGroupSize+1)*(encGroupSize+1))
	binary.BigEndian.PutUint32(encoded, table)
	return appendBytes(encoded, key)
}

// DecodeRowKey is the inverse of EncodeRowKey.
func DecodeRowKey(b []byte) (uint32, []byte, error) {
	if len(b) < 4 {
		return 0, nil, errors.New("insufficient bytes to decode table id")
	}
	table := binary.BigEndian.Uint32(b)
	left, key, err := DecodeBytes(b[4:])
	if err != nil {
		return 0, nil, err
	}
	if len(left) != 0 {
		return 0, nil, errors.Errorf("%d trailing bytes after row key", len(left))
	}
	return table, key, nil
}

// EncodeBytes encodes data in the memcomparable format: data is cut into groups of 8 bytes, the last group is
// zero padded, and every group is followed by a marker byte of 0xFF minus the number of padding bytes. Encoded
// values compare like the raw values and no encoding is a prefix of another.
func EncodeBytes(data []byte) []byte {
	result := make([]byte, 0, (len(data)/encGroupSize+1)*(encGroupSize+1))
	return appendBytes(result, data)
}

func appendBytes(result, data []byte) []byte {
	for {
		if len(data) >= encGroupSize {
			result = append(result, data[:encGroupSize]...)
			result = append(result, encMarker)
			data = data[encGroupSize:]
			continue
		}
		pad := encGroupSize - len(data)
		result = append(result, data...)
		result = append(result, pads[:pad]...)
		return append(result, encMarker-byte(pad))
	}
}

// DecodeBytes decodes a value produced by EncodeBytes from the front of b and returns the rest of b with it.
func DecodeBytes(b []byte) ([]byte, []byte, error) {
	var data []byte
	for {
		if len(b) < encGroupSize+1 {
			return nil, nil, errors.New("insufficient bytes to decode value")
		}
		group, marker := b[:encGroupSize], b[encGroupSize]
		b = b[encGroupSize+1:]
		pad := int(encMarker - marker)
		if pad > encGroupSize {
			return nil, nil, errors.Errorf("invalid marker byte %#x", marker)
		}
		used := encGroupSize - pad
		data = append(data, group[:used]...)
		if pad == 0 {
			continue
		}
		if !bytes.Equal(group[used:], pads[:pad]) {
			return nil, nil, errors.Errorf("invalid padding in group %q", group)
		}
		if data == nil {
			data = []byte{}
		}
		return b, data, nil
	}
}

// EncodeUint64Desc encodes n so that larger values sort first.
func EncodeUint64Desc(n uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, ^n)
	return b
}

// DecodeUint64Desc is the inverse of EncodeUint64Desc.
func DecodeUint64Desc(b []byte) (uint64, error) {
	if len(b) != 8 {
		return 0, errors.Errorf("expect 8 bytes, got %d", len(b))
	}
	return ^binary.BigEndian.Uint64(b), nil
}
