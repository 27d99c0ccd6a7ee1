package commitlog

import (
	"testing"

	"github.com/pingcap-incubator/tinytxn/kv/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordEncoding(t *testing.T) {
	r := &Record{
		CommitSeq: 42,
		TxnID:     7,
		Mutations: []Mutation{
			{Table: 1, Key: []byte("a"), Value: []byte("va")},
			{Table: 2, Key: []byte("a longer key than eight bytes"), Tombstone: true},
			{Table: 1, Key: []byte{}, Value: []byte{}},
		},
	}
	back, err := DecodeRecord(r.Encode())
	require.Nil(t, err)
	assert.Equal(t, r.CommitSeq, back.CommitSeq)
	assert.Equal(t, r.TxnID, back.TxnID)
	require.Len(t, back.Mutations, 3)
	assert.Equal(t, []byte("va"), back.Mutations[0].Value)
	assert.True(t, back.Mutations[1].Tombstone)
	assert.Equal(t, uint32(2), back.Mutations[1].Table)
	assert.Equal(t, []byte("a longer key than eight bytes"), back.Mutations[1].Key)

	_, err = DecodeRecord(nil)
	assert.NotNil(t, err)
	data := r.Encode()
	_, err = DecodeRecord(data[:len(data)-3])
	assert.NotNil(t, err)
}

func TestStorageLogAppendAndRecover(t *testing.T) {
	s := storage.NewMemStorage()
	l, err := OpenStorageLog(s)
	require.Nil(t, err)

	for i := 0; i < 3; i++ {
		lsn, err := l.Append([]byte{byte(i)})
		require.Nil(t, err)
		assert.Equal(t, uint64(i+1), lsn)
	}

	reopened, err := OpenStorageLog(s)
	require.Nil(t, err)
	lsn, err := reopened.Append([]byte{9})
	require.Nil(t, err)
	assert.Equal(t, uint64(4), lsn)

	entries, err := reopened.Records()
	require.Nil(t, err)
	require.Len(t, entries, 4)
	for i, e := range entries {
		assert.Equal(t, uint64(i+1), e.LSN)
	}

	require.Nil(t, reopened.Truncate(4))
	entries, err = reopened.Records()
	require.Nil(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, []byte{9}, entries[0].Record)

	// The newest record survives truncation, so LSNs keep growing after a restart.
	again, err := OpenStorageLog(s)
	require.Nil(t, err)
	lsn, err = again.Append(nil)
	require.Nil(t, err)
	assert.Equal(t, uint64(5), lsn)
}
