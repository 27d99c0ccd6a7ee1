package typeutil

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type example struct {
	Interval Duration `toml:"interval" json:"interval"`
	Budget   ByteSize `toml:"budget" json:"budget"`
}

func TestDurationAndSizeTOML(t *testing.T) {
	var e example
	_, err := toml.Decode("interval = \"1500ms\"\nbudget = \"256MiB\"\n", &e)
	require.Nil(t, err)
	assert.Equal(t, 1500*time.Millisecond, e.Interval.Duration)
	assert.Equal(t, ByteSize(256<<20), e.Budget)
}

func TestDurationAndSizeJSON(t *testing.T) {
	e := example{Interval: NewDuration(time.Second), Budget: ByteSize(1 << 30)}
	data, err := json.Marshal(&e)
	require.Nil(t, err)
	assert.Equal(t, `{"interval":"1s","budget":"1GiB"}`, string(data))

	var back example
	require.Nil(t, json.Unmarshal(data, &back))
	assert.Equal(t, e, back)
}

func TestBadSize(t *testing.T) {
	var b ByteSize
	assert.NotNil(t, b.UnmarshalText([]byte("lots")))
}
