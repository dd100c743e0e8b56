package codec

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type report struct {
	Store    string        `json:"store"`
	Count    int64         `json:"count"`
	Duration time.Duration `json:"duration"`
}

func TestByName(t *testing.T) {
	for name, want := range map[string]string{"": "go-json", "go-json": "go-json", "json": "json"} {
		c, err := ByName(name)
		require.NoError(t, err)
		assert.Equal(t, want, c.Name())
	}
	_, err := ByName("xml")
	assert.Error(t, err)
}

func TestCodecsAgree(t *testing.T) {
	in := report{Store: "docs", Count: 3, Duration: time.Second}
	for _, c := range []Codec{JSON{}, GoJSON{}} {
		t.Run(c.Name(), func(t *testing.T) {
			b, err := c.Marshal(in)
			require.NoError(t, err)
			assert.JSONEq(t, `{"store":"docs","count":3,"duration":1000000000}`, string(b))

			var out report
			require.NoError(t, c.Unmarshal(b, &out))
			assert.Equal(t, in, out)
		})
	}
}

func TestEncode(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Encode(&buf, nil, map[string]int{"a": 1}))
	assert.Equal(t, "{\"a\":1}\n", buf.String())

	assert.Error(t, Encode(&buf, JSON{}, func() {}))
}
