package pii

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStoreGetClear(t *testing.T) {
	v := New()
	v.Store("req-1", Datum{ClientIP: "203.0.113.7", UserAgent: "curl/8.0"})

	d, ok := v.Get("req-1")
	require.True(t, ok)
	assert.Equal(t, "203.0.113.7", d.ClientIP)

	v.Clear("req-1")
	_, ok = v.Get("req-1")
	assert.False(t, ok)
}

func TestClearIsIdempotent(t *testing.T) {
	v := New()
	v.Clear("missing")
	v.Store("req-1", Datum{ClientIP: "1.2.3.4"})
	v.Clear("req-1")
	v.Clear("req-1")
	assert.Equal(t, 0, v.Len())
}

func TestDigestIsDeterministicAndOneWay(t *testing.T) {
	d := NewDigester([]byte("a-fixed-32-byte-deployment-key!!"))

	first := d.Digest("Mozilla/5.0 Chrome/120")
	second := d.Digest("Mozilla/5.0 Chrome/120")
	assert.Equal(t, first, second)
	assert.NotContains(t, first, "Mozilla")
	assert.NotContains(t, first, "Chrome")

	other := NewDigester([]byte("a-different-32-byte-deploy-key!!"))
	assert.NotEqual(t, first, other.Digest("Mozilla/5.0 Chrome/120"))
}
