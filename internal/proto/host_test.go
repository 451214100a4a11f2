package proto

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseHostURI(t *testing.T) {
	scheme, host, err := ParseHostURI("chnlzr://localhost:7070")
	require.NoError(t, err)
	assert.Equal(t, SchemeChannelizer, scheme)
	assert.Equal(t, BrokerHost{Hostname: "localhost", Port: 7070}, host)

	scheme, host, err = ParseHostURI("brkr://[::1]:9090")
	require.NoError(t, err)
	assert.Equal(t, SchemeBroker, scheme)
	assert.Equal(t, "[::1]:9090", host.Addr())
}

func TestParseHostURIErrors(t *testing.T) {
	for _, raw := range []string{
		"http://localhost:7070",
		"chnlzr://localhost",
		"chnlzr://:7070",
		"chnlzr://localhost:0",
		"chnlzr://localhost:70000",
		"localhost:7070",
	} {
		_, _, err := ParseHostURI(raw)
		assert.Error(t, err, raw)
	}
}
