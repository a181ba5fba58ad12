package endpoint

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPackUnpackRoundtrip(t *testing.T) {
	e := Endpoint{Addr: netip.MustParseAddr("192.168.1.42"), Port: 8080}
	got := Unpack(e.Pack())
	assert.Equal(t, e, got)
}

func TestPackUnpackZeroPort(t *testing.T) {
	e := Endpoint{Addr: netip.MustParseAddr("0.0.0.0"), Port: 0}
	got := Unpack(e.Pack())
	assert.Equal(t, e, got)
}

func TestString(t *testing.T) {
	e := Endpoint{Addr: netip.MustParseAddr("10.0.0.1"), Port: 53}
	assert.Equal(t, "10.0.0.1:53", e.String())

	es := Endpoints{Local: e, Remote: Endpoint{Addr: netip.MustParseAddr("10.0.0.2"), Port: 9000}}
	assert.Equal(t, "10.0.0.1:53<->10.0.0.2:9000", es.String())
}
