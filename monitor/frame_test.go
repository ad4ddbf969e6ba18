package monitor

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseFrame(t *testing.T) {
	require := require.New(t)

	values := ParseFrame("pm 7 22.5 -3 0.0 xx")
	require.Len(values, 5)
	require.Equal(int64(7), values[0])
	require.InDelta(22.5, values[1], 0.0001)
	require.Equal(int64(-3), values[2])
	require.InDelta(0.0, values[3], 0.0001)
	require.Nil(values[4])
}

func TestParseFrame_NotAFrame(t *testing.T) {
	require := require.New(t)

	require.Nil(ParseFrame(""))
	require.Nil(ParseFrame("OK"))
	require.Nil(ParseFrame("pm"))
	require.Nil(ParseFrame("pmx 1 2"))
}

func TestBoilerState(t *testing.T) {
	require := require.New(t)

	require.Equal("Aus", BoilerState(1))
	require.Equal("Leistungsbrand", BoilerState(7))
	require.Equal("Putzen", BoilerState(12))

	// unknown codes fall back to the unknown text
	require.Equal("Unbekannt", BoilerState(0))
	require.Equal("Unbekannt", BoilerState(99))
	require.Equal("Unbekannt", BoilerState(-1))
}
