package frame

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLengthDLCRoundTrip(t *testing.T) {
	for _, n := range []uint8{0, 1, 2, 3, 4, 5, 6, 7, 8, 12, 16, 20, 24, 32, 48, 64} {
		dlc := LengthToDLC(n)
		require.NotEqual(t, uint8(255), dlc)
		assert.Equal(t, n, DLCToLength(dlc), "length %d round trip via dlc %d", n, dlc)
	}
}

func TestDLCLengthRoundTrip(t *testing.T) {
	for dlc := uint8(0); dlc <= 15; dlc++ {
		length := DLCToLength(dlc)
		assert.Equal(t, dlc, LengthToDLC(length), "dlc %d round trip via length %d", dlc, length)
	}
}

func TestClassicRoundTrip(t *testing.T) {
	f := Frame{ID: 0x123, Length: 3}
	copy(f.Data[:3], []byte{0xAA, 0xBB, 0xCC})

	buf := EncodeClassic(f)
	require.Len(t, buf, ClassicSize)

	decoded, err := DecodeClassic(buf, 0, time.Unix(0, 0))
	require.NoError(t, err)
	assert.Equal(t, f.ID, decoded.ID)
	assert.Equal(t, f.Length, decoded.Length)
	assert.Equal(t, f.Payload(), decoded.Payload())
	assert.False(t, decoded.Extended)
}

func TestFDRoundTrip(t *testing.T) {
	f := Frame{ID: 0x1ABCDEF, Extended: true, FD: true, BRS: true, Length: 12}
	for i := range 12 {
		f.Data[i] = byte(i)
	}

	buf := EncodeFD(f)
	require.Len(t, buf, FDSize)

	decoded, err := DecodeFD(buf, 1, time.Unix(0, 0))
	require.NoError(t, err)
	assert.Equal(t, f.ID, decoded.ID)
	assert.True(t, decoded.Extended)
	assert.True(t, decoded.BRS)
	assert.False(t, decoded.ESI)
	assert.Equal(t, f.Payload(), decoded.Payload())
	assert.Equal(t, uint8(9), decoded.DLC())
}

func TestDecodeDiscardsUnknownSizes(t *testing.T) {
	_, ok := Decode(make([]byte, 20), 0, time.Now())
	assert.False(t, ok)
}

func TestIDMasking(t *testing.T) {
	assert.Equal(t, uint32(0x1ABCDEF)&effMask, maskID(0x1ABCDEF, true))
	assert.Equal(t, uint32(0x7FF), maskID(0xFFFFFFFF&sffMask, false))
}

func TestValidate(t *testing.T) {
	good := Frame{ID: 0x123, Length: 8}
	assert.NoError(t, good.Validate())

	badStd := Frame{ID: 0xFFF, Length: 8}
	assert.Error(t, badStd.Validate())

	badClassicLen := Frame{ID: 1, Length: 9}
	assert.Error(t, badClassicLen.Validate())

	fd := Frame{ID: 1, FD: true, Length: 10}
	assert.Error(t, fd.Validate())

	fdOK := Frame{ID: 1, FD: true, Length: 12}
	assert.NoError(t, fdOK.Validate())
}
