package addr

import (
	"reflect"
	"testing"

	"github.com/stretchr/testify/require"
)

func funcAddr(fn func(*testing.T)) uint64 {
	return uint64(reflect.ValueOf(fn).Pointer())
}

func TestParseRange(t *testing.T) {
	start, end, ok := parseRange("55a1b2c03000-55a1b2c24000 r-xp 00000000 08:01 123456 /usr/bin/example")
	require.True(t, ok)
	require.Equal(t, uint64(0x55a1b2c03000), start)
	require.Equal(t, uint64(0x55a1b2c24000), end)
}

func TestParseRangeRejectsMalformed(t *testing.T) {
	_, _, ok := parseRange("")
	require.False(t, ok)
	_, _, ok = parseRange("not-a-hex-range r-xp")
	require.False(t, ok)
}

func TestSectionStartContainingFindsOwnText(t *testing.T) {
	// The address of this very function is mapped read-only/executable
	// by the running test binary; a region must contain it.
	pc := funcAddr(TestSectionStartContainingFindsOwnText)
	start, err := SectionStartContaining(pc)
	require.NoError(t, err)
	require.LessOrEqual(t, start, pc)
}

func TestSectionStartContainingNotFound(t *testing.T) {
	_, err := SectionStartContaining(^uint64(0))
	require.ErrorIs(t, err, ErrNotFound)
}
