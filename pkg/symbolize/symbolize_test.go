package symbolize

import (
	"debug/elf"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStripHashSuffix(t *testing.T) {
	require.Equal(t, "mypkg::MyType::method", stripHashSuffix("mypkg::MyType::method::1a2b3c4d5e6f7890"))
	require.Equal(t, "mypkg::MyType::method", stripHashSuffix("mypkg::MyType::method"))
}

func TestSymbolizeELFFallsBackToNearestFunctionSymbol(t *testing.T) {
	symbols := []elf.Symbol{
		{Name: "foo", Value: 0x1000, Size: 0x10, Info: uint8(elf.STT_FUNC)},
		{Name: "bar", Value: 0x1010, Size: 0x20, Info: uint8(elf.STT_FUNC)},
		{Name: "not_a_function", Value: 0x1015, Size: 0x1, Info: uint8(elf.STT_OBJECT)},
	}
	s := New(nil, symbols)

	syms, err := s.Symbolize(0x1018)
	require.NoError(t, err)
	require.Len(t, syms, 1)
	require.Equal(t, "bar", syms[0].Name)
}

func TestSymbolizeUnknownWhenNothingMatches(t *testing.T) {
	s := New(nil, nil)
	syms, err := s.Symbolize(0xdeadbeef)
	require.NoError(t, err)
	require.Len(t, syms, 1)
	require.Equal(t, UnknownName, syms[0].Name)
}

func TestSymbolizeCachesResults(t *testing.T) {
	symbols := []elf.Symbol{
		{Name: "foo", Value: 0x1000, Size: 0x10, Info: uint8(elf.STT_FUNC)},
	}
	s := New(nil, symbols)

	first, err := s.Symbolize(0x1004)
	require.NoError(t, err)
	second, err := s.Symbolize(0x1004)
	require.NoError(t, err)
	require.Equal(t, first, second)
}
