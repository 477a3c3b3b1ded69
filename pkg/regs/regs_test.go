package regs

import (
	"runtime"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"

	"github.com/go-delve/backtrace/pkg/regnum"
)

func TestReadSPIsPlausible(t *testing.T) {
	var local byte
	sp := ReadSP()
	require.NotZero(t, sp)
	localAddr := uint64(uintptr(unsafe.Pointer(&local)))
	// SP should point somewhere near a local variable's address on a
	// stack that grows down, within a generous one-megabyte window.
	diff := localAddr - sp
	if sp > localAddr {
		diff = sp - localAddr
	}
	require.Less(t, diff, uint64(1<<20))
}

func TestReadPCLiesInsideCaller(t *testing.T) {
	pc := ReadPC()
	require.NotZero(t, pc)
	fn := runtime.FuncForPC(uintptr(pc))
	require.NotNil(t, fn)
	require.Contains(t, fn.Name(), "TestReadPCLiesInsideCaller")
}

func TestAccessMemoryRoundTrip(t *testing.T) {
	word := uint64(0xdeadbeefcafef00d)
	got := AccessMemory(uint64(uintptr(unsafe.Pointer(&word))))
	require.Equal(t, word, got)
}

func TestReadRAIsSentinel(t *testing.T) {
	require.Equal(t, ^uint64(0), Read(regnum.RA))
}
