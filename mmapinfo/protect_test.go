package mmapinfo

import (
	"errors"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/steamrt/capsule/internal/procmem"
)

// fakeKernel tracks the protection that mprotect calls would have left.
type fakeKernel struct {
	prot  map[uintptr]int
	calls int
	fail  bool
}

func (k *fakeKernel) protect(addr, length uintptr, prot int) error {
	k.calls++
	if k.fail {
		return unix.EACCES
	}
	k.prot[addr] = prot
	return nil
}

func TestProtectionRoundTrip(t *testing.T) {
	kernel := &fakeKernel{prot: make(map[uintptr]int)}
	table := Parse([]byte(sampleMaps), WithProtector(kernel.protect))

	before := make([]int, len(table.Entries))
	for i := range table.Entries {
		before[i] = table.Entries[i].Protect
	}

	rng := rand.New(rand.NewSource(1))
	bits := []int{unix.PROT_READ, unix.PROT_WRITE, unix.PROT_EXEC, unix.PROT_READ | unix.PROT_WRITE}
	for step := 0; step < 500; step++ {
		info := &table.Entries[rng.Intn(len(table.Entries))]
		if info.Invalid {
			continue
		}
		if rng.Intn(3) == 0 {
			require.NoError(t, info.ResetProtection())
		} else {
			require.NoError(t, info.AddProtection(bits[rng.Intn(len(bits))]))
		}
	}
	require.NoError(t, table.ResetAll())

	for i := range table.Entries {
		info := &table.Entries[i]
		assert.Equal(t, before[i], info.Protect, "entry %d", i)
		assert.False(t, info.Modified())
		if got, ok := kernel.prot[info.Start]; ok {
			assert.Equal(t, before[i], got, "kernel view of entry %d", i)
		}
	}
}

func TestAddProtectionNoopWhenPresent(t *testing.T) {
	kernel := &fakeKernel{prot: make(map[uintptr]int)}
	table := Parse([]byte(sampleMaps), WithProtector(kernel.protect))

	writable := &table.Entries[3]
	require.NoError(t, writable.AddProtection(unix.PROT_WRITE))
	require.NoError(t, writable.ResetProtection())
	assert.Equal(t, 0, kernel.calls)
}

func TestAddProtectionFailureLeavesState(t *testing.T) {
	kernel := &fakeKernel{prot: make(map[uintptr]int), fail: true}
	table := Parse([]byte(sampleMaps), WithProtector(kernel.protect))

	relro := &table.Entries[2]
	err := relro.AddProtection(unix.PROT_WRITE)
	require.Error(t, err)
	assert.True(t, errors.Is(err, unix.EACCES))
	assert.Equal(t, unix.PROT_READ, relro.Protect)
	assert.False(t, relro.Modified())
	assert.False(t, relro.Writable())

	assert.ErrorIs(t, table.Entries[8].AddProtection(unix.PROT_WRITE), ErrInvalidRecord)
}

func TestMprotectRealMapping(t *testing.T) {
	pageSize := unix.Getpagesize()
	path := filepath.Join(t.TempDir(), "relro.bin")
	require.NoError(t, os.WriteFile(path, make([]byte, 2*pageSize), 0o600))

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	mem, err := unix.Mmap(int(f.Fd()), 0, 2*pageSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE)
	require.NoError(t, err)
	t.Cleanup(func() { _ = unix.Munmap(mem) })
	require.NoError(t, unix.Mprotect(mem, unix.PROT_READ))

	addr := procmem.AddressOf(mem) + 16

	table, err := Load()
	require.NoError(t, err)
	info := table.Find(addr)
	require.NotNil(t, info, "mapping for %#x not found", addr)
	assert.Equal(t, path, info.Path)
	assert.True(t, ShouldBeWritable(info))

	slot, err := procmem.NewSlot(addr, 8, info)
	require.NoError(t, err)
	require.ErrorIs(t, slot.Store(42), procmem.ErrNotWritable)

	require.NoError(t, info.AddProtection(unix.PROT_WRITE))
	require.NoError(t, slot.Store(42))
	require.NoError(t, table.ResetAll())
	assert.Equal(t, uint64(42), slot.Load())

	after, err := Load()
	require.NoError(t, err)
	reloaded := after.Find(addr)
	require.NotNil(t, reloaded)
	assert.Equal(t, unix.PROT_READ, reloaded.Protect)
}
