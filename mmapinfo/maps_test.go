package mmapinfo

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

const sampleMaps = `55d4c3a00000-55d4c3a02000 r--p 00000000 08:02 1311  /usr/bin/game
55d4c3a02000-55d4c3a08000 r-xp 00002000 08:02 1311  /usr/bin/game
55d4c3c08000-55d4c3c09000 r--p 00008000 08:02 1311  /usr/bin/game
55d4c3c09000-55d4c3c0a000 rw-p 00009000 08:02 1311  /usr/bin/game
7f0a10000000-7f0a10021000 rw-p 00000000 00:00 0
7f0a14000000-7f0a14001000 r--s 00000000 00:05 42  /dev/shm/ring
7f0a18e00000-7f0a18e28000 r--p 00000000 08:02 2222  /usr/lib/x86_64-linux-gnu/libc.so.6
7f0a19000000-7f0a19004000 r--p 001ff000 08:02 3333  /tmp/my lib/libnotgl.so.1 (deleted)
not-a-maps-line
7ffd2b5f0000-7ffd2b611000 rw-p 00000000 00:00 0  [stack]
ffffffffff600000-ffffffffff601000 --xp 00000000 00:00 0  [vsyscall]
`

func TestParse(t *testing.T) {
	table := Parse([]byte(sampleMaps), WithProtector(func(uintptr, uintptr, int) error { return nil }))
	require.Len(t, table.Entries, 11)

	first := table.Entries[0]
	assert.Equal(t, uintptr(0x55d4c3a00000), first.Start)
	assert.Equal(t, uintptr(0x55d4c3a02000), first.End)
	assert.Equal(t, unix.PROT_READ, first.Protect)
	assert.Equal(t, "/usr/bin/game", first.Path)

	code := table.Entries[1]
	assert.Equal(t, unix.PROT_READ|unix.PROT_EXEC, code.Protect)
	assert.Equal(t, uintptr(0x2000), code.Offset)

	anon := table.Entries[4]
	assert.Equal(t, "", anon.Path)
	assert.True(t, anon.Writable())

	assert.True(t, table.Entries[5].Shared)
	assert.Equal(t, "/tmp/my lib/libnotgl.so.1", table.Entries[7].Path)
	assert.True(t, table.Entries[8].Invalid)
	assert.Equal(t, "[vsyscall]", table.Entries[10].Path)
}

func TestFind(t *testing.T) {
	table := Parse([]byte(sampleMaps))

	tests := []struct {
		name  string
		addr  uintptr
		start uintptr
	}{
		{"first byte", 0x55d4c3a00000, 0x55d4c3a00000},
		{"inside", 0x55d4c3c08010, 0x55d4c3c08000},
		{"last byte", 0x55d4c3c09fff, 0x55d4c3c09000},
		{"gap", 0x55d4c3b00000, 0},
		{"end is exclusive", 0x7f0a10021000, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			info := table.Find(tt.addr)
			if tt.start == 0 {
				assert.Nil(t, info)
				return
			}
			require.NotNil(t, info)
			assert.Equal(t, tt.start, info.Start)
		})
	}

	var empty *Table
	assert.Nil(t, empty.Find(0x1000))
}

func TestInfoContains(t *testing.T) {
	info := &Info{Start: 0x1000, End: 0x2000}
	assert.True(t, info.Contains(0x1000, 8))
	assert.True(t, info.Contains(0x1ff8, 8))
	assert.False(t, info.Contains(0x1ffc, 8))
	assert.False(t, info.Contains(0x0ff8, 8))
	assert.False(t, info.Contains(0x1000, 0))
	assert.False(t, (&Info{Start: 0x1000, End: 0x2000, Invalid: true}).Contains(0x1000, 8))
}

func TestShouldBeWritable(t *testing.T) {
	table := Parse([]byte(sampleMaps))

	tests := []struct {
		name  string
		index int
		want  bool
	}{
		{"relro of executable", 2, true},
		{"code", 1, false},
		{"already writable", 3, false},
		{"anonymous", 4, false},
		{"shared mapping", 5, false},
		{"deleted library file", 7, true},
		{"invalid", 8, false},
		{"stack", 9, false},
		{"vsyscall", 10, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ShouldBeWritable(&table.Entries[tt.index]))
		})
	}
	assert.False(t, ShouldBeWritable(nil))
}
