package blkfs

import (
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blkfs/blkfs/dir"
	"github.com/blkfs/blkfs/inode"
	"github.com/blkfs/blkfs/store"
	"github.com/blkfs/blkfs/super"
)

func mkFs(t *testing.T) (*FileSystem, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.img")
	fs, err := Format(path)
	require.NoError(t, err)
	t.Cleanup(func() {
		if fs.st != nil {
			fs.Unmount()
		}
	})
	return fs, path
}

func pattern(n int) []byte {
	data := make([]byte, n)
	for i := range data {
		data[i] = byte(i)
	}
	return data
}

func TestFormatYieldsEmptyRoot(t *testing.T) {
	fs, _ := mkFs(t)
	ents, err := fs.GetDir("/")
	require.NoError(t, err)
	assert.Empty(t, ents)

	// Fixed region plus the root directory block are accounted for.
	used := 1 + super.NInodeBlocks + store.MapBlocks + 1
	assert.Equal(t, store.NumBlocks-used, fs.st.FreeCount())
	assert.Equal(t, 1, fs.sb.Imap.Popcount())
}

func TestFormatMountRoundTrip(t *testing.T) {
	fs, path := mkFs(t)
	require.NoError(t, fs.Create("/hello", Regular))
	require.NoError(t, fs.Unmount())

	fs2, err := Mount(path)
	require.NoError(t, err)
	defer fs2.Unmount()
	ents, err := fs2.GetDir("/")
	require.NoError(t, err)
	require.Len(t, ents, 1)
	assert.Equal(t, "hello", ents[0].Name)
	assert.Equal(t, Regular, ents[0].Type)
}

func TestCreateUnderRegularFileFails(t *testing.T) {
	fs, _ := mkFs(t)
	require.NoError(t, fs.Create("/a", Regular))
	err := fs.Create("/a/b", Regular)
	assert.True(t, errors.Is(err, ErrNotDir))
}

func TestCreateInDirectory(t *testing.T) {
	fs, _ := mkFs(t)
	require.NoError(t, fs.Create("/d", Directory))
	require.NoError(t, fs.Create("/d/f", Regular))

	ents, err := fs.GetDir("/d")
	require.NoError(t, err)
	require.Len(t, ents, 1)
	assert.Equal(t, "f", ents[0].Name)
	assert.Equal(t, Regular, ents[0].Type)
}

func TestCreateErrors(t *testing.T) {
	fs, _ := mkFs(t)
	require.NoError(t, fs.Create("/a", Regular))

	assert.True(t, errors.Is(fs.Create("/a", Regular), ErrExists))
	assert.True(t, errors.Is(fs.Create("", Regular), ErrInvalid))
	assert.True(t, errors.Is(fs.Create("relative", Regular), ErrInvalid))
	assert.True(t, errors.Is(fs.Create("/", Regular), ErrInvalid))
	assert.True(t, errors.Is(fs.Create("/missing/f", Regular), ErrNotFound))
	assert.True(t, errors.Is(fs.Create("/x", dir.Type(9)), ErrInvalid))

	long := strings.Repeat("n", dir.NameLen)
	assert.True(t, errors.Is(fs.Create("/"+long, Regular), ErrInvalid))
}

func TestDirectoryCapacity(t *testing.T) {
	fs, _ := mkFs(t)
	names := []string{"/a", "/b", "/c", "/d", "/e", "/f", "/g"}
	for _, n := range names {
		require.NoError(t, fs.Create(n, Regular))
	}
	err := fs.Create("/h", Regular)
	assert.True(t, errors.Is(err, ErrNoSpace))

	// Removing one frees a slot again.
	require.NoError(t, fs.Remove("/d"))
	assert.NoError(t, fs.Create("/h", Regular))
}

func TestWriteSpansTwoDirectBlocks(t *testing.T) {
	fs, path := mkFs(t)
	require.NoError(t, fs.Create("/f", Regular))
	fd, err := fs.Open("/f")
	require.NoError(t, err)

	data := pattern(600)
	n, err := fs.Write(fd, data)
	require.NoError(t, err)
	require.Equal(t, 600, n)

	pos, err := fs.Seek(fd, 0, SeekSet)
	require.NoError(t, err)
	require.Equal(t, int64(0), pos)
	got := make([]byte, 600)
	n, err = fs.Read(fd, got)
	require.NoError(t, err)
	require.Equal(t, 600, n)
	assert.Equal(t, data, got)
	require.NoError(t, fs.Close(fd))
	require.NoError(t, fs.Unmount())

	// Check block placement in the image itself: bytes 0..511 in
	// directBlocks[0], the tail in directBlocks[1].
	st, err := store.Open(path)
	require.NoError(t, err)
	defer st.Close()
	sb, err := super.Load(st)
	require.NoError(t, err)
	assert.Equal(t, 2, sb.Imap.Popcount())
	ip, err := inode.Get(st, 1)
	require.NoError(t, err)
	assert.Equal(t, uint32(600), ip.Size)
	require.NotEqual(t, store.NullBnum, ip.Direct[0])
	require.NotEqual(t, store.NullBnum, ip.Direct[1])
	assert.Equal(t, store.NullBnum, ip.Direct[2])

	blk, err := st.ReadBlock(ip.Direct[0])
	require.NoError(t, err)
	assert.Equal(t, data[:512], blk)
	blk, err = st.ReadBlock(ip.Direct[1])
	require.NoError(t, err)
	assert.Equal(t, data[512:], blk[:88])
}

func TestLargeWriteReachesDoubleIndirect(t *testing.T) {
	fs, _ := mkFs(t)
	require.NoError(t, fs.Create("/big", Regular))
	fd, err := fs.Open("/big")
	require.NoError(t, err)

	// 200,000 bytes is ~391 logical blocks, past what direct plus
	// single-indirect can address.
	data := pattern(200000)
	n, err := fs.Write(fd, data)
	require.NoError(t, err)
	require.Equal(t, len(data), n)

	_, err = fs.Seek(fd, 0, SeekSet)
	require.NoError(t, err)
	got := make([]byte, len(data))
	n, err = fs.Read(fd, got)
	require.NoError(t, err)
	require.Equal(t, len(data), n)
	assert.Equal(t, data, got)

	ip, err := inode.Get(fs.st, fs.fds[fd].inum)
	require.NoError(t, err)
	assert.NotEqual(t, store.NullBnum, ip.Ind)
	assert.NotEqual(t, store.NullBnum, ip.Dbl)
	require.NoError(t, fs.Close(fd))
}

func TestSeekClamping(t *testing.T) {
	fs, _ := mkFs(t)
	require.NoError(t, fs.Create("/f", Regular))
	fd, err := fs.Open("/f")
	require.NoError(t, err)
	_, err = fs.Write(fd, pattern(100))
	require.NoError(t, err)

	pos, err := fs.Seek(fd, -7, SeekSet)
	require.NoError(t, err)
	assert.Equal(t, int64(0), pos)
	pos, err = fs.Seek(fd, 1000, SeekSet)
	require.NoError(t, err)
	assert.Equal(t, int64(100), pos)
	pos, err = fs.Seek(fd, -30, SeekEnd)
	require.NoError(t, err)
	assert.Equal(t, int64(70), pos)
	pos, err = fs.Seek(fd, 10, SeekCur)
	require.NoError(t, err)
	assert.Equal(t, int64(80), pos)
	_, err = fs.Seek(fd, 0, Whence(42))
	assert.True(t, errors.Is(err, ErrInvalid))
}

func TestReadNeverPassesEOF(t *testing.T) {
	fs, _ := mkFs(t)
	require.NoError(t, fs.Create("/f", Regular))
	fd, err := fs.Open("/f")
	require.NoError(t, err)
	_, err = fs.Write(fd, pattern(100))
	require.NoError(t, err)

	_, err = fs.Seek(fd, 40, SeekSet)
	require.NoError(t, err)
	got := make([]byte, 500)
	n, err := fs.Read(fd, got)
	require.NoError(t, err)
	assert.Equal(t, 60, n)
}

func TestDescriptors(t *testing.T) {
	fs, _ := mkFs(t)
	require.NoError(t, fs.Create("/f", Regular))
	require.NoError(t, fs.Create("/d", Directory))

	_, err := fs.Open("/d")
	assert.True(t, errors.Is(err, ErrIsDir))
	_, err = fs.Open("/missing")
	assert.True(t, errors.Is(err, ErrNotFound))

	fd, err := fs.Open("/f")
	require.NoError(t, err)
	fd2, err := fs.Open("/f")
	require.NoError(t, err)
	assert.NotEqual(t, fd, fd2)

	require.NoError(t, fs.Close(fd))
	err = fs.Close(fd)
	assert.True(t, errors.Is(err, ErrInvalid))
	err = fs.Close(-1)
	assert.True(t, errors.Is(err, ErrInvalid))
	err = fs.Close(NumDescriptors)
	assert.True(t, errors.Is(err, ErrInvalid))
	require.NoError(t, fs.Close(fd2))
}

func TestRemoveClosesDescriptors(t *testing.T) {
	fs, _ := mkFs(t)
	require.NoError(t, fs.Create("/f", Regular))
	fd, err := fs.Open("/f")
	require.NoError(t, err)
	_, err = fs.Write(fd, pattern(50))
	require.NoError(t, err)

	require.NoError(t, fs.Remove("/f"))
	_, err = fs.Read(fd, make([]byte, 10))
	assert.True(t, errors.Is(err, ErrInvalid))
}

func TestRemoveDirectory(t *testing.T) {
	fs, _ := mkFs(t)
	require.NoError(t, fs.Create("/d", Directory))
	require.NoError(t, fs.Create("/d/x", Regular))

	err := fs.Remove("/d")
	assert.True(t, errors.Is(err, ErrNotEmpty))

	require.NoError(t, fs.Remove("/d/x"))
	require.NoError(t, fs.Remove("/d"))
	ents, err := fs.GetDir("/")
	require.NoError(t, err)
	assert.Empty(t, ents)
}

func TestCreateRemoveCreate(t *testing.T) {
	fs, _ := mkFs(t)
	require.NoError(t, fs.Create("/p", Regular))
	require.NoError(t, fs.Remove("/p"))
	require.NoError(t, fs.Create("/p", Regular))
}

func TestRemoveReleasesAllBlocks(t *testing.T) {
	fs, _ := mkFs(t)
	freeBlocks := fs.st.FreeCount()
	liveInodes := fs.sb.Imap.Popcount()

	require.NoError(t, fs.Create("/d", Directory))
	require.NoError(t, fs.Create("/d/big", Regular))
	fd, err := fs.Open("/d/big")
	require.NoError(t, err)
	n, err := fs.Write(fd, pattern(200000))
	require.NoError(t, err)
	require.Equal(t, 200000, n)
	require.NoError(t, fs.Close(fd))

	require.NoError(t, fs.Remove("/d/big"))
	require.NoError(t, fs.Remove("/d"))
	assert.Equal(t, freeBlocks, fs.st.FreeCount())
	assert.Equal(t, liveInodes, fs.sb.Imap.Popcount())
}

func TestGetDirErrors(t *testing.T) {
	fs, _ := mkFs(t)
	require.NoError(t, fs.Create("/f", Regular))

	_, err := fs.GetDir("/f")
	assert.True(t, errors.Is(err, ErrNotDir))
	_, err = fs.GetDir("/missing")
	assert.True(t, errors.Is(err, ErrNotFound))
	_, err = fs.GetDir("")
	assert.True(t, errors.Is(err, ErrInvalid))
}

func TestNestedPaths(t *testing.T) {
	fs, _ := mkFs(t)
	require.NoError(t, fs.Create("/a", Directory))
	require.NoError(t, fs.Create("/a/b", Directory))
	require.NoError(t, fs.Create("/a/b/c", Regular))

	fd, err := fs.Open("/a/b/c")
	require.NoError(t, err)
	_, err = fs.Write(fd, []byte("deep"))
	require.NoError(t, err)
	require.NoError(t, fs.Close(fd))

	ents, err := fs.GetDir("/a/b")
	require.NoError(t, err)
	require.Len(t, ents, 1)
	assert.Equal(t, "c", ents[0].Name)
}

func TestUnmountInvalidatesHandle(t *testing.T) {
	fs, _ := mkFs(t)
	require.NoError(t, fs.Unmount())
	assert.True(t, errors.Is(fs.Unmount(), ErrInvalid))
	assert.True(t, errors.Is(fs.Create("/x", Regular), ErrInvalid))
	_, err := fs.Open("/x")
	assert.True(t, errors.Is(err, ErrInvalid))
}

func TestStatsTable(t *testing.T) {
	fs, _ := mkFs(t)
	require.NoError(t, fs.Create("/f", Regular))
	out := fs.StatsTable()
	assert.Contains(t, out, "create")
	assert.Contains(t, out, "total")
}
