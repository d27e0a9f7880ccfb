package disk

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dreamware/hyperdex/internal/space"
)

func testRegion() space.RegionID {
	return space.RegionID{Space: 1, Subspace: 0, Prefix: 0, Mask: 0}
}

func TestMemDiskPutGetRoundTrip(t *testing.T) {
	r := testRegion()
	d := NewMemDisk(r)

	err := d.Put(r, []byte("alice"), []space.Value{[]byte("30")}, 1)
	require.NoError(t, err)

	got, err := d.Get(r, []byte("alice"))
	require.NoError(t, err)
	require.True(t, got.Found)
	require.Equal(t, uint64(1), got.Version)
	require.Equal(t, space.Value("30"), got.Values[0])
}

func TestMemDiskGetMissingKey(t *testing.T) {
	r := testRegion()
	d := NewMemDisk(r)
	got, err := d.Get(r, []byte("nobody"))
	require.NoError(t, err)
	require.False(t, got.Found)
}

func TestMemDiskWrongRegionIsMissingDisk(t *testing.T) {
	r := testRegion()
	d := NewMemDisk(r)
	other := space.RegionID{Space: 2}
	_, err := d.Get(other, []byte("k"))
	require.ErrorIs(t, err, ErrMissingDisk)
}

func TestMemDiskQuiesceRejectsWrites(t *testing.T) {
	r := testRegion()
	d := NewMemDisk(r)
	require.NoError(t, d.Put(r, []byte("k"), []space.Value{[]byte("v")}, 1))
	require.NoError(t, d.Quiesce(r, "snap-1"))
	require.Equal(t, "snap-1", d.QuiescedState())

	err := d.Put(r, []byte("k2"), []space.Value{[]byte("v2")}, 1)
	require.ErrorIs(t, err, ErrQuiesced)
}

func TestMemDiskSnapshotFiltersByCoordinate(t *testing.T) {
	r := testRegion()
	d := NewMemDisk(r)
	require.NoError(t, d.Put(r, []byte("a"), []space.Value{[]byte("x"), []byte("1")}, 1))
	require.NoError(t, d.Put(r, []byte("b"), []space.Value{[]byte("y"), []byte("2")}, 1))

	coord := space.SearchCoordinate{Mask: []bool{true, false}, Values: []space.Value{[]byte("x"), nil}}
	snap, err := d.MakeSnapshot(r, coord, []bool{true, false}, space.XXHasher{})
	require.NoError(t, err)
	defer snap.Close()

	e, ok, err := snap.Next()
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("a"), e.Key)

	_, ok, err = snap.Next()
	require.NoError(t, err)
	require.False(t, ok)
}

func TestMemDiskRollingSnapshotSeesAllEntries(t *testing.T) {
	r := testRegion()
	d := NewMemDisk(r)
	require.NoError(t, d.Put(r, []byte("a"), []space.Value{[]byte("1")}, 1))
	require.NoError(t, d.Put(r, []byte("b"), []space.Value{[]byte("2")}, 2))

	rs, err := d.MakeRollingSnapshot(r)
	require.NoError(t, err)
	defer rs.Close()

	count := 0
	for {
		_, ok, err := rs.Next()
		require.NoError(t, err)
		if !ok {
			break
		}
		count++
	}
	require.Equal(t, 2, count)
}
