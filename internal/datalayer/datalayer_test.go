package datalayer

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dreamware/hyperdex/internal/config"
	"github.com/dreamware/hyperdex/internal/disk"
	"github.com/dreamware/hyperdex/internal/space"
)

func testUs() space.HostID { return space.HostID(1) }

func testRegion(spaceID uint32) *space.Region {
	return &space.Region{Space: spaceID, Subspace: 0, Prefix: 0, Mask: 0, Chain: []space.HostID{testUs()}}
}

func testConfig() *config.Configuration {
	cfg := config.Empty()
	cfg.Version = 1
	cfg.Regions = []*space.Region{testRegion(1)}
	return cfg
}

func TestPrepareCreatesDiskPerAssignedRegion(t *testing.T) {
	d := New(nil, disk.NewMemDisk)
	cfg := testConfig()

	d.Prepare(cfg, testUs())

	regions := d.Regions()
	require.Len(t, regions, 1)
	require.Equal(t, testRegion(1).ID(), regions[0])
}

func TestPrepareRecordsFailureButContinues(t *testing.T) {
	boom := func(r space.RegionID) (disk.Disk, error) {
		return nil, os.ErrPermission
	}
	d := New(nil, boom)
	cfg := testConfig()

	d.Prepare(cfg, testUs())

	require.Empty(t, d.Regions())
	require.ErrorIs(t, d.Failed(testRegion(1).ID()), os.ErrPermission)
}

func TestPreparePicksUpTransferDestinations(t *testing.T) {
	d := New(nil, disk.NewMemDisk)
	cfg := config.Empty()
	cfg.Transfers[1] = config.Transfer{
		XferID:      1,
		Region:      testRegion(2).ID(),
		Destination: testUs(),
	}

	d.Prepare(cfg, testUs())

	require.Len(t, d.Regions(), 1)
}

func TestGetPutDelRouteThroughAssignedDisk(t *testing.T) {
	d := New(nil, disk.NewMemDisk)
	cfg := testConfig()
	d.Prepare(cfg, testUs())
	r := testRegion(1).ID()

	require.NoError(t, d.Put(r, []byte("k"), []space.Value{[]byte("v")}, 1))

	got, err := d.Get(r, []byte("k"))
	require.NoError(t, err)
	require.True(t, got.Found)

	require.NoError(t, d.Del(r, []byte("k")))
	got, err = d.Get(r, []byte("k"))
	require.NoError(t, err)
	require.False(t, got.Found)
}

func TestGetUnassignedRegionIsMissingDisk(t *testing.T) {
	d := New(nil, disk.NewMemDisk)
	_, err := d.Get(testRegion(9).ID(), []byte("k"))
	require.ErrorIs(t, err, disk.ErrMissingDisk)
}

func TestCleanupDropsUnassignedRegions(t *testing.T) {
	d := New(nil, disk.NewMemDisk)
	cfg := testConfig()
	d.Prepare(cfg, testUs())
	require.Len(t, d.Regions(), 1)

	d.Cleanup(config.Empty(), testUs())
	require.Empty(t, d.Regions())
}

func TestReconfigureWritesStateFileOnQuiesce(t *testing.T) {
	d := New(nil, disk.NewMemDisk)
	cfg := testConfig()
	d.Prepare(cfg, testUs())
	cfg.Quiesce = "snap-1"

	dir := t.TempDir()
	path := filepath.Join(dir, "datalayer_state.hd")
	us := space.Instance{IP: "127.0.0.1", InPort: 2000, InEpoch: 1, OutPort: 2001, OutEpoch: 1}

	require.NoError(t, d.Reconfigure(cfg, us, "some config text", path))

	sf, ok := ReadStateFile(path)
	require.True(t, ok)
	require.Equal(t, 1, sf.Version)
	require.Equal(t, us, sf.Us)
	require.Equal(t, "some config text", sf.Config)
}

func TestReconfigureNoopWithoutQuiesce(t *testing.T) {
	d := New(nil, disk.NewMemDisk)
	cfg := testConfig()
	d.Prepare(cfg, testUs())

	dir := t.TempDir()
	path := filepath.Join(dir, "datalayer_state.hd")
	us := space.Instance{IP: "127.0.0.1", InPort: 2000, InEpoch: 1, OutPort: 2001, OutEpoch: 1}

	require.NoError(t, d.Reconfigure(cfg, us, "text", path))
	_, ok := ReadStateFile(path)
	require.False(t, ok)
}

func TestReadStateFileRejectsMalformed(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "datalayer_state.hd")
	require.NoError(t, os.WriteFile(path, []byte("garbage\n"), 0o644))

	_, ok := ReadStateFile(path)
	require.False(t, ok)
}

func TestReadStateFileRejectsVersionMismatch(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "datalayer_state.hd")
	require.NoError(t, os.WriteFile(path, []byte("version 2\nus 1.2.3.4 1 1 1 1\nconfig x\n"), 0o644))

	_, ok := ReadStateFile(path)
	require.False(t, ok)
}

func TestRunFlushOnceReportsProgress(t *testing.T) {
	d := New(nil, disk.NewMemDisk)
	cfg := testConfig()
	d.Prepare(cfg, testUs())
	r := testRegion(1).ID()
	require.NoError(t, d.Put(r, []byte("k"), []space.Value{[]byte("v")}, 1))

	require.True(t, d.runFlushOnce(16))
}
