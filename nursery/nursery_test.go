package nursery

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stvp/assert"
	"go.uber.org/zap"

	"lsmtree/level"
)

func testLogger() *zap.SugaredLogger {
	return zap.NewNop().Sugar()
}

func testTopLevel(dir string) *level.Level {
	return level.New(&level.Config{
		Dir:        dir,
		NurseryMax: DefaultMax,
		FileLock:   &sync.RWMutex{},
		Logger:     testLogger(),
	}, level.Top, nil)
}

func TestAddLookup(t *testing.T) {
	dir := t.TempDir()
	n, err := New(dir, 16, testLogger())
	assert.Nil(t, err)

	full, err := n.Add([]byte("a"), []byte("1"), false)
	assert.Nil(t, err)
	assert.True(t, !full)

	rec, ok := n.Lookup([]byte("a"))
	assert.True(t, ok)
	assert.Equal(t, string(rec.Value), "1")

	_, ok = n.Lookup([]byte("b"))
	assert.True(t, !ok)

	// A delete shadows the earlier value.
	_, err = n.Add([]byte("a"), nil, true)
	assert.Nil(t, err)
	rec, ok = n.Lookup([]byte("a"))
	assert.True(t, ok)
	assert.True(t, rec.Tombstone)
	assert.Equal(t, n.Len(), 1)
}

func TestFillToCapacity(t *testing.T) {
	dir := t.TempDir()
	n, err := New(dir, 4, testLogger())
	assert.Nil(t, err)

	for i := 0; i < 3; i++ {
		full, err := n.Add([]byte(fmt.Sprintf("k%d", i)), []byte("v"), false)
		assert.Nil(t, err)
		assert.True(t, !full)
	}
	full, err := n.Add([]byte("k3"), []byte("v"), false)
	assert.Nil(t, err)
	assert.True(t, full)
}

func TestFinish(t *testing.T) {
	dir := t.TempDir()
	top := testTopLevel(dir)
	n, err := New(dir, 4, testLogger())
	assert.Nil(t, err)

	for i := 0; i < 4; i++ {
		_, err := n.Add([]byte(fmt.Sprintf("k%d", i)), []byte(fmt.Sprintf("v%d", i)), false)
		assert.Nil(t, err)
	}
	assert.Nil(t, n.Finish(top))
	assert.Equal(t, n.Len(), 0)

	// The flush landed on level 0 and the records read back.
	_, err = os.Stat(filepath.Join(dir, "BTree-0.data"))
	assert.Nil(t, err)
	rec, err := top.Lookup([]byte("k2"))
	assert.Nil(t, err)
	assert.NotNil(t, rec)
	assert.Equal(t, string(rec.Value), "v2")

	assert.Nil(t, top.Close())
}

func TestRecover(t *testing.T) {
	dir := t.TempDir()
	n, err := New(dir, 64, testLogger())
	assert.Nil(t, err)
	for i := 0; i < 10; i++ {
		_, err := n.Add([]byte(fmt.Sprintf("k%02d", i)), []byte(fmt.Sprintf("v%02d", i)), false)
		assert.Nil(t, err)
	}
	_, err = n.Add([]byte("k03"), nil, true)
	assert.Nil(t, err)
	// No clean shutdown: the log is all that survives the crash.

	top := testTopLevel(dir)
	r, err := Recover(dir, 64, top, testLogger())
	assert.Nil(t, err)
	assert.Equal(t, r.Len(), 10)

	rec, ok := r.Lookup([]byte("k05"))
	assert.True(t, ok)
	assert.Equal(t, string(rec.Value), "v05")
	rec, ok = r.Lookup([]byte("k03"))
	assert.True(t, ok)
	assert.True(t, rec.Tombstone)
	assert.Nil(t, top.Close())
}

func TestRecoverTornTail(t *testing.T) {
	dir := t.TempDir()
	n, err := New(dir, 64, testLogger())
	assert.Nil(t, err)
	for i := 0; i < 5; i++ {
		_, err := n.Add([]byte(fmt.Sprintf("k%d", i)), []byte("v"), false)
		assert.Nil(t, err)
	}

	// Chop bytes off the final record, as a crash mid-append would.
	path := filepath.Join(dir, LogName)
	fi, err := os.Stat(path)
	assert.Nil(t, err)
	assert.Nil(t, os.Truncate(path, fi.Size()-3))

	top := testTopLevel(dir)
	r, err := Recover(dir, 64, top, testLogger())
	assert.Nil(t, err)
	assert.Equal(t, r.Len(), 4)
	assert.Nil(t, top.Close())
}

func TestRecoverMissingLog(t *testing.T) {
	dir := t.TempDir()
	top := testTopLevel(dir)
	r, err := Recover(dir, 64, top, testLogger())
	assert.Nil(t, err)
	assert.Equal(t, r.Len(), 0)
	assert.Nil(t, top.Close())
}

func TestSnapshotRange(t *testing.T) {
	dir := t.TempDir()
	n, err := New(dir, 64, testLogger())
	assert.Nil(t, err)
	for i := 9; i >= 0; i-- { // insertion order must not matter
		_, err := n.Add([]byte(fmt.Sprintf("k%d", i)), []byte("v"), false)
		assert.Nil(t, err)
	}

	recs := n.Snapshot([]byte("k2"), true, []byte("k6"), false)
	assert.Equal(t, len(recs), 4)
	assert.Equal(t, string(recs[0].Key), "k2")
	assert.Equal(t, string(recs[3].Key), "k5")

	recs = n.Snapshot([]byte("k2"), false, []byte("k6"), true)
	assert.Equal(t, len(recs), 4)
	assert.Equal(t, string(recs[0].Key), "k3")
	assert.Equal(t, string(recs[3].Key), "k6")

	recs = n.Snapshot(nil, true, nil, false)
	assert.Equal(t, len(recs), 10)
}

func TestCloseLeavesNoLog(t *testing.T) {
	dir := t.TempDir()
	top := testTopLevel(dir)
	n, err := New(dir, 64, testLogger())
	assert.Nil(t, err)
	_, err = n.Add([]byte("a"), []byte("1"), false)
	assert.Nil(t, err)

	assert.Nil(t, n.Close(top))
	_, err = os.Stat(filepath.Join(dir, LogName))
	assert.True(t, os.IsNotExist(err))
	assert.Nil(t, top.Close())
}
