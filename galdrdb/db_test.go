package galdrdb

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rthomasv3/galdrdb/errs"
)

func testOptions() Options {
	opts := DefaultOptions()
	opts.CachePageCount = 64
	return opts
}

func TestCreateRejectsExistingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "widgets.gdb")

	db, err := Create(path, testOptions())
	require.NoError(t, err)
	db.Close()

	_, err = Create(path, testOptions())
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.InvalidOperation))
}

func TestOpenRejectsMissingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "missing.gdb")

	_, err := Open(path, testOptions())
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.FileNotFound))
}

func TestInsertGetRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "widgets.gdb")
	db, err := Create(path, testOptions())
	require.NoError(t, err)
	defer db.Close()

	_, err = db.EnsureCollection("widgets")
	require.NoError(t, err)

	docID, err := db.Insert("widgets", 0, []byte(`{"name":"sprocket"}`), nil)
	require.NoError(t, err)
	assert.NotZero(t, docID)

	data, ok, err := db.GetByID("widgets", docID)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, `{"name":"sprocket"}`, string(data))

	hits, _, _, _ := db.CacheStats()
	assert.Positive(t, hits)
}

func TestUniqueIndexRejectsDuplicateAcrossTransactions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "widgets.gdb")
	db, err := Create(path, testOptions())
	require.NoError(t, err)
	defer db.Close()

	_, err = db.EnsureCollection("widgets")
	require.NoError(t, err)
	require.NoError(t, db.CreateIndex("widgets", "sku", true))

	_, err = db.Insert("widgets", 0, []byte(`{"sku":"ABC"}`), map[string][]byte{"sku": []byte("ABC")})
	require.NoError(t, err)

	_, err = db.Insert("widgets", 0, []byte(`{"sku":"ABC"}`), map[string][]byte{"sku": []byte("ABC")})
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.UniqueConstraintViolation))
}

func TestReopenRecoversWAL(t *testing.T) {
	path := filepath.Join(t.TempDir(), "widgets.gdb")
	opts := testOptions()

	db, err := Create(path, opts)
	require.NoError(t, err)
	_, err = db.EnsureCollection("widgets")
	require.NoError(t, err)
	docID, err := db.Insert("widgets", 0, []byte(`{"name":"sprocket"}`), nil)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	reopened, err := Open(path, opts)
	require.NoError(t, err)
	defer reopened.Close()

	data, ok, err := reopened.GetByID("widgets", docID)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, `{"name":"sprocket"}`, string(data))
}

func TestVacuumReclaimsSupersededVersions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "widgets.gdb")
	db, err := Create(path, testOptions())
	require.NoError(t, err)
	defer db.Close()

	_, err = db.EnsureCollection("widgets")
	require.NoError(t, err)
	docID, err := db.Insert("widgets", 0, []byte(`{"v":1}`), nil)
	require.NoError(t, err)
	require.NoError(t, db.Replace("widgets", docID, []byte(`{"v":2}`), nil, nil))

	result, err := db.Vacuum()
	require.NoError(t, err)
	assert.GreaterOrEqual(t, result.VersionsCollected, 1)
}

func TestCheckpointIsNoOpWithoutWAL(t *testing.T) {
	opts := testOptions()
	opts.UseWAL = false
	path := filepath.Join(t.TempDir(), "widgets.gdb")

	db, err := Create(path, opts)
	require.NoError(t, err)
	defer db.Close()

	assert.NoError(t, db.Checkpoint())
}
