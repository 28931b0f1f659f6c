package ntdb

import (
	"bytes"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func tempDBPath(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "db")
}

// Scenario 1 (spec §8): create-store-fetch survives a reopen.
func TestCreateStoreFetchReopen(t *testing.T) {
	path := tempDBPath(t)
	db, err := Open(path, 0, 0o600, Attributes{})
	require.NoError(t, err)
	require.NoError(t, db.Store([]byte("key"), []byte("data"), ModeInsert))
	require.NoError(t, db.Close())

	db, err = Open(path, 0, 0o600, Attributes{})
	require.NoError(t, err)
	defer db.Close()

	got, err := db.Fetch([]byte("key"))
	require.NoError(t, err)
	require.Equal(t, []byte("data"), got)

	_, err = db.Check(nil)
	require.NoError(t, err)
	require.Zero(t, db.GetFlags()&FlagReadOnly, "expected GetFlags to not report read-only")
}

// Scenario 2 (spec §8): duplicate insert fails, existing value is untouched.
func TestInsertDuplicate(t *testing.T) {
	db, err := Open("", FlagInternal, 0, Attributes{})
	require.NoError(t, err)
	defer db.Close()

	require.NoError(t, db.Store([]byte("key"), []byte("data"), ModeInsert))
	err = db.Store([]byte("key"), []byte("other"), ModeInsert)
	require.True(t, IsExists(err), "expected Exists error, got %v", err)

	got, err := db.Fetch([]byte("key"))
	require.NoError(t, err)
	require.Equal(t, []byte("data"), got, "fetch after failed insert")
}

// Scenario 3 (spec §8), scaled down: append grows a record 30 times and
// every intermediate state round-trips.
func TestAppendGrows(t *testing.T) {
	db, err := Open("", FlagInternal, 0, Attributes{})
	require.NoError(t, err)
	defer db.Close()

	base := bytes.Repeat([]byte{0x24}, 1000)
	require.NoError(t, db.Store([]byte("k"), base, ModeInsert))
	want := append([]byte(nil), base...)
	for i := 0; i < 30; i++ {
		suffix := bytes.Repeat([]byte{byte(i)}, 131)
		require.NoErrorf(t, db.Append([]byte("k"), suffix), "append #%d", i)
		want = append(want, suffix...)
		got, err := db.Fetch([]byte("k"))
		require.NoErrorf(t, err, "fetch #%d", i)
		require.Equalf(t, want, got, "append #%d", i)
	}
	_, err = db.Check(nil)
	require.NoError(t, err)
}

// Scenario 4 (spec §8): a cancelled transaction leaves no trace.
func TestTransactionCancel(t *testing.T) {
	db, err := Open("", FlagInternal|FlagAllowNesting, 0, Attributes{})
	require.NoError(t, err)
	defer db.Close()

	require.NoError(t, db.TransactionStart())
	buf := bytes.Repeat([]byte{0x55}, 1000)
	require.NoError(t, db.Store([]byte("key"), buf, ModeInsert))

	got, err := db.Fetch([]byte("key"))
	require.NoError(t, err, "fetch inside transaction")
	require.Equal(t, buf, got, "fetch inside transaction did not see the buffered write")

	require.NoError(t, db.TransactionCancel())
	_, err = db.Fetch([]byte("key"))
	require.True(t, IsNoExist(err), "expected NoExist after cancel, got %v", err)

	_, err = db.Check(nil)
	require.NoError(t, err)
}

// Scenario 5 (spec §8): a committed transaction survives a reopen.
func TestTransactionCommitSurvivesReopen(t *testing.T) {
	path := tempDBPath(t)
	db, err := Open(path, FlagAllowNesting, 0o600, Attributes{})
	require.NoError(t, err)
	require.NoError(t, db.TransactionStart())
	require.NoError(t, db.Store([]byte("key"), []byte("data"), ModeInsert))
	require.NoError(t, db.TransactionCommit())
	require.NoError(t, db.Close())

	db, err = Open(path, 0, 0o600, Attributes{})
	require.NoError(t, err)
	defer db.Close()
	got, err := db.Fetch([]byte("key"))
	require.NoError(t, err)
	require.Equal(t, []byte("data"), got, "fetch after commit+reopen")

	_, err = db.Check(nil)
	require.NoError(t, err)
}

// Scenario 6 (spec §8), scaled down: a constant hash function forces every
// key into one chain; all keys must still round-trip, traverse must visit
// each exactly once, and deleting+reinserting must leave the database
// structurally sound.
func TestHashOverload(t *testing.T) {
	const n = 40
	constHash := func(data []byte, seed uint32) uint32 { return 0 }
	db, err := Open("", FlagInternal, 0, Attributes{Hash: constHash})
	require.NoError(t, err)
	defer db.Close()

	key := func(i int) []byte { return []byte(fmt.Sprintf("k%d", i)) }
	val := func(i int) []byte {
		return []byte{byte(i), byte(i >> 8), byte(i >> 16), byte(i >> 24)}
	}

	for i := 0; i < n; i++ {
		require.NoErrorf(t, db.Store(key(i), val(i), ModeInsert), "store %d", i)
	}
	for i := 0; i < n; i++ {
		got, err := db.Fetch(key(i))
		require.NoErrorf(t, err, "fetch %d", i)
		require.Equalf(t, val(i), got, "fetch %d", i)
	}

	seen := map[string]bool{}
	err = db.Traverse(func(k, _ []byte) error {
		require.Falsef(t, seen[string(k)], "traverse visited %q twice", k)
		seen[string(k)] = true
		return nil
	})
	require.NoError(t, err)
	require.Len(t, seen, n)

	_, err = db.Check(nil)
	require.NoError(t, err, "check after inserts")

	for i := 0; i < n-1; i++ {
		require.NoErrorf(t, db.Delete(key(i)), "delete %d", i)
	}
	for i := 0; i < n-1; i++ {
		require.NoErrorf(t, db.Store(key(i), val(i), ModeInsert), "reinsert %d", i)
	}
	_, err = db.Check(nil)
	require.NoError(t, err, "check after delete+reinsert")

	for i := 0; i < n; i++ {
		require.NoErrorf(t, db.Delete(key(i)), "final delete %d", i)
	}
	count := 0
	err = db.Traverse(func(k, v []byte) error { count++; return nil })
	require.NoError(t, err)
	require.Zero(t, count, "expected an empty database")

	_, err = db.Check(nil)
	require.NoError(t, err, "check after wipe")
}

func TestDeleteIsIdempotent(t *testing.T) {
	db, err := Open("", FlagInternal, 0, Attributes{})
	require.NoError(t, err)
	defer db.Close()

	require.NoError(t, db.Store([]byte("k"), []byte("v"), ModeInsert))
	require.NoError(t, db.Delete([]byte("k")))

	_, err = db.Fetch([]byte("k"))
	require.True(t, IsNoExist(err), "expected NoExist, got %v", err)

	exists, _ := db.Exists([]byte("k"))
	require.False(t, exists, "expected Exists to report false")

	err = db.Delete([]byte("k"))
	require.True(t, IsNoExist(err), "expected second delete to report NoExist, got %v", err)
}

func TestDisjointUpdate(t *testing.T) {
	db, err := Open("", FlagInternal, 0, Attributes{})
	require.NoError(t, err)
	defer db.Close()

	require.NoError(t, db.Store([]byte("k1"), []byte("v1"), ModeInsert))
	require.NoError(t, db.Store([]byte("k2"), []byte("v2"), ModeInsert))
	require.NoError(t, db.Store([]byte("k1"), []byte("v1-changed"), ModeReplace))

	got, err := db.Fetch([]byte("k2"))
	require.NoError(t, err)
	require.Equal(t, []byte("v2"), got, "k2 affected by k1's update")
}

func TestEmptyKeyAndValueRoundTrip(t *testing.T) {
	db, err := Open("", FlagInternal, 0, Attributes{})
	require.NoError(t, err)
	defer db.Close()

	require.NoError(t, db.Store(nil, nil, ModeInsert))
	got, err := db.Fetch(nil)
	require.NoError(t, err)
	require.Empty(t, got)
}

// FirstKey/NextKey must visit the same record set Traverse does, in the
// same order, with no repeats and no omissions.
func TestFirstKeyNextKeyMatchesTraverse(t *testing.T) {
	db, err := Open("", FlagInternal, 0, Attributes{})
	require.NoError(t, err)
	defer db.Close()

	const n = 25
	for i := 0; i < n; i++ {
		require.NoError(t, db.Store([]byte(fmt.Sprintf("k%d", i)), []byte(fmt.Sprintf("v%d", i)), ModeInsert))
	}

	var viaTraverse []string
	require.NoError(t, db.Traverse(func(k, v []byte) error {
		viaTraverse = append(viaTraverse, string(k))
		return nil
	}))
	require.Len(t, viaTraverse, n)

	var viaCursor []string
	k, _, err := db.FirstKey()
	require.NoError(t, err)
	for {
		viaCursor = append(viaCursor, string(k))
		nk, _, err := db.NextKey(k)
		if IsNoExist(err) {
			break
		}
		require.NoError(t, err)
		k = nk
	}
	require.Len(t, viaCursor, n)
	require.ElementsMatch(t, viaTraverse, viaCursor)
}

func TestFirstKeyOnEmptyDatabaseIsNoExist(t *testing.T) {
	db, err := Open("", FlagInternal, 0, Attributes{})
	require.NoError(t, err)
	defer db.Close()

	_, _, err = db.FirstKey()
	require.True(t, IsNoExist(err), "expected NoExist on an empty database, got %v", err)
}

// Repack rewrites the backing file in place; the same *os.File-backed
// context (and its fd/mmap) must keep working afterwards, and every record
// must survive with the same contents.
func TestRepackPreservesDataAndHandle(t *testing.T) {
	path := tempDBPath(t)
	db, err := Open(path, 0, 0o600, Attributes{})
	require.NoError(t, err)
	defer db.Close()

	want := map[string]string{}
	for i := 0; i < 50; i++ {
		k, v := fmt.Sprintf("key-%d", i), fmt.Sprintf("value-%d", i)
		require.NoError(t, db.Store([]byte(k), []byte(v), ModeInsert))
		want[k] = v
	}
	// Delete a chunk so the live file has dead space for Repack to reclaim.
	for i := 0; i < 20; i++ {
		k := fmt.Sprintf("key-%d", i)
		require.NoError(t, db.Delete([]byte(k)))
		delete(want, k)
	}

	sizeBefore := db.raw.Size()
	require.NoError(t, db.Repack())
	require.LessOrEqual(t, db.raw.Size(), sizeBefore, "repack should not grow the file")

	got := map[string]string{}
	require.NoError(t, db.Traverse(func(k, v []byte) error {
		got[string(k)] = string(v)
		return nil
	}))
	require.Equal(t, want, got)

	// The handle used for Repack is still the one used for every other
	// operation: store/fetch/Check must keep working on it.
	require.NoError(t, db.Store([]byte("post-repack"), []byte("ok"), ModeInsert))
	v, err := db.Fetch([]byte("post-repack"))
	require.NoError(t, err)
	require.Equal(t, []byte("ok"), v)

	_, err = db.Check(nil)
	require.NoError(t, err)
}

func TestWipeAll(t *testing.T) {
	db, err := Open("", FlagInternal, 0, Attributes{})
	require.NoError(t, err)
	defer db.Close()

	for i := 0; i < 10; i++ {
		require.NoError(t, db.Store([]byte(fmt.Sprintf("k%d", i)), []byte("v"), ModeInsert))
	}
	require.NoError(t, db.WipeAll())

	count := 0
	db.Traverse(func(k, v []byte) error { count++; return nil })
	require.Zero(t, count, "expected empty database after WipeAll")
}

