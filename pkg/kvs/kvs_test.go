package kvs_test

import (
	"bytes"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/FlashKV/flashkv/pkg/checksum"
	"github.com/FlashKV/flashkv/pkg/entry"
	"github.com/FlashKV/flashkv/pkg/flash"
	"github.com/FlashKV/flashkv/pkg/kvs"
)

const (
	testSectorSize  = 1024
	testSectorCount = 4
	testAlignment   = 16

	testMagic = 0x9d872c61
)

func testFormats() entry.Formats {
	return entry.NewFormats(entry.Format{Magic: testMagic, Checksum: checksum.NewCrc32()})
}

func newTestDevice() *flash.MemDevice {
	return flash.NewMemDevice(testSectorSize, testSectorCount, testAlignment)
}

func newTestStore(t *testing.T, dev *flash.MemDevice, opts kvs.Options) *kvs.KeyValueStore {
	t.Helper()
	s, err := kvs.New(dev, testFormats(), opts)
	require.NoError(t, err)
	require.NoError(t, s.Init())
	return s
}

// getValue reads the whole value for key, failing the test on any error.
func getValue(t *testing.T, s *kvs.KeyValueStore, key string) []byte {
	t.Helper()
	size, err := s.ValueSize([]byte(key))
	require.NoError(t, err)
	buf := make([]byte, size)
	n, err := s.Get([]byte(key), buf, 0)
	require.NoError(t, err)
	return buf[:n]
}

func TestPutGetRoundTrip(t *testing.T) {
	s := newTestStore(t, newTestDevice(), kvs.DefaultOptions())

	require.NoError(t, s.Put([]byte("key1"), []byte("value1")))
	require.NoError(t, s.Put([]byte("k2"), []byte("value2")))
	require.NoError(t, s.Put([]byte("empty"), nil))

	require.Equal(t, []byte("value1"), getValue(t, s, "key1"))
	require.Equal(t, []byte("value2"), getValue(t, s, "k2"))
	require.Empty(t, getValue(t, s, "empty"))
	require.Equal(t, 3, s.KeyCount())

	size, err := s.ValueSize([]byte("key1"))
	require.NoError(t, err)
	require.Equal(t, 6, size)

	_, err = s.Get([]byte("missing"), make([]byte, 8), 0)
	require.ErrorIs(t, err, kvs.ErrNotFound)
	_, err = s.ValueSize([]byte("missing"))
	require.ErrorIs(t, err, kvs.ErrNotFound)
}

func TestGetOffsetAndShortBuffer(t *testing.T) {
	s := newTestStore(t, newTestDevice(), kvs.DefaultOptions())
	require.NoError(t, s.Put([]byte("k"), []byte("abcdefgh")))

	buf := make([]byte, 4)
	n, err := s.Get([]byte("k"), buf, 4)
	require.NoError(t, err)
	require.Equal(t, 4, n)
	require.Equal(t, []byte("efgh"), buf[:n])

	// A short buffer gets as much as fits plus an exhaustion error.
	n, err = s.Get([]byte("k"), buf, 0)
	require.ErrorIs(t, err, kvs.ErrResourceExhausted)
	require.Equal(t, 4, n)
	require.Equal(t, []byte("abcd"), buf[:n])

	n, err = s.Get([]byte("k"), buf, 8)
	require.NoError(t, err)
	require.Zero(t, n)

	_, err = s.Get([]byte("k"), buf, 9)
	require.ErrorIs(t, err, kvs.ErrInvalidArgument)
	_, err = s.Get([]byte("k"), buf, -1)
	require.ErrorIs(t, err, kvs.ErrInvalidArgument)
}

func TestOverwriteKeepsOneLiveEntry(t *testing.T) {
	s := newTestStore(t, newTestDevice(), kvs.DefaultOptions())

	for i := 0; i < 5; i++ {
		require.NoError(t, s.Put([]byte("counter"), []byte{byte(i)}))
	}
	require.Equal(t, []byte{4}, getValue(t, s, "counter"))
	require.Equal(t, 1, s.KeyCount())

	stats := s.GetStorageStats()
	require.Positive(t, stats.ReclaimableBytes, "superseded copies must become reclaimable")
}

func TestDelete(t *testing.T) {
	s := newTestStore(t, newTestDevice(), kvs.DefaultOptions())

	require.NoError(t, s.Put([]byte("doomed"), []byte("payload")))
	require.NoError(t, s.Delete([]byte("doomed")))

	_, err := s.Get([]byte("doomed"), make([]byte, 8), 0)
	require.ErrorIs(t, err, kvs.ErrNotFound)
	require.Zero(t, s.KeyCount())

	require.ErrorIs(t, s.Delete([]byte("doomed")), kvs.ErrNotFound)
	require.ErrorIs(t, s.Delete([]byte("never-existed")), kvs.ErrNotFound)

	// The key is fully writable again.
	require.NoError(t, s.Put([]byte("doomed"), []byte("reborn")))
	require.Equal(t, []byte("reborn"), getValue(t, s, "doomed"))
}

func TestDeleteSurvivesReinit(t *testing.T) {
	dev := newTestDevice()
	s := newTestStore(t, dev, kvs.DefaultOptions())
	require.NoError(t, s.Put([]byte("gone"), []byte("x")))
	require.NoError(t, s.Put([]byte("kept"), []byte("y")))
	require.NoError(t, s.Delete([]byte("gone")))

	s2 := newTestStore(t, dev, kvs.DefaultOptions())
	_, err := s2.Get([]byte("gone"), make([]byte, 4), 0)
	require.ErrorIs(t, err, kvs.ErrNotFound)
	require.Equal(t, []byte("y"), getValue(t, s2, "kept"))
}

func TestOperationsBeforeInit(t *testing.T) {
	s, err := kvs.New(newTestDevice(), testFormats(), kvs.DefaultOptions())
	require.NoError(t, err)
	require.Equal(t, kvs.StateNotInitialized, s.State())

	_, err = s.Get([]byte("k"), make([]byte, 4), 0)
	require.ErrorIs(t, err, kvs.ErrFailedPrecondition)
	require.ErrorIs(t, s.Put([]byte("k"), []byte("v")), kvs.ErrFailedPrecondition)
	require.ErrorIs(t, s.Delete([]byte("k")), kvs.ErrFailedPrecondition)
	_, err = s.ValueSize([]byte("k"))
	require.ErrorIs(t, err, kvs.ErrFailedPrecondition)
	require.ErrorIs(t, s.Maintenance(kvs.MaintenanceFull), kvs.ErrFailedPrecondition)
}

func TestKeyAndValueLimits(t *testing.T) {
	s := newTestStore(t, newTestDevice(), kvs.DefaultOptions())

	require.ErrorIs(t, s.Put(nil, []byte("v")), kvs.ErrInvalidArgument)
	require.ErrorIs(t, s.Put(bytes.Repeat([]byte("k"), 65), []byte("v")), kvs.ErrInvalidArgument)
	require.NoError(t, s.Put(bytes.Repeat([]byte("k"), 64), []byte("v")))

	// A value that cannot fit in one sector is rejected up front.
	require.ErrorIs(t, s.Put([]byte("big"), make([]byte, testSectorSize)), kvs.ErrInvalidArgument)
}

func TestReinitRecoversContents(t *testing.T) {
	dev := newTestDevice()
	s := newTestStore(t, dev, kvs.DefaultOptions())
	require.NoError(t, s.Put([]byte("key1"), []byte("original")))
	require.NoError(t, s.Put([]byte("k2"), []byte("other")))
	require.NoError(t, s.Put([]byte("key1"), []byte("updated")))

	// A fresh store over the same device must see the newest write of each
	// key; the superseded copy of key1 is still on flash but loses the
	// transaction-id reconciliation.
	s2 := newTestStore(t, dev, kvs.DefaultOptions())
	require.Equal(t, []byte("updated"), getValue(t, s2, "key1"))
	require.Equal(t, []byte("other"), getValue(t, s2, "k2"))
	require.Equal(t, 2, s2.KeyCount())
	require.Equal(t, kvs.StateReady, s2.State())
}

func TestHashCollision(t *testing.T) {
	opts := kvs.DefaultOptions()
	// Everything collides.
	opts.KeyHash = func([]byte) uint64 { return 42 }
	s := newTestStore(t, newTestDevice(), opts)

	require.NoError(t, s.Put([]byte("first"), []byte("v1")))
	require.ErrorIs(t, s.Put([]byte("second"), []byte("v2")), kvs.ErrAlreadyExists)
	_, err := s.Get([]byte("second"), make([]byte, 4), 0)
	require.ErrorIs(t, err, kvs.ErrAlreadyExists)

	// The stored key itself is unaffected.
	require.NoError(t, s.Put([]byte("first"), []byte("v3")))
	require.Equal(t, []byte("v3"), getValue(t, s, "first"))
}

func TestCacheCapacity(t *testing.T) {
	opts := kvs.DefaultOptions()
	opts.MaxEntries = 2
	s := newTestStore(t, newTestDevice(), opts)

	require.NoError(t, s.Put([]byte("a"), []byte("1")))
	require.NoError(t, s.Put([]byte("b"), []byte("2")))
	require.ErrorIs(t, s.Put([]byte("c"), []byte("3")), kvs.ErrResourceExhausted)

	// Overwrites of tracked keys still work at capacity.
	require.NoError(t, s.Put([]byte("a"), []byte("4")))
}

func TestCorruptEntryDetectedOnRead(t *testing.T) {
	dev := newTestDevice()
	s := newTestStore(t, dev, kvs.DefaultOptions())

	value := []byte("corrupt-me-0123456789abcdef")
	require.NoError(t, s.Put([]byte("victim"), value))

	idx := bytes.Index(dev.Bytes(), value)
	require.GreaterOrEqual(t, idx, 0)
	dev.CorruptByte(uint32(idx))

	_, err := s.Get([]byte("victim"), make([]byte, len(value)), 0)
	require.ErrorIs(t, err, kvs.ErrDataLoss)
}

func TestInitReportsCorruption(t *testing.T) {
	dev := newTestDevice()
	s := newTestStore(t, dev, kvs.DefaultOptions())

	value := []byte("corrupt-me-0123456789abcdef")
	require.NoError(t, s.Put([]byte("victim"), value))
	require.NoError(t, s.Put([]byte("survivor"), []byte("intact")))

	idx := bytes.Index(dev.Bytes(), value)
	require.GreaterOrEqual(t, idx, 0)
	dev.CorruptByte(uint32(idx))

	// Init reports the loss but the rest of the store stays usable.
	s2, err := kvs.New(dev, testFormats(), kvs.DefaultOptions())
	require.NoError(t, err)
	require.ErrorIs(t, s2.Init(), kvs.ErrDataLoss)

	require.Equal(t, []byte("intact"), getValue(t, s2, "survivor"))
	_, err = s2.Get([]byte("victim"), make([]byte, len(value)), 0)
	require.ErrorIs(t, err, kvs.ErrNotFound)
	require.Positive(t, s2.Stats().CorruptEntries)
}

func TestInitSkipsCorruptStaleEntry(t *testing.T) {
	dev := newTestDevice()
	s := newTestStore(t, dev, kvs.DefaultOptions())
	require.NoError(t, s.Put([]byte("key1"), []byte("stale-payload")))
	require.NoError(t, s.Put([]byte("key1"), []byte("fresh-payload")))

	// Damage the value-length field of the superseded entry's header so the
	// size it claims would jump past the live entry behind it.
	idx := bytes.Index(dev.Bytes(), []byte("stale-payload"))
	require.GreaterOrEqual(t, idx, 0)
	header := idx - len("key1") - entry.HeaderSize
	dev.Bytes()[header+10] = 0xEF

	s2, err := kvs.New(dev, testFormats(), kvs.DefaultOptions())
	require.NoError(t, err)
	require.ErrorIs(t, s2.Init(), kvs.ErrDataLoss)

	// The scan must not trust the broken length: the live entry that follows
	// it is still found and served.
	require.Equal(t, []byte("fresh-payload"), getValue(t, s2, "key1"))
	require.Equal(t, 1, s2.KeyCount())
}

func TestNonPowerOfTwoDeviceAlignment(t *testing.T) {
	// A 24-byte write granularity forces a 48-byte entry alignment; rounding
	// up to a multiple of 16 would produce addresses the device rejects.
	dev := flash.NewMemDevice(960, 4, 24)
	s, err := kvs.New(dev, testFormats(), kvs.DefaultOptions())
	require.NoError(t, err)
	require.NoError(t, s.Init())

	require.NoError(t, s.Put([]byte("key"), []byte("value")))
	require.Equal(t, []byte("value"), getValue(t, s, "key"))
	require.NoError(t, s.Delete([]byte("key")))

	_, err = kvs.New(flash.NewMemDevice(960, 4, 3000), testFormats(), kvs.DefaultOptions())
	require.ErrorIs(t, err, kvs.ErrInvalidArgument)
}

func TestRedundantCopyFallback(t *testing.T) {
	dev := flash.NewMemDevice(testSectorSize, 8, testAlignment)
	opts := kvs.DefaultOptions()
	opts.Redundancy = 2
	s := newTestStore(t, dev, opts)

	value := []byte("redundant-payload-0123456789")
	require.NoError(t, s.Put([]byte("safe"), value))

	// Both copies are on flash; break the first one.
	idx := bytes.Index(dev.Bytes(), value)
	require.GreaterOrEqual(t, idx, 0)
	second := bytes.Index(dev.Bytes()[idx+1:], value)
	require.GreaterOrEqual(t, second, 0, "expected a second copy in another sector")
	dev.CorruptByte(uint32(idx))

	require.Equal(t, value, getValue(t, s, "safe"))

	// Recovery works across a reinit too: the broken copy loses its checksum
	// check during the scan and the surviving copy carries the key.
	s2, err := kvs.New(dev, testFormats(), opts)
	require.NoError(t, err)
	require.ErrorIs(t, s2.Init(), kvs.ErrDataLoss)
	require.Equal(t, value, getValue(t, s2, "safe"))
}

func newFaultyStore(t *testing.T, policy kvs.RecoveryPolicy) *kvs.KeyValueStore {
	t.Helper()
	dev := newTestDevice()
	opts := kvs.DefaultOptions()
	opts.ErrorRecovery = policy
	s := newTestStore(t, dev, opts)

	armed := true
	dev.WriteFault = func(address uint32, length int) error {
		if armed {
			armed = false
			return errors.New("transient programming failure")
		}
		return nil
	}
	return s
}

func TestRecoveryPolicyOnWriteFault(t *testing.T) {
	t.Run("immediate repairs inline", func(t *testing.T) {
		s := newFaultyStore(t, kvs.RecoverImmediate)
		require.ErrorIs(t, s.Put([]byte("k"), []byte("v")), kvs.ErrInternal)
		_, err := s.Get([]byte("k"), make([]byte, 4), 0)
		require.ErrorIs(t, err, kvs.ErrNotFound)

		// The faulted sector was repaired on the write path itself.
		require.Zero(t, s.GetStorageStats().CorruptSectors)
		require.Equal(t, kvs.StateReady, s.State())
		require.NoError(t, s.Put([]byte("k"), []byte("v")))
		require.Equal(t, []byte("v"), getValue(t, s, "k"))
	})

	t.Run("lazy holds writes until maintenance", func(t *testing.T) {
		s := newFaultyStore(t, kvs.RecoverLazy)
		require.ErrorIs(t, s.Put([]byte("k"), []byte("v")), kvs.ErrInternal)
		require.Equal(t, 1, s.GetStorageStats().CorruptSectors)
		require.Equal(t, kvs.StateNeedsMaintenance, s.State())
		require.ErrorIs(t, s.Put([]byte("k"), []byte("v")), kvs.ErrFailedPrecondition)

		require.NoError(t, s.FullMaintenance())
		require.Equal(t, kvs.StateReady, s.State())
		require.NoError(t, s.Put([]byte("k"), []byte("v")))
	})

	t.Run("manual never self-heals", func(t *testing.T) {
		s := newFaultyStore(t, kvs.RecoverManual)
		require.ErrorIs(t, s.Put([]byte("k"), []byte("v")), kvs.ErrInternal)
		require.Equal(t, 1, s.GetStorageStats().CorruptSectors)
		require.Equal(t, kvs.StateReady, s.State())

		// Writes continue around the damaged sector; only an explicit
		// maintenance call repairs it.
		require.NoError(t, s.Put([]byte("k"), []byte("v")))
		require.Equal(t, 1, s.GetStorageStats().CorruptSectors)
		require.NoError(t, s.FullMaintenance())
		require.Zero(t, s.GetStorageStats().CorruptSectors)
	})
}

func TestOptionsValidation(t *testing.T) {
	dev := newTestDevice()

	bad := kvs.DefaultOptions()
	bad.MaxEntries = 0
	_, err := kvs.New(dev, testFormats(), bad)
	require.ErrorIs(t, err, kvs.ErrInvalidArgument)

	bad = kvs.DefaultOptions()
	bad.Redundancy = 0
	_, err = kvs.New(dev, testFormats(), bad)
	require.ErrorIs(t, err, kvs.ErrInvalidArgument)

	bad = kvs.DefaultOptions()
	bad.Redundancy = testSectorCount + 1
	_, err = kvs.New(dev, testFormats(), bad)
	require.ErrorIs(t, err, kvs.ErrInvalidArgument)

	bad = kvs.DefaultOptions()
	bad.GarbageCollectOnWrite = kvs.GCPolicy(99)
	_, err = kvs.New(dev, testFormats(), bad)
	require.ErrorIs(t, err, kvs.ErrInvalidArgument)

	bad = kvs.DefaultOptions()
	bad.ErrorRecovery = kvs.RecoveryPolicy(99)
	_, err = kvs.New(dev, testFormats(), bad)
	require.ErrorIs(t, err, kvs.ErrInvalidArgument)
}

func TestStorageStats(t *testing.T) {
	s := newTestStore(t, newTestDevice(), kvs.DefaultOptions())
	before := s.GetStorageStats()
	require.Zero(t, before.InUseBytes)
	require.Equal(t, testSectorSize*testSectorCount, before.WritableBytes)

	require.NoError(t, s.Put([]byte("k"), []byte("some value")))
	after := s.GetStorageStats()
	require.Positive(t, after.InUseBytes)
	require.Less(t, after.WritableBytes, before.WritableBytes)
	require.Zero(t, after.CorruptSectors)
}

func TestOperationCounters(t *testing.T) {
	s := newTestStore(t, newTestDevice(), kvs.DefaultOptions())
	require.NoError(t, s.Put([]byte("k"), []byte("v")))
	_ = getValue(t, s, "k")
	require.NoError(t, s.Delete([]byte("k")))

	snap := s.Stats()
	require.EqualValues(t, 1, snap.InitScans)
	require.EqualValues(t, 1, snap.Puts)
	require.EqualValues(t, 1, snap.Deletes)
	require.Positive(t, snap.Gets)
}
