// Package kvs implements the flash-resident key-value store: a fixed-RAM
// engine that keeps one in-memory descriptor per key and stores entries as
// checksummed, aligned records appended to flash sectors, with garbage
// collection and wear leveling over the sector pool.
package kvs

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/FlashKV/flashkv/pkg/entry"
	"github.com/FlashKV/flashkv/pkg/flash"
	"github.com/FlashKV/flashkv/pkg/keycache"
	"github.com/FlashKV/flashkv/pkg/log"
	"github.com/FlashKV/flashkv/pkg/sector"
	"github.com/FlashKV/flashkv/pkg/stats"
	"github.com/FlashKV/flashkv/pkg/telemetry"
)

// State is the lifecycle state of a store.
type State int

const (
	// StateNotInitialized means Init has not run; all operations are rejected.
	StateNotInitialized State = iota
	// StateReady means the store accepts reads and writes.
	StateReady
	// StateNeedsMaintenance means invariants are violated: reads are allowed
	// but writes are rejected until a maintenance pass repairs the store.
	StateNeedsMaintenance
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateNotInitialized:
		return "not-initialized"
	case StateReady:
		return "ready"
	case StateNeedsMaintenance:
		return "needs-maintenance"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// KeyValueStore is the top-level engine. It owns its flash partition and
// in-RAM tables exclusively; a single logical caller at a time may use it,
// and it performs no internal locking.
type KeyValueStore struct {
	dev     flash.Device
	formats entry.Formats
	opts    Options

	logger log.Logger
	tel    telemetry.Telemetry
	stats  *stats.Collector

	cache   *keycache.Cache
	sectors *sector.Accounting
	hash    func([]byte) uint64

	state             State
	nextTransactionID uint32
	alignment         int
	sectorSize        int
}

// New creates a store over dev with the given entry formats. The store is
// unusable until Init scans the partition.
func New(dev flash.Device, formats entry.Formats, opts Options) (*KeyValueStore, error) {
	if err := opts.Validate(dev.SectorCount()); err != nil {
		return nil, err
	}
	opts = opts.withDefaults()

	if dev.AlignmentBytes() <= 0 {
		return nil, fmt.Errorf("%w: device alignment %d", ErrInvalidArgument, dev.AlignmentBytes())
	}
	// Entries must land on device write boundaries and on the format's own
	// 16-byte grid, so the effective alignment is the least common multiple
	// of the two. Rounding up to a multiple of 16 is not enough: 24-byte
	// device writes would reject 32-byte-aligned entries.
	alignment := lcm(entry.MinAlignmentBytes, dev.AlignmentBytes())
	if alignment > entry.MaxAlignmentBytes {
		return nil, fmt.Errorf("%w: device alignment %d too large",
			ErrInvalidArgument, dev.AlignmentBytes())
	}

	return &KeyValueStore{
		dev:               dev,
		formats:           formats,
		opts:              opts,
		logger:            opts.Logger.WithField("component", "kvs"),
		tel:               opts.Telemetry,
		stats:             stats.NewCollector(),
		cache:             keycache.New(opts.MaxEntries, opts.Redundancy, dev.SectorSizeBytes()),
		sectors:           sector.New(dev.SectorCount(), dev.SectorSizeBytes()),
		hash:              opts.KeyHash,
		state:             StateNotInitialized,
		nextTransactionID: 1,
		alignment:         alignment,
		sectorSize:        dev.SectorSizeBytes(),
	}, nil
}

func gcd(a, b int) int {
	for b != 0 {
		a, b = b, a%b
	}
	return a
}

func lcm(a, b int) int { return a / gcd(a, b) * b }

// State returns the store's lifecycle state.
func (s *KeyValueStore) State() State { return s.state }

// Stats returns a snapshot of the operation counters.
func (s *KeyValueStore) Stats() stats.Snapshot { return s.stats.Snapshot() }

// StorageStats summarizes the current space accounting of the partition.
type StorageStats struct {
	// WritableBytes is the unwritten space across all writable sectors.
	WritableBytes int
	// InUseBytes is the space occupied by live entry copies.
	InUseBytes int
	// ReclaimableBytes is the space occupied by stale entry copies, recoverable
	// through garbage collection.
	ReclaimableBytes int
	// SectorEraseCount is the total erases performed since Init.
	SectorEraseCount uint64
	// CorruptSectors is the number of sectors currently unusable for writes.
	CorruptSectors int
}

// GetStorageStats computes the space accounting summary.
func (s *KeyValueStore) GetStorageStats() StorageStats {
	writable := 0
	for sec := 0; sec < s.sectors.SectorCount(); sec++ {
		if s.sectors.IsWritable(sec) {
			writable += s.sectors.FreeBytes(sec)
		}
	}
	return StorageStats{
		WritableBytes:    writable,
		InUseBytes:       s.sectors.TotalBytesUsed(),
		ReclaimableBytes: s.sectors.TotalBytesReclaimable(),
		SectorEraseCount: s.stats.Snapshot().SectorErases,
		CorruptSectors:   s.sectors.CorruptSectorCount(),
	}
}

// KeyCount returns the number of live (non-deleted) keys.
func (s *KeyValueStore) KeyCount() int {
	n := 0
	for it := s.cache.Iterator(); it.Next(); {
		if it.State() == keycache.StateValid {
			n++
		}
	}
	return n
}

// scanRecord remembers one decoded entry during Init so stale copies can be
// classified after the whole partition has been reconciled.
type scanRecord struct {
	hash    uint64
	txid    uint32
	address uint32
	size    uint32
}

// Init scans every sector, rebuilding the entry cache and sector accounting
// from whatever entries are found. Duplicate keys are reconciled by
// transaction id: the highest id wins, so the newest write of a key
// supersedes older copies, including its own stale redundant copies.
//
// Corrupt entries do not abort the scan; they are skipped at the next
// alignment boundary and reported as an overall ErrDataLoss even though the
// rest of the store remains usable. Init is a no-op on an initialized store.
func (s *KeyValueStore) Init() error {
	if s.state != StateNotInitialized {
		return nil
	}
	start := time.Now()
	s.stats.TrackInit()

	var records []scanRecord
	dataLoss := false
	for sec := 0; sec < s.sectors.SectorCount(); sec++ {
		recs, corrupt, err := s.scanSector(sec, &records)
		if err != nil {
			return err
		}
		records = recs
		if corrupt {
			dataLoss = true
		}
	}

	// Everything decoded is accounted as written; now classify copies that
	// lost the transaction-id reconciliation as reclaimable.
	for _, r := range records {
		meta, ok := s.cache.Find(r.hash)
		if ok && meta.TransactionID() == r.txid && meta.HasAddress(r.address) {
			continue
		}
		s.sectors.RecordReclaimable(s.sectors.SectorOf(r.address), int(r.size))
	}

	s.state = StateReady
	if !s.invariantsHold() {
		s.state = StateNeedsMaintenance
		if s.opts.ErrorRecovery == RecoverImmediate {
			if err := s.FullMaintenance(); err != nil {
				s.logger.Warn("automatic repair incomplete: %v", err)
			}
		}
	}

	s.logger.Info("init: %d keys, %d free sectors, state %s in %s",
		s.cache.Len(), s.sectors.FreeSectorCount(), s.state, time.Since(start))
	s.recordOp(telemetry.OpInit, start, dataLoss)

	if dataLoss {
		return fmt.Errorf("%w: some entries were unreadable during scan", ErrDataLoss)
	}
	return nil
}

// scanSector decodes the written region of one sector into the cache,
// returning the updated record list and whether corruption was found.
func (s *KeyValueStore) scanSector(sec int, records *[]scanRecord) ([]scanRecord, bool, error) {
	recs := *records
	base := s.sectors.BaseAddress(sec)
	offset := 0
	corruptBytes := 0
	dataLoss := false

	for offset+entry.HeaderSize <= s.sectorSize {
		addr := base + uint32(offset)

		erased, err := s.dev.IsErased(addr, s.sectorSize-offset)
		if err != nil {
			return recs, dataLoss, fmt.Errorf("%w: erased check at %#x: %v", ErrInternal, addr, err)
		}
		if erased {
			break
		}

		var hdrBuf [entry.HeaderSize]byte
		if _, err := s.dev.Read(addr, hdrBuf[:]); err != nil {
			s.logger.Warn("init: unreadable header at %#x: %v", addr, err)
			dataLoss = true
			s.sectors.MarkUnwritable(sec)
			corruptBytes += s.sectorSize - offset
			offset = s.sectorSize
			break
		}
		h, _ := entry.DecodeHeader(hdrBuf[:])

		f, ferr := s.formats.Find(h.Magic)
		size := h.EntrySize()
		if ferr != nil || h.Check() != nil || offset+size > s.sectorSize {
			// Unrecognized or insane header. Non-fatal to the store: skip one
			// alignment unit and keep scanning, but the sector cannot take
			// writes until it is erased.
			s.logger.Warn("init: corrupt header at %#x (magic %#x)", addr, h.Magic)
			s.stats.TrackCorruptEntry()
			s.sectors.MarkUnwritable(sec)
			dataLoss = true
			corruptBytes += s.alignment
			offset += s.alignment
			continue
		}

		need := entry.HeaderSize + int(h.KeyLength) + h.ValueLength()
		buf := make([]byte, need)
		if _, err := s.dev.Read(addr, buf); err != nil {
			s.logger.Warn("init: unreadable entry at %#x: %v", addr, err)
			s.stats.TrackCorruptEntry()
			dataLoss = true
			corruptBytes += size
			offset += size
			continue
		}
		if s.opts.VerifyOnRead {
			if err := entry.VerifyChecksum(f.Checksum, buf); err != nil {
				// A failed checksum discredits the header's length fields too,
				// so the claimed entry size cannot be used to skip ahead.
				// Re-probe at the next alignment boundary like the corrupt
				// header case, or a live entry behind a bad length would be
				// jumped over and lost.
				s.logger.Warn("init: checksum failure at %#x (txid %d)", addr, h.TransactionID)
				s.stats.TrackCorruptEntry()
				s.sectors.MarkUnwritable(sec)
				dataLoss = true
				corruptBytes += s.alignment
				offset += s.alignment
				continue
			}
		}

		key := buf[entry.HeaderSize : entry.HeaderSize+int(h.KeyLength)]
		d := keycache.Descriptor{
			KeyHash:       s.hash(key),
			TransactionID: h.TransactionID,
			State:         stateOf(h),
		}
		if _, _, err := s.cache.AddNewOrUpdateExisting(d, addr); err != nil {
			if errors.Is(err, keycache.ErrFull) {
				return recs, dataLoss, fmt.Errorf("%w: %v", ErrResourceExhausted, err)
			}
			// A same-sector duplicate copy: the extra copy stays unrecorded
			// and is classified reclaimable below.
			s.logger.Warn("init: %v at %#x", err, addr)
			dataLoss = true
		}
		if h.TransactionID >= s.nextTransactionID {
			s.nextTransactionID = h.TransactionID + 1
		}
		recs = append(recs, scanRecord{hash: d.KeyHash, txid: h.TransactionID, address: addr, size: uint32(size)})
		offset += size
	}

	s.sectors.RecordWrite(sec, offset)
	if corruptBytes > 0 {
		s.sectors.RecordReclaimable(sec, corruptBytes)
	}
	return recs, dataLoss, nil
}

func stateOf(h entry.Header) keycache.State {
	if h.Deleted() {
		return keycache.StateDeleted
	}
	return keycache.StateValid
}

// Get reads the value for key into buf starting at the given byte offset of
// the value, returning how many bytes were copied. If buf cannot hold the
// remaining value bytes, as many as fit are copied and ErrResourceExhausted
// is returned alongside the count. Reads fall back through the redundant
// copies before reporting ErrDataLoss.
func (s *KeyValueStore) Get(key, buf []byte, offset int) (int, error) {
	if s.state == StateNotInitialized {
		return 0, fmt.Errorf("%w: store not initialized", ErrFailedPrecondition)
	}
	if err := checkKey(key); err != nil {
		return 0, err
	}
	if offset < 0 {
		return 0, fmt.Errorf("%w: negative offset", ErrInvalidArgument)
	}
	start := time.Now()

	meta, err := s.findExisting(key)
	if err != nil {
		s.recordOp(telemetry.OpGet, start, true)
		return 0, err
	}
	_, raw, err := s.readEntry(meta, false)
	if err != nil {
		s.recordOp(telemetry.OpGet, start, true)
		return 0, err
	}
	h, _ := entry.DecodeHeader(raw)
	value := raw[entry.HeaderSize+int(h.KeyLength) : entry.HeaderSize+int(h.KeyLength)+h.ValueLength()]

	if offset > len(value) {
		return 0, fmt.Errorf("%w: offset %d beyond value of %d bytes",
			ErrInvalidArgument, offset, len(value))
	}
	n := copy(buf, value[offset:])
	s.stats.TrackGet(n)
	s.recordOp(telemetry.OpGet, start, false)
	if n < len(value)-offset {
		return n, fmt.Errorf("%w: value truncated to %d of %d bytes",
			ErrResourceExhausted, n, len(value)-offset)
	}
	return n, nil
}

// ValueSize returns the size of the value stored for key.
func (s *KeyValueStore) ValueSize(key []byte) (int, error) {
	if s.state == StateNotInitialized {
		return 0, fmt.Errorf("%w: store not initialized", ErrFailedPrecondition)
	}
	if err := checkKey(key); err != nil {
		return 0, err
	}
	meta, err := s.findExisting(key)
	if err != nil {
		return 0, err
	}
	h, _, err := s.readEntry(meta, false)
	if err != nil {
		return 0, err
	}
	return h.ValueLength(), nil
}

// Put writes or overwrites key with value, maintaining the configured
// number of redundant copies in distinct sectors. When no sector has room,
// garbage collection runs as permitted by the GarbageCollectOnWrite policy.
func (s *KeyValueStore) Put(key, value []byte) error {
	if err := s.checkWrite(); err != nil {
		return err
	}
	if err := checkKey(key); err != nil {
		return err
	}
	if len(value) > entry.MaxValueLength {
		return fmt.Errorf("%w: value of %d bytes exceeds %d",
			ErrInvalidArgument, len(value), entry.MaxValueLength)
	}
	if entry.Size(s.alignment, len(key), len(value)) > s.sectorSize {
		return fmt.Errorf("%w: entry larger than one sector", ErrInvalidArgument)
	}
	start := time.Now()

	hash := s.hash(key)
	if meta, ok := s.cache.Find(hash); ok {
		stored, err := s.readKeyBytes(meta)
		if err != nil {
			s.recordOp(telemetry.OpPut, start, true)
			return err
		}
		if !bytes.Equal(stored, key) {
			s.recordOp(telemetry.OpPut, start, true)
			return fmt.Errorf("%w: hash %#x", ErrAlreadyExists, hash)
		}
		err = s.rewriteEntry(meta, key, value, false)
		if err != nil {
			s.recoverAfterWriteFault()
		}
		s.stats.TrackPut(len(value))
		s.recordOp(telemetry.OpPut, start, err != nil)
		return err
	}

	if s.cache.Len() >= s.cache.Capacity() {
		return fmt.Errorf("%w: entry cache at capacity (%d)",
			ErrResourceExhausted, s.cache.Capacity())
	}
	err := s.writeNewEntry(hash, key, value, false)
	if err != nil {
		s.recoverAfterWriteFault()
	}
	s.stats.TrackPut(len(value))
	s.recordOp(telemetry.OpPut, start, err != nil)
	return err
}

// Delete records a tombstone for key. The cached descriptor flips to the
// deleted state but is only dropped by maintenance, once garbage collection
// has safely reclaimed every stale copy; removing it eagerly could let a
// crash resurrect the key.
func (s *KeyValueStore) Delete(key []byte) error {
	if err := s.checkWrite(); err != nil {
		return err
	}
	if err := checkKey(key); err != nil {
		return err
	}
	start := time.Now()

	meta, err := s.findExisting(key)
	if err != nil {
		return err
	}
	err = s.rewriteEntry(meta, key, nil, true)
	if err != nil {
		s.recoverAfterWriteFault()
	}
	s.stats.TrackDelete()
	s.recordOp(telemetry.OpDelete, start, err != nil)
	return err
}

// recoverAfterWriteFault applies the error-recovery policy when a failed
// write left an invariant violated, for example a sector marked unwritable
// by a programming fault.
func (s *KeyValueStore) recoverAfterWriteFault() {
	if s.invariantsHold() {
		return
	}
	switch s.opts.ErrorRecovery {
	case RecoverImmediate:
		if err := s.RepairCorruptSectors(); err != nil {
			s.logger.Warn("inline repair incomplete: %v", err)
		}
		if err := s.EnsureFreeSectorExists(); err != nil {
			s.logger.Warn("inline repair incomplete: %v", err)
		}
		s.refreshState()
	case RecoverLazy:
		// Surface the violation so writes are held until maintenance runs.
		s.refreshState()
	case RecoverManual:
		// Only caller-invoked maintenance touches the store.
	}
}

// checkWrite gates the mutating operations on the state machine.
func (s *KeyValueStore) checkWrite() error {
	switch s.state {
	case StateReady:
		return nil
	case StateNotInitialized:
		return fmt.Errorf("%w: store not initialized", ErrFailedPrecondition)
	default:
		return fmt.Errorf("%w: store needs maintenance", ErrFailedPrecondition)
	}
}

func checkKey(key []byte) error {
	if len(key) == 0 || len(key) > entry.MaxKeyLength {
		return fmt.Errorf("%w: key of %d bytes", ErrInvalidArgument, len(key))
	}
	return nil
}

// findKey resolves key through the cache and disambiguates hash collisions
// by reading the stored key text back from flash.
func (s *KeyValueStore) findKey(key []byte) (keycache.Metadata, error) {
	meta, ok := s.cache.Find(s.hash(key))
	if !ok {
		return keycache.Metadata{}, fmt.Errorf("%w: %q", ErrNotFound, key)
	}
	stored, err := s.readKeyBytes(meta)
	if err != nil {
		return keycache.Metadata{}, err
	}
	if !bytes.Equal(stored, key) {
		return keycache.Metadata{}, fmt.Errorf("%w: hash of %q", ErrAlreadyExists, key)
	}
	return meta, nil
}

// findExisting is findKey restricted to live keys.
func (s *KeyValueStore) findExisting(key []byte) (keycache.Metadata, error) {
	meta, err := s.findKey(key)
	if err != nil {
		return keycache.Metadata{}, err
	}
	if meta.State() != keycache.StateValid {
		return keycache.Metadata{}, fmt.Errorf("%w: %q is deleted", ErrNotFound, key)
	}
	return meta, nil
}

// readKeyBytes returns the literal key text of a cached entry, falling back
// through its redundant copies.
func (s *KeyValueStore) readKeyBytes(meta keycache.Metadata) ([]byte, error) {
	h, raw, err := s.readEntry(meta, false)
	if err != nil {
		return nil, err
	}
	return raw[entry.HeaderSize : entry.HeaderSize+int(h.KeyLength)], nil
}

// readEntry reads the entry for a descriptor, trying each recorded copy in
// order until one passes verification. With padded set, the returned bytes
// include alignment padding so the entry can be rewritten verbatim.
func (s *KeyValueStore) readEntry(meta keycache.Metadata, padded bool) (entry.Header, []byte, error) {
	var lastErr error
	for _, addr := range meta.Addresses() {
		h, raw, err := s.readEntryAt(addr, padded)
		if err == nil {
			return h, raw, nil
		}
		s.logger.Debug("read fallback: copy at %#x unreadable: %v", addr, err)
		lastErr = err
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("%w: no readable copy", ErrDataLoss)
	}
	return entry.Header{}, nil, lastErr
}

// readEntryAt reads and verifies one entry copy.
func (s *KeyValueStore) readEntryAt(address uint32, padded bool) (entry.Header, []byte, error) {
	var hdrBuf [entry.HeaderSize]byte
	if _, err := s.dev.Read(address, hdrBuf[:]); err != nil {
		return entry.Header{}, nil, fmt.Errorf("%w: read at %#x: %v", ErrDataLoss, address, err)
	}
	h, _ := entry.DecodeHeader(hdrBuf[:])
	if err := h.Check(); err != nil {
		return entry.Header{}, nil, fmt.Errorf("%w: %v at %#x", ErrDataLoss, err, address)
	}
	f, err := s.formats.Find(h.Magic)
	if err != nil {
		return entry.Header{}, nil, fmt.Errorf("%w: %v at %#x", ErrDataLoss, err, address)
	}

	size := entry.HeaderSize + int(h.KeyLength) + h.ValueLength()
	if padded {
		size = h.EntrySize()
	}
	raw := make([]byte, size)
	if _, err := s.dev.Read(address, raw); err != nil {
		return entry.Header{}, nil, fmt.Errorf("%w: read at %#x: %v", ErrDataLoss, address, err)
	}
	if s.opts.VerifyOnRead {
		if err := entry.VerifyChecksum(f.Checksum, raw); err != nil {
			return entry.Header{}, nil, fmt.Errorf("%w: %v at %#x", ErrDataLoss, err, address)
		}
	}
	return h, raw, nil
}

// entrySizeAt returns the on-flash size of the entry at address, used to
// move a superseded copy's bytes into the reclaimable pool.
func (s *KeyValueStore) entrySizeAt(address uint32) (int, error) {
	var hdrBuf [entry.HeaderSize]byte
	if _, err := s.dev.Read(address, hdrBuf[:]); err != nil {
		return 0, fmt.Errorf("%w: read at %#x: %v", ErrDataLoss, address, err)
	}
	h, _ := entry.DecodeHeader(hdrBuf[:])
	if err := h.Check(); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrDataLoss, err)
	}
	size := h.EntrySize()
	if size > s.sectorSize {
		return 0, fmt.Errorf("%w: claimed entry size %d exceeds sector", ErrDataLoss, size)
	}
	return size, nil
}

// writeNewEntry encodes and stores the first write of a key.
func (s *KeyValueStore) writeNewEntry(hash uint64, key, value []byte, deleted bool) error {
	raw, txid, err := s.encode(key, value, deleted)
	if err != nil {
		return err
	}
	addrs, err := s.writeCopies(raw)
	if err != nil {
		return err
	}

	d := keycache.Descriptor{KeyHash: hash, TransactionID: txid, State: keycache.StateValid}
	meta, err := s.cache.AddNew(d, addrs[0])
	if err != nil {
		return fmt.Errorf("%w: %v", ErrResourceExhausted, err)
	}
	for _, addr := range addrs[1:] {
		if err := meta.AddAddress(addr); err != nil {
			return fmt.Errorf("%w: %v", ErrDataLoss, err)
		}
	}
	return nil
}

// rewriteEntry stores a new version of an existing key (an overwrite or a
// tombstone) and retires the previous copies. The cache is updated only
// after every copy has been written, so a crash mid-write is resolved by
// the next Init through transaction-id ordering.
func (s *KeyValueStore) rewriteEntry(meta keycache.Metadata, key, value []byte, deleted bool) error {
	raw, txid, err := s.encode(key, value, deleted)
	if err != nil {
		return err
	}

	addrs, err := s.writeCopies(raw)
	if err != nil {
		return err
	}

	// Garbage collection inside writeCopies may have relocated the old
	// copies, so their addresses are only stable now that the new copies are
	// on flash. The old copies are stale from this point on.
	oldAddrs := meta.Addresses()
	for _, addr := range oldAddrs {
		size, err := s.entrySizeAt(addr)
		if err != nil {
			s.logger.Warn("stale copy at %#x unreadable, accounting skipped: %v", addr, err)
			continue
		}
		s.sectors.RecordReclaimable(s.sectors.SectorOf(addr), size)
	}

	state := keycache.StateValid
	if deleted {
		state = keycache.StateDeleted
	}
	meta.Reset(keycache.Descriptor{KeyHash: meta.Hash(), TransactionID: txid, State: state}, addrs[0])
	for _, addr := range addrs[1:] {
		if err := meta.AddAddress(addr); err != nil {
			return fmt.Errorf("%w: %v", ErrDataLoss, err)
		}
	}
	return nil
}

// encode serializes an entry in the primary format with a fresh transaction
// id.
func (s *KeyValueStore) encode(key, value []byte, deleted bool) ([]byte, uint32, error) {
	txid := s.nextTransactionID
	f := s.formats.Primary()
	var raw []byte
	var err error
	if deleted {
		raw, err = entry.EncodeTombstone(f, key, s.alignment, txid, s.dev.ErasedByteValue())
	} else {
		raw, err = entry.Encode(f, key, value, s.alignment, txid, s.dev.ErasedByteValue())
	}
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}
	s.nextTransactionID++
	return raw, txid, nil
}

// writeCopies reserves one distinct sector per redundant copy, writes the
// entry to each, and verifies the written bytes when configured.
func (s *KeyValueStore) writeCopies(raw []byte) ([]uint32, error) {
	reserved := make([]int, 0, s.opts.Redundancy)
	for i := 0; i < s.opts.Redundancy; i++ {
		sec, err := s.reserveWriteSector(len(raw), reserved)
		if err != nil {
			return nil, err
		}
		reserved = append(reserved, sec)
	}

	addrs := make([]uint32, 0, len(reserved))
	fail := func(err error) ([]uint32, error) {
		// Copies written before the failure are orphans; retire their bytes
		// so the accounting stays balanced. The next Init resolves whatever
		// the flash actually holds through transaction-id ordering.
		for _, addr := range addrs {
			s.sectors.RecordReclaimable(s.sectors.SectorOf(addr), len(raw))
		}
		return nil, err
	}
	for _, sec := range reserved {
		addr := s.sectors.WriteAddress(sec)
		if _, err := s.dev.Write(addr, raw); err != nil {
			s.sectors.MarkUnwritable(sec)
			return fail(fmt.Errorf("%w: write at %#x: %v", ErrInternal, addr, err))
		}
		s.sectors.RecordWrite(sec, len(raw))

		if s.opts.VerifyOnWrite {
			if err := s.verifyWrittenCopy(addr, raw); err != nil {
				// The flash took a different pattern than it was given; the
				// bytes are unusable and the entry write failed.
				s.sectors.RecordReclaimable(sec, len(raw))
				return fail(err)
			}
		}
		addrs = append(addrs, addr)
	}
	return addrs, nil
}

func (s *KeyValueStore) verifyWrittenCopy(address uint32, raw []byte) error {
	check := make([]byte, len(raw))
	if _, err := s.dev.Read(address, check); err != nil {
		return fmt.Errorf("%w: verify read at %#x: %v", ErrDataLoss, address, err)
	}
	if !bytes.Equal(check, raw) {
		return fmt.Errorf("%w: written entry at %#x reads back differently", ErrDataLoss, address)
	}
	h, _ := entry.DecodeHeader(check)
	f, err := s.formats.Find(h.Magic)
	if err != nil {
		return fmt.Errorf("%w: %v at %#x", ErrDataLoss, err, address)
	}
	if err := entry.VerifyChecksum(f.Checksum, check); err != nil {
		return fmt.Errorf("%w: %v at %#x", ErrDataLoss, err, address)
	}
	return nil
}

// reserveWriteSector picks a destination sector, garbage collecting as the
// write policy permits when nothing fits.
func (s *KeyValueStore) reserveWriteSector(size int, reserved []int) (int, error) {
	sec, err := s.sectors.PickWriteSector(size, reserved, false)
	if err == nil {
		return sec, nil
	}

	switch s.opts.GarbageCollectOnWrite {
	case GCDisabled:
		return -1, fmt.Errorf("%w: no space and GC disabled on write", ErrResourceExhausted)

	case GCOneSector:
		if err := s.collectOneSector(reserved); err != nil {
			return -1, err
		}

	case GCAsManySectorsNeeded:
		for {
			if err := s.collectOneSector(reserved); err != nil {
				return -1, err
			}
			if _, retryErr := s.sectors.PickWriteSector(size, reserved, false); retryErr == nil {
				break
			}
		}
	}

	sec, err = s.sectors.PickWriteSector(size, reserved, false)
	if err != nil {
		return -1, fmt.Errorf("%w: %v", ErrResourceExhausted, err)
	}
	return sec, nil
}

// collectOneSector garbage collects the best victim not in reserved. The
// reserved sectors are also off limits as relocation destinations: filling
// their tails would invalidate the space checks the reservations were made
// under.
func (s *KeyValueStore) collectOneSector(reserved []int) error {
	victim, ok := s.sectors.PickGcSector(reserved, true)
	if !ok {
		return fmt.Errorf("%w: nothing to garbage collect", ErrResourceExhausted)
	}
	reservedAddrs := make([]uint32, len(reserved))
	for i, sec := range reserved {
		reservedAddrs[i] = s.sectors.BaseAddress(sec)
	}
	return s.GarbageCollectSector(victim, reservedAddrs)
}

// invariantsHold checks the conditions Ready requires: a fully-erased
// sector for write progress, no corrupt sectors, and full redundancy on
// every live key.
func (s *KeyValueStore) invariantsHold() bool {
	if s.sectors.FreeSectorCount() == 0 {
		return false
	}
	if s.sectors.CorruptSectorCount() > 0 {
		return false
	}
	for it := s.cache.Iterator(); it.Next(); {
		meta := it.Metadata()
		if meta.State() == keycache.StateValid && meta.AddressCount() < s.opts.Redundancy {
			return false
		}
	}
	return true
}

func (s *KeyValueStore) recordOp(op string, start time.Time, failed bool) {
	status := telemetry.StatusOk
	if failed {
		status = telemetry.StatusError
	}
	ctx := context.Background()
	attrs := []attribute.KeyValue{
		attribute.String(telemetry.AttrOperation, op),
		attribute.String(telemetry.AttrStatus, status),
	}
	s.tel.RecordCounter(ctx, telemetry.MetricOps, 1, attrs...)
	telemetry.RecordDuration(ctx, s.tel, telemetry.MetricOpDuration, start, attrs...)
}
