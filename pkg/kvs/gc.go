package kvs

import (
	"fmt"
	"time"

	"github.com/FlashKV/flashkv/pkg/entry"
	"github.com/FlashKV/flashkv/pkg/keycache"
	"github.com/FlashKV/flashkv/pkg/telemetry"
)

// MaintenanceTier selects how much work a maintenance pass may do.
type MaintenanceTier int

const (
	// MaintenancePartial performs one bounded unit of repair or collection.
	MaintenancePartial MaintenanceTier = iota
	// MaintenanceFull repeats partial maintenance until no further progress
	// is needed, leaving sectors that are mostly live data untouched.
	MaintenanceFull
	// MaintenanceHeavy reclaims every sector holding any reclaimable bytes
	// and drops tombstones whose stale copies are gone.
	MaintenanceHeavy
)

// Maintenance runs the requested maintenance tier.
func (s *KeyValueStore) Maintenance(tier MaintenanceTier) error {
	switch tier {
	case MaintenancePartial:
		return s.PartialMaintenance()
	case MaintenanceFull:
		return s.FullMaintenance()
	case MaintenanceHeavy:
		return s.HeavyMaintenance()
	default:
		return fmt.Errorf("%w: unknown maintenance tier %d", ErrInvalidArgument, tier)
	}
}

// PartialMaintenance performs one bounded unit of repair: a single corrupt
// sector, or the restoration of the free-sector invariant, or one garbage
// collection victim.
func (s *KeyValueStore) PartialMaintenance() error {
	if s.state == StateNotInitialized {
		return fmt.Errorf("%w: store not initialized", ErrFailedPrecondition)
	}
	defer s.refreshState()

	for sec := 0; sec < s.sectors.SectorCount(); sec++ {
		if !s.sectors.IsWritable(sec) {
			return s.GarbageCollectSector(sec, nil)
		}
	}
	if s.sectors.FreeSectorCount() == 0 {
		return s.EnsureFreeSectorExists()
	}
	if victim, ok := s.sectors.PickGcSector(nil, false); ok {
		return s.GarbageCollectSector(victim, nil)
	}
	return s.EnsureEntryRedundancy()
}

// FullMaintenance repairs corruption and invariant violations and collects
// reclaimable-heavy sectors, without disturbing sectors that hold mostly
// live data unless the store as a whole is above the usage threshold.
func (s *KeyValueStore) FullMaintenance() error {
	return s.maintain(false)
}

// HeavyMaintenance reclaims every sector with any reclaimable bytes,
// relocating live data as needed, and then removes tombstoned keys whose
// stale copies can no longer resurrect.
func (s *KeyValueStore) HeavyMaintenance() error {
	return s.maintain(true)
}

func (s *KeyValueStore) maintain(heavy bool) error {
	if s.state == StateNotInitialized {
		return fmt.Errorf("%w: store not initialized", ErrFailedPrecondition)
	}
	defer s.refreshState()

	if err := s.RepairCorruptSectors(); err != nil {
		return err
	}
	if err := s.EnsureFreeSectorExists(); err != nil {
		return err
	}
	if err := s.EnsureEntryRedundancy(); err != nil {
		return err
	}
	if err := s.collectAll(heavy); err != nil {
		return err
	}

	if heavy {
		// Every stale copy is gone now, so dropping a tombstone cannot let
		// an older value of its key come back.
		removed, err := s.RemoveDeletedKeyEntries()
		if err != nil {
			return err
		}
		if removed > 0 {
			if err := s.collectAll(true); err != nil {
				return err
			}
		}
	}
	return nil
}

// collectAll garbage collects victims until none qualify.
func (s *KeyValueStore) collectAll(heavy bool) error {
	for {
		victim, ok := s.sectors.PickGcSector(nil, heavy)
		if !ok {
			return nil
		}
		if err := s.GarbageCollectSector(victim, nil); err != nil {
			return err
		}
	}
}

// refreshState re-evaluates the Ready / NeedsMaintenance split.
func (s *KeyValueStore) refreshState() {
	if s.state == StateNotInitialized {
		return
	}
	if s.invariantsHold() {
		s.state = StateReady
	} else {
		s.state = StateNeedsMaintenance
	}
}

// RepairCorruptSectors relocates whatever live entries remain in sectors
// flagged unwritable and erases them, making them usable again. The
// unreadable entries that caused the flag are lost; that loss was already
// reported when it was detected.
func (s *KeyValueStore) RepairCorruptSectors() error {
	for sec := 0; sec < s.sectors.SectorCount(); sec++ {
		if s.sectors.IsWritable(sec) {
			continue
		}
		s.logger.Warn("repairing corrupt sector %d", sec)
		if err := s.GarbageCollectSector(sec, nil); err != nil {
			return err
		}
	}
	return nil
}

// EnsureFreeSectorExists restores the invariant that at least one sector is
// fully erased, forcing collection of the best victim if necessary.
func (s *KeyValueStore) EnsureFreeSectorExists() error {
	if s.sectors.FreeSectorCount() > 0 {
		return nil
	}
	victim, ok := s.sectors.PickGcSector(nil, true)
	if !ok {
		return fmt.Errorf("%w: no free sector and nothing reclaimable", ErrResourceExhausted)
	}
	return s.GarbageCollectSector(victim, nil)
}

// EnsureEntryRedundancy writes additional copies for live keys that have
// fewer than the configured number, for example after a corrupt sector took
// one copy with it.
func (s *KeyValueStore) EnsureEntryRedundancy() error {
	for it := s.cache.Iterator(); it.Next(); {
		meta := it.Metadata()
		if meta.State() != keycache.StateValid || meta.AddressCount() >= s.opts.Redundancy {
			continue
		}
		_, raw, err := s.readEntry(meta, true)
		if err != nil {
			return err
		}
		for meta.AddressCount() < s.opts.Redundancy {
			exclude := s.sectorsOf(meta.Addresses())
			dst, err := s.sectors.PickWriteSector(len(raw), exclude, false)
			if err != nil {
				return fmt.Errorf("%w: %v", ErrResourceExhausted, err)
			}
			addr, err := s.writeVerbatim(dst, raw)
			if err != nil {
				return err
			}
			if err := meta.AddAddress(addr); err != nil {
				return fmt.Errorf("%w: %v", ErrDataLoss, err)
			}
			s.logger.Debug("redundancy: added copy of %#x at %#x", meta.Hash(), addr)
		}
	}
	return nil
}

// RemoveDeletedKeyEntries drops tombstoned keys from the cache and retires
// their tombstone bytes. Only safe once garbage collection has erased every
// stale copy of those keys, which is why it runs inside heavy maintenance
// rather than eagerly on Delete.
func (s *KeyValueStore) RemoveDeletedKeyEntries() (int, error) {
	var drop []uint64
	for it := s.cache.Iterator(); it.Next(); {
		meta := it.Metadata()
		if meta.State() != keycache.StateDeleted {
			continue
		}
		for _, addr := range meta.Addresses() {
			size, err := s.entrySizeAt(addr)
			if err != nil {
				s.logger.Warn("tombstone at %#x unreadable: %v", addr, err)
				continue
			}
			s.sectors.RecordReclaimable(s.sectors.SectorOf(addr), size)
		}
		drop = append(drop, meta.Hash())
	}
	for _, hash := range drop {
		s.cache.Remove(hash)
	}
	return len(drop), nil
}

// GarbageCollectSector relocates every live entry out of the given sector
// and erases it. Relocation never targets the sector being collected, a
// sector holding another copy of the same entry, or a sector named in
// reservedAddresses (targets of an unrelated in-flight write).
func (s *KeyValueStore) GarbageCollectSector(sec int, reservedAddresses []uint32) error {
	if sec < 0 || sec >= s.sectors.SectorCount() {
		return fmt.Errorf("%w: sector %d", ErrInvalidArgument, sec)
	}
	start := time.Now()
	s.logger.Debug("gc: collecting sector %d (%d reclaimable, %d live)",
		sec, s.sectors.BytesReclaimable(sec), s.sectors.BytesUsed(sec))

	var lost []uint64
	for it := s.cache.Iterator(); it.Next(); {
		meta := it.Metadata()
		for _, addr := range meta.Addresses() {
			if s.sectors.SectorOf(addr) != sec {
				continue
			}
			if err := s.relocateEntry(meta, addr, reservedAddresses); err != nil {
				if meta.AddressCount() == 0 {
					// Every copy of this key is gone.
					lost = append(lost, meta.Hash())
					continue
				}
				return err
			}
		}
	}
	for _, hash := range lost {
		s.cache.Remove(hash)
	}

	if err := s.dev.Erase(s.sectors.BaseAddress(sec), 1); err != nil {
		return fmt.Errorf("%w: erase of sector %d: %v", ErrInternal, sec, err)
	}
	s.sectors.ResetSector(sec)
	s.stats.TrackGcSector()
	s.stats.TrackErase(1)
	s.recordOp(telemetry.OpGc, start, len(lost) > 0)

	if len(lost) > 0 {
		return fmt.Errorf("%w: %d entries had no readable copy", ErrDataLoss, len(lost))
	}
	return nil
}

// relocateEntry moves one entry copy out of its sector ahead of an erase.
// An unreadable copy is dropped from the address list instead of moved; the
// caller decides what total loss of a key means.
func (s *KeyValueStore) relocateEntry(meta keycache.Metadata, address uint32, reservedAddresses []uint32) error {
	_, raw, err := s.readEntryAt(address, true)
	if err != nil {
		s.logger.Warn("gc: dropping unreadable copy at %#x: %v", address, err)
		meta.RemoveAddress(address)
		if meta.AddressCount() == 0 {
			return err
		}
		return nil
	}

	exclude := s.sectorsOf(meta.Addresses())
	exclude = append(exclude, s.sectorsOf(reservedAddresses)...)
	dst, err := s.sectors.PickWriteSector(len(raw), exclude, true)
	if err != nil {
		return fmt.Errorf("%w: relocation out of sector %d: %v",
			ErrResourceExhausted, s.sectors.SectorOf(address), err)
	}

	newAddr, err := s.writeVerbatim(dst, raw)
	if err != nil {
		return err
	}
	meta.ReplaceAddress(address, newAddr)
	s.stats.TrackRelocation()
	return nil
}

// writeVerbatim appends already-encoded entry bytes to a sector, verifying
// the written copy when configured.
func (s *KeyValueStore) writeVerbatim(sec int, raw []byte) (uint32, error) {
	addr := s.sectors.WriteAddress(sec)
	if _, err := s.dev.Write(addr, raw); err != nil {
		s.sectors.MarkUnwritable(sec)
		return 0, fmt.Errorf("%w: write at %#x: %v", ErrInternal, addr, err)
	}
	s.sectors.RecordWrite(sec, len(raw))
	if s.opts.VerifyOnWrite {
		if err := s.verifyWrittenCopy(addr, raw); err != nil {
			s.sectors.RecordReclaimable(sec, len(raw))
			return 0, err
		}
	}
	return addr, nil
}

// sectorsOf maps addresses to their containing sectors.
func (s *KeyValueStore) sectorsOf(addresses []uint32) []int {
	out := make([]int, len(addresses))
	for i, addr := range addresses {
		out[i] = s.sectors.SectorOf(addr)
	}
	return out
}

// UpdateEntriesToPrimaryFormat rewrites every entry stored in a secondary
// (read-compatible) format using the primary format, migrating the
// partition forward over time.
func (s *KeyValueStore) UpdateEntriesToPrimaryFormat() error {
	if err := s.checkWrite(); err != nil {
		return err
	}
	primary := s.formats.Primary()

	for it := s.cache.Iterator(); it.Next(); {
		meta := it.Metadata()
		h, raw, err := s.readEntry(meta, false)
		if err != nil {
			return err
		}
		if h.Magic == primary.Magic {
			continue
		}
		key := raw[entry.HeaderSize : entry.HeaderSize+int(h.KeyLength)]
		value := raw[entry.HeaderSize+int(h.KeyLength) : entry.HeaderSize+int(h.KeyLength)+h.ValueLength()]
		s.logger.Debug("format migration: rewriting %q from magic %#x", key, h.Magic)
		if err := s.rewriteEntry(meta, key, value, h.Deleted()); err != nil {
			return err
		}
	}
	return nil
}
