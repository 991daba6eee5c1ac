package kvs

import (
	"fmt"

	"github.com/FlashKV/flashkv/pkg/keycache"
	"github.com/FlashKV/flashkv/pkg/log"
	"github.com/FlashKV/flashkv/pkg/telemetry"
)

// GCPolicy bounds how much garbage collection a single write may trigger
// when no sector has room for the new entry.
type GCPolicy int

const (
	// GCOneSector permits collecting at most one sector per write.
	GCOneSector GCPolicy = iota
	// GCDisabled fails writes immediately when no space is available.
	GCDisabled
	// GCAsManySectorsNeeded keeps collecting until the write fits or no
	// further collection is possible.
	GCAsManySectorsNeeded
)

// RecoveryPolicy controls when invariant violations found during Init or on
// the write path are repaired.
type RecoveryPolicy int

const (
	// RecoverImmediate repairs inline as soon as a violation is found.
	RecoverImmediate RecoveryPolicy = iota
	// RecoverLazy defers repair to the next maintenance call.
	RecoverLazy
	// RecoverManual never self-heals; only caller-invoked maintenance repairs.
	RecoverManual
)

// Options configures a KeyValueStore at construction. The zero value of the
// policy fields selects one-sector GC and immediate recovery.
type Options struct {
	// MaxEntries caps the number of logical keys the in-RAM cache can track.
	MaxEntries int
	// Redundancy is the number of copies kept per entry, each in a distinct
	// sector. Must be at least 1 and no more than the device's sector count.
	Redundancy int
	// GarbageCollectOnWrite bounds GC work triggered by Put and Delete.
	GarbageCollectOnWrite GCPolicy
	// ErrorRecovery selects when detected corruption is repaired.
	ErrorRecovery RecoveryPolicy
	// VerifyOnRead re-checks entry checksums on every read.
	VerifyOnRead bool
	// VerifyOnWrite reads every written copy back and re-verifies it.
	VerifyOnWrite bool

	// KeyHash overrides the key hash function. Leave nil for the default;
	// tests use a weak hash to provoke collisions deterministically.
	KeyHash func(key []byte) uint64

	// Logger receives recovery and garbage-collection reporting. Nil means
	// silent.
	Logger log.Logger
	// Telemetry receives operation metrics. Nil means no-op.
	Telemetry telemetry.Telemetry
}

// DefaultOptions returns the recommended configuration.
func DefaultOptions() Options {
	return Options{
		MaxEntries:    64,
		Redundancy:    1,
		VerifyOnRead:  true,
		VerifyOnWrite: true,
	}
}

// Validate checks option consistency against the target device geometry.
func (o Options) Validate(sectorCount int) error {
	if o.MaxEntries <= 0 {
		return fmt.Errorf("%w: MaxEntries must be positive", ErrInvalidArgument)
	}
	if o.Redundancy <= 0 {
		return fmt.Errorf("%w: Redundancy must be positive", ErrInvalidArgument)
	}
	if o.Redundancy > sectorCount {
		return fmt.Errorf("%w: Redundancy %d exceeds %d sectors",
			ErrInvalidArgument, o.Redundancy, sectorCount)
	}
	if o.GarbageCollectOnWrite < GCOneSector || o.GarbageCollectOnWrite > GCAsManySectorsNeeded {
		return fmt.Errorf("%w: unknown GC policy %d", ErrInvalidArgument, o.GarbageCollectOnWrite)
	}
	if o.ErrorRecovery < RecoverImmediate || o.ErrorRecovery > RecoverManual {
		return fmt.Errorf("%w: unknown recovery policy %d", ErrInvalidArgument, o.ErrorRecovery)
	}
	return nil
}

// withDefaults fills the pluggable fields left nil.
func (o Options) withDefaults() Options {
	if o.KeyHash == nil {
		o.KeyHash = keycache.Hash
	}
	if o.Logger == nil {
		o.Logger = log.NewNop()
	}
	if o.Telemetry == nil {
		o.Telemetry = telemetry.NewNoop()
	}
	return o
}
