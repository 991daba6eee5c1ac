// Command flashkv-bench exercises a store over the in-memory reference
// device and reports throughput, garbage collection, and wear figures for a
// given geometry. It is the quickest way to see how sector size, redundancy,
// and GC policy interact before committing to a flash layout.
package main

import (
	"flag"
	"fmt"
	"math/rand"
	"os"
	"time"

	"github.com/FlashKV/flashkv/pkg/checksum"
	"github.com/FlashKV/flashkv/pkg/entry"
	"github.com/FlashKV/flashkv/pkg/flash"
	"github.com/FlashKV/flashkv/pkg/kvs"
	"github.com/FlashKV/flashkv/pkg/log"
)

const benchMagic = 0x466b7631 // "Fkv1"

var (
	sectorSize  = flag.Int("sector-size", 4096, "Sector size in bytes")
	sectorCount = flag.Int("sectors", 8, "Number of sectors")
	alignment   = flag.Int("alignment", 16, "Write alignment in bytes")
	keyCount    = flag.Int("keys", 16, "Number of distinct keys")
	valueSize   = flag.Int("value-size", 64, "Value size in bytes")
	redundancy  = flag.Int("redundancy", 1, "Copies kept per entry")
	operations  = flag.Int("ops", 100000, "Total operations to run")
	deleteRatio = flag.Float64("delete-ratio", 0.1, "Fraction of operations that delete")
	gcPolicy    = flag.String("gc", "one", "GC on write: one, many, or off")
	seed        = flag.Int64("seed", 1, "Workload RNG seed")
	verbose     = flag.Bool("v", false, "Log store activity")
)

func main() {
	flag.Parse()
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "flashkv-bench: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	opts := kvs.DefaultOptions()
	opts.MaxEntries = *keyCount
	opts.Redundancy = *redundancy
	if *verbose {
		opts.Logger = log.Default()
	}
	switch *gcPolicy {
	case "one":
		opts.GarbageCollectOnWrite = kvs.GCOneSector
	case "many":
		opts.GarbageCollectOnWrite = kvs.GCAsManySectorsNeeded
	case "off":
		opts.GarbageCollectOnWrite = kvs.GCDisabled
	default:
		return fmt.Errorf("unknown gc policy %q", *gcPolicy)
	}

	dev := flash.NewMemDevice(*sectorSize, *sectorCount, *alignment)
	formats := entry.NewFormats(entry.Format{Magic: benchMagic, Checksum: checksum.NewCrc32()})
	store, err := kvs.New(dev, formats, opts)
	if err != nil {
		return err
	}
	if err := store.Init(); err != nil {
		return err
	}

	rng := rand.New(rand.NewSource(*seed))
	value := make([]byte, *valueSize)
	rng.Read(value)

	fmt.Printf("geometry: %d x %d byte sectors, alignment %d, redundancy %d\n",
		*sectorCount, *sectorSize, *alignment, *redundancy)

	start := time.Now()
	writes, deletes, failures := 0, 0, 0
	for i := 0; i < *operations; i++ {
		key := []byte(fmt.Sprintf("bench-key-%03d", rng.Intn(*keyCount)))
		if rng.Float64() < *deleteRatio {
			err = store.Delete(key)
			deletes++
		} else {
			value[0] = byte(i)
			err = store.Put(key, value)
			writes++
		}
		if err != nil {
			failures++
			if *gcPolicy == "off" {
				// Expected once the partition fills; stop instead of spinning.
				fmt.Printf("stopped after %d ops: %v\n", i, err)
				break
			}
		}
	}
	elapsed := time.Since(start)

	report(store, dev, writes, deletes, failures, elapsed)
	return nil
}

func report(store *kvs.KeyValueStore, dev *flash.MemDevice, writes, deletes, failures int, elapsed time.Duration) {
	ops := writes + deletes
	fmt.Printf("\n%d ops in %s (%.0f ops/sec), %d failures\n",
		ops, elapsed.Round(time.Millisecond), float64(ops)/elapsed.Seconds(), failures)

	snap := store.Stats()
	fmt.Printf("puts %d, deletes %d, gc sectors %d, relocations %d, erases %d\n",
		snap.Puts, snap.Deletes, snap.GcSectors, snap.Relocations, snap.SectorErases)

	storage := store.GetStorageStats()
	fmt.Printf("in use %d B, reclaimable %d B, writable %d B, live keys %d\n",
		storage.InUseBytes, storage.ReclaimableBytes, storage.WritableBytes, store.KeyCount())

	counts := dev.EraseCounts()
	min, max := counts[0], counts[0]
	for _, c := range counts[1:] {
		if c < min {
			min = c
		}
		if c > max {
			max = c
		}
	}
	fmt.Printf("wear: erase counts min %d / max %d per sector %v\n", min, max, counts)
}
