package main

import (
	"bytes"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/panjf2000/ants/v2"
	"golang.org/x/sync/errgroup"

	"github.com/Alexander-D-Karpov/sectorfs/internal/config"
	"github.com/Alexander-D-Karpov/sectorfs/internal/domain"
	"github.com/Alexander-D-Karpov/sectorfs/internal/inode"
	"github.com/Alexander-D-Karpov/sectorfs/internal/logger"
	"github.com/Alexander-D-Karpov/sectorfs/internal/storage"
)

type stressOptions struct {
	files   int
	size    int
	workers int
	rounds  int
}

func runStress(cfg *config.Config, args []string) error {
	fs := flags("stress", cfg)
	var opts stressOptions
	fs.IntVar(&opts.files, "files", 8, "files to create")
	fs.IntVar(&opts.size, "size", 128<<10, "bytes per file")
	fs.IntVar(&opts.workers, "workers", 8, "concurrent workers")
	fs.IntVar(&opts.rounds, "rounds", 4, "write/verify rounds per file")
	_ = fs.Parse(args)

	store, err := storage.NewStorage(cfg)
	if err != nil {
		return err
	}

	start := time.Now()
	written, err := stress(store, opts)
	elapsed := time.Since(start)

	st := store.Stats()
	if cerr := store.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return err
	}

	fmt.Printf("%d files, %s written in %s (%s/s)\n",
		opts.files, humanize.IBytes(uint64(written)), elapsed.Round(time.Millisecond),
		humanize.IBytes(uint64(float64(written)/elapsed.Seconds())))
	fmt.Printf("cache: %d hits, %d misses, %d evictions, %d write-backs, %d read-aheads\n",
		st.Cache.Hits, st.Cache.Misses, st.Cache.Evictions, st.Cache.WriteBacks, st.Cache.ReadAheads)
	return nil
}

// stress creates opts.files files and has a pool of workers write and
// verify each of them, then removes them. It returns the bytes written.
func stress(store *storage.Storage, opts stressOptions) (int64, error) {
	if opts.files <= 0 || opts.size <= 0 || opts.rounds <= 0 {
		return 0, errors.New("files, size and rounds must be positive")
	}

	pool, err := ants.NewPool(opts.workers)
	if err != nil {
		return 0, err
	}
	defer pool.Release()

	sectors := make([]domain.Sector, opts.files)
	for n := range sectors {
		if sectors[n], err = store.Create(0, inode.KindFile); err != nil {
			return 0, err
		}
	}

	var written atomic.Int64
	var g errgroup.Group
	for n, sector := range sectors {
		g.Go(func() error {
			done := make(chan error, 1)
			if err := pool.Submit(func() {
				done <- stressFile(store, sector, uint64(n), opts, &written)
			}); err != nil {
				return err
			}
			return <-done
		})
	}
	err = g.Wait()

	for _, sector := range sectors {
		err = errors.Join(err, store.Remove(sector))
	}
	return written.Load(), err
}

func stressFile(store *storage.Storage, sector domain.Sector, seed uint64, opts stressOptions, written *atomic.Int64) error {
	i, err := store.OpenInode(sector)
	if err != nil {
		return err
	}
	defer i.Close()

	rng := rand.New(rand.NewPCG(seed, uint64(sector)))
	data := make([]byte, opts.size)
	got := make([]byte, opts.size)

	for round := 0; round < opts.rounds; round++ {
		for n := range data {
			data[n] = byte(rng.Uint32())
		}
		// Unaligned offsets exercise partial-sector writes.
		off := int64(rng.IntN(domain.SectorSize))
		if _, err := i.WriteAt(data, off); err != nil {
			return fmt.Errorf("file %d round %d: %w", sector, round, err)
		}
		written.Add(int64(len(data)))

		if _, err := i.ReadAt(got, off); err != nil {
			return fmt.Errorf("file %d round %d: %w", sector, round, err)
		}
		if !bytes.Equal(data, got) {
			return fmt.Errorf("file %d round %d: read back differs", sector, round)
		}
	}

	logger.Debug("stress file done", "sector", sector, "length", i.Length())
	return nil
}
