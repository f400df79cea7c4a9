package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Alexander-D-Karpov/sectorfs/internal/domain"
	"github.com/Alexander-D-Karpov/sectorfs/internal/logger"
)

const maxDrainPasses = 8

func (c *Cache) writeBackLoop(ctx context.Context) error {
	ticker := time.NewTicker(c.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := c.flushPass(ctx, true, false); err != nil {
				logger.Warn("write-back pass failed", "error", err)
			}
		case reply := <-c.shutdown:
			reply <- c.drain(ctx)
			return nil
		}
	}
}

// drain flushes until no dirty entry remains.
func (c *Cache) drain(ctx context.Context) error {
	for pass := 0; pass < maxDrainPasses; pass++ {
		remaining, err := c.flushPass(ctx, false, true)
		if err != nil {
			return err
		}
		if remaining == 0 {
			return nil
		}
	}
	return fmt.Errorf("dirty entries remain after %d passes", maxDrainPasses)
}

// Flush writes every dirty entry to the device.
func (c *Cache) Flush() error {
	if c.closed.Load() {
		return domain.ErrClosed
	}
	_, err := c.flushPass(context.Background(), false, true)
	return err
}

// flushPass writes each dirty ready entry once and returns how many entries
// were still dirty afterwards. The daemon skips pinned entries and is rate
// limited; explicit flushes and shutdown are not. Each entry is handled
// under its own lock only, so other cache operations run between flushes.
func (c *Cache) flushPass(ctx context.Context, daemon, includePinned bool) (int, error) {
	c.mu.Lock()
	snapshot := make([]*entry, 0, len(c.entries))
	for _, e := range c.entries {
		snapshot = append(snapshot, e)
	}
	c.mu.Unlock()

	var errs []error
	for _, e := range snapshot {
		if err := c.flushEntry(ctx, e, daemon, includePinned); err != nil {
			errs = append(errs, err)
		}
	}

	remaining := 0
	for _, e := range snapshot {
		e.mu.Lock()
		if !e.gone && e.dirty {
			remaining++
		}
		e.mu.Unlock()
	}
	return remaining, errors.Join(errs...)
}

func (c *Cache) flushEntry(ctx context.Context, e *entry, daemon, includePinned bool) error {
	e.mu.Lock()
	for e.flushing && !e.gone {
		e.cond.Wait()
	}
	if e.gone || e.state != stateReady || !e.dirty || (e.pins > 0 && !includePinned) {
		e.mu.Unlock()
		return nil
	}
	buf := e.data
	e.dirty = false
	e.flushing = true
	e.pins++
	e.mu.Unlock()

	var err error
	if daemon && c.limiter != nil {
		err = c.limiter.WaitN(ctx, domain.SectorSize)
	}
	if err == nil {
		err = c.dev.WriteSector(e.sector, buf[:])
	}

	e.mu.Lock()
	e.pins--
	e.flushing = false
	if err != nil {
		e.dirty = true
	}
	e.cond.Broadcast()
	e.mu.Unlock()
	c.notifyReleased()

	if err != nil {
		return err
	}
	c.stats.writeBacks.Add(1)
	logger.Debug("cache write-back", "sector", e.sector)
	return nil
}
