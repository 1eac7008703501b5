package main

import (
	"context"
	"log"
	"sync"

	"github.com/banshee-data/spinlidar/internal/tune"
)

// tuneTarget is the rotation buffer being tuned.
type tuneTarget interface {
	tune.Target
	RPM() float64
}

// pausable is the publisher, which must stop reading rotations while the
// tuner owns the queue.
type pausable interface {
	Pause()
	Resume()
}

// tuneController runs one tuning run at a time in the background.
type tuneController struct {
	ctx    context.Context
	wg     *sync.WaitGroup
	target tuneTarget
	feed   pausable
	opts   tune.Options

	mu      sync.Mutex
	running bool
}

// StartTune starts a run from the current rpm, which is restored if the run
// fails.
func (c *tuneController) StartTune() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return tune.ErrAlreadyRunning
	}

	opts := c.opts
	opts.InitialRPM = c.target.RPM()
	tuner, err := tune.NewTuner(c.target, opts)
	if err != nil {
		return err
	}
	c.running = true

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer func() {
			c.mu.Lock()
			c.running = false
			c.mu.Unlock()
		}()

		c.feed.Pause()
		defer c.feed.Resume()

		res, err := tuner.Run(c.ctx)
		if err != nil {
			log.Printf("rpm tuning run %s failed, keeping %g rpm: %v", res.RunID, opts.InitialRPM, err)
			return
		}
		log.Printf("rpm tuned to %.3f (error %.4g) after %d evaluations, run %s",
			res.BestRPM, res.BestError, res.Evaluations, res.RunID)
	}()
	return nil
}

// Running reports whether a run is in progress.
func (c *tuneController) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}
