// Copyright (C) 2024  wwhai
//
// This program is free software; you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation; either version 2 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License along
// with this program; if not, see <https://www.gnu.org/licenses/>.

package tinybms

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// maxBlockRead caps how many registers one planned block read may cover.
const maxBlockRead = 32

// blockPlan is one contiguous block read covering the descriptors in
// descs, in address order.
type blockPlan struct {
	start uint16
	count uint8
	descs []*Descriptor
}

// Poller periodically reads a set of cataloged registers and publishes
// the results through the client's reading callback. Adjacent registers
// are merged into block reads to keep the serial channel quiet.
type Poller struct {
	client   *Client
	interval time.Duration
	plans    []blockPlan

	stopOnce sync.Once
	stop     chan struct{}
	wg       sync.WaitGroup
}

// NewPoller plans a poll cycle over the given register keys. An empty
// key list polls the whole catalog.
func NewPoller(client *Client, interval time.Duration, keys []string) (*Poller, error) {
	if interval <= 0 {
		return nil, fmt.Errorf("tinybms: poll interval must be positive")
	}
	catalog := client.Catalog()

	var descs []*Descriptor
	if len(keys) == 0 {
		descs = catalog.All()
	} else {
		for _, key := range keys {
			d, ok := catalog.ByKey(key)
			if !ok {
				return nil, fmt.Errorf("tinybms: unknown register key %q", key)
			}
			descs = append(descs, d)
		}
	}
	sort.Slice(descs, func(i, j int) bool { return descs[i].Address < descs[j].Address })

	var plans []blockPlan
	for _, d := range descs {
		words := uint8(d.Words())
		n := len(plans)
		if n > 0 {
			p := &plans[n-1]
			if d.Address == p.start+uint16(p.count) && int(p.count)+int(words) <= maxBlockRead {
				p.count += words
				p.descs = append(p.descs, d)
				continue
			}
		}
		plans = append(plans, blockPlan{start: d.Address, count: words, descs: []*Descriptor{d}})
	}

	return &Poller{
		client:   client,
		interval: interval,
		plans:    plans,
		stop:     make(chan struct{}),
	}, nil
}

// Plans returns how many block reads one poll cycle issues.
func (p *Poller) Plans() int { return len(p.plans) }

// Start launches the poll loop. The first cycle runs immediately.
func (p *Poller) Start() {
	p.wg.Add(1)
	go p.loop()
}

func (p *Poller) loop() {
	defer p.wg.Done()
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.pollOnce()
	for {
		select {
		case <-ticker.C:
			p.pollOnce()
		case <-p.stop:
			return
		}
	}
}

func (p *Poller) pollOnce() {
	ctx, cancel := context.WithTimeout(context.Background(), p.interval)
	defer cancel()
	for _, err := range p.PollOnce(ctx) {
		p.client.log.Warnf("poll cycle: %v", err)
	}
}

// PollOnce runs one poll cycle and returns every per-block error. The
// cycle keeps going past failing blocks so one bad region does not
// starve the rest of the telemetry.
func (p *Poller) PollOnce(ctx context.Context) []error {
	var errs []error
	for _, plan := range p.plans {
		words, err := p.client.ReadBlock(ctx, plan.start, plan.count)
		if err != nil {
			errs = append(errs, fmt.Errorf("block 0x%04X+%d: %w", plan.start, plan.count, err))
			continue
		}
		off := 0
		for _, d := range plan.descs {
			raw := make([]uint16, d.Words())
			copy(raw, words[off:off+d.Words()])
			off += d.Words()
			value, err := d.DecodeWords(raw)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			p.client.notifyReading(Reading{Address: d.Address, Key: d.Key, Raw: raw, Value: value, Unit: d.Unit})
		}
	}
	return errs
}

// Stop halts the poll loop and waits for the current cycle to finish.
// Safe to call twice.
func (p *Poller) Stop() {
	p.stopOnce.Do(func() { close(p.stop) })
	p.wg.Wait()
}
