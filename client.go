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
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultExchangeTimeout is applied to operations whose context carries
// no deadline of its own.
const DefaultExchangeTimeout = 1 * time.Second

// Reading is the telemetry record emitted on every successful read of a
// cataloged register.
type Reading struct {
	Address uint16
	Key     string
	Raw     []uint16
	Value   float64
	Unit    string
}

// OnReadingFunc receives telemetry records.
type OnReadingFunc func(Reading)

// OnConnectivityFunc receives connect/disconnect events.
type OnConnectivityFunc func(connected bool)

// ClientConfig holds construction parameters for Client.
type ClientConfig struct {
	Timeout        time.Duration // default per-operation deadline; DefaultExchangeTimeout when zero
	Catalog        *Catalog      // register catalog; DefaultCatalog() when nil
	Logger         *Logger       // optional; nil is silent
	Metrics        *Metrics      // optional prometheus mirror of the counters
	OnReading      OnReadingFunc
	OnConnectivity OnConnectivityFunc
}

type pendingResult struct {
	frame Frame
	err   error
}

// pending is one in-flight request awaiting its matching response. The
// done channel is buffered and receives exactly one result; channels
// are never reused, so a late timer or frame can never resolve an
// unrelated waiter.
type pending struct {
	match func(Frame) bool
	done  chan pendingResult
}

// Client owns the transport exclusively: it is the only writer, and its
// read loop is the only consumer of incoming bytes. At most one
// request/response exchange is in flight on the wire at any instant;
// concurrent callers queue on the exchange mutex and are serviced in
// acquisition order.
type Client struct {
	port    io.ReadWriteCloser
	timeout time.Duration
	catalog *Catalog
	log     *Logger
	metrics *Metrics

	exchangeMu sync.Mutex // serializes whole exchanges on the half-duplex channel

	pendingMu sync.Mutex
	pending   []*pending

	rs Reassembler
	// flushReq asks the read loop to drop partial bytes buffered before
	// the current exchange. Only the read loop touches rs.buf itself.
	flushReq atomic.Bool

	readsOK      atomic.Uint64
	readsFailed  atomic.Uint64
	writesOK     atomic.Uint64
	writesFailed atomic.Uint64
	timeouts     atomic.Uint64

	onReading      atomic.Value // OnReadingFunc
	onConnectivity atomic.Value // OnConnectivityFunc

	closeOnce sync.Once
	closed    chan struct{}
	wg        sync.WaitGroup
}

// NewClient starts a client on the given transport. The read loop runs
// until the transport closes or fails; Close releases it.
func NewClient(port io.ReadWriteCloser, cfg ClientConfig) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultExchangeTimeout
	}
	if cfg.Catalog == nil {
		cfg.Catalog = DefaultCatalog()
	}
	c := &Client{
		port:    port,
		timeout: cfg.Timeout,
		catalog: cfg.Catalog,
		log:     cfg.Logger,
		metrics: cfg.Metrics,
		closed:  make(chan struct{}),
	}
	if cfg.OnReading != nil {
		c.onReading.Store(cfg.OnReading)
	}
	if cfg.OnConnectivity != nil {
		c.onConnectivity.Store(cfg.OnConnectivity)
	}
	c.wg.Add(1)
	go c.readLoop()
	c.notifyConnectivity(true)
	return c
}

// Catalog returns the register catalog the client was built with.
func (c *Client) Catalog() *Catalog { return c.catalog }

// SetOnReading replaces the telemetry callback.
func (c *Client) SetOnReading(fn OnReadingFunc) {
	if fn != nil {
		c.onReading.Store(fn)
	}
}

// SetOnConnectivity replaces the connectivity callback.
func (c *Client) SetOnConnectivity(fn OnConnectivityFunc) {
	if fn != nil {
		c.onConnectivity.Store(fn)
	}
}

func (c *Client) notifyReading(r Reading) {
	if v := c.onReading.Load(); v != nil {
		v.(OnReadingFunc)(r)
	}
}

func (c *Client) notifyConnectivity(up bool) {
	if v := c.onConnectivity.Load(); v != nil {
		v.(OnConnectivityFunc)(up)
	}
}

// Stats returns a snapshot of the running counters.
func (c *Client) Stats() Stats {
	return Stats{
		ReadsOK:      c.readsOK.Load(),
		ReadsFailed:  c.readsFailed.Load(),
		WritesOK:     c.writesOK.Load(),
		WritesFailed: c.writesFailed.Load(),
		CRCErrors:    c.rs.CRCErrors(),
		Timeouts:     c.timeouts.Load(),
	}
}

// Close shuts the client down, closes the transport and fails every
// outstanding operation with ErrConnectionClosed. Safe to call twice.
func (c *Client) Close() error {
	err := c.port.Close()
	c.shutdown(nil)
	c.wg.Wait()
	return err
}

// readLoop drains the transport, reassembles frames and dispatches them
// to the waiting operation. It is the sole owner of the accumulation
// buffer.
func (c *Client) readLoop() {
	defer c.wg.Done()
	buf := make([]byte, 256)
	for {
		n, err := c.port.Read(buf)
		if n > 0 {
			if c.flushReq.CompareAndSwap(true, false) {
				c.rs.Reset()
			}
			before := c.rs.CRCErrors()
			frames := c.rs.Feed(buf[:n])
			if d := c.rs.CRCErrors() - before; d > 0 {
				if c.metrics != nil {
					c.metrics.CRCErrors.Add(float64(d))
				}
				c.log.Warnf("dropped %d corrupted frame(s) during resync", d)
			}
			for _, f := range frames {
				c.dispatch(f)
			}
		}
		if err != nil {
			c.shutdown(err)
			return
		}
		select {
		case <-c.closed:
			return
		default:
		}
	}
}

// dispatch resolves the first pending operation, in registration order,
// whose matcher accepts the frame. A frame matching nothing is dropped:
// unsolicited traffic on the wire is not an error.
func (c *Client) dispatch(f Frame) {
	c.pendingMu.Lock()
	for i, op := range c.pending {
		if op.match(f) {
			c.pending = append(c.pending[:i], c.pending[i+1:]...)
			c.pendingMu.Unlock()
			op.done <- pendingResult{frame: f}
			return
		}
	}
	c.pendingMu.Unlock()
	c.log.Debugf("dropping unsolicited frame: cmd=0x%02X payload=%d bytes", f.Cmd, len(f.Payload))
}

func (c *Client) register(match func(Frame) bool) *pending {
	op := &pending{match: match, done: make(chan pendingResult, 1)}
	c.pendingMu.Lock()
	c.pending = append(c.pending, op)
	c.pendingMu.Unlock()
	return op
}

// deregister removes op from the pending list and reports whether it
// was still there. A false return means the dispatcher (or shutdown)
// won the race and a result is already in flight on op.done; the caller
// must drain it.
func (c *Client) deregister(op *pending) bool {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	for i, p := range c.pending {
		if p == op {
			c.pending = append(c.pending[:i], c.pending[i+1:]...)
			return true
		}
	}
	return false
}

// shutdown fails every outstanding waiter, resets the accumulation
// buffer and fires the disconnect event. Idempotent.
func (c *Client) shutdown(cause error) {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.pendingMu.Lock()
		waiting := c.pending
		c.pending = nil
		c.pendingMu.Unlock()
		for _, op := range waiting {
			op.done <- pendingResult{err: ErrConnectionClosed}
		}
		c.rs.Reset()
		if cause != nil && !errors.Is(cause, io.EOF) {
			c.log.Errorf("transport failed: %v", cause)
		}
		c.notifyConnectivity(false)
	})
}

// execute performs one serialized request/response exchange: encode,
// acquire the channel, write, wait for the matching frame or a
// deadline. Stale frames from a previous exchange cannot leak in: the
// read loop drops anything that matches no registered waiter.
func (c *Client) execute(ctx context.Context, req Frame, match func(Frame) bool) (Frame, error) {
	wire, err := EncodeFrame(req)
	if err != nil {
		return Frame{}, err
	}

	c.exchangeMu.Lock()
	defer c.exchangeMu.Unlock()

	select {
	case <-c.closed:
		return Frame{}, ErrConnectionClosed
	default:
	}

	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	op := c.register(match)
	// Partial bytes left over from an earlier exchange must not bleed
	// into this one. Complete stale frames are handled by the matcher:
	// anything that resolves no waiter is dropped.
	c.flushReq.Store(true)
	if _, err := c.port.Write(wire); err != nil {
		if !c.deregister(op) {
			<-op.done
		}
		return Frame{}, fmt.Errorf("tinybms: transport write failed: %w", err)
	}

	select {
	case res := <-op.done:
		return res.frame, res.err
	case <-ctx.Done():
		if !c.deregister(op) {
			// The response raced the deadline and won.
			res := <-op.done
			return res.frame, res.err
		}
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			c.timeouts.Add(1)
			if c.metrics != nil {
				c.metrics.Timeouts.Inc()
			}
			return Frame{}, ErrTimeout
		}
		return Frame{}, ctx.Err()
	case <-c.closed:
		if !c.deregister(op) {
			res := <-op.done
			return res.frame, res.err
		}
		return Frame{}, ErrConnectionClosed
	}
}

// matchStatus accepts the ACK/NACK convention used by write and restart
// responses.
func matchStatus(f Frame) bool { return IsStatusFrame(f) }

// matchReply accepts the echoed command byte, or a NACK status frame: a
// rejected read comes back on the status convention.
func matchReply(cmd byte) func(Frame) bool {
	return func(f Frame) bool { return f.Cmd == cmd || f.Cmd == StatusNACK }
}

func (c *Client) countRead(ok bool) {
	if ok {
		c.readsOK.Add(1)
		if c.metrics != nil {
			c.metrics.ReadsOK.Inc()
		}
	} else {
		c.readsFailed.Add(1)
		if c.metrics != nil {
			c.metrics.ReadsFailed.Inc()
		}
	}
}

func (c *Client) countWrite(ok bool) {
	if ok {
		c.writesOK.Add(1)
		if c.metrics != nil {
			c.metrics.WritesOK.Inc()
		}
	} else {
		c.writesFailed.Add(1)
		if c.metrics != nil {
			c.metrics.WritesFailed.Inc()
		}
	}
}

// emitReading publishes telemetry for a read of addr when the catalog
// knows the register and the word count fits its wire type.
func (c *Client) emitReading(addr uint16, words []uint16) {
	d, ok := c.catalog.ByAddress(addr)
	if !ok || len(words) != d.Words() {
		return
	}
	value, err := d.DecodeWords(words)
	if err != nil {
		return
	}
	raw := make([]uint16, len(words))
	copy(raw, words)
	c.notifyReading(Reading{Address: d.Address, Key: d.Key, Raw: raw, Value: value, Unit: d.Unit})
}

// ReadRegister reads one register with the individual read command.
func (c *Client) ReadRegister(ctx context.Context, addr uint16) (uint16, error) {
	resp, err := c.execute(ctx, NewReadIndividualRequest(addr), matchReply(CmdReadIndividual))
	if err != nil {
		c.countRead(false)
		return 0, err
	}
	if resp.Cmd == StatusNACK {
		c.countRead(false)
		return 0, ParseStatusResponse(resp)
	}
	respAddr, value, err := ParseReadIndividualResponse(resp)
	if err != nil {
		c.countRead(false)
		return 0, err
	}
	if respAddr != addr {
		c.countRead(false)
		return 0, fmt.Errorf("tinybms: read response address mismatch: requested 0x%04X, got 0x%04X", addr, respAddr)
	}
	c.countRead(true)
	c.emitReading(addr, []uint16{value})
	return value, nil
}

// ReadBlock reads count consecutive registers starting at start.
func (c *Client) ReadBlock(ctx context.Context, start uint16, count uint8) ([]uint16, error) {
	req, err := NewReadBlockRequest(start, count)
	if err != nil {
		return nil, err
	}
	resp, err := c.execute(ctx, req, matchReply(CmdReadBlock))
	if err != nil {
		c.countRead(false)
		return nil, err
	}
	if resp.Cmd == StatusNACK {
		c.countRead(false)
		return nil, ParseStatusResponse(resp)
	}
	respStart, values, err := ParseReadBlockResponse(resp)
	if err != nil {
		c.countRead(false)
		return nil, err
	}
	if respStart != start {
		c.countRead(false)
		return nil, fmt.Errorf("tinybms: block read start mismatch: requested 0x%04X, got 0x%04X", start, respStart)
	}
	if len(values) != int(count) {
		c.countRead(false)
		return nil, fmt.Errorf("tinybms: block read returned %d register(s), requested %d", len(values), count)
	}
	c.countRead(true)
	return values, nil
}

// ReadSimple issues a command of the 0x11-0x20 family and returns the
// response word array.
func (c *Client) ReadSimple(ctx context.Context, cmd byte) ([]uint16, error) {
	req, err := NewSimpleRequest(cmd)
	if err != nil {
		return nil, err
	}
	resp, err := c.execute(ctx, req, matchReply(cmd))
	if err != nil {
		c.countRead(false)
		return nil, err
	}
	if resp.Cmd == StatusNACK {
		c.countRead(false)
		return nil, ParseStatusResponse(resp)
	}
	values, err := ParseSimpleResponse(resp)
	if err != nil {
		c.countRead(false)
		return nil, err
	}
	c.countRead(true)
	return values, nil
}

// ReadModbus reads registers with the MODBUS-flavored 0x03 command.
func (c *Client) ReadModbus(ctx context.Context, start, quantity uint16) ([]uint16, error) {
	req, err := NewModbusReadRequest(start, quantity)
	if err != nil {
		return nil, err
	}
	resp, err := c.execute(ctx, req, matchReply(CmdModbusRead))
	if err != nil {
		c.countRead(false)
		return nil, err
	}
	if resp.Cmd == StatusNACK {
		c.countRead(false)
		return nil, ParseStatusResponse(resp)
	}
	values, err := ParseModbusReadResponse(resp)
	if err != nil {
		c.countRead(false)
		return nil, err
	}
	if len(values) != int(quantity) {
		c.countRead(false)
		return nil, fmt.Errorf("tinybms: MODBUS read returned %d register(s), requested %d", len(values), quantity)
	}
	c.countRead(true)
	return values, nil
}

// WriteRegister writes one register. Success is defined solely by the
// device ACK.
func (c *Client) WriteRegister(ctx context.Context, addr, value uint16) error {
	resp, err := c.execute(ctx, NewWriteIndividualRequest(addr, value), matchStatus)
	if err != nil {
		c.countWrite(false)
		return err
	}
	if err := ParseStatusResponse(resp); err != nil {
		c.countWrite(false)
		return err
	}
	c.countWrite(true)
	return nil
}

// WriteRegisterVerified writes one register and, after the ACK, reads
// it back. The read-back is informational verification only: the write
// has already succeeded, and the returned value lets the caller compare
// what the device actually stored.
func (c *Client) WriteRegisterVerified(ctx context.Context, addr, value uint16) (uint16, error) {
	if err := c.WriteRegister(ctx, addr, value); err != nil {
		return 0, err
	}
	readBack, err := c.ReadRegister(ctx, addr)
	if err != nil {
		return 0, fmt.Errorf("tinybms: write acknowledged but read-back failed: %w", err)
	}
	if readBack != value {
		c.log.Warnf("read-back of 0x%04X returned 0x%04X after writing 0x%04X", addr, readBack, value)
	}
	return readBack, nil
}

// WriteBlock writes consecutive registers starting at start.
func (c *Client) WriteBlock(ctx context.Context, start uint16, values []uint16) error {
	req, err := NewWriteBlockRequest(start, values)
	if err != nil {
		return err
	}
	resp, err := c.execute(ctx, req, matchStatus)
	if err != nil {
		c.countWrite(false)
		return err
	}
	if err := ParseStatusResponse(resp); err != nil {
		c.countWrite(false)
		return err
	}
	c.countWrite(true)
	return nil
}

// WriteModbus writes registers with the MODBUS-flavored 0x10 command.
func (c *Client) WriteModbus(ctx context.Context, start uint16, values []uint16) error {
	req, err := NewModbusWriteRequest(start, values)
	if err != nil {
		return err
	}
	resp, err := c.execute(ctx, req, matchStatus)
	if err != nil {
		c.countWrite(false)
		return err
	}
	if err := ParseStatusResponse(resp); err != nil {
		c.countWrite(false)
		return err
	}
	c.countWrite(true)
	return nil
}

// Restart asks the BMS to restart. The device ACKs before going down.
func (c *Client) Restart(ctx context.Context) error {
	resp, err := c.execute(ctx, NewRestartRequest(), matchStatus)
	if err != nil {
		return err
	}
	return ParseStatusResponse(resp)
}

// ReadValue reads a cataloged register by key and converts it to
// engineering units.
func (c *Client) ReadValue(ctx context.Context, key string) (Reading, error) {
	d, ok := c.catalog.ByKey(key)
	if !ok {
		return Reading{}, fmt.Errorf("tinybms: unknown register key %q", key)
	}
	var words []uint16
	if d.Words() == 1 {
		v, err := c.ReadRegister(ctx, d.Address)
		if err != nil {
			return Reading{}, err
		}
		words = []uint16{v}
	} else {
		vs, err := c.ReadBlock(ctx, d.Address, uint8(d.Words()))
		if err != nil {
			return Reading{}, err
		}
		words = vs
	}
	value, err := d.DecodeWords(words)
	if err != nil {
		return Reading{}, err
	}
	r := Reading{Address: d.Address, Key: d.Key, Raw: words, Value: value, Unit: d.Unit}
	if d.Words() > 1 {
		// Single-word reads already emitted through ReadRegister.
		c.notifyReading(r)
	}
	return r, nil
}

// WriteValue writes a cataloged register by key from an engineering
// unit value. Validation happens before any I/O.
func (c *Client) WriteValue(ctx context.Context, key string, value float64) error {
	d, ok := c.catalog.ByKey(key)
	if !ok {
		return fmt.Errorf("tinybms: unknown register key %q", key)
	}
	if d.Access != ReadWrite {
		return &ValidationError{Key: key, Value: value, Reason: "register is read-only"}
	}
	words, err := d.EncodeValue(value)
	if err != nil {
		return err
	}
	if len(words) == 1 {
		return c.WriteRegister(ctx, d.Address, words[0])
	}
	return c.WriteBlock(ctx, d.Address, words)
}
