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
	"bytes"
	"sync/atomic"
)

// Reassembler turns an arbitrarily-chunked byte stream into complete,
// CRC-valid frames. Corruption is never an error: a frame that fails
// its CRC costs exactly one byte of buffer advance, which bounds the
// resync cost to the corrupted region.
//
// The accumulation buffer is owned by a single goroutine (the client
// read loop); only the counters may be read concurrently.
type Reassembler struct {
	buf []byte

	frames    atomic.Uint64
	crcErrors atomic.Uint64
	discarded atomic.Uint64
}

// Feed appends p to the accumulation buffer and returns every complete
// frame that can be extracted. It returns nil when more data is needed.
func (r *Reassembler) Feed(p []byte) []Frame {
	r.buf = append(r.buf, p...)

	var out []Frame
	for {
		// Align to the first preamble byte; everything before it is noise.
		i := bytes.IndexByte(r.buf, FramePreamble)
		if i < 0 {
			r.discarded.Add(uint64(len(r.buf)))
			r.buf = r.buf[:0]
			return out
		}
		if i > 0 {
			r.discarded.Add(uint64(i))
			r.buf = r.buf[i:]
		}
		if len(r.buf) < minFrameLen {
			return out
		}
		total := frameOverhead + int(r.buf[2])
		if len(r.buf) < total {
			return out
		}
		f, ok := DecodeFrame(r.buf[:total])
		if !ok {
			// Stale preamble or corrupted frame: advance one byte and
			// rescan so a real frame hiding inside is not lost.
			r.crcErrors.Add(1)
			r.discarded.Add(1)
			r.buf = r.buf[1:]
			continue
		}
		r.frames.Add(1)
		out = append(out, f)
		r.buf = r.buf[total:]
	}
}

// Reset discards the accumulation buffer. Called on transport close so
// a reconnect does not resume mid-frame.
func (r *Reassembler) Reset() {
	r.buf = r.buf[:0]
}

// Frames returns the number of valid frames emitted so far.
func (r *Reassembler) Frames() uint64 { return r.frames.Load() }

// CRCErrors returns the number of candidate frames dropped for CRC or
// envelope mismatch.
func (r *Reassembler) CRCErrors() uint64 { return r.crcErrors.Load() }

// DiscardedBytes returns the number of bytes skipped during resync.
func (r *Reassembler) DiscardedBytes() uint64 { return r.discarded.Load() }
