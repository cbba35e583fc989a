// Copyright 2026 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package pktbuf provides the packet buffer handle and the intrusive packet
// list used by the device layer.
//
// A Buffer is owned by exactly one holder at a time. Whoever holds it last
// must call Release, either directly or through List.ReleaseAll.
package pktbuf

import (
	"fmt"
	"sync/atomic"
)

// GSOType is the segmentation offload requested for a buffer.
type GSOType uint8

// Segmentation offload types.
const (
	GSONone GSOType = iota
	GSOTCPv4
	GSOTCPv6
)

// Offload carries checksum and segmentation annotations.
type Offload struct {
	// NeedsCsum is set when the device must compute the L4 checksum
	// starting at CsumStart and store it at CsumStart+CsumOffset.
	NeedsCsum  bool
	CsumStart  uint16
	CsumOffset uint16

	GSOType GSOType
	GSOSize uint16

	// CsumValidated is set by receive aggregation when the L4 checksum of
	// every folded segment was verified. The L4 checksum of an aggregated
	// buffer is recomputed, so upstream may also verify it again.
	CsumValidated bool

	// Segments is the number of wire segments folded into this buffer by
	// receive aggregation. Zero and one both mean a plain packet.
	Segments uint16
}

// NoQueue is the queue mapping of a buffer that was not steered to a
// particular hardware queue.
const NoQueue = -1

// Buffer is a packet made of one or more fragments.
type Buffer struct {
	next *Buffer

	frags [][]byte

	// Hash is the flow hash, used for queue selection when Queue is NoQueue.
	Hash uint32

	// Queue is the hardware queue the buffer is mapped to, or NoQueue.
	Queue int

	Offload Offload

	completion any
	onRelease  func(*Buffer)
	released   atomic.Bool
}

// New returns a buffer with the given fragments. The slices are not copied.
func New(frags ...[]byte) *Buffer {
	b := &Buffer{Queue: NoQueue}
	for _, f := range frags {
		b.AppendFrag(f)
	}
	return b
}

// NumFrags returns the number of fragments.
func (b *Buffer) NumFrags() int {
	return len(b.frags)
}

// Frag returns fragment i.
func (b *Buffer) Frag(i int) []byte {
	return b.frags[i]
}

// Frags returns the fragment slice. The caller must not modify it.
func (b *Buffer) Frags() [][]byte {
	return b.frags
}

// AppendFrag appends a fragment. Empty fragments are ignored.
func (b *Buffer) AppendFrag(p []byte) {
	if len(p) == 0 {
		return
	}
	b.frags = append(b.frags, p)
}

// SetFrag replaces fragment i, e.g. to trim link padding.
func (b *Buffer) SetFrag(i int, p []byte) {
	b.frags[i] = p
}

// Len returns the total number of bytes.
func (b *Buffer) Len() int {
	n := 0
	for _, f := range b.frags {
		n += len(f)
	}
	return n
}

// Bytes returns the packet contents as a single slice. It copies only when
// the buffer has more than one fragment.
func (b *Buffer) Bytes() []byte {
	switch len(b.frags) {
	case 0:
		return nil
	case 1:
		return b.frags[0]
	}
	out := make([]byte, 0, b.Len())
	for _, f := range b.frags {
		out = append(out, f...)
	}
	return out
}

// SetCompletion attaches driver or stack completion data.
func (b *Buffer) SetCompletion(v any) {
	b.completion = v
}

// Completion returns the data attached with SetCompletion.
func (b *Buffer) Completion() any {
	return b.completion
}

// OnRelease registers fn to run when the buffer is released. Only the last
// registration is kept.
func (b *Buffer) OnRelease(fn func(*Buffer)) {
	b.onRelease = fn
}

// Released reports whether Release was called.
func (b *Buffer) Released() bool {
	return b.released.Load()
}

// Release returns the buffer to its owner. Releasing twice panics.
func (b *Buffer) Release() {
	if !b.released.CompareAndSwap(false, true) {
		panic(fmt.Sprintf("pktbuf: double release of %p", b))
	}
	if b.next != nil {
		panic(fmt.Sprintf("pktbuf: release of %p while on a list", b))
	}
	if fn := b.onRelease; fn != nil {
		fn(b)
	}
}
