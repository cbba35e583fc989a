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

package pktbuf

// List is an intrusive singly linked list of buffers. A buffer can be on at
// most one list at a time.
//
// The zero value is an empty list. List is not safe for concurrent use.
type List struct {
	head *Buffer
	tail *Buffer
	n    int
}

// Init empties the list without releasing anything.
func (l *List) Init() {
	*l = List{}
}

// Empty returns true iff the list is empty.
func (l *List) Empty() bool {
	return l.head == nil
}

// Len returns the number of buffers in the list.
func (l *List) Len() int {
	return l.n
}

// Front returns the first buffer or nil.
func (l *List) Front() *Buffer {
	return l.head
}

// PushBack appends b.
func (l *List) PushBack(b *Buffer) {
	b.next = nil
	if l.tail == nil {
		l.head = b
	} else {
		l.tail.next = b
	}
	l.tail = b
	l.n++
}

// PushFront prepends b.
func (l *List) PushFront(b *Buffer) {
	b.next = l.head
	l.head = b
	if l.tail == nil {
		l.tail = b
	}
	l.n++
}

// PopFront removes and returns the first buffer, or nil if the list is empty.
func (l *List) PopFront() *Buffer {
	b := l.head
	if b == nil {
		return nil
	}
	l.head = b.next
	if l.head == nil {
		l.tail = nil
	}
	b.next = nil
	l.n--
	return b
}

// Join moves every buffer of o to the tail of l. o is left empty.
func (l *List) Join(o *List) {
	if o.head == nil {
		return
	}
	if l.tail == nil {
		l.head = o.head
	} else {
		l.tail.next = o.head
	}
	l.tail = o.tail
	l.n += o.n
	o.Init()
}

// AppendN moves at most limit buffers from the head of o to the tail of l and
// returns how many were moved.
func (l *List) AppendN(o *List, limit int) int {
	if limit >= o.n {
		moved := o.n
		l.Join(o)
		return moved
	}
	moved := 0
	for ; moved < limit; moved++ {
		l.PushBack(o.PopFront())
	}
	return moved
}

// ReleaseAll releases every buffer and empties the list. It returns the
// number of buffers released.
func (l *List) ReleaseAll() int {
	n := 0
	for b := l.PopFront(); b != nil; b = l.PopFront() {
		b.Release()
		n++
	}
	return n
}

// ForEach calls fn for each buffer in order. fn must not modify the list.
func (l *List) ForEach(fn func(*Buffer)) {
	for b := l.head; b != nil; b = b.next {
		fn(b)
	}
}

// AsSlice returns the buffers in order. It is meant for tests and
// diagnostics.
func (l *List) AsSlice() []*Buffer {
	out := make([]*Buffer, 0, l.n)
	l.ForEach(func(b *Buffer) {
		out = append(out, b)
	})
	return out
}
