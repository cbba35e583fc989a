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

package netdev

import (
	"bytes"
	"encoding/binary"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"gvisor.dev/softnet/pkg/pktbuf"
)

const (
	// groNBuckets is the number of GRO buckets.
	groNBuckets = 8

	groNBucketsMask = groNBuckets - 1

	// groBucketSize is the size of each GRO bucket.
	groBucketSize = 8

	// groMaxPacketSize is the maximum size of a GRO'd packet.
	groMaxPacketSize = 1 << 16
)

// TCP flags, from byte 13 of the header.
const (
	tcpFlagFin = 1 << 0
	tcpFlagSyn = 1 << 1
	tcpFlagRst = 1 << 2
	tcpFlagPsh = 1 << 3
	tcpFlagUrg = 1 << 5
	tcpFlagCwr = 1 << 7
)

const (
	ipv4HeaderSize = 20
	tcpHeaderSize  = 20
)

// groPacket is a packet being coalesced.
type groPacket struct {
	pkt *pktbuf.Buffer

	// ipHdr and tcpHdr alias the head fragment of pkt.
	ipHdr  []byte
	tcpHdr []byte

	// l4Off is the offset of the TCP header in the head fragment.
	l4Off int

	// initialLength is the frame length of the first packet of the flow,
	// used as a guess of the MSS.
	initialLength int

	// payload is the number of TCP payload bytes coalesced so far.
	payload int
}

func (gp *groPacket) nextSeq() uint32 {
	return binary.BigEndian.Uint32(gp.tcpHdr[4:8]) + uint32(gp.payload)
}

type groBucket struct {
	// packets is ordered oldest first.
	packets []*groPacket
}

func (gb *groBucket) full() bool {
	return len(gb.packets) == groBucketSize
}

func (gb *groBucket) remove(gp *groPacket) {
	for i, o := range gb.packets {
		if o == gp {
			gb.packets = append(gb.packets[:i], gb.packets[i+1:]...)
			return
		}
	}
}

// groSegment is the parsed form of an incoming TCP/IPv4 frame.
type groSegment struct {
	frame    []byte
	frameLen int
	ipHdr    []byte
	tcpHdr   []byte
	payload  []byte

	// l4 is the TCP header and payload, nil if the frame is truncated.
	l4 []byte
}

func (s *groSegment) flags() uint8 {
	return s.tcpHdr[13]
}

// groTable coalesces TCP/IPv4 segments received by one receive context. It
// is owned by the poll turn and flushed at its end.
type groTable struct {
	stats   *Stats
	buckets [groNBuckets]groBucket

	parser  *gopacket.DecodingLayerParser
	eth     layers.Ethernet
	ip4     layers.IPv4
	tcp     layers.TCP
	payload gopacket.Payload
	decoded []gopacket.LayerType
}

func newGROTable(stats *Stats) *groTable {
	g := &groTable{stats: stats}
	g.parser = gopacket.NewDecodingLayerParser(layers.LayerTypeEthernet, &g.eth, &g.ip4, &g.tcp, &g.payload)
	g.parser.IgnoreUnsupported = true
	g.decoded = make([]gopacket.LayerType, 0, 4)
	return g
}

// parse decodes frame. It returns false for anything but TCP over IPv4.
func (g *groTable) parse(frame []byte, seg *groSegment) bool {
	if err := g.parser.DecodeLayers(frame, &g.decoded); err != nil {
		return false
	}
	sawIP, sawTCP := false, false
	for _, lt := range g.decoded {
		switch lt {
		case layers.LayerTypeIPv4:
			sawIP = true
		case layers.LayerTypeTCP:
			sawTCP = true
		}
	}
	if !sawIP || !sawTCP {
		return false
	}
	ethLen := len(g.eth.Contents)
	ipLen := len(g.ip4.Contents)
	tcpLen := len(g.tcp.Contents)
	*seg = groSegment{
		frame:    frame,
		frameLen: ethLen + int(g.ip4.Length),
		ipHdr:    frame[ethLen : ethLen+ipLen],
		tcpHdr:   frame[ethLen+ipLen : ethLen+ipLen+tcpLen],
		payload:  g.tcp.Payload,
	}
	if l4Off := ethLen + ipLen; seg.frameLen <= len(frame) && seg.frameLen >= l4Off+tcpLen {
		seg.l4 = frame[l4Off:seg.frameLen]
	}
	return true
}

// coalescable reports whether a parsed segment may be merged at all.
func (g *groTable) coalescable(pkt *pktbuf.Buffer, seg *groSegment) bool {
	if pkt.NumFrags() != 1 {
		return false
	}
	// We don't handle fragments or IP options.
	if g.ip4.FragOffset != 0 || g.ip4.Flags&layers.IPv4MoreFragments != 0 {
		return false
	}
	if len(seg.ipHdr) != ipv4HeaderSize || len(seg.tcpHdr) < tcpHeaderSize {
		return false
	}
	if seg.l4 == nil {
		return false
	}
	if ipv4Checksum(seg.ipHdr) != 0 {
		return false
	}
	var c checksummer
	c.addPseudoHeader(seg.ipHdr, len(seg.l4))
	c.add(seg.l4)
	return c.sum16() == 0
}

func bucketFor(seg *groSegment) int {
	var sum int
	for _, b := range seg.ipHdr[12:20] {
		sum += int(b)
	}
	sum += int(binary.BigEndian.Uint16(seg.tcpHdr[0:2]))
	sum += int(binary.BigEndian.Uint16(seg.tcpHdr[2:4]))
	return sum & groNBucketsMask
}

// find returns the packet of the same flow, if any, and whether it must be
// flushed instead of merged with seg.
func (gb *groBucket) find(seg *groSegment) (*groPacket, bool) {
	for _, gp := range gb.packets {
		// Do the addresses and ports match?
		if !bytes.Equal(seg.ipHdr[12:20], gp.ipHdr[12:20]) || !bytes.Equal(seg.tcpHdr[0:4], gp.tcpHdr[0:4]) {
			continue
		}
		// TOS and TTL.
		if seg.ipHdr[1] != gp.ipHdr[1] || seg.ipHdr[8] != gp.ipHdr[8] {
			return gp, true
		}
		if shouldFlushTCP(gp, seg) {
			return gp, true
		}
		if gp.pkt.Len()+len(seg.payload) >= groMaxPacketSize {
			return gp, true
		}
		return gp, false
	}
	return nil, false
}

func shouldFlushTCP(gp *groPacket, seg *groSegment) bool {
	flags := seg.flags()
	gpFlags := gp.tcpHdr[13]
	const ignored = tcpFlagCwr | tcpFlagFin | tcpFlagPsh
	if flags&tcpFlagCwr != 0 || // Is congestion control occurring?
		(flags^gpFlags)&^ignored != 0 || // Do the flags differ besides CWR, FIN and PSH?
		!bytes.Equal(seg.tcpHdr[8:12], gp.tcpHdr[8:12]) || // Do the ACKs match?
		len(seg.tcpHdr) != len(gp.tcpHdr) || // Are the TCP headers the same length?
		binary.BigEndian.Uint32(seg.tcpHdr[4:8]) != gp.nextSeq() { // Is it the expected sequence number?
		return true
	}
	// The options, including timestamps, must be identical.
	return !bytes.Equal(seg.tcpHdr[tcpHeaderSize:], gp.tcpHdr[tcpHeaderSize:])
}

// receive hands pkt to the table. Packets that cannot be held are appended
// to out, in order with respect to their flow.
func (g *groTable) receive(pkt *pktbuf.Buffer, out *pktbuf.List) {
	var seg groSegment
	if !g.parse(pkt.Bytes(), &seg) {
		out.PushBack(pkt)
		return
	}
	gb := &g.buckets[bucketFor(&seg)]
	gp, flushGP := gb.find(&seg)
	if !g.coalescable(pkt, &seg) {
		// A bad checksum lands here too, so corrupt segments are never
		// merged and go upstream unmarked.
		if gp != nil {
			gb.remove(gp)
			gp.emit(out)
		}
		out.PushBack(pkt)
		return
	}
	pkt.Offload.CsumValidated = true

	flags := seg.flags()
	if flushGP {
		gb.remove(gp)
		gp.emit(out)
		gp = nil
	} else if gp != nil {
		g.merge(gp, &seg)
		pkt.Release()
	}

	// Flush if the packet isn't the same size as the previous packets or
	// if certain flags are set.
	flush := flags&(tcpFlagUrg|tcpFlagPsh|tcpFlagRst|tcpFlagSyn|tcpFlagFin) != 0
	flush = flush || len(seg.payload) == 0
	if gp != nil {
		flush = flush || seg.frameLen != gp.initialLength
	}

	switch {
	case flush && gp != nil:
		gb.remove(gp)
		gp.emit(out)
	case flush && gp == nil:
		out.PushBack(pkt)
	case !flush && gp == nil:
		if gb.full() {
			oldest := gb.packets[0]
			gb.remove(oldest)
			oldest.emit(out)
		}
		pkt.SetFrag(0, seg.frame[:seg.frameLen])
		gb.packets = append(gb.packets, &groPacket{
			pkt:           pkt,
			ipHdr:         seg.ipHdr,
			tcpHdr:        seg.tcpHdr,
			l4Off:         seg.frameLen - len(seg.l4),
			initialLength: seg.frameLen,
			payload:       len(seg.payload),
		})
	default:
		// A merge occurred and nothing needs flushing.
	}
}

// merge appends the payload of seg to gp. The payload is copied: the
// segment's buffer is released right after.
func (g *groTable) merge(gp *groPacket, seg *groSegment) {
	gp.pkt.AppendFrag(append([]byte(nil), seg.payload...))
	gp.payload += len(seg.payload)
	total := binary.BigEndian.Uint16(gp.ipHdr[2:4]) + uint16(len(seg.payload))
	binary.BigEndian.PutUint16(gp.ipHdr[2:4], total)
	binary.BigEndian.PutUint16(gp.ipHdr[10:12], 0)
	binary.BigEndian.PutUint16(gp.ipHdr[10:12], ipv4Checksum(gp.ipHdr))
	gp.tcpHdr[13] |= seg.flags() & (tcpFlagFin | tcpFlagPsh)

	off := &gp.pkt.Offload
	if off.Segments == 0 {
		off.Segments = 1
		off.GSOType = pktbuf.GSOTCPv4
		off.GSOSize = uint16(gp.payload - len(seg.payload))
	}
	off.Segments++
	g.stats.Rx.GROMerged.Increment()
}

// flush moves every held packet to out.
func (g *groTable) flush(out *pktbuf.List) {
	for i := range g.buckets {
		gb := &g.buckets[i]
		for _, gp := range gb.packets {
			gp.emit(out)
		}
		clear(gb.packets)
		gb.packets = gb.packets[:0]
	}
}

// held returns the number of packets being coalesced.
func (g *groTable) held() int {
	n := 0
	for i := range g.buckets {
		n += len(g.buckets[i].packets)
	}
	return n
}

// emit fixes up the TCP checksum of a merged packet and appends it to out.
func (gp *groPacket) emit(out *pktbuf.List) {
	if gp.pkt.Offload.Segments > 1 {
		gp.fixTCPChecksum()
	}
	out.PushBack(gp.pkt)
}

func (gp *groPacket) fixTCPChecksum() {
	binary.BigEndian.PutUint16(gp.tcpHdr[16:18], 0)
	frags := gp.pkt.Frags()
	l4Len := len(frags[0]) - gp.l4Off
	for _, f := range frags[1:] {
		l4Len += len(f)
	}
	var c checksummer
	c.addPseudoHeader(gp.ipHdr, l4Len)
	c.add(frags[0][gp.l4Off:])
	for _, f := range frags[1:] {
		c.add(f)
	}
	binary.BigEndian.PutUint16(gp.tcpHdr[16:18], c.sum16())
}

// checksummer accumulates the internet checksum over discontiguous data.
type checksummer struct {
	sum uint64
	odd bool
	hi  byte
}

func (c *checksummer) add(b []byte) {
	if c.odd && len(b) > 0 {
		c.sum += uint64(c.hi)<<8 | uint64(b[0])
		b = b[1:]
		c.odd = false
	}
	for ; len(b) >= 2; b = b[2:] {
		c.sum += uint64(binary.BigEndian.Uint16(b))
	}
	if len(b) == 1 {
		c.hi = b[0]
		c.odd = true
	}
}

// addPseudoHeader adds the TCP/IPv4 pseudo header for a segment of l4Len
// bytes.
func (c *checksummer) addPseudoHeader(ipHdr []byte, l4Len int) {
	c.sum += uint64(binary.BigEndian.Uint16(ipHdr[12:14]))
	c.sum += uint64(binary.BigEndian.Uint16(ipHdr[14:16]))
	c.sum += uint64(binary.BigEndian.Uint16(ipHdr[16:18]))
	c.sum += uint64(binary.BigEndian.Uint16(ipHdr[18:20]))
	c.sum += uint64(layers.IPProtocolTCP)
	c.sum += uint64(l4Len)
}

// sum16 returns the checksum. It is zero when the data included a valid
// checksum field.
func (c *checksummer) sum16() uint16 {
	s := c.sum
	if c.odd {
		s += uint64(c.hi) << 8
	}
	for s > 0xffff {
		s = s&0xffff + s>>16
	}
	return ^uint16(s)
}

// ipv4Checksum returns the one's complement checksum of hdr. It is zero
// for a header with a valid checksum field.
func ipv4Checksum(hdr []byte) uint16 {
	var sum uint32
	for i := 0; i+1 < len(hdr); i += 2 {
		sum += uint32(binary.BigEndian.Uint16(hdr[i:]))
	}
	for sum > 0xffff {
		sum = sum&0xffff + sum>>16
	}
	return ^uint16(sum)
}
