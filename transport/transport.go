// Package transport owns the single UDP socket a node listens and sends
// on, plus the pooled-buffer read loop and the per-source spam counter.
//
// Grounded on the teacher's remoteNode.Listen/ReadFromSocket/SendMsg and
// its use of the arena byte-pool package in dht.go's loop(): one
// goroutine pops a buffer from the pool, blocks on ReadFromUDP, and
// forwards a Packet over a channel to the single event-loop goroutine,
// per spec.md §5. Sending happens directly on the event-loop goroutine,
// matching the teacher (SendMsg is called synchronously from handlers,
// not from its own goroutine).
package transport

import (
	"fmt"
	"net"
	"net/netip"
	"time"

	"mdht/contact"
	"mdht/krpc"
	"mdht/logger"
)

// MaxUDPPacketSize bounds a single incoming datagram, matching the
// teacher's constant and BEP5's recommendation.
const MaxUDPPacketSize = 8192

// datagramPoolDepth is the number of MaxUDPPacketSize buffers kept ready
// for the read loop, matching the teacher's fixed arena depth of 3. The
// read loop takes one buffer per datagram and returns it once the
// datagram is decoded, so only one is in use at a time.
const datagramPoolDepth = 3

// SpamThreshold is how many datagrams a single source may send within
// SpamWindow before it is silently dropped.
const SpamThreshold = 10

// SpamWindow records the default housekeeping period. The transport does
// not read it: counters are cleared only when ResetSpamCounters is
// called, which the node does on every housekeeping tick.
const SpamWindow = 5 * time.Minute

// Packet is a received datagram paired with its source.
type Packet struct {
	Message krpc.Message
	From    netip.AddrPort
	Raw     []byte
}

// datagramPool is a fixed-depth free list of MaxUDPPacketSize buffers,
// sized at construction from datagramPoolDepth. It exists so the read
// loop in Run never allocates a fresh buffer per datagram.
type datagramPool chan []byte

// newDatagramPool preallocates depth buffers of the given size.
func newDatagramPool(size, depth int) datagramPool {
	p := make(datagramPool, depth)
	for i := 0; i < depth; i++ {
		p <- make([]byte, size)
	}
	return p
}

// get takes a buffer out of the pool, blocking until one is free.
func (p datagramPool) get() []byte {
	return <-p
}

// put returns a buffer to the pool at full capacity, undoing any
// reslicing the caller did to reflect the bytes actually read.
func (p datagramPool) put(b []byte) {
	p <- b[:cap(b)]
}

// UDPTransport owns the bound socket, the datagram pool, and the spam
// counters.
type UDPTransport struct {
	conn *net.UDPConn
	pool datagramPool
	log  logger.DebugLogger

	spamCounts   map[netip.AddrPort]int
	spamReported map[netip.AddrPort]bool
}

// Listen binds a UDP4 socket at addr:port (port 0 picks one at random).
func Listen(addr string, port int, log logger.DebugLogger) (*UDPTransport, error) {
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.ParseIP(addr), Port: port})
	if err != nil {
		return nil, fmt.Errorf("transport: listen: %w", err)
	}
	return &UDPTransport{
		conn:         conn,
		pool:         newDatagramPool(MaxUDPPacketSize, datagramPoolDepth),
		log:          log,
		spamCounts:   make(map[netip.AddrPort]int),
		spamReported: make(map[netip.AddrPort]bool),
	}, nil
}

// LocalPort returns the bound port, useful when the caller asked for
// port 0.
func (u *UDPTransport) LocalPort() int {
	return u.conn.LocalAddr().(*net.UDPAddr).Port
}

// Close shuts down the socket.
func (u *UDPTransport) Close() error {
	return u.conn.Close()
}

// Run reads datagrams until stop is closed, decoding each one and
// forwarding well-formed, non-spam, IPv4 packets to out. Malformed
// datagrams and rejected senders are dropped silently; onSpam is called
// once per source the moment it crosses SpamThreshold within the
// current window (reset by ResetSpamCounters).
func (u *UDPTransport) Run(out chan<- Packet, stop <-chan struct{}, onSpam func(netip.AddrPort)) {
	for {
		b := u.pool.get()
		n, addr, err := u.conn.ReadFromUDP(b)
		if err != nil {
			u.pool.put(b)
			select {
			case <-stop:
				return
			default:
			}
			continue
		}
		b = b[:n]
		if n == MaxUDPPacketSize {
			u.log.Debugf("transport: packet at max size %d, may be truncated", MaxUDPPacketSize)
		}

		ip4 := addr.IP.To4()
		if ip4 == nil {
			u.pool.put(b)
			continue // IPv4 only, per the purpose statement.
		}
		ap := netip.AddrPortFrom(netip.AddrFrom4([4]byte(ip4)), uint16(addr.Port))

		if u.overSpamThreshold(ap) {
			if u.crossedSpamThreshold(ap) && onSpam != nil {
				onSpam(ap)
			}
			u.pool.put(b)
			continue
		}

		msg, err := krpc.Decode(b)
		u.pool.put(b)
		if err != nil {
			u.log.Debugf("transport: malformed datagram from %s: %v", ap, err)
			continue
		}

		select {
		case out <- Packet{Message: msg, From: ap}:
		case <-stop:
			return
		}
	}
}

func (u *UDPTransport) overSpamThreshold(ap netip.AddrPort) bool {
	u.spamCounts[ap]++
	return u.spamCounts[ap] > SpamThreshold
}

// crossedSpamThreshold reports whether ap is crossing SpamThreshold for
// the first time in the current window, marking it reported so later
// datagrams in the same window are dropped silently without repeating
// the callback.
func (u *UDPTransport) crossedSpamThreshold(ap netip.AddrPort) bool {
	if u.spamReported[ap] {
		return false
	}
	u.spamReported[ap] = true
	return true
}

// ResetSpamCounters clears every source's datagram count and reported
// state, called by the node's 5-minute housekeeping tick.
func (u *UDPTransport) ResetSpamCounters() {
	u.spamCounts = make(map[netip.AddrPort]int)
	u.spamReported = make(map[netip.AddrPort]bool)
}

// Send encodes and writes msg to loc.
func (u *UDPTransport) Send(loc contact.Location, msg krpc.Message) error {
	b, err := krpc.Encode(msg)
	if err != nil {
		return fmt.Errorf("transport: encode: %w", err)
	}
	if _, err := u.conn.WriteToUDP(b, loc.UDPAddr()); err != nil {
		return fmt.Errorf("transport: write to %s: %w", loc.UDPAddr(), err)
	}
	return nil
}
