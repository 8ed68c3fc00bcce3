package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"sync"
	"syscall"
	"time"

	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"
	"golang.org/x/sys/unix"

	"github.com/netgrove/authdnsd/internal/dns"
	"github.com/netgrove/authdnsd/internal/dnsproc"
	"github.com/netgrove/authdnsd/internal/pool"
	"github.com/netgrove/authdnsd/internal/qsr"
)

// minSocketBufferSize is the floor of the negotiate-and-halve algorithm: the
// greater of 16KiB or the packet size, below which buffer negotiation gives
// up rather than continuing to shrink.
const minSocketBufferSize = 16 * 1024

// DefaultWorkersPerSocket is the default number of UDP worker goroutines,
// one SO_REUSEPORT socket per worker.
const DefaultWorkersPerSocket = 1024

// udpBatchSize is the number of datagrams read or written per ReadBatch /
// WriteBatch syscall, the Go analogue of gdnsd's recvmmsg/sendmmsg batching,
// and also the "recv width" fed into the buffer-size negotiation below.
const udpBatchSize = 32

// pollInterval bounds how long a worker blocks in ReadBatch before
// re-checking ctx, since there is no way to interrupt a blocking read
// except by closing the socket.
const pollInterval = 250 * time.Millisecond

// bufferPool reduces allocations for incoming UDP packets.
// Each buffer is sized for the maximum expected DNS message.
var bufferPool = pool.New(func() *[]byte {
	buf := make([]byte, dns.MaxIncomingDNSMessageSize)
	return &buf
})

// batchConn is the subset of *ipv4.PacketConn / *ipv6.PacketConn the UDP
// worker needs. golang.org/x/net/ipv4.Message and ipv6.Message are the
// same aliased socket.Message type, so both packet conns satisfy this
// interface identically and a worker's loop doesn't care which family it
// was handed.
type batchConn interface {
	ReadBatch(ms []ipv4.Message, flags int) (int, error)
	WriteBatch(ms []ipv4.Message, flags int) (int, error)
	SetReadDeadline(t time.Time) error
}

// UDPServer handles DNS queries over UDP.
//
// Features:
//   - One SO_REUSEPORT socket per worker for kernel-level load balancing
//   - Each worker runs its own single-threaded read/process/write loop
//   - Batched reads and writes (golang.org/x/net/ipv4 or ipv6 PacketConn)
//     to amortize syscall overhead under high query rates
//   - Path MTU discovery disabled and destination-address ancillary data
//     captured/echoed so wildcard-bound replies leave from the address the
//     query arrived on
//   - Negotiate-and-halve socket buffer sizing
//   - Buffer pooling to reduce GC pressure under load
//   - Rate limiting per source IP (using netip.Addr to avoid allocations)
//   - EDNS-aware response truncation
//   - QSR online/offline bracketing around every registry dereference
//   - Graceful shutdown with timeout
//
// Goroutine Lifecycle:
//
// Run() spawns one worker goroutine per configured worker, each owning its
// own socket. All workers share the same context and exit when it is
// cancelled or the socket is closed.
type UDPServer struct {
	Logger           *slog.Logger       // Optional logger
	Processor        *dnsproc.Processor // Query processor
	Domain           *qsr.Domain        // QSR domain the processor's registry belongs to
	Stats            *DNSStats          // Optional statistics sink
	Limiter          *RateLimiter       // Optional per-IP rate limiter
	WorkersPerSocket int                // Number of worker goroutines/sockets (default 1024)

	conns []*net.UDPConn // UDP sockets (one per worker)
	wg    sync.WaitGroup // Tracks worker goroutines
}

// Run starts the UDP server with one SO_REUSEPORT socket per worker.
//
// Returns error only if socket creation or option negotiation fails.
// Otherwise blocks until shutdown.
func (s *UDPServer) Run(ctx context.Context, addr string) error {
	workers := s.WorkersPerSocket
	if workers <= 0 {
		workers = DefaultWorkersPerSocket
	}

	s.conns = make([]*net.UDPConn, 0, workers)
	for range workers {
		conn, err := listenReusePort(addr)
		if err != nil {
			for _, c := range s.conns {
				_ = c.Close()
			}
			return err
		}
		s.conns = append(s.conns, conn)

		pc, isV6, err := configureUDPSocket(conn)
		if err != nil {
			for _, c := range s.conns {
				_ = c.Close()
			}
			return err
		}

		reader := s.registerReader()
		s.wg.Go(func() {
			s.workerLoop(ctx, pc, isV6, reader)
		})
	}

	<-ctx.Done()
	return s.Stop(5 * time.Second)
}

// registerReader registers a qsr.Reader on Domain, or returns nil if no
// Domain is configured (tests that don't exercise reload safety).
func (s *UDPServer) registerReader() *qsr.Reader {
	if s.Domain == nil {
		return nil
	}
	return s.Domain.Register()
}

// workerLoop owns one socket end to end: it blocks offline (from the QSR
// domain's point of view) while waiting for packets, then goes online only
// for the duration of processing and replying, following the teacher's
// non-blocking-receive discipline adapted to a one-socket-per-worker model.
func (s *UDPServer) workerLoop(ctx context.Context, pc batchConn, isV6 bool, reader *qsr.Reader) {
	if s.Domain != nil && reader != nil {
		defer s.Domain.Unregister(reader)
	}

	oobSize := len(ipv4.NewControlMessage(ipv4.FlagDst))
	if isV6 {
		oobSize = len(ipv6.NewControlMessage(ipv6.FlagDst))
	}

	msgs := make([]ipv4.Message, udpBatchSize)
	bufs := make([]*[]byte, udpBatchSize)
	for i := range msgs {
		bufPtr := bufferPool.Get()
		bufs[i] = bufPtr
		msgs[i].Buffers = [][]byte{(*bufPtr)[:cap(*bufPtr)]}
		msgs[i].OOB = make([]byte, oobSize)
	}
	defer func() {
		for _, b := range bufs {
			bufferPool.Put(b)
		}
	}()

	for {
		if ctx.Err() != nil {
			return
		}

		if reader != nil {
			reader.Offline()
		}
		_ = pc.SetReadDeadline(time.Now().Add(pollInterval))
		n, err := pc.ReadBatch(msgs, 0)
		if reader != nil {
			reader.Online()
		}

		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			if ctx.Err() != nil {
				return
			}
			if s.Stats != nil {
				s.Stats.RecordUDPRecvFail()
			}
			continue
		}

		s.handleBatch(ctx, pc, isV6, msgs[:n])
	}
}

// handleBatch processes and replies to every datagram read in one batch.
// Responses are accumulated and flushed with a single WriteBatch call. Each
// reply carries back the destination address the query arrived on via the
// ancillary control message, so a wildcard-bound socket answers from the
// same local address rather than whatever the kernel picks by default.
func (s *UDPServer) handleBatch(ctx context.Context, pc batchConn, isV6 bool, msgs []ipv4.Message) {
	if s.Processor == nil {
		return
	}

	out := make([]ipv4.Message, 0, len(msgs))
	for _, m := range msgs {
		peer, ok := m.Addr.(*net.UDPAddr)
		if !ok {
			continue
		}

		if s.Limiter != nil {
			ip, ok := netipAddrFromUDPAddr(peer)
			if !ok || !s.Limiter.AllowAddr(ip) {
				if s.Stats != nil {
					s.Stats.RecordDropped()
				}
				continue
			}
		}

		payload := m.Buffers[0][:m.N]
		if s.Stats != nil {
			s.Stats.RecordQuery("udp")
		}

		parsed, err := dns.ParseRequestBounded(payload)
		resp, _ := s.Processor.Process(ctx, peer.IP.String(), payload)
		if len(resp) == 0 {
			continue
		}
		if err == nil {
			maxSize := min(dns.ClientMaxUDPSize(parsed), dns.EDNSMaxUDPPayloadSize)
			resp = truncateUDPResponse(resp, maxSize)
		}

		reply := ipv4.Message{Buffers: [][]byte{resp}, Addr: peer}
		if replyOOB := replySourceOOB(m.OOB[:m.NN], isV6); replyOOB != nil {
			reply.OOB = replyOOB
		}
		out = append(out, reply)
	}

	if len(out) == 0 {
		return
	}
	if _, err := pc.WriteBatch(out, 0); err != nil && s.Stats != nil {
		s.Stats.RecordUDPSendFail()
	}
}

// replySourceOOB builds the ancillary control message for an outgoing reply
// that sets its source address to the destination address the matching
// query carried, read out of the query's own ancillary data. Returns nil if
// no destination address was captured (e.g. the socket is bound to a
// specific address rather than a wildcard, so no echo-back is needed).
func replySourceOOB(oob []byte, isV6 bool) []byte {
	if len(oob) == 0 {
		return nil
	}
	if isV6 {
		cm := new(ipv6.ControlMessage)
		if err := cm.Parse(oob); err != nil || cm.Dst == nil {
			return nil
		}
		return (&ipv6.ControlMessage{Src: cm.Dst}).Marshal()
	}
	cm := new(ipv4.ControlMessage)
	if err := cm.Parse(oob); err != nil || cm.Dst == nil {
		return nil
	}
	return (&ipv4.ControlMessage{Src: cm.Dst}).Marshal()
}

// Stop gracefully shuts down the UDP server.
// Closes all sockets and waits up to the specified timeout for goroutines to exit.
func (s *UDPServer) Stop(timeout time.Duration) error {
	for _, c := range s.conns {
		_ = c.Close()
	}

	if timeout <= 0 {
		s.wg.Wait()
		return nil
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return errors.New("udp server: timeout waiting for goroutines to exit")
	}
}

// netipAddrFromUDPAddr extracts a netip.Addr from a net.UDPAddr without allocation.
func netipAddrFromUDPAddr(addr *net.UDPAddr) (netip.Addr, bool) {
	if addr == nil {
		return netip.Addr{}, false
	}
	ip, ok := netip.AddrFromSlice(addr.IP)
	if !ok {
		return netip.Addr{}, false
	}
	return ip.Unmap(), true
}

// listenReusePort creates a UDP socket with SO_REUSEPORT enabled.
//
// SO_REUSEPORT Scalability:
//
// SO_REUSEPORT is a Linux kernel feature that allows multiple sockets to bind
// to the same address and port. The kernel distributes incoming packets across
// all bound sockets, load-balancing without requiring userspace coordination.
//
// authdnsd opens one socket per worker; configureUDPSocket applies the
// remaining socket options (buffer sizing, MTU discovery, ancillary data)
// once the socket is bound.
func listenReusePort(addr string) (*net.UDPConn, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, err
	}

	lc := net.ListenConfig{
		Control: func(_, _ string, c syscall.RawConn) error {
			var ctrlErr error
			err := c.Control(func(fd uintptr) {
				ctrlErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEPORT, 1)
			})
			if ctrlErr != nil {
				return ctrlErr
			}
			return err
		},
	}

	pc, err := lc.ListenPacket(context.Background(), "udp", udpAddr.String())
	if err != nil {
		return nil, err
	}

	return pc.(*net.UDPConn), nil
}

// configureUDPSocket applies the mandatory socket options (buffer
// negotiation, path MTU discovery, destination-address capture, IPv6-only
// enforcement) to conn and wraps it in the matching golang.org/x/net batch
// packet connection. Returns the wrapped conn and whether it is IPv6.
func configureUDPSocket(conn *net.UDPConn) (batchConn, bool, error) {
	local, _ := conn.LocalAddr().(*net.UDPAddr)
	isV6 := local != nil && local.IP.To4() == nil
	wildcard := local == nil || local.IP.IsUnspecified()

	rawConn, err := conn.SyscallConn()
	if err != nil {
		return nil, false, err
	}

	var sockErr error
	if ctrlErr := rawConn.Control(func(fd uintptr) {
		sockErr = applyUDPSockOpts(int(fd), isV6, wildcard)
	}); ctrlErr != nil {
		return nil, false, ctrlErr
	}
	if sockErr != nil {
		return nil, false, sockErr
	}

	if isV6 {
		pc := ipv6.NewPacketConn(conn)
		if err := pc.SetControlMessage(ipv6.FlagDst, true); err != nil {
			return nil, false, err
		}
		return pc, true, nil
	}

	pc := ipv4.NewPacketConn(conn)
	if err := pc.SetControlMessage(ipv4.FlagDst, true); err != nil {
		return nil, false, err
	}
	return pc, false, nil
}

// applyUDPSockOpts sets the buffer sizes and family-specific options on a
// raw UDP socket fd, following the same option list and values as
// dnsio_udp.c's udp_sock_setup/udp_sock_opts_v4/udp_sock_opts_v6.
func applyUDPSockOpts(fd int, isV6, wildcard bool) error {
	if err := negotiateUDPBuffer(fd, unix.SO_RCVBUF, dns.MaxIncomingDNSMessageSize, udpBatchSize); err != nil {
		return err
	}
	if err := negotiateUDPBuffer(fd, unix.SO_SNDBUF, dns.EDNSMaxUDPPayloadSize, udpBatchSize); err != nil {
		return err
	}
	if isV6 {
		return applyUDPSockOptsV6(fd)
	}
	return applyUDPSockOptsV4(fd, wildcard)
}

// applyUDPSockOptsV4 disables Path MTU Discovery (so the kernel never sets
// the DF bit on outgoing UDP packets) and, for a wildcard bind, enables
// IP_PKTINFO so the destination address of each datagram can be captured
// and echoed back as the reply's source.
func applyUDPSockOptsV4(fd int, wildcard bool) error {
	if err := unix.SetsockoptInt(fd, unix.IPPROTO_IP, unix.IP_MTU_DISCOVER, unix.IP_PMTUDISC_DONT); err != nil {
		return fmt.Errorf("disable IPv4 PMTU discovery: %w", err)
	}
	if wildcard {
		if err := unix.SetsockoptInt(fd, unix.IPPROTO_IP, unix.IP_PKTINFO, 1); err != nil {
			return fmt.Errorf("set IP_PKTINFO: %w", err)
		}
	}
	return nil
}

// applyUDPSockOptsV6 forces IPV6_V6ONLY (an IPv6 listener never also
// answers the IPv4 address space via a v4-mapped wildcard), disables Path
// MTU Discovery, and enables IPV6_RECVPKTINFO for destination-address
// capture, mirroring udp_sock_opts_v6.
func applyUDPSockOptsV6(fd int) error {
	v6only, err := unix.GetsockoptInt(fd, unix.IPPROTO_IPV6, unix.IPV6_V6ONLY)
	if err != nil {
		return fmt.Errorf("get IPV6_V6ONLY: %w", err)
	}
	if v6only == 0 {
		if err := unix.SetsockoptInt(fd, unix.IPPROTO_IPV6, unix.IPV6_V6ONLY, 1); err != nil {
			return fmt.Errorf("set IPV6_V6ONLY: %w", err)
		}
	}
	if err := unix.SetsockoptInt(fd, unix.IPPROTO_IPV6, unix.IPV6_MTU_DISCOVER, unix.IPV6_PMTUDISC_DONT); err != nil {
		return fmt.Errorf("disable IPv6 PMTU discovery: %w", err)
	}
	if err := unix.SetsockoptInt(fd, unix.IPPROTO_IPV6, unix.IPV6_RECVPKTINFO, 1); err != nil {
		return fmt.Errorf("set IPV6_RECVPKTINFO: %w", err)
	}
	return nil
}

// negotiateUDPBuffer implements the same negotiate-and-halve algorithm as
// dnsio_udp.c's negotiate_udp_buffer: the desired buffer is pktSize * 8 *
// max(width, 4); if the kernel's current size is already at least that, it
// is left alone. Otherwise the desired size is attempted, halving on
// failure down to the floor of max(minSocketBufferSize, pktSize), below
// which the socket is considered unusable and an error is returned.
func negotiateUDPBuffer(fd int, which int, pktSize, width int) error {
	if width < 4 {
		width = 4
	}
	desired := pktSize * 8 * width

	minBuf := pktSize
	if minBuf < minSocketBufferSize {
		minBuf = minSocketBufferSize
	}

	current, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, which)
	if err != nil {
		return fmt.Errorf("get socket buffer size: %w", err)
	}
	if current >= desired {
		return nil
	}

	size := desired
	for {
		if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, which, size); err == nil {
			return nil
		}
		if size > minBuf*2 {
			size /= 2
			continue
		}
		if size > minBuf {
			size = minBuf
			continue
		}
		return fmt.Errorf("set socket buffer size to %d (floor %d): %w", size, minBuf, err)
	}
}
