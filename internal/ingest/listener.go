package ingest

import (
	"context"
	"log"
	"net"
	"sync/atomic"
	"time"
)

// Handler receives decoded messages from the listener's read loop.
type Handler interface {
	HandleHello(h Hello, addr *net.UDPAddr, now time.Time)
	HandleData(f DataFrame, addr *net.UDPAddr, now time.Time)
	HandleAck(a Ack, now time.Time)
}

// Stats counts the listener's packet traffic.
type Stats struct {
	Packets     atomic.Int64
	Bytes       atomic.Int64
	ParseErrors atomic.Int64
}

// UDPListenerConfig configures a listener.
type UDPListenerConfig struct {
	Address      string
	RcvBuf       int
	ScaleGPerLSB float64
	Handler      Handler
	Logger       *log.Logger
	LogInterval  time.Duration
}

// UDPListener receives sensor packets and dispatches them to a Handler.
// The read loop runs on its own goroutine via Listen; closing the context
// stops it.
type UDPListener struct {
	cfg   UDPListenerConfig
	conn  *net.UDPConn
	stats Stats
}

// NewUDPListener builds a listener; the socket is opened by Listen.
func NewUDPListener(cfg UDPListenerConfig) *UDPListener {
	if cfg.LogInterval <= 0 {
		cfg.LogInterval = time.Minute
	}
	return &UDPListener{cfg: cfg}
}

// Stats exposes the listener's traffic counters.
func (l *UDPListener) Stats() *Stats { return &l.stats }

// LocalAddr reports the bound address once Listen has opened the socket.
func (l *UDPListener) LocalAddr() net.Addr {
	if l.conn == nil {
		return nil
	}
	return l.conn.LocalAddr()
}

// Listen opens the socket and runs the read loop until ctx is cancelled.
func (l *UDPListener) Listen(ctx context.Context) error {
	addr, err := net.ResolveUDPAddr("udp", l.cfg.Address)
	if err != nil {
		return err
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return err
	}
	l.conn = conn
	defer conn.Close()
	if l.cfg.RcvBuf > 0 {
		if err := conn.SetReadBuffer(l.cfg.RcvBuf); err != nil && l.cfg.Logger != nil {
			l.cfg.Logger.Printf("ingest: SetReadBuffer(%d): %v", l.cfg.RcvBuf, err)
		}
	}

	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	buf := make([]byte, 65535)
	lastLog := time.Now()
	for {
		n, raddr, err := conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			return err
		}
		now := time.Now()
		l.stats.Packets.Add(1)
		l.stats.Bytes.Add(int64(n))
		l.dispatch(buf[:n], raddr, now)

		if l.cfg.Logger != nil && now.Sub(lastLog) >= l.cfg.LogInterval {
			lastLog = now
			l.cfg.Logger.Printf("ingest: %d packets, %d bytes, %d parse errors",
				l.stats.Packets.Load(), l.stats.Bytes.Load(), l.stats.ParseErrors.Load())
		}
	}
}

func (l *UDPListener) dispatch(pkt []byte, addr *net.UDPAddr, now time.Time) {
	if len(pkt) == 0 {
		l.stats.ParseErrors.Add(1)
		return
	}
	switch pkt[0] {
	case MsgHello:
		h, err := ParseHello(pkt)
		if err != nil {
			l.stats.ParseErrors.Add(1)
			return
		}
		l.cfg.Handler.HandleHello(h, addr, now)
	case MsgData:
		f, err := ParseData(pkt, l.cfg.ScaleGPerLSB)
		if err != nil {
			l.stats.ParseErrors.Add(1)
			return
		}
		l.cfg.Handler.HandleData(f, addr, now)
	case MsgAck:
		a, err := ParseAck(pkt)
		if err != nil {
			l.stats.ParseErrors.Add(1)
			return
		}
		l.cfg.Handler.HandleAck(a, now)
	default:
		l.stats.ParseErrors.Add(1)
	}
}

// SendIdentify transmits a CMD_IDENTIFY to a sensor's control address.
func (l *UDPListener) SendIdentify(sensorIDHex, controlAddr string, cmdSeq uint32, durationMs uint16) error {
	pkt, err := EncodeIdentify(sensorIDHex, cmdSeq, durationMs)
	if err != nil {
		return err
	}
	raddr, err := net.ResolveUDPAddr("udp", controlAddr)
	if err != nil {
		return err
	}
	if l.conn == nil {
		conn, err := net.DialUDP("udp", nil, raddr)
		if err != nil {
			return err
		}
		defer conn.Close()
		_, err = conn.Write(pkt)
		return err
	}
	_, err = l.conn.WriteToUDP(pkt, raddr)
	return err
}
