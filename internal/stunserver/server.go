// Package stunserver answers STUN binding requests next to the signaling
// hub so participants can discover their public address without a third
// party STUN service.
package stunserver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync/atomic"

	"github.com/pion/stun/v3"
)

const software = "aivent-stun"

// Server is a UDP STUN binding responder.
type Server struct {
	conn   net.PacketConn
	logger *slog.Logger

	answered atomic.Int64
}

// Listen binds a UDP socket on addr, e.g. ":3478".
func Listen(addr string) (*Server, error) {
	conn, err := net.ListenPacket("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to create STUN listener: %w", err)
	}
	return &Server{
		conn:   conn,
		logger: slog.With("component", "stun"),
	}, nil
}

func (s *Server) Addr() net.Addr {
	return s.conn.LocalAddr()
}

// Answered is the number of binding requests answered so far.
func (s *Server) Answered() int64 {
	return s.answered.Load()
}

// Serve answers requests until ctx is cancelled or the socket is closed.
func (s *Server) Serve(ctx context.Context) error {
	s.logger.Info("STUN server listening", "addr", s.Addr().String())

	stop := context.AfterFunc(ctx, func() { s.conn.Close() })
	defer stop()

	buf := make([]byte, 1500)
	for {
		n, remote, err := s.conn.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			s.logger.Warn("read failed", "error", err)
			continue
		}

		if err := s.handle(buf[:n], remote); err != nil {
			s.logger.Debug("request dropped", "remote", remote.String(), "error", err)
		}
	}
}

func (s *Server) handle(data []byte, remote net.Addr) error {
	if !stun.IsMessage(data) {
		return errors.New("not a STUN message")
	}

	req := &stun.Message{Raw: append([]byte(nil), data...)}
	if err := req.Decode(); err != nil {
		return fmt.Errorf("decode: %w", err)
	}
	if req.Type != stun.BindingRequest {
		return fmt.Errorf("unsupported message type %s", req.Type)
	}

	udpAddr, ok := remote.(*net.UDPAddr)
	if !ok {
		return fmt.Errorf("unexpected address type %T", remote)
	}

	res, err := stun.Build(
		stun.NewTransactionIDSetter(req.TransactionID),
		stun.BindingSuccess,
		&stun.XORMappedAddress{IP: udpAddr.IP, Port: udpAddr.Port},
		stun.NewSoftware(software),
		stun.Fingerprint,
	)
	if err != nil {
		return fmt.Errorf("build response: %w", err)
	}

	if _, err := s.conn.WriteTo(res.Raw, remote); err != nil {
		return fmt.Errorf("write response: %w", err)
	}
	s.answered.Add(1)
	return nil
}

func (s *Server) Close() error {
	return s.conn.Close()
}
