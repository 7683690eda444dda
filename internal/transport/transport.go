// Package transport adapts the OpenFlow wire layer to the engine. It
// accepts switch connections, performs the hello/features exchange,
// answers keepalive echos, and surfaces (datapath, session) pairs to
// its handler. Everything protocol-deep — framing, message codecs —
// lives in the openflow library, not here.
package transport

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"sync"

	of "github.com/netrack/openflow"
	"github.com/netrack/openflow/ofp"

	"github.com/enfalab/flowsync/internal/registry"
	"github.com/enfalab/flowsync/internal/rule"
)

// Handler receives switch life-cycle events. Implemented by the
// engine.
type Handler interface {
	HandleFeatures(ctx context.Context, dpid rule.DatapathID, sess registry.Session) error
	HandleDisconnect(dpid rule.DatapathID)
}

// Server accepts OpenFlow switch connections.
type Server struct {
	Addr    string
	Handler Handler
	Log     *slog.Logger
}

// ListenAndServe listens on s.Addr and serves each switch connection
// on its own goroutine until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := of.Listen("tcp", s.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.Addr, err)
	}
	go func() {
		<-ctx.Done()
		ln.Close()
	}()
	s.logger().Info("listening for switches", "addr", s.Addr)

	for {
		conn, err := ln.AcceptOFP()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}
		go s.serve(ctx, conn)
	}
}

func (s *Server) logger() *slog.Logger {
	if s.Log != nil {
		return s.Log
	}
	return slog.Default()
}

// serve owns one switch connection: handshake, then the receive loop.
func (s *Server) serve(ctx context.Context, conn *of.OFPConn) {
	log := s.logger().With("remote", conn.RemoteAddr())
	sess := &session{conn: conn}

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()
	defer conn.Close()

	// The controller opens with HELLO and immediately asks for the
	// switch's features; the features reply carries the datapath id
	// that keys everything else.
	if err := sess.sendType(of.TypeHello); err != nil {
		log.Warn("hello failed", "error", err)
		return
	}
	if err := sess.sendType(of.TypeFeaturesRequest); err != nil {
		log.Warn("features request failed", "error", err)
		return
	}

	var (
		dpid     rule.DatapathID
		haveDpid bool
	)
	defer func() {
		if haveDpid {
			s.Handler.HandleDisconnect(dpid)
		}
	}()

	for {
		req, err := conn.Receive()
		if err != nil {
			if ctx.Err() == nil {
				log.Info("switch connection closed", "error", err)
			}
			return
		}

		switch req.Header.Type {
		case of.TypeHello:
			// Already greeted on connect.

		case of.TypeEchoRequest:
			if err := sess.sendEchoReply(req); err != nil {
				log.Warn("echo reply failed", "error", err)
				return
			}

		case of.TypeFeaturesReply:
			var features ofp.SwitchFeatures
			if _, err := features.ReadFrom(req.Body); err != nil {
				log.Warn("malformed features reply", "error", err)
				return
			}
			dpid = rule.DatapathID(features.DatapathID)
			haveDpid = true
			if err := s.Handler.HandleFeatures(ctx, dpid, sess); err != nil {
				log.Error("bootstrap failed", "dpid", dpid, "error", err)
			}

		default:
			// Packet-ins, port status and the rest are not this
			// controller's business.
		}
	}
}

// session is the per-switch send handle stored in the registry. Writes
// serialize on a mutex because the engine and the receive loop both
// send.
type session struct {
	mu   sync.Mutex
	conn *of.OFPConn
}

// Send enqueues one message and flushes it to the switch.
func (s *session) Send(req *of.Request) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.conn.Send(req); err != nil {
		return err
	}
	return s.conn.Flush()
}

func (s *session) sendType(t of.Type) error {
	req, err := of.NewRequest(t, nil)
	if err != nil {
		return err
	}
	return s.Send(req)
}

func (s *session) sendEchoReply(req *of.Request) error {
	var echo ofp.EchoRequest
	if _, err := echo.ReadFrom(req.Body); err != nil {
		return err
	}
	var body bytes.Buffer
	reply := ofp.EchoReply{Data: echo.Data}
	if _, err := reply.WriteTo(&body); err != nil {
		return err
	}
	out, err := of.NewRequest(of.TypeEchoReply, &body)
	if err != nil {
		return err
	}
	return s.Send(out)
}
