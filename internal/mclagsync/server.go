package mclagsync

import (
	"context"
	"fmt"
	"log"
	"net"
	"syscall"
	"time"
)

// listenBacklog records the reference's listen(fd, 2). Listen does not pass
// it on: net.ListenConfig uses the system default backlog.
const listenBacklog = 2

// Server accepts a single MCLAG peer (iccpd) connection at a time and
// drives its read loop against an Engine.
type Server struct {
	ln  net.Listener
	eng *Engine
}

// Listen binds addr (normally "127.0.0.6:2626") with SO_REUSEADDR set,
// mirroring the reference constructor's setsockopt call.
func Listen(addr string, eng *Engine) (*Server, error) {
	lc := net.ListenConfig{
		Control: func(_, _ string, c syscall.RawConn) error {
			var sockErr error
			if err := c.Control(func(fd uintptr) {
				sockErr = syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, syscall.SO_REUSEADDR, 1)
			}); err != nil {
				return err
			}
			return sockErr
		},
	}
	ln, err := lc.Listen(context.Background(), "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("mclagsync: listen %s: %w", addr, err)
	}
	return &Server{ln: ln, eng: eng}, nil
}

// Close releases the listening socket.
func (s *Server) Close() error { return s.ln.Close() }

// Serve accepts connections one at a time (the reference's single
// m_connection_socket model), running each to completion before accepting
// the next; a second peer waits in the accept queue until the first ends.
func (s *Server) Serve() error {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return fmt.Errorf("mclagsync: accept: %w", err)
		}
		if tc, ok := conn.(*net.TCPConn); ok {
			tc.SetKeepAlive(true)
		}
		log.Printf("[mclagsync] peer connected: %s", conn.RemoteAddr())
		s.eng.setConn(conn)
		if err := s.eng.Resync(); err != nil {
			log.Printf("[mclagsync] resync to new peer: %v", err)
		}
		if err := s.readLoop(conn); err != nil {
			log.Printf("[mclagsync] peer connection ended: %v", err)
		}
		s.eng.setConn(nil)
		conn.Close()
	}
}

// readLoop implements readData: accumulate into a reassembly buffer, peel
// off complete length-framed messages, dispatch each, and keep whatever
// partial message remains at the front for the next read.
func (s *Server) readLoop(conn net.Conn) error {
	buf := make([]byte, 0, maxMsgLen*256)
	chunk := make([]byte, maxMsgLen)

	for {
		conn.SetReadDeadline(time.Time{})
		n, err := conn.Read(chunk)
		if err != nil {
			return err
		}
		buf = append(buf, chunk[:n]...)

		consumed := 0
		for {
			remaining := buf[consumed:]
			if len(remaining) < msgHdrLen {
				break
			}
			hdr, err := decodeHeader(remaining)
			if err != nil {
				break
			}
			// Reject an out-of-bounds declared length immediately, rather
			// than buffering toward it forever: a peer can otherwise pin
			// an unbounded read loop by declaring more than maxMsgLen and
			// trickling bytes in.
			if hdr.msgType == MsgTypeNone || int(hdr.msgLen) < msgHdrLen || int(hdr.msgLen) > maxMsgLen {
				return fmt.Errorf("malformed mclag message: type=%d len=%d", hdr.msgType, hdr.msgLen)
			}
			if len(remaining) < int(hdr.msgLen) {
				break
			}
			if !hdr.valid(len(remaining)) {
				return fmt.Errorf("malformed mclag message: type=%d len=%d", hdr.msgType, hdr.msgLen)
			}
			payload := remaining[msgHdrLen:hdr.msgLen]
			s.eng.dispatch(hdr.msgType, payload)
			consumed += int(hdr.msgLen)
		}
		buf = append(buf[:0], buf[consumed:]...)
	}
}
