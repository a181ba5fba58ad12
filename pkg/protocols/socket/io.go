package socket

import (
	"context"
	"fmt"
	"io"

	"github.com/elvis-sim/elvis/pkg/endpoint"
	"github.com/elvis-sim/elvis/pkg/message"
)

// Send writes p as a single unit: the full byte stream write for a
// connected stream socket, or one datagram for a connected datagram
// socket.
func (s *Socket) Send(p []byte) error {
	switch s.kind {
	case KindStream:
		if s.tcpSess == nil {
			return Error{Kind: ErrOther, Err: fmt.Errorf("socket: Send requires Connect or Accept first")}
		}
		if err := s.tcpSess.Send(message.New(p), s.machiner); err != nil {
			return Error{Kind: ErrOther, Err: err}
		}
		return nil
	case KindDatagram:
		if s.udpSess == nil {
			return Error{Kind: ErrOther, Err: fmt.Errorf("socket: Send requires Connect first")}
		}
		if err := s.udpSess.Send(message.New(p), s.machiner); err != nil {
			return Error{Kind: ErrOther, Err: err}
		}
		return nil
	default:
		return Error{Kind: ErrOther, Err: fmt.Errorf("socket: Send unsupported for kind %s", s.kind)}
	}
}

// Recv returns up to n bytes of the next inbound unit: the next chunk of a
// stream socket's buffer, or the (possibly truncated) next datagram of a
// datagram socket.
func (s *Socket) Recv(ctx context.Context, n int) ([]byte, error) {
	data, _, err := s.recvMsg(ctx)
	if err != nil {
		return nil, err
	}
	if len(data) > n {
		data = data[:n]
	}
	return data, nil
}

// RecvMsg returns the next inbound datagram along with its sender. Only
// valid on a datagram socket: a stream socket has no per-unit sender, since
// every byte on the connection comes from the same remote peer.
func (s *Socket) RecvMsg(ctx context.Context) ([]byte, endpoint.Endpoint, error) {
	if s.kind != KindDatagram {
		return nil, endpoint.Endpoint{}, Error{Kind: ErrOther, Err: fmt.Errorf("socket: RecvMsg requires a datagram socket")}
	}
	return s.recvMsg(ctx)
}

func (s *Socket) recvMsg(ctx context.Context) ([]byte, endpoint.Endpoint, error) {
	switch s.kind {
	case KindStream:
		buf := make([]byte, 65536)
		n, err := s.readStream(ctx, buf)
		if err != nil {
			return nil, endpoint.Endpoint{}, err
		}
		return buf[:n], s.remote, nil
	case KindDatagram:
		app := s.datagramApp
		if app == nil {
			return nil, endpoint.Endpoint{}, Error{Kind: ErrOther, Err: fmt.Errorf("socket: Recv requires Connect or Listen first")}
		}
		select {
		case entry, ok := <-app.entries:
			if !ok {
				return nil, endpoint.Endpoint{}, Error{Kind: ErrClosed}
			}
			return entry.data, entry.from, nil
		case <-app.closed:
			return nil, endpoint.Endpoint{}, Error{Kind: ErrClosed}
		case <-ctx.Done():
			return nil, endpoint.Endpoint{}, Error{Kind: ErrTimeout, Err: ctx.Err()}
		}
	default:
		return nil, endpoint.Endpoint{}, Error{Kind: ErrOther, Err: fmt.Errorf("socket: Recv unsupported for kind %s", s.kind)}
	}
}

// Read implements io.Reader over a stream socket's inbound byte buffer,
// blocking until at least one byte is available or the socket is closed
// (io.EOF). The peer's FIN is not reported to Read: once the peer closes,
// Read keeps blocking until this socket is closed.
func (s *Socket) Read(p []byte) (int, error) {
	return s.readStream(context.Background(), p)
}

func (s *Socket) readStream(ctx context.Context, p []byte) (int, error) {
	if s.kind != KindStream {
		return 0, Error{Kind: ErrOther, Err: fmt.Errorf("socket: Read requires a stream socket")}
	}
	if s.chunkApp == nil {
		return 0, Error{Kind: ErrOther, Err: fmt.Errorf("socket: Read requires Connect or Accept first")}
	}

	if len(s.residual) > 0 {
		n := copy(p, s.residual)
		s.residual = s.residual[n:]
		return n, nil
	}

	select {
	case chunk, ok := <-s.chunkApp.chunks:
		if !ok {
			return 0, io.EOF
		}
		n := copy(p, chunk)
		if n < len(chunk) {
			s.residual = append(s.residual, chunk[n:]...)
		}
		return n, nil
	case <-s.chunkApp.closed:
		return 0, io.EOF
	case <-ctx.Done():
		return 0, Error{Kind: ErrTimeout, Err: ctx.Err()}
	}
}

// ReadFull reads exactly len(p) bytes. If the socket closes first it
// returns io.EOF when no bytes were read and io.ErrUnexpectedEOF otherwise.
func (s *Socket) ReadFull(p []byte) (int, error) {
	return io.ReadFull(s, p)
}

// Write implements io.Writer over a stream socket.
func (s *Socket) Write(p []byte) (int, error) {
	if err := s.Send(p); err != nil {
		return 0, err
	}
	return len(p), nil
}
