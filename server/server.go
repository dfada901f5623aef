package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"

	"github.com/c35s/nandblk/ioctl"
	"github.com/c35s/nandblk/nand"
	"github.com/c35s/nandblk/queue"
	"golang.org/x/sys/unix"
)

// Server serves block requests and ioctls for the devices in a registry.
type Server struct {

	// Registry is the device registry. It is required.
	Registry *nand.Registry

	// Queue schedules block requests. It must be running. If Queue is
	// nil, requests are dispatched directly and fail with EBUSY when
	// their device is busy.
	Queue *queue.Queue
}

// Serve accepts connections on l until ctx is done or Accept fails. It
// closes l and every open connection before returning. Serve returns nil
// if ctx ended it.
func (s *Server) Serve(ctx context.Context, l net.Listener) error {
	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		conns = make(map[net.Conn]struct{})
	)

	defer wg.Wait()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		<-ctx.Done()
		l.Close()

		mu.Lock()
		for c := range conns {
			c.Close()
		}
		mu.Unlock()
	}()

	for {
		conn, err := l.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}

			return fmt.Errorf("server: accept: %w", err)
		}

		mu.Lock()
		if ctx.Err() != nil {
			mu.Unlock()
			conn.Close()
			return nil
		}

		conns[conn] = struct{}{}
		mu.Unlock()

		wg.Add(1)
		go func() {
			defer wg.Done()

			s.serveConn(ctx, conn)

			mu.Lock()
			delete(conns, conn)
			mu.Unlock()

			conn.Close()
		}()
	}
}

func (s *Server) serveConn(ctx context.Context, conn net.Conn) {
	slog.Debug("server: connection opened", "remote", conn.RemoteAddr())

	for {
		var hdr reqHeader
		if err := readHeader(conn, &hdr); err != nil {
			if !errors.Is(err, io.EOF) && ctx.Err() == nil {
				slog.Error("server: read request failed", "remote", conn.RemoteAddr(), "err", err)
			}

			return
		}

		var payload []byte
		if hdr.Type == TypeOut || hdr.Type == TypeIoctl {
			if hdr.Len > MaxLen {
				slog.Error("server: payload too large", "remote", conn.RemoteAddr(), "len", hdr.Len)
				return
			}

			payload = make([]byte, hdr.Len)
			if _, err := io.ReadFull(conn, payload); err != nil {
				slog.Error("server: read payload failed", "remote", conn.RemoteAddr(), "err", err)
				return
			}
		}

		status, data, err := s.handle(ctx, &hdr, payload)
		if len(data) > MaxLen {
			slog.Error("server: response too large", "remote", conn.RemoteAddr(), "type", hdr.Type, "len", len(data))
			status, data, err = StatusIOErr, nil, fmt.Errorf("%w: response of %d bytes", nand.ErrInvalid, len(data))
		}

		resp := respHeader{
			Status: status,
			Len:    uint32(len(data)),
		}

		if err != nil {
			resp.Errno = uint32(nand.Errno(err))
		}

		if err := writeMsg(conn, &resp, data); err != nil {
			slog.Error("server: write response failed", "remote", conn.RemoteAddr(), "err", err)
			return
		}
	}
}

func (s *Server) handle(ctx context.Context, hdr *reqHeader, payload []byte) (status uint8, data []byte, err error) {
	switch hdr.Type {
	case TypeIoctl:
		data, err = ioctl.Handle(s.Registry, int(hdr.Dev), ioctl.Cmd(hdr.Cmd), payload)
		if err != nil {
			return StatusIOErr, nil, err
		}

		return StatusOK, data, nil

	case TypeList:
		data, err = s.list()
		if err != nil {
			return StatusIOErr, nil, err
		}

		return StatusOK, data, nil

	case TypeIn, TypeOut, TypeFlush, TypeDiscard:
		return s.block(ctx, hdr, payload)

	default:
		return StatusUnsupp, nil, unix.EOPNOTSUPP
	}
}

func (s *Server) block(ctx context.Context, hdr *reqHeader, payload []byte) (uint8, []byte, error) {
	dev, err := s.Registry.Device(int(hdr.Dev))
	if err != nil {
		return StatusIOErr, nil, err
	}

	req := &nand.Request{Sector: hdr.Sector}

	switch hdr.Type {
	case TypeIn:
		if hdr.Len > MaxLen {
			return StatusIOErr, nil, fmt.Errorf("%w: read of %d bytes", nand.ErrInvalid, hdr.Len)
		}

		req.Op = nand.OpRead
		req.Segments = [][]byte{make([]byte, hdr.Len)}

	case TypeOut:
		req.Op = nand.OpWrite
		req.Segments = [][]byte{payload}

	case TypeFlush:
		req.Op = nand.OpFlush

	case TypeDiscard:
		req.Op = nand.OpDiscard
		req.Sectors = uint64(hdr.Len)
	}

	var res nand.Result
	if s.Queue != nil {
		res = s.Queue.Submit(ctx, dev, req)
	} else {
		res = dev.Dispatch(req)
	}

	switch res.Status {
	case nand.Completed:
		if req.Op == nand.OpRead {
			return StatusOK, req.Segments[0], nil
		}

		return StatusOK, nil, nil

	case nand.Busy:
		return StatusIOErr, nil, nand.ErrBusy

	default:
		return StatusIOErr, nil, res.Err
	}
}

func (s *Server) list() (buf []byte, err error) {
	for _, d := range s.Registry.Devices() {
		di := DevInfo{
			Num:     uint32(d.Num()),
			Minor:   uint32(d.Minor()),
			Sectors: d.Sectors(),
			Mode:    uint32(d.Mode()),
		}

		copy(di.Name[:], d.Name())

		if buf, err = appendStruct(buf, &di); err != nil {
			return nil, err
		}
	}

	return buf, nil
}
