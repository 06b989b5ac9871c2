package nbd

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"

	"github.com/nace/ved/internal/driver"
	"github.com/nace/ved/internal/errs"
	bin "github.com/saylorsolutions/binmap"
)

// Transmission phase constants from the NBD protocol.
const (
	requestMagic uint32 = 0x25609513
	replyMagic   uint32 = 0x67446698

	requestSize = 28

	cmdRead  uint16 = 0
	cmdWrite uint16 = 1
	cmdDisc  uint16 = 2
	cmdFlush uint16 = 3
	cmdTrim  uint16 = 4

	flagHasFlags  uint16 = 1 << 0
	flagSendFlush uint16 = 1 << 2
	flagSendTrim  uint16 = 1 << 5
)

// Error values on the wire. The protocol fixes these regardless of host OS.
const (
	errnoPerm  uint32 = 1
	errnoIO    uint32 = 5
	errnoInval uint32 = 22
	errnoNoSpc uint32 = 28
)

// maxRequest bounds a single READ or WRITE.
const maxRequest = 32 << 20

var byteOrder = binary.BigEndian

type request struct {
	Magic  uint32
	Flags  uint16
	Type   uint16
	Handle uint64
	Offset uint64
	Length uint32
}

func (r *request) mapper() bin.Mapper {
	return bin.MapSequence(
		bin.Int(&r.Magic),
		bin.Int(&r.Flags),
		bin.Int(&r.Type),
		bin.Int(&r.Handle),
		bin.Int(&r.Offset),
		bin.Int(&r.Length),
	)
}

type reply struct {
	Magic  uint32
	Error  uint32
	Handle uint64
}

func (r *reply) mapper() bin.Mapper {
	return bin.MapSequence(
		bin.Int(&r.Magic),
		bin.Int(&r.Error),
		bin.Int(&r.Handle),
	)
}

// Server answers NBD transmission requests against a BlockIO. Requests are
// served concurrently; replies carry the request handle so the kernel can
// match them.
type Server struct {
	dev driver.BlockIO
	log *slog.Logger

	wmu sync.Mutex
	wg  sync.WaitGroup
}

func NewServer(dev driver.BlockIO, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{dev: dev, log: log}
}

// Serve handles requests from conn until the peer sends DISC or closes the
// connection. In-flight requests complete before Serve returns.
func (s *Server) Serve(conn io.ReadWriter) error {
	defer s.wg.Wait()

	hdr := make([]byte, requestSize)
	for {
		if _, err := io.ReadFull(conn, hdr); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("read request: %w", err)
		}

		var req request
		if err := req.mapper().Read(bytes.NewReader(hdr), byteOrder); err != nil {
			return fmt.Errorf("decode request: %w", err)
		}
		if req.Magic != requestMagic {
			return fmt.Errorf("bad request magic %#x", req.Magic)
		}

		switch req.Type {
		case cmdDisc:
			s.log.Debug("NBD disconnect requested")
			return nil
		case cmdWrite:
			if req.Length > maxRequest {
				return fmt.Errorf("write of %d bytes exceeds limit", req.Length)
			}
			data := make([]byte, req.Length)
			if _, err := io.ReadFull(conn, data); err != nil {
				return fmt.Errorf("read write payload: %w", err)
			}
			s.spawn(func() {
				_, err := s.dev.WriteAt(data, int64(req.Offset))
				s.reply(conn, req.Handle, err, nil)
			})
		case cmdRead:
			if req.Length > maxRequest {
				s.reply(conn, req.Handle, errs.New(errs.KindInput, errs.InvalidParams, "read too large"), nil)
				continue
			}
			s.spawn(func() {
				buf := make([]byte, req.Length)
				_, err := s.dev.ReadAt(buf, int64(req.Offset))
				s.reply(conn, req.Handle, err, buf)
			})
		case cmdFlush:
			s.spawn(func() {
				s.reply(conn, req.Handle, s.dev.Flush(), nil)
			})
		case cmdTrim:
			s.spawn(func() {
				s.reply(conn, req.Handle, s.dev.Trim(int64(req.Offset), int64(req.Length)), nil)
			})
		default:
			s.reply(conn, req.Handle, errs.New(errs.KindInput, errs.InvalidParams, "unknown command %d", req.Type), nil)
		}
	}
}

func (s *Server) spawn(fn func()) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		fn()
	}()
}

func (s *Server) reply(w io.Writer, handle uint64, ioErr error, data []byte) {
	rep := reply{Magic: replyMagic, Error: errno(ioErr), Handle: handle}
	if ioErr != nil {
		s.log.Warn("NBD request failed", "handle", handle, "err", ioErr)
		data = nil
	}

	var buf bytes.Buffer
	buf.Grow(16 + len(data))
	if err := rep.mapper().Write(&buf, byteOrder); err != nil {
		s.log.Error("Failed to encode NBD reply", "err", err)
		return
	}
	buf.Write(data)

	s.wmu.Lock()
	defer s.wmu.Unlock()
	if _, err := w.Write(buf.Bytes()); err != nil {
		s.log.Debug("Failed to send NBD reply", "handle", handle, "err", err)
	}
}

func errno(err error) uint32 {
	if err == nil {
		return 0
	}
	switch errs.KindOf(err) {
	case errs.KindCapacity:
		if errs.CodeOf(err) == errs.DiskFull {
			return errnoNoSpc
		}
		return errnoInval
	case errs.KindInput:
		return errnoInval
	case errs.KindPassword:
		return errnoPerm
	}
	return errnoIO
}
