// Package server exposes NAND block devices and their ioctls over a stream
// connection, and provides a client for the protocol.
//
// Every request is a fixed 24-byte little-endian header, followed for
// writes and ioctls by Len bytes of payload. Every response is a 12-byte
// header followed by Len bytes of data.
package server

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

// op type

const (
	TypeIn      = 0
	TypeOut     = 1
	TypeFlush   = 4
	TypeDiscard = 11
	TypeIoctl   = 0x80
	TypeList    = 0x81
)

// op status

const (
	StatusOK     = 0
	StatusIOErr  = 1
	StatusUnsupp = 2
)

// MaxLen caps the payload and data length of a single request or
// response.
const MaxLen = 16 << 20

// reqHeader precedes every request.
type reqHeader struct {
	Type   uint32
	Dev    uint32
	Sector uint64 // 512-byte sectors; unused by flush, ioctl and list
	Len    uint32 // bytes for in, out and ioctl; sectors for discard
	Cmd    uint32 // ioctl request number
}

// respHeader precedes every response.
type respHeader struct {
	Status uint8
	_      [3]byte
	Errno  uint32
	Len    uint32
}

// DevInfo describes one device in a TypeList response.
type DevInfo struct {
	Num     uint32
	Minor   uint32
	Sectors uint64
	Mode    uint32
	_       uint32
	Name    [32]byte
}

// DevName returns the device's name.
func (di *DevInfo) DevName() string {
	n := 0
	for n < len(di.Name) && di.Name[n] != 0 {
		n++
	}

	return string(di.Name[:n])
}

var le = binary.LittleEndian

func readHeader(r io.Reader, hdr any) error {
	return binary.Read(r, le, hdr)
}

// appendStruct appends the encoding of a fixed-size struct to buf.
func appendStruct(buf []byte, v any) ([]byte, error) {
	b := bytes.NewBuffer(buf)
	if err := binary.Write(b, le, v); err != nil {
		return nil, fmt.Errorf("server: encode %T: %w", v, err)
	}

	return b.Bytes(), nil
}

// writeMsg writes hdr and data in one call.
func writeMsg(w io.Writer, hdr any, data []byte) error {
	var buf bytes.Buffer
	buf.Grow(binary.Size(hdr) + len(data))

	if err := binary.Write(&buf, le, hdr); err != nil {
		return fmt.Errorf("server: encode %T: %w", hdr, err)
	}

	buf.Write(data)

	_, err := w.Write(buf.Bytes())
	return err
}
