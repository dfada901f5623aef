package ioctl

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/c35s/nandblk/nand"
)

// BurnParam precedes the payload of the boot-area commands. For reads,
// Length is the number of bytes to return; for burns, the payload length.
type BurnParam struct {
	Length uint64
}

// SecBlkOp precedes the payload of the secure storage commands.
type SecBlkOp struct {
	Item int32
	Len  uint32
}

// HDGeometry is the HDIO_GETGEO result.
type HDGeometry struct {
	Heads     uint8
	Sectors   uint8
	Cylinders uint16
	_         uint32
	Start     uint64
}

// ReadBootArg returns the argument of a BLKREADBOOT command for n bytes.
func ReadBootArg(n uint64) []byte {
	return encode(&BurnParam{Length: n}, nil)
}

// BurnBootArg returns the argument of a BLKBURNBOOT command burning p.
func BurnBootArg(p []byte) []byte {
	return encode(&BurnParam{Length: uint64(len(p))}, p)
}

// SecBlkArg returns the argument of a secure storage command. The payload
// is only sent by SECBLK_WRITE.
func SecBlkArg(item int32, n uint32, payload []byte) []byte {
	return encode(&SecBlkOp{Item: item, Len: n}, payload)
}

// DecodeGeometry parses an HDIO_GETGEO result.
func DecodeGeometry(b []byte) (HDGeometry, error) {
	var geo HDGeometry
	if _, err := decode(b, &geo); err != nil {
		return HDGeometry{}, err
	}

	return geo, nil
}

// DecodeCount parses a SECBLK_IOCTL result.
func DecodeCount(b []byte) (int, error) {
	if len(b) != 4 {
		return 0, fmt.Errorf("%w: count is %d bytes", nand.ErrInvalid, len(b))
	}

	return int(binary.LittleEndian.Uint32(b)), nil
}

func encode(hdr any, payload []byte) []byte {
	var buf bytes.Buffer
	buf.Grow(binary.Size(hdr) + len(payload))

	// fixed-size structs can't fail to encode
	if err := binary.Write(&buf, binary.LittleEndian, hdr); err != nil {
		panic(err)
	}

	buf.Write(payload)
	return buf.Bytes()
}

// decode reads a fixed-size header from arg and returns the rest.
func decode(arg []byte, hdr any) ([]byte, error) {
	n := binary.Size(hdr)
	if len(arg) < n {
		return nil, fmt.Errorf("%w: argument is %d bytes, want at least %d", nand.ErrInvalid, len(arg), n)
	}

	if err := binary.Read(bytes.NewReader(arg[:n]), binary.LittleEndian, hdr); err != nil {
		return nil, fmt.Errorf("%w: %w", nand.ErrInvalid, err)
	}

	return arg[n:], nil
}
