package ioctl

import (
	"encoding/binary"
	"fmt"
	"log/slog"

	"github.com/c35s/nandblk/nand"
	"golang.org/x/sys/unix"
)

// MaxBootRead caps the length of a BLKREADBOOT request. It matches the
// largest response the server protocol carries.
const MaxBootRead = 16 << 20

// Handle executes cmd on device dev. The argument and result layouts are
// described by the command's wire struct; commands without a result return
// nil. Unknown commands fail with ENOTTY and malformed arguments with an
// error wrapping nand.ErrInvalid.
func Handle(reg *nand.Registry, dev int, cmd Cmd, arg []byte) ([]byte, error) {
	slog.Debug("ioctl", "dev", dev, "cmd", cmd, "len", len(arg))

	res, err := handle(reg, dev, cmd, arg)
	if err != nil {
		slog.Error("ioctl: failed", "dev", dev, "cmd", cmd, "err", err)
		return nil, fmt.Errorf("%v: %w", cmd, err)
	}

	return res, nil
}

func handle(reg *nand.Registry, dev int, cmd Cmd, arg []byte) ([]byte, error) {
	switch cmd {
	case BlkFlsBuf:
		return nil, reg.FlushDevice(dev)

	case HDIOGetGeo:
		geo, err := reg.Geometry(dev)
		if err != nil {
			return nil, err
		}

		return encode(&HDGeometry{
			Heads:     geo.Heads,
			Sectors:   geo.Sectors,
			Cylinders: geo.Cylinders,
		}, nil), nil

	case EnableWrite, DisableWrite:
		_, err := reg.SetWriteEnabled(dev, cmd == EnableWrite)
		return nil, err

	case EnableRead, DisableRead:
		_, err := reg.SetReadEnabled(dev, cmd == EnableRead)
		return nil, err

	case BlkReadBoot0, BlkReadBoot1:
		var bp BurnParam
		if _, err := decode(arg, &bp); err != nil {
			return nil, err
		}

		if bp.Length > MaxBootRead {
			return nil, fmt.Errorf("%w: boot read of %d bytes", nand.ErrInvalid, bp.Length)
		}

		p := make([]byte, bp.Length)
		if err := reg.ReadBoot(bootSlot(cmd), p); err != nil {
			return nil, err
		}

		return p, nil

	case BlkBurnBoot0, BlkBurnBoot1:
		var bp BurnParam
		payload, err := decode(arg, &bp)
		if err != nil {
			return nil, err
		}

		if bp.Length != uint64(len(payload)) {
			return nil, fmt.Errorf("%w: burn length %d != payload %d", nand.ErrInvalid, bp.Length, len(payload))
		}

		return nil, reg.BurnBoot(bootSlot(cmd), payload)

	case SecBlkRead:
		var op SecBlkOp
		if _, err := decode(arg, &op); err != nil {
			return nil, err
		}

		return reg.SecureRead(int(op.Item), int(op.Len))

	case SecBlkWrite:
		var op SecBlkOp
		payload, err := decode(arg, &op)
		if err != nil {
			return nil, err
		}

		if uint64(op.Len) != uint64(len(payload)) {
			return nil, fmt.Errorf("%w: secure write length %d != payload %d", nand.ErrInvalid, op.Len, len(payload))
		}

		return nil, reg.SecureWrite(int(op.Item), payload)

	case SecBlkIoctl:
		n, err := reg.SecureItemCount()
		if err != nil {
			return nil, err
		}

		return binary.LittleEndian.AppendUint32(nil, uint32(n)), nil

	case DragonBoardTest:
		return nil, reg.SelfTest()

	default:
		return nil, fmt.Errorf("unknown command: %w", unix.ENOTTY)
	}
}

func bootSlot(cmd Cmd) int {
	switch cmd {
	case BlkReadBoot1, BlkBurnBoot1:
		return 1
	default:
		return 0
	}
}
