package nand

import (
	"fmt"
	"log/slog"

	"github.com/c35s/nandblk/flash"
)

// Op is a block request type.
type Op uint8

const (
	OpRead Op = iota
	OpWrite
	OpFlush
	OpDiscard
)

// Request is a block I/O request.
type Request struct {
	Op Op

	// Sector is the first 512-byte sector addressed by the request.
	Sector uint64

	// Segments are the data buffers, serviced in order at consecutive
	// addresses. Each must be a multiple of the device's block size.
	Segments [][]byte

	// Sectors is the length of a discard request. Reads and writes are
	// sized by their segments.
	Sectors uint64
}

// Status is the outcome of a dispatch.
type Status uint8

const (
	// Completed means the request was fully serviced.
	Completed Status = iota

	// Busy means the device was handling another request. The request
	// had no effect and should be retried later.
	Busy

	// Failed means the request was abandoned. Result.Err says why.
	Failed
)

// Result reports a dispatched request's outcome and the number of bytes
// transferred.
type Result struct {
	Status Status
	N      int
	Err    error
}

// TimeoutAction tells a request scheduler what to do about a request that
// has exceeded its deadline.
type TimeoutAction uint8

const (
	ResetTimer TimeoutAction = iota
	FailRequest
)

// Dispatch services a request. It never blocks on the device lock: if the
// device is busy, Dispatch returns a Busy result without side effects.
func (d *Device) Dispatch(req *Request) Result {
	if !d.mu.TryLock() {
		return Result{Status: Busy}
	}

	defer d.mu.Unlock()

	n, err := d.dispatchLocked(req)
	if err != nil {
		return Result{Status: Failed, N: n, Err: err}
	}

	return Result{Status: Completed, N: n}
}

// Timeout is called when a request has been in flight for too long. The
// flash layer owns error detection, so the timer is always extended.
func (d *Device) Timeout(req *Request) TimeoutAction {
	slog.Debug("nand: request timed out, extending", "dev", d.num, "op", req.Op, "sector", req.Sector)
	return ResetTimer
}

// Flush waits for the device and flushes its write cache.
func (d *Device) Flush() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	_, err := d.dispatchLocked(&Request{Op: OpFlush})
	return err
}

func (d *Device) dispatchLocked(req *Request) (int, error) {
	if d.removed {
		return 0, fmt.Errorf("%w: %d was unregistered", ErrNoDevice, d.num)
	}

	switch req.Op {
	case OpFlush:
		if err := d.priv.FlushWriteCache(flash.FlushAll); err != nil {
			slog.Error("nand: flush failed", "dev", d.num, "err", err)
			return 0, fmt.Errorf("%w: flush: %w", ErrIO, err)
		}

		return 0, nil

	case OpDiscard:
		if err := d.checkRange(req.Sector, req.Sectors); err != nil {
			return 0, err
		}

		return 0, nil

	case OpRead, OpWrite:
		return d.transfer(req)

	default:
		return 0, fmt.Errorf("%w: op %v", ErrInvalid, req.Op)
	}
}

// transfer validates the whole request, then services it segment by
// segment until every byte is transferred or the backend fails.
func (d *Device) transfer(req *Request) (n int, err error) {
	mode := d.Mode()

	if req.Op == OpWrite && !mode.CanWrite() {
		return 0, fmt.Errorf("%w: %v", ErrReadOnly, d)
	}

	if req.Op == OpRead && !mode.CanRead() {
		return 0, fmt.Errorf("%w: %v", ErrWriteOnly, d)
	}

	var (
		shift = d.reg.cfg.BlockShift
		bmask = uint64(1)<<shift - 1
		total uint64
	)

	if (req.Sector<<flash.BlockShift)&bmask != 0 {
		return 0, fmt.Errorf("%w: sector %d is not block aligned", ErrInvalid, req.Sector)
	}

	for i, seg := range req.Segments {
		if uint64(len(seg))&bmask != 0 {
			return 0, fmt.Errorf("%w: segment %d length %d is not block aligned", ErrInvalid, i, len(seg))
		}

		total += uint64(len(seg))
	}

	if err := d.checkRange(req.Sector, total>>flash.BlockShift); err != nil {
		return 0, err
	}

	block := (req.Sector << flash.BlockShift) >> shift
	for _, seg := range req.Segments {
		count := uint64(len(seg)) >> shift
		if count == 0 {
			continue
		}

		switch req.Op {
		case OpRead:
			err = d.priv.ReadData(uint32(block), uint32(count), seg)

		case OpWrite:
			err = d.priv.WriteData(uint32(block), uint32(count), seg)
		}

		if err != nil {
			slog.Error("nand: block io error",
				"dev", d.num,
				"op", req.Op,
				"block", block,
				"count", count,
				"err", err)

			return n, fmt.Errorf("%w: %v block %d+%d: %w", ErrIO, req.Op, block, count, err)
		}

		n += len(seg)
		block += count
	}

	return n, nil
}

// checkRange fails unless sectors starting at sector fit the device.
func (d *Device) checkRange(sector, sectors uint64) error {
	if sector > d.sectors || sectors > d.sectors-sector {
		return fmt.Errorf("%w: %v: sectors [%d, %d) > %d",
			ErrRange, d, sector, sector+sectors, d.sectors)
	}

	return nil
}

func (op Op) String() string {
	switch op {
	case OpRead:
		return "read"

	case OpWrite:
		return "write"

	case OpFlush:
		return "flush"

	case OpDiscard:
		return "discard"

	default:
		return fmt.Sprintf("Op(%d)", uint8(op))
	}
}

func (s Status) String() string {
	switch s {
	case Completed:
		return "completed"

	case Busy:
		return "busy"

	case Failed:
		return "failed"

	default:
		return fmt.Sprintf("Status(%d)", uint8(s))
	}
}
