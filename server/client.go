package server

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"

	"github.com/c35s/nandblk/ioctl"
	"github.com/mdlayher/vsock"
	"golang.org/x/sys/unix"
)

// Client speaks the protocol over a single connection. It is safe for
// concurrent use; requests are serialized.
type Client struct {
	mu   sync.Mutex
	conn net.Conn
}

// NewClient returns a client using conn.
func NewClient(conn net.Conn) *Client {
	return &Client{conn: conn}
}

// Dial connects to a server. For the "vsock" network, address is
// "cid:port"; other networks are passed to net.Dial.
func Dial(network, address string) (*Client, error) {
	if network != "vsock" {
		conn, err := net.Dial(network, address)
		if err != nil {
			return nil, err
		}

		return NewClient(conn), nil
	}

	cid, port, err := parseVsockAddr(address)
	if err != nil {
		return nil, err
	}

	conn, err := vsock.Dial(cid, port, nil)
	if err != nil {
		return nil, err
	}

	return NewClient(conn), nil
}

func parseVsockAddr(address string) (cid, port uint32, err error) {
	c, p, ok := strings.Cut(address, ":")
	if !ok {
		return 0, 0, fmt.Errorf("server: vsock address %q isn't cid:port", address)
	}

	cid64, err := strconv.ParseUint(c, 10, 32)
	if err != nil {
		return 0, 0, fmt.Errorf("server: vsock cid: %w", err)
	}

	port64, err := strconv.ParseUint(p, 10, 32)
	if err != nil {
		return 0, 0, fmt.Errorf("server: vsock port: %w", err)
	}

	return uint32(cid64), uint32(port64), nil
}

// Close closes the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// Read reads n bytes starting at sector.
func (c *Client) Read(dev int, sector uint64, n int) ([]byte, error) {
	return c.do(&reqHeader{Type: TypeIn, Dev: uint32(dev), Sector: sector, Len: uint32(n)}, nil)
}

// Write writes p starting at sector.
func (c *Client) Write(dev int, sector uint64, p []byte) error {
	_, err := c.do(&reqHeader{Type: TypeOut, Dev: uint32(dev), Sector: sector}, p)
	return err
}

// Flush flushes the device's write cache.
func (c *Client) Flush(dev int) error {
	_, err := c.do(&reqHeader{Type: TypeFlush, Dev: uint32(dev)}, nil)
	return err
}

// Discard discards sectors starting at sector.
func (c *Client) Discard(dev int, sector uint64, sectors uint32) error {
	_, err := c.do(&reqHeader{Type: TypeDiscard, Dev: uint32(dev), Sector: sector, Len: sectors}, nil)
	return err
}

// Ioctl issues cmd on dev with the given argument and returns its result.
func (c *Client) Ioctl(dev int, cmd ioctl.Cmd, arg []byte) ([]byte, error) {
	return c.do(&reqHeader{Type: TypeIoctl, Dev: uint32(dev), Cmd: uint32(cmd)}, arg)
}

// List returns the registered devices.
func (c *Client) List() ([]DevInfo, error) {
	data, err := c.do(&reqHeader{Type: TypeList}, nil)
	if err != nil {
		return nil, err
	}

	sz := binary.Size(DevInfo{})
	if len(data)%sz != 0 {
		return nil, fmt.Errorf("server: device list is %d bytes", len(data))
	}

	devs := make([]DevInfo, len(data)/sz)
	if err := binary.Read(bytes.NewReader(data), le, devs); err != nil {
		return nil, err
	}

	return devs, nil
}

// Geometry returns the device's synthetic geometry.
func (c *Client) Geometry(dev int) (ioctl.HDGeometry, error) {
	res, err := c.Ioctl(dev, ioctl.HDIOGetGeo, nil)
	if err != nil {
		return ioctl.HDGeometry{}, err
	}

	return ioctl.DecodeGeometry(res)
}

// SetReadEnabled grants or revokes read access to a device.
func (c *Client) SetReadEnabled(dev int, on bool) error {
	cmd := ioctl.DisableRead
	if on {
		cmd = ioctl.EnableRead
	}

	_, err := c.Ioctl(dev, cmd, nil)
	return err
}

// SetWriteEnabled grants or revokes write access to a device.
func (c *Client) SetWriteEnabled(dev int, on bool) error {
	cmd := ioctl.DisableWrite
	if on {
		cmd = ioctl.EnableWrite
	}

	_, err := c.Ioctl(dev, cmd, nil)
	return err
}

// ReadBoot reads n bytes of the boot image in slot 0 or 1.
func (c *Client) ReadBoot(slot int, n uint64) ([]byte, error) {
	cmd := ioctl.BlkReadBoot0
	if slot == 1 {
		cmd = ioctl.BlkReadBoot1
	} else if slot != 0 {
		return nil, fmt.Errorf("server: boot slot %d: %w", slot, unix.EINVAL)
	}

	return c.Ioctl(0, cmd, ioctl.ReadBootArg(n))
}

// BurnBoot writes p as the boot image in slot 0 or 1.
func (c *Client) BurnBoot(slot int, p []byte) error {
	cmd := ioctl.BlkBurnBoot0
	if slot == 1 {
		cmd = ioctl.BlkBurnBoot1
	} else if slot != 0 {
		return fmt.Errorf("server: boot slot %d: %w", slot, unix.EINVAL)
	}

	_, err := c.Ioctl(0, cmd, ioctl.BurnBootArg(p))
	return err
}

// SecureRead reads n bytes of a secure storage item.
func (c *Client) SecureRead(item int, n int) ([]byte, error) {
	return c.Ioctl(0, ioctl.SecBlkRead, ioctl.SecBlkArg(int32(item), uint32(n), nil))
}

// SecureWrite stores p in a secure storage item.
func (c *Client) SecureWrite(item int, p []byte) error {
	_, err := c.Ioctl(0, ioctl.SecBlkWrite, ioctl.SecBlkArg(int32(item), uint32(len(p)), p))
	return err
}

// SecureItemCount returns the number of secure storage items.
func (c *Client) SecureItemCount() (int, error) {
	res, err := c.Ioctl(0, ioctl.SecBlkIoctl, nil)
	if err != nil {
		return 0, err
	}

	return ioctl.DecodeCount(res)
}

// SelfTest runs the chip's self test.
func (c *Client) SelfTest() error {
	_, err := c.Ioctl(0, ioctl.DragonBoardTest, nil)
	return err
}

func (c *Client) do(hdr *reqHeader, payload []byte) ([]byte, error) {
	if len(payload) > MaxLen || hdr.Len > MaxLen && hdr.Type != TypeDiscard {
		return nil, fmt.Errorf("server: request too large: %w", unix.EINVAL)
	}

	if payload != nil {
		hdr.Len = uint32(len(payload))
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := writeMsg(c.conn, hdr, payload); err != nil {
		return nil, err
	}

	var resp respHeader
	if err := readHeader(c.conn, &resp); err != nil {
		return nil, err
	}

	if resp.Len > MaxLen {
		// skip the data so the next response starts on a header
		if _, err := io.CopyN(io.Discard, c.conn, int64(resp.Len)); err != nil {
			c.conn.Close()
			return nil, fmt.Errorf("server: discard oversized response: %w", err)
		}

		return nil, fmt.Errorf("server: response of %d bytes: %w", resp.Len, unix.EMSGSIZE)
	}

	data := make([]byte, resp.Len)
	if _, err := io.ReadFull(c.conn, data); err != nil {
		return nil, err
	}

	switch resp.Status {
	case StatusOK:
		return data, nil

	case StatusUnsupp:
		return nil, fmt.Errorf("server: request type %d: %w", hdr.Type, unix.Errno(resp.Errno))

	default:
		return nil, fmt.Errorf("server: %w", unix.Errno(resp.Errno))
	}
}
