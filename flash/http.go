package flash

import (
	"fmt"
	"io"
	"net/http"
	"strconv"

	"golang.org/x/sys/unix"
)

// HTTPDevice is a read-only device backed by an HTTP URL. The server must
// support HEAD requests and GET requests with a Range header.
type HTTPDevice struct {
	URL string

	// Client is used for requests. If nil, http.DefaultClient is used.
	Client *http.Client
}

// ReadData gets the backing URL with a Range header covering the blocks.
func (hd *HTTPDevice) ReadData(start, count uint32, p []byte) error {
	off := int64(start) * BlockSize
	n := int64(count) * BlockSize

	if int64(len(p)) < n {
		return ErrShortBuffer
	}

	if n == 0 {
		return nil
	}

	req, err := http.NewRequest(http.MethodGet, hd.URL, nil)
	if err != nil {
		return err
	}

	req.Header.Set("range", fmt.Sprintf("bytes=%d-%d", off, off+n-1))

	res, err := hd.client().Do(req)
	if err != nil {
		return err
	}

	defer res.Body.Close()

	if res.StatusCode != http.StatusPartialContent {
		return fmt.Errorf("flash: http device request failed: GET %s: status %d != %d",
			hd.URL, res.StatusCode, http.StatusPartialContent)
	}

	if _, err := io.ReadFull(res.Body, p[:n]); err != nil {
		return fmt.Errorf("flash: http device short read: %w", err)
	}

	return nil
}

// WriteData always fails: the device is read-only.
func (hd *HTTPDevice) WriteData(start, count uint32, p []byte) error {
	return unix.EROFS
}

// FlushWriteCache is a no-op.
func (hd *HTTPDevice) FlushWriteCache(uint16) error {
	return nil
}

// Sectors sends a HEAD request to the backing URL and converts the
// Content-Length response header to a sector count.
func (hd *HTTPDevice) Sectors() (uint64, error) {
	req, err := http.NewRequest(http.MethodHead, hd.URL, nil)
	if err != nil {
		return 0, err
	}

	res, err := hd.client().Do(req)
	if err != nil {
		return 0, err
	}

	res.Body.Close()

	if res.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("flash: http device request failed: HEAD %s: status %d != %d",
			hd.URL, res.StatusCode, http.StatusOK)
	}

	sz, err := strconv.ParseInt(res.Header.Get("content-length"), 10, 64)
	if err != nil {
		return 0, err
	}

	if sz%BlockSize != 0 {
		return 0, fmt.Errorf("flash: http device size %d is not a multiple of %d", sz, BlockSize)
	}

	return uint64(sz / BlockSize), nil
}

func (hd *HTTPDevice) client() *http.Client {
	if hd.Client != nil {
		return hd.Client
	}

	return http.DefaultClient
}
