package flash

import (
	"bytes"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"golang.org/x/sys/unix"
)

func serveImage(t *testing.T, img []byte) *httptest.Server {
	t.Helper()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.ServeContent(w, r, "part.img", time.Time{}, bytes.NewReader(img))
	}))

	t.Cleanup(srv.Close)
	return srv
}

func TestHTTPDevice(t *testing.T) {
	img := make([]byte, 4*BlockSize)
	for i := range img {
		img[i] = byte(i / BlockSize)
	}

	srv := serveImage(t, img)
	hd := &HTTPDevice{URL: srv.URL}

	sectors, err := hd.Sectors()
	if err != nil {
		t.Fatal(err)
	}

	if sectors != 4 {
		t.Errorf("sectors %d != 4", sectors)
	}

	got := make([]byte, 2*BlockSize)
	if err := hd.ReadData(1, 2, got); err != nil {
		t.Fatal(err)
	}

	if !bytes.Equal(got, img[BlockSize:3*BlockSize]) {
		t.Error("read back different data")
	}

	if err := hd.WriteData(0, 1, got); !errors.Is(err, unix.EROFS) {
		t.Errorf("error isn't EROFS: %v", err)
	}

	if err := hd.FlushWriteCache(FlushAll); err != nil {
		t.Errorf("flush: %v", err)
	}
}

func TestHTTPDeviceUnalignedSize(t *testing.T) {
	srv := serveImage(t, make([]byte, BlockSize+1))

	if _, err := (&HTTPDevice{URL: srv.URL}).Sectors(); err == nil {
		t.Error("unaligned size accepted")
	}
}

func TestHTTPDeviceNotFound(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	t.Cleanup(srv.Close)

	hd := &HTTPDevice{URL: srv.URL, Client: srv.Client()}

	if _, err := hd.Sectors(); err == nil {
		t.Error("HEAD on a missing image succeeded")
	}

	if err := hd.ReadData(0, 1, make([]byte, BlockSize)); err == nil {
		t.Error("GET on a missing image succeeded")
	}
}
