package fwupdate

import (
	"bytes"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/pion/transport/v3/test"
)

// collectSink gathers delivered blocks and the terminal status.
type collectSink struct {
	mu       sync.Mutex
	data     bytes.Buffer
	status   *DownloadStatus
	done     chan struct{}
	blockErr error
}

func newCollectSink() *collectSink {
	return &collectSink{done: make(chan struct{})}
}

func (s *collectSink) OnNextBlock(data []byte, etag []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.blockErr != nil {
		return s.blockErr
	}
	s.data.Write(data)
	return nil
}

func (s *collectSink) OnFinished(status DownloadStatus) {
	s.mu.Lock()
	s.status = &status
	s.mu.Unlock()
	close(s.done)
}

func (s *collectSink) wait(t *testing.T) DownloadStatus {
	t.Helper()
	select {
	case <-s.done:
	case <-time.After(10 * time.Second):
		t.Fatal("download did not finish")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.status
}

func TestHTTPDownloaderTransfersPayload(t *testing.T) {
	report := test.CheckRoutines(t)
	defer report()

	payload := bytes.Repeat([]byte{0xA5}, 10000)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("ETag", `"v1"`)
		w.Write(payload)
	}))
	defer server.Close()

	d := NewHTTPDownloader(HTTPDownloaderConfig{BlockSize: 1024})
	defer d.Close()

	sink := newCollectSink()
	if _, err := d.Start(DownloadConfig{URI: server.URL + "/fw.bin"}, sink); err != nil {
		t.Fatal(err)
	}
	status := sink.wait(t)
	if status.Result != DownloadFinished {
		t.Fatalf("status = %+v, want DownloadFinished", status)
	}
	if !bytes.Equal(sink.data.Bytes(), payload) {
		t.Errorf("received %d bytes, want %d", sink.data.Len(), len(payload))
	}
}

func TestHTTPDownloaderNotFound(t *testing.T) {
	report := test.CheckRoutines(t)
	defer report()

	server := httptest.NewServer(http.NotFoundHandler())
	defer server.Close()

	d := NewHTTPDownloader(HTTPDownloaderConfig{})
	defer d.Close()

	sink := newCollectSink()
	if _, err := d.Start(DownloadConfig{URI: server.URL + "/missing.bin"}, sink); err != nil {
		t.Fatal(err)
	}
	status := sink.wait(t)
	if status.Result != DownloadInvalidResponse || status.StatusCode != 404 {
		t.Fatalf("status = %+v, want InvalidResponse 404", status)
	}
}

func TestHTTPDownloaderSinkErrorStopsTransfer(t *testing.T) {
	report := test.CheckRoutines(t)
	defer report()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(bytes.Repeat([]byte{1}, 4096))
	}))
	defer server.Close()

	d := NewHTTPDownloader(HTTPDownloaderConfig{BlockSize: 512})
	defer d.Close()

	sink := newCollectSink()
	sink.blockErr = errors.New("no space")
	if _, err := d.Start(DownloadConfig{URI: server.URL}, sink); err != nil {
		t.Fatal(err)
	}
	status := sink.wait(t)
	if status.Result != DownloadFailed {
		t.Fatalf("status = %+v, want DownloadFailed", status)
	}
}

func TestHTTPDownloaderRejectsBadURIs(t *testing.T) {
	d := NewHTTPDownloader(HTTPDownloaderConfig{})
	defer d.Close()

	if _, err := d.Start(DownloadConfig{URI: "coap://example.com/fw"}, newCollectSink()); !errors.Is(err, ErrDownloadUnsupportedProtocol) {
		t.Errorf("coap scheme: %v, want ErrDownloadUnsupportedProtocol", err)
	}
	if _, err := d.Start(DownloadConfig{URI: "http://"}, newCollectSink()); !errors.Is(err, ErrDownloadInvalidURI) {
		t.Errorf("missing host: %v, want ErrDownloadInvalidURI", err)
	}
}

func TestHTTPDownloaderAbort(t *testing.T) {
	report := test.CheckRoutines(t)
	defer report()

	blockForever := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(200)
		w.(http.Flusher).Flush()
		select {
		case <-blockForever:
		case <-r.Context().Done():
		}
	}))
	defer server.Close()
	defer close(blockForever)

	d := NewHTTPDownloader(HTTPDownloaderConfig{})

	sink := newCollectSink()
	handle, err := d.Start(DownloadConfig{URI: server.URL}, sink)
	if err != nil {
		t.Fatal(err)
	}
	handle.Abort()
	d.Close()

	select {
	case <-sink.done:
		t.Fatal("aborted transfer delivered a terminal status")
	default:
	}
}
