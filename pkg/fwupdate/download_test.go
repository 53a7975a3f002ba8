package fwupdate

import (
	"context"
	"errors"
	"testing"

	"github.com/backkem/lwm2m/pkg/datamodel"
)

func writeURI(t *testing.T, f *fwFixture, iid datamodel.IID, uri string) error {
	t.Helper()
	return f.obj.WriteResource(context.Background(), iid, RIDPackageURI,
		datamodel.RIID(datamodel.IDInvalid), datamodel.NewInput(uri))
}

func TestPackageURIStartsDownload(t *testing.T) {
	f := newFWFixture(t, 0)

	if err := writeURI(t, f, 0, "http://example.com/fw.bin"); err != nil {
		t.Fatal(err)
	}
	f.expectState(t, 0, StateDownloading, ResultInitial)
	if len(f.downloader.started) != 1 {
		t.Fatalf("started %d downloads, want 1", len(f.downloader.started))
	}

	// Deliver the payload and finish.
	dl := f.downloader.last()
	if err := dl.sink.OnNextBlock([]byte{1, 2, 3}, nil); err != nil {
		t.Fatal(err)
	}
	dl.sink.OnFinished(DownloadStatus{Result: DownloadFinished})

	f.expectState(t, 0, StateDownloaded, ResultInitial)
	if got := f.handlers[0].written.Bytes(); len(got) != 3 {
		t.Errorf("host received %d bytes, want 3", len(got))
	}
}

func TestPackageURIRejectedOutsideIdle(t *testing.T) {
	f := newFWFixture(t, 0)
	f.forceState(t, 0, StateDownloaded)
	err := writeURI(t, f, 0, "http://example.com/fw.bin")
	if !errors.Is(err, datamodel.ErrBadRequest) {
		t.Fatalf("err = %v, want ErrBadRequest", err)
	}
}

func TestPackageURIUnsupportedScheme(t *testing.T) {
	f := newFWFixture(t, 0)
	err := writeURI(t, f, 0, "ftp://example.com/fw.bin")
	if !errors.Is(err, datamodel.ErrBadRequest) {
		t.Fatalf("err = %v, want ErrBadRequest", err)
	}
	if _, result, _ := f.obj.GetStateAndResult(0); result != ResultUnsupportedProtocol {
		t.Errorf("result = %v, want UnsupportedProtocol", result)
	}
}

func TestPackageURIEmptyResets(t *testing.T) {
	f := newFWFixture(t, 0)
	if err := writeURI(t, f, 0, "http://example.com/fw.bin"); err != nil {
		t.Fatal(err)
	}
	if err := writeURI(t, f, 0, ""); err != nil {
		t.Fatal(err)
	}
	f.expectState(t, 0, StateIdle, ResultInitial)
	if !f.downloader.started[0].aborted {
		t.Error("active download not aborted by the empty-URI write")
	}
}

// TestDownloadQueue covers the one-active-download rule: a second
// Package URI write queues, and finishing the first transfer starts the
// queued one automatically.
func TestDownloadQueue(t *testing.T) {
	f := newFWFixture(t, 0, 1)

	if err := writeURI(t, f, 0, "http://example.com/a.bin"); err != nil {
		t.Fatal(err)
	}
	if err := writeURI(t, f, 1, "http://example.com/b.bin"); err != nil {
		t.Fatal(err)
	}

	// Both instances report Downloading, but only one transfer runs.
	f.expectState(t, 0, StateDownloading, ResultInitial)
	f.expectState(t, 1, StateDownloading, ResultInitial)
	if len(f.downloader.started) != 1 {
		t.Fatalf("started %d transfers, want 1", len(f.downloader.started))
	}

	f.downloader.last().sink.OnFinished(DownloadStatus{Result: DownloadFinished})
	f.expectState(t, 0, StateDownloaded, ResultInitial)

	if len(f.downloader.started) != 2 {
		t.Fatalf("queued download did not start automatically")
	}
	if f.downloader.last().cfg.URI != "http://example.com/b.bin" {
		t.Errorf("second transfer URI = %q", f.downloader.last().cfg.URI)
	}

	f.downloader.last().sink.OnFinished(DownloadStatus{Result: DownloadFinished})
	f.expectState(t, 1, StateDownloaded, ResultInitial)
}

func TestDownloadFailureMapping(t *testing.T) {
	tests := []struct {
		name   string
		status DownloadStatus
		want   Result
	}{
		{"NotFoundHTTP", DownloadStatus{Result: DownloadInvalidResponse, StatusCode: 404}, ResultInvalidURI},
		{"NotFoundCoAP", DownloadStatus{Result: DownloadInvalidResponse, StatusCode: 132}, ResultInvalidURI},
		{"OtherStatus", DownloadStatus{Result: DownloadInvalidResponse, StatusCode: 500}, ResultConnectionLost},
		{"OutOfMemory", DownloadStatus{Result: DownloadFailed, Err: ErrDownloadOutOfMemory}, ResultOutOfMemory},
		{"GenericFailure", DownloadStatus{Result: DownloadFailed, Err: errors.New("conn reset")}, ResultConnectionLost},
		{"Expired", DownloadStatus{Result: DownloadExpired}, ResultConnectionLost},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFWFixture(t, 0)
			if err := writeURI(t, f, 0, "http://example.com/fw.bin"); err != nil {
				t.Fatal(err)
			}
			f.downloader.last().sink.OnFinished(tt.status)
			f.expectState(t, 0, StateIdle, tt.want)
		})
	}
}

func TestDownloadStartFailureMapping(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Result
	}{
		{"InvalidURI", ErrDownloadInvalidURI, ResultInvalidURI},
		{"OutOfMemory", ErrDownloadOutOfMemory, ResultOutOfMemory},
		{"UnsupportedProtocol", ErrDownloadUnsupportedProtocol, ResultUnsupportedProtocol},
		{"Other", errors.New("socket error"), ResultConnectionLost},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFWFixture(t, 0)
			f.downloader.startFail = tt.err
			if err := writeURI(t, f, 0, "http://example.com/fw.bin"); err != nil {
				t.Fatal(err)
			}
			// The write succeeds; the failure surfaces in the result.
			f.expectState(t, 0, StateIdle, tt.want)
		})
	}
}

func TestDownloadRetryOnExpired(t *testing.T) {
	f := newFWFixture(t, 0)
	if err := writeURI(t, f, 0, "http://example.com/fw.bin"); err != nil {
		t.Fatal(err)
	}
	f.obj.findInstance(0).retryDownloadOnExpired = true

	f.downloader.last().sink.OnFinished(DownloadStatus{Result: DownloadExpired})

	if len(f.downloader.started) != 2 {
		t.Fatalf("download was not restarted after expiry")
	}
	f.expectState(t, 0, StateDownloading, ResultInitial)
}

func TestDownloadBlockFailureAbortsToIdle(t *testing.T) {
	f := newFWFixture(t, 0)
	if err := writeURI(t, f, 0, "http://example.com/fw.bin"); err != nil {
		t.Fatal(err)
	}
	f.handlers[0].failWrite = ErrResult(ResultNotEnoughSpace)

	dl := f.downloader.last()
	if err := dl.sink.OnNextBlock([]byte{1, 2, 3}, nil); err == nil {
		t.Fatal("OnNextBlock succeeded despite the host failure")
	}
	f.expectState(t, 0, StateIdle, ResultNotEnoughSpace)

	// The downloader reports the aborted transfer; user state resets and
	// the queue moves on.
	dl.sink.OnFinished(DownloadStatus{Result: DownloadFailed, Err: errors.New("aborted by sink")})
	f.expectState(t, 0, StateIdle, ResultNotEnoughSpace)
}

func TestCancelDuringDownload(t *testing.T) {
	ctx := context.Background()
	f := newFWFixture(t, 0, 1)

	if err := writeURI(t, f, 0, "http://example.com/a.bin"); err != nil {
		t.Fatal(err)
	}
	if err := writeURI(t, f, 1, "http://example.com/b.bin"); err != nil {
		t.Fatal(err)
	}

	// Cancelling the active download starts the queued one.
	if err := f.obj.ExecuteResource(ctx, 0, RIDCancel, ""); err != nil {
		t.Fatal(err)
	}
	f.expectState(t, 0, StateIdle, ResultUpdateCancelled)
	if !f.downloader.started[0].aborted {
		t.Error("active transfer not aborted")
	}
	if len(f.downloader.started) != 2 {
		t.Fatal("queued download did not start after cancel")
	}

	// Cancelling a queued download just drops it from the queue.
	if err := writeURI(t, f, 0, "http://example.com/c.bin"); err != nil {
		t.Fatal(err)
	}
	if err := f.obj.ExecuteResource(ctx, 0, RIDCancel, ""); err != nil {
		t.Fatal(err)
	}
	f.downloader.last().sink.OnFinished(DownloadStatus{Result: DownloadFinished})
	if len(f.downloader.started) != 2 {
		t.Error("cancelled queued download was started anyway")
	}
}

func TestPullSuspendAndReconnect(t *testing.T) {
	f := newFWFixture(t, 0)
	if err := writeURI(t, f, 0, "http://example.com/fw.bin"); err != nil {
		t.Fatal(err)
	}

	f.obj.PullSuspend()
	if !f.downloader.started[0].aborted {
		t.Error("active transfer not aborted on suspend")
	}
	f.expectState(t, 0, StateDownloading, ResultInitial)

	if err := f.obj.PullReconnect(); err != nil {
		t.Fatal(err)
	}
	if len(f.downloader.started) != 2 {
		t.Fatal("suspended download not restarted on reconnect")
	}
}
