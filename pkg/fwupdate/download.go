package fwupdate

import (
	"errors"
	"net/url"
	"strings"
)

// Downloader starts pull transfers. Implementations deliver data and the
// final status through the DownloadSink from their own goroutine; the
// sink implementation is responsible for synchronization.
type Downloader interface {
	// Start begins a transfer. The returned handle aborts it; after
	// Abort, no further sink callbacks are made for this transfer.
	Start(cfg DownloadConfig, sink DownloadSink) (DownloadHandle, error)
}

// DownloadHandle controls an in-flight transfer.
type DownloadHandle interface {
	// Abort stops the transfer without delivering a final status.
	Abort()
}

// DownloadConfig describes one pull download.
type DownloadConfig struct {
	URI      string
	Security *SecurityConfig

	// StartOffset resumes a partially completed transfer.
	StartOffset int64
}

// DownloadSink receives transfer progress.
type DownloadSink interface {
	// OnNextBlock delivers a chunk. A non-nil error aborts the transfer.
	OnNextBlock(data []byte, etag []byte) error

	// OnFinished delivers the terminal status of the transfer.
	OnFinished(status DownloadStatus)
}

// DownloadResult classifies how a transfer ended.
type DownloadResult int

const (
	// DownloadFinished means the whole payload was delivered.
	DownloadFinished DownloadResult = iota

	// DownloadFailed means a transport-level failure.
	DownloadFailed

	// DownloadInvalidResponse means the server answered with an error
	// status code.
	DownloadInvalidResponse

	// DownloadExpired means the resource changed mid-transfer and the
	// download cannot be resumed.
	DownloadExpired

	// DownloadAborted means the transfer was cancelled locally.
	DownloadAborted
)

// DownloadStatus is the terminal status of a transfer.
type DownloadStatus struct {
	Result DownloadResult

	// Err carries detail for DownloadFailed.
	Err error

	// StatusCode carries the protocol status for
	// DownloadInvalidResponse.
	StatusCode int
}

// Errors a Downloader.Start may return, classified into firmware
// results by the caller.
var (
	ErrDownloadInvalidURI          = errors.New("fwupdate: invalid download URI")
	ErrDownloadUnsupportedProtocol = errors.New("fwupdate: unsupported download protocol")
	ErrDownloadOutOfMemory         = errors.New("fwupdate: not enough memory for download")
)

// statusCodeNotFound reports a "URI valid but target missing" response
// for both HTTP (404) and CoAP (4.04 = 132).
func statusCodeNotFound(code int) bool {
	return code == 404 || code == 132
}

// transportSecurityFromURI classifies a Package URI scheme.
func transportSecurityFromURI(uri string) TransportSecurity {
	parsed, err := url.Parse(uri)
	if err != nil {
		return TransportSecurityUndefined
	}
	switch strings.ToLower(parsed.Scheme) {
	case "coap", "http":
		return TransportNoSec
	case "coaps", "https":
		return TransportEncrypted
	default:
		return TransportSecurityUndefined
	}
}
