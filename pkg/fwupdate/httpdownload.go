package fwupdate

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"io"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-resty/resty/v2"
	"github.com/pion/logging"
)

// HTTPDownloaderConfig tunes the HTTP(S) pull downloader.
type HTTPDownloaderConfig struct {
	// RequestTimeout bounds each HTTP request attempt. Default 60s.
	RequestTimeout time.Duration

	// MaxElapsedTime bounds the whole retry schedule for one transfer.
	// Default 5 minutes.
	MaxElapsedTime time.Duration

	// BlockSize is the read chunk size handed to the sink. Default 4096.
	BlockSize int

	LoggerFactory logging.LoggerFactory
}

// HTTPDownloader implements Downloader for http:// and https:// Package
// URIs. Transfers run in their own goroutine; transient transport
// failures are retried with exponential backoff, resuming from the last
// delivered offset via Range requests. A changed ETag between attempts
// ends the transfer as DownloadExpired.
type HTTPDownloader struct {
	cfg HTTPDownloaderConfig
	log logging.LeveledLogger
	wg  sync.WaitGroup
}

// NewHTTPDownloader creates an HTTPDownloader.
func NewHTTPDownloader(cfg HTTPDownloaderConfig) *HTTPDownloader {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 60 * time.Second
	}
	if cfg.MaxElapsedTime <= 0 {
		cfg.MaxElapsedTime = 5 * time.Minute
	}
	if cfg.BlockSize <= 0 {
		cfg.BlockSize = 4096
	}
	if cfg.LoggerFactory == nil {
		cfg.LoggerFactory = logging.NewDefaultLoggerFactory()
	}
	return &HTTPDownloader{
		cfg: cfg,
		log: cfg.LoggerFactory.NewLogger("fwdownload"),
	}
}

// Close waits for all in-flight transfer goroutines to exit.
func (d *HTTPDownloader) Close() {
	d.wg.Wait()
}

type httpDownloadHandle struct {
	cancel context.CancelFunc
}

func (h *httpDownloadHandle) Abort() { h.cancel() }

// Start implements Downloader.
func (d *HTTPDownloader) Start(cfg DownloadConfig, sink DownloadSink) (DownloadHandle, error) {
	parsed, err := url.Parse(cfg.URI)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDownloadInvalidURI, err)
	}
	scheme := strings.ToLower(parsed.Scheme)
	if scheme != "http" && scheme != "https" {
		return nil, fmt.Errorf("%w: scheme %q", ErrDownloadUnsupportedProtocol, scheme)
	}
	if parsed.Host == "" {
		return nil, fmt.Errorf("%w: missing host", ErrDownloadInvalidURI)
	}

	client := resty.New().SetTimeout(d.cfg.RequestTimeout)
	if scheme == "https" && cfg.Security != nil && len(cfg.Security.ServerCertificate) > 0 {
		pinned := x509.NewCertPool()
		if cert, err := x509.ParseCertificate(cfg.Security.ServerCertificate); err == nil {
			pinned.AddCert(cert)
			client.SetTLSClientConfig(&tls.Config{RootCAs: pinned})
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	d.wg.Add(1)
	go d.transfer(ctx, client, cfg, sink)
	return &httpDownloadHandle{cancel: cancel}, nil
}

func (d *HTTPDownloader) transfer(ctx context.Context, client *resty.Client, cfg DownloadConfig, sink DownloadSink) {
	defer d.wg.Done()
	defer client.GetClient().CloseIdleConnections()

	offset := cfg.StartOffset
	var etag string

	policy := backoff.WithContext(newTransferBackOff(d.cfg.MaxElapsedTime), ctx)
	var terminal *DownloadStatus

	attempt := func() error {
		status, retryable := d.attempt(ctx, client, cfg.URI, &offset, &etag, sink)
		if status != nil {
			terminal = status
			return nil
		}
		if retryable != nil {
			return retryable
		}
		terminal = &DownloadStatus{Result: DownloadFinished}
		return nil
	}

	if err := backoff.Retry(attempt, policy); err != nil {
		if ctx.Err() != nil {
			// Aborted locally; the caller does not expect a status.
			return
		}
		terminal = &DownloadStatus{Result: DownloadFailed, Err: err}
	}
	if ctx.Err() != nil {
		return
	}
	sink.OnFinished(*terminal)
}

// attempt performs one HTTP request, streaming the body to the sink.
// A non-nil status ends the transfer; a non-nil error asks for a retry.
func (d *HTTPDownloader) attempt(ctx context.Context, client *resty.Client, uri string, offset *int64, etag *string, sink DownloadSink) (*DownloadStatus, error) {
	req := client.R().SetContext(ctx).SetDoNotParseResponse(true)
	if *offset > 0 {
		req.SetHeader("Range", fmt.Sprintf("bytes=%d-", *offset))
	}
	resp, err := req.Get(uri)
	if err != nil {
		d.log.Debugf("request failed, will retry: %v", err)
		return nil, err
	}
	body := resp.RawBody()
	defer body.Close()

	code := resp.StatusCode()
	if *offset > 0 && code == 200 {
		// Server ignored the Range request; restart from scratch.
		*offset = 0
	} else if code >= 300 {
		return &DownloadStatus{Result: DownloadInvalidResponse, StatusCode: code}, nil
	}

	if gotETag := resp.Header().Get("ETag"); gotETag != "" {
		if *etag != "" && gotETag != *etag {
			return &DownloadStatus{Result: DownloadExpired}, nil
		}
		*etag = gotETag
	}

	buf := make([]byte, d.cfg.BlockSize)
	for {
		n, readErr := body.Read(buf)
		if n > 0 {
			if err := sink.OnNextBlock(buf[:n], []byte(*etag)); err != nil {
				return &DownloadStatus{Result: DownloadFailed, Err: err}, nil
			}
			*offset += int64(n)
		}
		if readErr == io.EOF {
			return nil, nil
		}
		if readErr != nil {
			d.log.Debugf("body read failed at offset %d, will retry: %v", *offset, readErr)
			return nil, readErr
		}
	}
}

func newTransferBackOff(maxElapsed time.Duration) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = 30 * time.Second
	b.MaxElapsedTime = maxElapsed
	return b
}

var _ Downloader = (*HTTPDownloader)(nil)
