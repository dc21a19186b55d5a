package forwarder

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/relaymux/relaymux/internal/httputil"
	relayerrors "github.com/relaymux/relaymux/pkg/errors"
	"github.com/relaymux/relaymux/pkg/types"
)

// Response is the outcome of a successful dispatch. Exactly one of Body and
// Stream is set, depending on the session's streaming mode. Callers must
// close Stream when set.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	Stream     io.ReadCloser

	ProviderID string
	EndpointID string
}

// dispatch sends the session payload to the resolved target and classifies
// the outcome. A nil error with a nil failure kind is a verified success.
func (f *Forwarder) dispatch(ctx context.Context, target string, sess *Session) (*Response, error) {
	if sess.Stream {
		return f.dispatchStream(ctx, target, sess)
	}
	return f.dispatchBuffered(ctx, target, sess)
}

func (f *Forwarder) dispatchBuffered(ctx context.Context, target string, sess *Session) (*Response, error) {
	reqCtx, cancel := context.WithTimeout(ctx, f.cfg.RequestTimeout)
	defer cancel()

	resp, err := f.do(reqCtx, target, sess)
	if err != nil {
		return nil, f.classifyTransport(ctx, err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := httputil.ReadCapped(resp.Body, httputil.MaxBufferedBodyBytes)
	if err != nil {
		if errors.Is(err, httputil.ErrBodyTooLarge) {
			return nil, relayerrors.Wrap(relayerrors.KindUnknown, err, "buffered upstream response exceeds size cap")
		}
		return nil, f.classifyTransport(ctx, err)
	}

	if resp.StatusCode >= http.StatusBadRequest {
		return nil, &relayerrors.RelayError{
			Kind:       relayerrors.KindUpstreamStatus,
			StatusCode: resp.StatusCode,
			Message:    "upstream returned " + resp.Status,
		}
	}

	if kind := f.classifySuccess(resp.Header, body); kind != relayerrors.KindUnknown {
		return nil, relayerrors.New(kind, "disguised upstream failure in 200 response")
	}

	return &Response{StatusCode: resp.StatusCode, Header: resp.Header, Body: body}, nil
}

// classifySuccess applies disguised-success detection to a 2xx body. The
// HTML checks always run; the JSON envelope checks run only when the body
// is within the inspection cap (a malformed Content-Length never exempts a
// body, since the decision uses the actual size, not the header).
func (f *Forwarder) classifySuccess(header http.Header, body []byte) relayerrors.FailureKind {
	if isHTMLContentType(header.Get("Content-Type")) || sniffHTML(body) {
		return relayerrors.KindFakeSuccessHTML
	}
	if inspectable(header, f.cfg.MaxInspectedBody) &&
		(f.cfg.MaxInspectedBody <= 0 || int64(len(body)) <= f.cfg.MaxInspectedBody) {
		return inspectBody(header, body)
	}
	return relayerrors.KindUnknown
}

func (f *Forwarder) dispatchStream(ctx context.Context, target string, sess *Session) (*Response, error) {
	streamCtx, cancel := context.WithTimeout(ctx, f.cfg.StreamTotal)

	// First-byte watchdog: armed until the first body byte arrives. Expiry
	// is recorded so the resulting cancellation classifies as a timeout.
	var firstByteExpired atomic.Bool
	firstByte := time.AfterFunc(f.cfg.StreamFirstByte, func() {
		firstByteExpired.Store(true)
		cancel()
	})

	resp, err := f.doWithClient(streamCtx, f.streamClient, target, sess)
	if err != nil {
		firstByte.Stop()
		cancel()
		if firstByteExpired.Load() {
			return nil, relayerrors.Wrap(relayerrors.KindTimeout, err, "no first byte before deadline")
		}
		return nil, f.classifyTransport(ctx, err)
	}

	if resp.StatusCode >= http.StatusBadRequest {
		firstByte.Stop()
		body, _ := httputil.ReadCapped(resp.Body, 4096)
		_ = resp.Body.Close()
		cancel()
		return nil, &relayerrors.RelayError{
			Kind:       relayerrors.KindUpstreamStatus,
			StatusCode: resp.StatusCode,
			Message:    "upstream returned " + resp.Status + ": " + string(bytes.TrimSpace(body)),
		}
	}

	br := bufio.NewReader(resp.Body)
	head, peekErr := br.Peek(512)
	firstByte.Stop()
	if peekErr != nil && len(head) == 0 {
		_ = resp.Body.Close()
		cancel()
		if firstByteExpired.Load() {
			return nil, relayerrors.Wrap(relayerrors.KindTimeout, peekErr, "no first byte before deadline")
		}
		return nil, f.classifyTransport(ctx, peekErr)
	}

	if isHTMLContentType(resp.Header.Get("Content-Type")) || sniffHTML(head) {
		_ = resp.Body.Close()
		cancel()
		return nil, relayerrors.New(relayerrors.KindFakeSuccessHTML, "disguised upstream failure in 200 stream")
	}

	stream := &idleWatchdogReader{
		r:      br,
		closer: resp.Body,
		cancel: cancel,
		idle:   f.cfg.StreamIdle,
	}
	stream.arm()
	return &Response{StatusCode: resp.StatusCode, Header: resp.Header, Stream: stream}, nil
}

func (f *Forwarder) do(ctx context.Context, target string, sess *Session) (*http.Response, error) {
	return f.doWithClient(ctx, f.client, target, sess)
}

func (f *Forwarder) doWithClient(ctx context.Context, client *http.Client, target string, sess *Session) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(sess.Body))
	if err != nil {
		return nil, err
	}
	for k, vs := range sess.Header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	if req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}
	return client.Do(req)
}

// classifyTransport maps a transport error. Caller cancellation wins over
// the deadline classification so an aborted client is never retried.
func (f *Forwarder) classifyTransport(parentCtx context.Context, err error) error {
	if parentCtx.Err() != nil && errors.Is(parentCtx.Err(), context.Canceled) {
		return relayerrors.Wrap(relayerrors.KindClientCancelled, err, "client cancelled request")
	}
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return relayerrors.Wrap(relayerrors.KindTimeout, err, "upstream timed out")
	}
	return relayerrors.Wrap(relayerrors.KindConnection, err, "upstream unreachable")
}

// idleWatchdogReader cancels the stream when no bytes arrive for the idle
// window. The total-timeout context is released on Close.
type idleWatchdogReader struct {
	r      io.Reader
	closer io.Closer
	cancel context.CancelFunc
	idle   time.Duration
	timer  *time.Timer
}

func (w *idleWatchdogReader) arm() {
	if w.idle > 0 {
		w.timer = time.AfterFunc(w.idle, w.cancel)
	}
}

func (w *idleWatchdogReader) Read(p []byte) (int, error) {
	n, err := w.r.Read(p)
	if w.timer != nil {
		w.timer.Reset(w.idle)
	}
	return n, err
}

func (w *idleWatchdogReader) Close() error {
	if w.timer != nil {
		w.timer.Stop()
	}
	err := w.closer.Close()
	w.cancel()
	return err
}

// targetURL resolves the dispatch URL: the selected endpoint when one is
// available, otherwise the provider's primary URL.
func targetURL(p *types.Provider, ep *types.Endpoint) string {
	if ep != nil && ep.URL != "" {
		return ep.URL
	}
	return p.URL
}
