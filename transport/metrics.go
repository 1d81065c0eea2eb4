package transport

import (
	"context"
	"crypto/tls"
	"net/http/httptrace"
	"sync"
	"time"
)

type NetworkMetrics struct {
	DNS        time.Duration
	ConnWait   time.Duration
	TCP        time.Duration
	TLS        time.Duration
	ReqHeaders time.Duration
	TTFB       time.Duration
	Total      time.Duration
	ConnReused bool
}

// metricsRecorder collects httptrace timings. Hooks fire from both the transport's
// write and read loops, hence the mutex.
type metricsRecorder struct {
	mu sync.Mutex
	m  NetworkMetrics

	getConnStart, dnsStart, tcpStart, tlsStart time.Time
	gotConn, wroteHeaders                      time.Time
	onHeaders, onWrote                         func()
}

func (r *metricsRecorder) trace(ctx context.Context) context.Context {
	lock := func(fn func()) {
		r.mu.Lock()
		fn()
		r.mu.Unlock()
	}
	t := &httptrace.ClientTrace{
		GetConn: func(string) { lock(func() { r.getConnStart = time.Now() }) },
		GotConn: func(info httptrace.GotConnInfo) {
			lock(func() {
				r.gotConn = time.Now()
				r.m.ConnWait = r.gotConn.Sub(r.getConnStart)
				r.m.ConnReused = info.Reused
			})
		},
		DNSStart:          func(httptrace.DNSStartInfo) { lock(func() { r.dnsStart = time.Now() }) },
		DNSDone:           func(httptrace.DNSDoneInfo) { lock(func() { r.m.DNS = time.Since(r.dnsStart) }) },
		ConnectStart:      func(_, _ string) { lock(func() { r.tcpStart = time.Now() }) },
		ConnectDone:       func(_, _ string, _ error) { lock(func() { r.m.TCP = time.Since(r.tcpStart) }) },
		TLSHandshakeStart: func() { lock(func() { r.tlsStart = time.Now() }) },
		TLSHandshakeDone: func(tls.ConnectionState, error) {
			lock(func() { r.m.TLS = time.Since(r.tlsStart) })
		},
		WroteHeaders: func() {
			lock(func() {
				r.wroteHeaders = time.Now()
				r.m.ReqHeaders = r.wroteHeaders.Sub(r.gotConn)
			})
			if r.onHeaders != nil {
				r.onHeaders()
			}
		},
		WroteRequest: func(httptrace.WroteRequestInfo) {
			if r.onWrote != nil {
				r.onWrote()
			}
		},
		GotFirstResponseByte: func() {
			lock(func() {
				if !r.wroteHeaders.IsZero() {
					r.m.TTFB = time.Since(r.wroteHeaders)
				}
			})
		},
	}
	return httptrace.WithClientTrace(ctx, t)
}

func (r *metricsRecorder) snapshot(total time.Duration) *NetworkMetrics {
	r.mu.Lock()
	defer r.mu.Unlock()
	m := r.m
	m.Total = total
	return &m
}
