package ingress

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"time"

	"github.com/erans/lunaroute/internal/dialect"
	"github.com/erans/lunaroute/internal/middleware"
	"github.com/erans/lunaroute/internal/session"
)

// PassthroughTarget is the single upstream a passthrough Listener forwards
// to. Spec §4.I2 requires passthrough to apply only when exactly one
// provider of the listener's dialect is configured, so (unlike the
// normalizing pipeline) there is no router candidate cascade here: a single
// fixed target, resolved once at wiring time.
type PassthroughTarget struct {
	Provider string
	BaseURL  string
	Dialect  dialect.Name
	Auth     func(*http.Request)
	Client   *http.Client
}

// hopByHopHeaders are stripped before forwarding in either direction, per
// RFC 7230 §6.1 — the teacher's proxy code doesn't have an analogue of this
// (it always terminates and re-originates requests through the typed
// provider clients), but any byte-forwarding proxy needs it.
var hopByHopHeaders = []string{
	"Connection", "Keep-Alive", "Proxy-Authenticate", "Proxy-Authorization",
	"Te", "Trailer", "Transfer-Encoding", "Upgrade",
}

func copyHeaders(dst, src http.Header) {
	for k, vv := range src {
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
	for _, h := range hopByHopHeaders {
		dst.Del(h)
	}
}

// PassthroughHandler implements spec §4.I2: the request body is read once
// (for recording) and streamed upstream unchanged; the response is mirrored
// back byte-for-byte, with the Stream Parser spawned on a teed copy for SSE
// responses so telemetry extraction never blocks the client.
func (p *Pipeline) PassthroughHandler(l Listener, target PassthroughTarget) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := now()

		tenant, err := middleware.TenantFromRequest(r)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "authentication_error", err.Error())
			return
		}
		rec := p.recorder(tenant)

		body, err := io.ReadAll(r.Body)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request_error", "failed to read request body")
			return
		}

		sessionID, requestID := newIDs()
		ctx := r.Context()
		_ = rec.RecordStarted(ctx, sessionID, requestID, "", target.Provider, l.Kind, looksStreaming(body), session.Metadata{
			ClientIP:  r.RemoteAddr,
			UserAgent: r.Header.Get("User-Agent"),
		})
		_ = rec.RecordRequest(ctx, sessionID, requestID, string(body), body)

		upstreamReq, err := http.NewRequestWithContext(ctx, r.Method, target.BaseURL+r.URL.Path, bytes.NewReader(body))
		if err != nil {
			writeError(w, http.StatusInternalServerError, "internal_error", "failed to build upstream request")
			return
		}
		copyHeaders(upstreamReq.Header, r.Header)
		if target.Auth != nil {
			target.Auth(upstreamReq)
		}

		client := target.Client
		if client == nil {
			client = http.DefaultClient
		}
		upstreamResp, err := client.Do(upstreamReq)
		if err != nil {
			_ = rec.RecordCompleted(ctx, sessionID, requestID, false, err.Error(), "", session.FinalSessionStats{})
			p.observe(l, target.Provider, http.StatusBadGateway, start)
			writeError(w, http.StatusBadGateway, "upstream_error", "failed to reach upstream")
			return
		}
		defer upstreamResp.Body.Close()

		copyHeaders(w.Header(), upstreamResp.Header)
		w.WriteHeader(upstreamResp.StatusCode)

		if isSSE(upstreamResp.Header.Get("Content-Type")) {
			p.forwardSSE(ctx, w, upstreamResp.Body, rec, sessionID, requestID, l, target, start)
			return
		}

		respBody, _ := io.ReadAll(upstreamResp.Body)
		_, _ = w.Write(respBody)

		_ = rec.RecordResponse(ctx, sessionID, requestID, string(respBody), respBody, session.ResponseStats{
			ProcessingTimeMs: time.Since(start).Milliseconds(),
		})
		_ = rec.RecordCompleted(ctx, sessionID, requestID, upstreamResp.StatusCode < 400, "", "", session.FinalSessionStats{
			TotalDurationMs: time.Since(start).Milliseconds(),
		})
		p.observe(l, target.Provider, upstreamResp.StatusCode, start)
	}
}

// forwardSSE writes each byte chunk to the client as it arrives (never
// buffering the whole stream) while simultaneously feeding a pipe that
// session.SpawnParser drains in the background, per spec §4.I2 "forwards
// chunks to the client immediately and spawns the Stream Parser on a cloned
// byte sequence".
func (p *Pipeline) forwardSSE(ctx context.Context, w http.ResponseWriter, upstream io.Reader, rec *session.Recorder, sessionID, requestID string, l Listener, target PassthroughTarget, start time.Time) {
	flusher, _ := w.(http.Flusher)
	pr, pw := io.Pipe()
	tee := io.TeeReader(upstream, pw)

	session.SpawnParser(target.Dialect, pr, rec, p.Logger, sessionID, requestID, func() {
		if p.Metrics != nil {
			p.Metrics.MemoryBoundHitTotal.WithLabelValues(l.Name).Inc()
		}
	})

	buf := make([]byte, 32*1024)
	chunkCount := 0
	for {
		n, err := tee.Read(buf)
		if n > 0 {
			_, _ = w.Write(buf[:n])
			if flusher != nil {
				flusher.Flush()
			}
			chunkCount++
		}
		if err != nil {
			break
		}
	}
	pw.Close()

	if p.Metrics != nil {
		p.Metrics.StreamChunksTotal.WithLabelValues(l.Name, target.Provider).Add(float64(chunkCount))
		p.Metrics.StreamDurationSeconds.WithLabelValues(l.Name, target.Provider).Observe(time.Since(start).Seconds())
	}
	_ = rec.RecordCompleted(ctx, sessionID, requestID, true, "", "", session.FinalSessionStats{
		TotalDurationMs: time.Since(start).Milliseconds(),
	})
	p.observe(l, target.Provider, http.StatusOK, start)
}

func isSSE(contentType string) bool {
	return len(contentType) >= 17 && contentType[:17] == "text/event-stream"
}

// looksStreaming makes a best-effort guess from the raw request body
// (without a full decode) about whether the client asked for a streaming
// response, purely for the Started event's is_streaming field.
func looksStreaming(body []byte) bool {
	return bytesContains(body, []byte(`"stream":true`)) || bytesContains(body, []byte(`"stream": true`))
}

func bytesContains(haystack, needle []byte) bool {
	if len(needle) == 0 || len(haystack) < len(needle) {
		return false
	}
	for i := 0; i+len(needle) <= len(haystack); i++ {
		match := true
		for j := range needle {
			if haystack[i+j] != needle[j] {
				match = false
				break
			}
		}
		if match {
			return true
		}
	}
	return false
}
