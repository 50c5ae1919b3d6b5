package runtime

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httputil"
	"net/textproto"
	"net/url"
	"strings"

	"github.com/l0p7/cdsgate/internal/runtime/pipeline"
)

type proxyContextKey struct{}

// proxyRequest carries the pipeline result into the reverse proxy callbacks.
type proxyRequest struct {
	state  *pipeline.State
	target *url.URL
	logger *slog.Logger
}

func proxyRequestFrom(ctx context.Context) *proxyRequest {
	pr, _ := ctx.Value(proxyContextKey{}).(*proxyRequest)
	return pr
}

// Headers the transport manages itself or that SetXForwarded rebuilds.
var unforwardedHeaders = map[string]struct{}{
	"Connection":          {},
	"Proxy-Connection":    {},
	"Keep-Alive":          {},
	"Proxy-Authenticate":  {},
	"Proxy-Authorization": {},
	"Te":                  {},
	"Trailer":             {},
	"Transfer-Encoding":   {},
	"Upgrade":             {},
	"Content-Length":      {},
	"Forwarded":           {},
	"X-Forwarded-For":     {},
	"X-Forwarded-Host":    {},
	"X-Forwarded-Proto":   {},
}

func (p *Pipeline) newReverseProxy(rt *apiRuntime) *httputil.ReverseProxy {
	return &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			p.rewrite(rt, pr)
		},
		ModifyResponse: func(resp *http.Response) error {
			if req := proxyRequestFrom(resp.Request.Context()); req != nil && p.correlationHeader != "" {
				resp.Header.Set(p.correlationHeader, req.state.CorrelationID)
			}
			if !rt.encrypter.Active() {
				return nil
			}
			return rt.encrypter.ModifyResponse(resp)
		},
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			p.proxyError(w, r, err)
		},
		Transport: p.transport,
		ErrorLog:  slog.NewLogLogger(rt.logger.Handler(), slog.LevelWarn),
	}
}

// rewrite points the outbound request at the message context computed by the
// agents: target URL, forwarded headers and the possibly rewritten body.
func (p *Pipeline) rewrite(rt *apiRuntime, pr *httputil.ProxyRequest) {
	req := proxyRequestFrom(pr.In.Context())
	if req == nil {
		return
	}
	pr.Out.URL = req.target
	pr.Out.Host = ""

	forwardHeaders(pr.Out.Header, req.state.Message.Headers, pr.In.Header)
	pr.SetXForwarded()
	if rt.encrypter.Active() {
		// Responses must come back uncompressed for identifiers to be encrypted.
		pr.Out.Header.Del("Accept-Encoding")
	}
	if p.correlationHeader != "" {
		pr.Out.Header.Set(p.correlationHeader, req.state.CorrelationID)
	}

	body := req.state.Body()
	pr.Out.ContentLength = int64(len(body))
	if len(body) == 0 {
		pr.Out.Body = http.NoBody
		pr.Out.GetBody = nil
		return
	}
	pr.Out.Body = io.NopCloser(bytes.NewReader(body))
	pr.Out.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(body)), nil
	}
}

// forwardHeaders replaces dst with the message headers, leaving out hop-by-hop
// headers and any header the inbound Connection header names.
func forwardHeaders(dst, message, inbound http.Header) {
	skip := make(map[string]struct{})
	for _, value := range inbound.Values("Connection") {
		for _, name := range strings.Split(value, ",") {
			if name = strings.TrimSpace(name); name != "" {
				skip[textproto.CanonicalMIMEHeaderKey(name)] = struct{}{}
			}
		}
	}
	for name := range dst {
		delete(dst, name)
	}
	for name, values := range message {
		canonical := textproto.CanonicalMIMEHeaderKey(name)
		if _, ok := unforwardedHeaders[canonical]; ok {
			continue
		}
		if _, ok := skip[canonical]; ok {
			continue
		}
		dst[canonical] = append([]string(nil), values...)
	}
}

func (p *Pipeline) proxyError(w http.ResponseWriter, r *http.Request, err error) {
	req := proxyRequestFrom(r.Context())
	if req == nil {
		w.WriteHeader(http.StatusBadGateway)
		return
	}
	if errors.Is(err, context.Canceled) {
		req.logger.InfoContext(r.Context(), "client went away before the backend answered")
	} else {
		req.logger.WarnContext(r.Context(), "backend request failed",
			slog.String("backend", req.target.Host),
			slog.Any("error", err))
	}
	req.state.Reject("reverse_proxy", http.StatusBadGateway, pipeline.EnvelopeCDS, CodeServiceUnavailable,
		"Service Unavailable", "the backend did not return a response")
	p.writeRejection(r.Context(), w, req.state, req.logger)
}

// statusRecorder captures the status code written by the reverse proxy.
type statusRecorder struct {
	http.ResponseWriter
	status  int
	written bool
}

func (s *statusRecorder) WriteHeader(code int) {
	if !s.written {
		s.status = code
		s.written = true
	}
	s.ResponseWriter.WriteHeader(code)
}

func (s *statusRecorder) Write(b []byte) (int, error) {
	s.written = true
	return s.ResponseWriter.Write(b)
}

func (s *statusRecorder) Unwrap() http.ResponseWriter { return s.ResponseWriter }
