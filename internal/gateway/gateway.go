// Package gateway implements the client-facing HTTP/HTTPS forward proxy.
// It speaks HTTP/1.1 and supports:
//
//   - CONNECT tunnelling (used by HTTPS and any TCP tunnel)
//   - Plain absolute-form HTTP forwarding for http:// targets
//   - Block detection on plain-HTTP responses with transparent retries
//     through a different upstream (CONNECT tunnels are opaque; only the
//     tunnel-establishment response can fail an upstream)
//
// Each attempt is recorded on the store's request ring and live channel.
package gateway

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/drsoft-oss/proxyfleet/internal/pool"
	"github.com/drsoft-oss/proxyfleet/internal/rotation"
	"github.com/drsoft-oss/proxyfleet/internal/store"
	"github.com/drsoft-oss/proxyfleet/internal/upstream"
)

// SessionHeader carries the client's session id for per-session rotation.
// It is stripped before forwarding.
const SessionHeader = "X-Session-ID"

// hopByHopHeaders are stripped from forwarded requests.
var hopByHopHeaders = []string{
	"Proxy-Connection",
	"Proxy-Authorization",
	"Connection",
	"Keep-Alive",
	"Transfer-Encoding",
	"Upgrade",
	"TE",
	"Trailers",
}

// Config holds gateway settings.
type Config struct {
	// ListenAddr is the address to bind on (e.g. "0.0.0.0:6969").
	ListenAddr string

	// MaxConnections caps in-flight client connections; excess connections
	// are shed with an immediate 503.
	MaxConnections int

	// DialTimeout bounds each upstream dial and response-head read.
	DialTimeout time.Duration

	// DrainWindow is how long Shutdown waits for in-flight attempts before
	// force-closing connections.
	DrainWindow time.Duration

	// MaxRetries is the retry budget after the first failed attempt.
	MaxRetries int
}

// Server is the forward-proxy server.
type Server struct {
	cfg    Config
	engine *rotation.Engine
	pool   *pool.Pool
	st     *store.Store
	log    *zap.Logger

	ln       net.Listener
	inflight atomic.Int64
	wg       sync.WaitGroup

	connMu sync.Mutex
	conns  map[net.Conn]struct{}
}

// New creates a Server. Call Listen then Serve, or Start to do both.
func New(cfg Config, eng *rotation.Engine, p *pool.Pool, st *store.Store, log *zap.Logger) *Server {
	if cfg.MaxConnections == 0 {
		cfg.MaxConnections = 200
	}
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = 15 * time.Second
	}
	if cfg.DrainWindow == 0 {
		cfg.DrainWindow = 30 * time.Second
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 3
	}
	return &Server{
		cfg:    cfg,
		engine: eng,
		pool:   p,
		st:     st,
		log:    log.Named("gateway"),
		conns:  make(map[net.Conn]struct{}),
	}
}

// Listen binds the listener without serving yet.
func (s *Server) Listen() error {
	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.cfg.ListenAddr, err)
	}
	s.ln = ln
	return nil
}

// Addr returns the bound listener address.
func (s *Server) Addr() string {
	if s.ln == nil {
		return s.cfg.ListenAddr
	}
	return s.ln.Addr().String()
}

// Serve accepts connections until the listener is closed.
func (s *Server) Serve() error {
	s.log.Info("proxy listening", zap.String("addr", s.Addr()))
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			// Listener closed — normal shutdown
			return nil
		}
		if s.inflight.Add(1) > int64(s.cfg.MaxConnections) {
			s.inflight.Add(-1)
			writeStatus(conn, http.StatusServiceUnavailable, "gateway at capacity")
			conn.Close()
			continue
		}
		s.track(conn)
		s.wg.Add(1)
		go s.handleConn(conn)
	}
}

// Start binds and serves. Blocks until the listener is closed.
func (s *Server) Start() error {
	if err := s.Listen(); err != nil {
		return err
	}
	return s.Serve()
}

// Shutdown stops accepting, waits up to the drain window for in-flight
// attempts, then force-closes whatever remains.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.ln != nil {
		_ = s.ln.Close()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	drain := time.NewTimer(s.cfg.DrainWindow)
	defer drain.Stop()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
	case <-drain.C:
	}

	s.log.Warn("drain window elapsed, force-closing connections",
		zap.Int64("inflight", s.inflight.Load()))
	s.connMu.Lock()
	for c := range s.conns {
		_ = c.Close()
	}
	s.connMu.Unlock()
	<-done
	return nil
}

func (s *Server) track(c net.Conn) {
	s.connMu.Lock()
	s.conns[c] = struct{}{}
	s.connMu.Unlock()
}

func (s *Server) untrack(c net.Conn) {
	s.connMu.Lock()
	delete(s.conns, c)
	s.connMu.Unlock()
}

// -----------------------------------------------------------------------
// Connection handling
// -----------------------------------------------------------------------

func (s *Server) handleConn(clientConn net.Conn) {
	defer s.wg.Done()
	defer s.inflight.Add(-1)
	defer s.untrack(clientConn)
	defer clientConn.Close()

	br := bufio.NewReader(clientConn)
	req, err := http.ReadRequest(br)
	if err != nil {
		if err != io.EOF {
			s.log.Debug("read request", zap.Error(err))
		}
		return
	}

	sessionID := req.Header.Get(SessionHeader)
	req.Header.Del(SessionHeader)

	if req.Method == http.MethodConnect {
		s.handleConnect(clientConn, req, sessionID)
	} else {
		s.handleHTTP(clientConn, req, sessionID)
	}
}

// handleConnect tunnels a raw TCP connection through an upstream proxy,
// retrying tunnel establishment through other upstreams on failure.
func (s *Server) handleConnect(clientConn net.Conn, req *http.Request, sessionID string) {
	destination := req.Host
	if !hasPort(destination) {
		destination += ":443"
	}
	domain := domainOf(destination)

	exclude := make(map[string]struct{})
	var lastErr error
	var lastTimeout bool

	for attempt := 1; attempt <= s.cfg.MaxRetries+1; attempt++ {
		ctx := context.Background()
		sel, err := s.engine.Select(ctx, rotation.Request{
			Domain:    domain,
			SessionID: sessionID,
			Exclude:   exclude,
		})
		if err != nil {
			s.record(record{
				Method: req.Method, URL: destination, Domain: domain,
				Attempt: attempt, Err: err,
			})
			writeStatus(clientConn, http.StatusServiceUnavailable, err.Error())
			return
		}
		key := sel.Proxy.Key()

		start := time.Now()
		dctx, cancel := context.WithTimeout(ctx, s.cfg.DialTimeout)
		upConn, err := upstream.DialConnect(dctx, key, destination)
		cancel()
		latency := msSince(start)

		if err != nil {
			s.noteFailure(ctx, sel, sessionID, false, err.Error())
			s.record(record{
				Method: req.Method, URL: destination, Domain: domain,
				Proxy: sel.Proxy.IP, Strategy: sel.Strategy,
				Attempt: attempt, LatencyMS: latency, Err: err,
			})
			exclude[key] = struct{}{}
			lastErr, lastTimeout = err, isTimeout(err)
			continue
		}

		s.record(record{
			Method: req.Method, URL: destination, Domain: domain,
			Proxy: sel.Proxy.IP, Strategy: sel.Strategy,
			Attempt: attempt, Status: http.StatusOK, LatencyMS: latency,
		})
		_, _ = fmt.Fprintf(clientConn, "HTTP/1.1 200 Connection established\r\n\r\n")
		s.track(upConn)
		s.tunnel(clientConn, upConn)
		s.untrack(upConn)
		upConn.Close()
		return
	}

	s.failExhausted(clientConn, lastErr, lastTimeout)
}

// handleHTTP forwards an absolute-form HTTP request, buffering the body so
// the request can be replayed against another upstream after a block or
// transport failure.
func (s *Server) handleHTTP(clientConn net.Conn, req *http.Request, sessionID string) {
	if req.URL.Host == "" {
		// Origin-form fallback; some clients omit the absolute URI.
		req.URL.Scheme = "http"
		req.URL.Host = req.Host
	}
	if req.URL.Host == "" {
		writeStatus(clientConn, http.StatusBadRequest, "absolute-form request URI required")
		return
	}
	domain := strings.ToLower(req.URL.Hostname())

	body, err := io.ReadAll(req.Body)
	req.Body.Close()
	if err != nil {
		writeStatus(clientConn, http.StatusBadRequest, "read request body: "+err.Error())
		return
	}
	stripHopByHop(req.Header)

	exclude := make(map[string]struct{})
	var lastErr error
	var lastTimeout bool

	for attempt := 1; attempt <= s.cfg.MaxRetries+1; attempt++ {
		ctx := context.Background()
		sel, err := s.engine.Select(ctx, rotation.Request{
			Domain:    domain,
			SessionID: sessionID,
			Exclude:   exclude,
		})
		if err != nil {
			s.record(record{
				Method: req.Method, URL: req.URL.String(), Domain: domain,
				Attempt: attempt, Err: err,
			})
			writeStatus(clientConn, http.StatusServiceUnavailable, err.Error())
			return
		}
		key := sel.Proxy.Key()

		done, verdict, attemptErr := s.attemptHTTP(clientConn, req, body, sel, sessionID, attempt)
		if done {
			return
		}
		exclude[key] = struct{}{}
		if attemptErr != nil {
			lastErr, lastTimeout = attemptErr, isTimeout(attemptErr)
		} else if verdict.Blocked {
			lastErr, lastTimeout = errors.New(verdict.Reason), false
		}
	}

	s.failExhausted(clientConn, lastErr, lastTimeout)
}

// attemptHTTP performs one upstream attempt. done=true means a response
// (success) was delivered to the client and the request is finished.
func (s *Server) attemptHTTP(clientConn net.Conn, req *http.Request, body []byte, sel rotation.Selection, sessionID string, attempt int) (done bool, verdict blockVerdict, err error) {
	ctx := context.Background()
	key := sel.Proxy.Key()
	rec := record{
		Method: req.Method, URL: req.URL.String(),
		Domain: strings.ToLower(req.URL.Hostname()),
		Proxy:  sel.Proxy.IP, Strategy: sel.Strategy, Attempt: attempt,
	}

	start := time.Now()
	dctx, cancel := context.WithTimeout(ctx, s.cfg.DialTimeout)
	upConn, err := upstream.Dial(dctx, key)
	cancel()
	if err != nil {
		rec.LatencyMS = msSince(start)
		rec.Err = err
		s.noteFailure(ctx, sel, sessionID, false, err.Error())
		s.record(rec)
		return false, blockVerdict{}, err
	}
	defer upConn.Close()

	// The deadline covers writing the request and reading the response
	// head; it is cleared before streaming the body to the client.
	_ = upConn.SetDeadline(time.Now().Add(s.cfg.DialTimeout))

	req.Body = io.NopCloser(bytes.NewReader(body))
	req.ContentLength = int64(len(body))
	if err := req.WriteProxy(upConn); err != nil {
		rec.LatencyMS = msSince(start)
		rec.Err = err
		s.noteFailure(ctx, sel, sessionID, false, err.Error())
		s.record(rec)
		return false, blockVerdict{}, err
	}

	resp, err := http.ReadResponse(bufio.NewReader(upConn), req)
	if err != nil {
		rec.LatencyMS = msSince(start)
		rec.Err = err
		s.noteFailure(ctx, sel, sessionID, false, err.Error())
		s.record(rec)
		return false, blockVerdict{}, err
	}
	rec.LatencyMS = msSince(start)
	rec.Status = resp.StatusCode
	rec.Headers = flattenHeader(resp.Header)

	prefix, _ := io.ReadAll(io.LimitReader(resp.Body, bodyInspectLimit))
	verdict = detectBlock(resp, prefix)
	if verdict.Blocked {
		resp.Body.Close()
		rec.Blocked = true
		rec.Err = errors.New(verdict.Reason)
		s.noteFailure(ctx, sel, sessionID, true, verdict.Reason)
		s.record(rec)
		return false, verdict, nil
	}

	// Clean response — stream it through. Failures past this point are
	// client-side; the upstream did its job, so no retry.
	_ = upConn.SetDeadline(time.Time{})
	resp.Body = io.NopCloser(io.MultiReader(bytes.NewReader(prefix), resp.Body))
	resp.Close = true
	if werr := resp.Write(clientConn); werr != nil {
		s.log.Debug("write response to client", zap.Error(werr))
	}
	s.record(rec)
	return true, blockVerdict{}, nil
}

// noteFailure does the bookkeeping for a failed attempt: mark the
// proxy (dead on block, failure on transport), drop the session binding,
// and invalidate the on-block pin.
func (s *Server) noteFailure(ctx context.Context, sel rotation.Selection, sessionID string, blocked bool, reason string) {
	key := sel.Proxy.Key()
	if blocked {
		if err := s.pool.MarkDead(ctx, key, reason); err != nil {
			s.log.Warn("mark dead", zap.String("proxy", key), zap.Error(err))
		}
	} else {
		if err := s.pool.RecordFailure(ctx, key); err != nil {
			s.log.Warn("record failure", zap.String("proxy", key), zap.Error(err))
		}
	}
	if sel.Strategy == rotation.StrategyPerSession && sessionID != "" {
		if err := s.engine.DropSession(ctx, sessionID); err != nil {
			s.log.Warn("drop session", zap.String("session", sessionID), zap.Error(err))
		}
	}
	if sel.Strategy == rotation.StrategyOnBlock {
		if err := s.engine.InvalidatePin(ctx); err != nil {
			s.log.Warn("invalidate pin", zap.Error(err))
		}
	}
}

// failExhausted answers the client after the retry budget is spent.
func (s *Server) failExhausted(clientConn net.Conn, lastErr error, timedOut bool) {
	code := http.StatusBadGateway
	if timedOut {
		code = http.StatusGatewayTimeout
	}
	msg := "retry budget exhausted"
	if lastErr != nil {
		msg += ": " + lastErr.Error()
	}
	writeStatus(clientConn, code, msg)
}

// tunnel performs a bidirectional copy between two connections until
// either side closes.
func (s *Server) tunnel(a, b net.Conn) {
	done := make(chan struct{}, 2)
	cp := func(dst, src net.Conn) {
		_, _ = io.Copy(dst, src)
		// Half-close to unblock the other goroutine
		if tc, ok := dst.(*net.TCPConn); ok {
			_ = tc.CloseWrite()
		}
		done <- struct{}{}
	}
	go cp(a, b)
	go cp(b, a)
	<-done
	<-done
}

// -----------------------------------------------------------------------
// Request records
// -----------------------------------------------------------------------

// record is the gateway-side view of one attempt before it becomes a
// store.RequestRecord.
type record struct {
	Method    string
	URL       string
	Domain    string
	Proxy     string
	Strategy  string
	Attempt   int
	Status    int
	LatencyMS float64
	Blocked   bool
	Err       error
	Headers   map[string]string
}

// record pushes the attempt to the ring and the live channel. Fire and
// forget: logging never delays or fails the proxied response.
func (s *Server) record(r record) {
	rec := store.RequestRecord{
		ID:              uuid.NewString(),
		TS:              float64(time.Now().UnixNano()) / 1e9,
		Method:          r.Method,
		URL:             r.URL,
		TargetDomain:    r.Domain,
		ProxyIP:         r.Proxy,
		Status:          r.Status,
		LatencyMS:       r.LatencyMS,
		Blocked:         r.Blocked,
		Attempt:         r.Attempt,
		Strategy:        r.Strategy,
		ResponseHeaders: r.Headers,
	}
	if r.Err != nil {
		rec.Error = r.Err.Error()
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := s.st.PushRequest(ctx, rec); err != nil {
			s.log.Debug("push request record", zap.Error(err))
		}
	}()
}

// -----------------------------------------------------------------------
// Misc helpers
// -----------------------------------------------------------------------

func stripHopByHop(h http.Header) {
	for _, name := range hopByHopHeaders {
		h.Del(name)
	}
}

func flattenHeader(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for name := range h {
		out[name] = h.Get(name)
	}
	return out
}

func writeStatus(conn net.Conn, code int, msg string) {
	body := msg + "\n"
	_, _ = fmt.Fprintf(conn,
		"HTTP/1.1 %d %s\r\nContent-Type: text/plain; charset=utf-8\r\nContent-Length: %d\r\nConnection: close\r\n\r\n%s",
		code, http.StatusText(code), len(body), body)
}

func hasPort(host string) bool {
	_, _, err := net.SplitHostPort(host)
	return err == nil
}

func domainOf(destination string) string {
	host, _, err := net.SplitHostPort(destination)
	if err != nil {
		return strings.ToLower(destination)
	}
	return strings.ToLower(host)
}

func msSince(start time.Time) float64 {
	return float64(time.Since(start).Microseconds()) / 1000
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
