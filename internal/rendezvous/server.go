// Package rendezvous is the hub every shrive client connects to: the
// realtime tree over a websocket plus a small JSON API for sign-in and the
// priest directory.
package rendezvous

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/shrive/internal/identity"
	"github.com/petervdpas/shrive/internal/profile"
	"github.com/petervdpas/shrive/internal/realtime"
	"github.com/petervdpas/shrive/internal/util"
)

var log = logging.Logger("rendezvous")

type Server struct {
	addr          string
	externalURL   string
	adminPassword string

	rt       *realtime.Server
	ident    identity.Provider
	profiles *profile.Service

	mu  sync.Mutex
	srv *http.Server
	ln  net.Listener

	// per-IP rate limiter for /api/auth
	rateMu     sync.Mutex
	rateWindow map[string]*rateBucket
}

// rateBucket is a fixed-size ring buffer of timestamps for rate limiting.
const rateBucketCap = 30

type rateBucket struct {
	times [rateBucketCap]time.Time
	head  int
	count int
}

type Option func(*Server)

// WithAdminPassword enables /api/admin behind HTTP Basic Auth.
func WithAdminPassword(pw string) Option {
	return func(s *Server) { s.adminPassword = pw }
}

// WithExternalURL is the URL reported by URL(), for hubs behind NAT or a
// reverse proxy.
func WithExternalURL(u string) Option {
	return func(s *Server) { s.externalURL = util.NormalizeURL(u) }
}

// New creates a hub serving store, ident and profiles on addr.
func New(addr string, store realtime.Store, ident identity.Provider, profiles *profile.Service, opts ...Option) *Server {
	s := &Server{
		addr:       addr,
		rt:         realtime.NewServer(store),
		ident:      ident,
		profiles:   profiles,
		rateWindow: make(map[string]*rateBucket),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Handler returns the hub's routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("content-type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte("ok"))
	})
	mux.Handle("/realtime", s.rt)
	mux.HandleFunc("/api/openapi.json", s.handleOpenAPI)

	mux.HandleFunc("/api/auth/anonymous", s.limited(s.handleAnonymous))
	mux.HandleFunc("/api/auth/register", s.limited(s.handleRegister))
	mux.HandleFunc("/api/auth/signin", s.limited(s.handleSignIn))
	mux.HandleFunc("/api/priests", s.handlePriests)
	mux.HandleFunc("/api/profile", s.handleProfile)
	mux.HandleFunc("/api/profile/availability", s.handleAvailability)
	mux.HandleFunc("/api/admin/verify", s.handleVerify)
	return mux
}

// Start listens on addr and serves until ctx ends.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	s.mu.Lock()
	s.srv, s.ln = srv, ln
	s.mu.Unlock()

	// Stop server when ctx ends
	go func() {
		<-ctx.Done()
		shctx, cancel := context.WithTimeout(context.Background(), util.ShortTimeout)
		defer cancel()
		s.rt.Close()
		_ = srv.Shutdown(shctx)
	}()

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Errorf("hub server error: %v", err)
		}
	}()

	log.Infof("hub listening on %s", ln.Addr())
	for _, u := range s.connectURLs() {
		log.Infof("  reachable at %s", u)
	}
	return nil
}

// Addr is the bound listen address once Start returned.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln != nil {
		return s.ln.Addr().String()
	}
	return s.addr
}

func (s *Server) URL() string {
	if s.externalURL != "" {
		return s.externalURL
	}
	return "http://" + s.Addr()
}

// Connections is the number of open realtime websockets.
func (s *Server) Connections() int {
	return s.rt.Connections()
}

// connectURLs returns HTTP URLs that clients on other machines can use to
// reach this hub. If an external URL is configured, it returns that.
// Otherwise, it pairs non-loopback IPv4 addresses with the listen port.
func (s *Server) connectURLs() []string {
	if s.externalURL != "" {
		return []string{s.externalURL}
	}

	host, port, _ := net.SplitHostPort(s.Addr())
	if port == "" {
		return nil
	}
	if ip := net.ParseIP(host); ip != nil && !ip.IsUnspecified() {
		return []string{fmt.Sprintf("http://%s", net.JoinHostPort(host, port))}
	}

	ifaces, err := net.Interfaces()
	if err != nil {
		return nil
	}

	var urls []string
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		// Skip Docker, veth, and other virtual bridge interfaces
		name := strings.ToLower(iface.Name)
		if strings.HasPrefix(name, "docker") ||
			strings.HasPrefix(name, "veth") ||
			strings.HasPrefix(name, "br-") ||
			strings.HasPrefix(name, "virbr") {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, a := range addrs {
			var ip net.IP
			switch v := a.(type) {
			case *net.IPNet:
				ip = v.IP
			case *net.IPAddr:
				ip = v.IP
			}
			if ip == nil || ip.IsLoopback() || ip.To4() == nil {
				continue
			}
			urls = append(urls, fmt.Sprintf("http://%s:%s", ip.String(), port))
		}
	}
	return urls
}

// requireAdmin checks HTTP Basic Auth. Returns true if authorized.
func (s *Server) requireAdmin(w http.ResponseWriter, r *http.Request) bool {
	if s.adminPassword == "" {
		http.Error(w, "admin api disabled", http.StatusForbidden)
		return false
	}
	user, pass, ok := r.BasicAuth()
	if !ok || user != "admin" || pass != s.adminPassword {
		w.Header().Set("WWW-Authenticate", `Basic realm="shrive admin"`)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return false
	}
	return true
}

func (s *Server) limited(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.allow(extractIP(r.RemoteAddr), time.Now()) {
			http.Error(w, "too many requests", http.StatusTooManyRequests)
			return
		}
		h(w, r)
	}
}

func extractIP(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}

// allow checks the per-IP sliding window rate limit (rateBucketCap per minute).
func (s *Server) allow(ip string, now time.Time) bool {
	cutoff := now.Add(-time.Minute)

	s.rateMu.Lock()
	defer s.rateMu.Unlock()

	bucket, ok := s.rateWindow[ip]
	if !ok {
		bucket = &rateBucket{}
		s.rateWindow[ip] = bucket
	}
	bucket.trim(cutoff)

	if bucket.count >= rateBucketCap {
		return false
	}
	idx := (bucket.head + bucket.count) % rateBucketCap
	bucket.times[idx] = now
	bucket.count++

	// drop idle buckets while we hold the lock anyway
	if len(s.rateWindow) > 1024 {
		for k, b := range s.rateWindow {
			if b.trim(cutoff); b.count == 0 {
				delete(s.rateWindow, k)
			}
		}
	}
	return true
}

// trim drops expired entries from the front.
func (b *rateBucket) trim(cutoff time.Time) {
	for b.count > 0 {
		if b.times[b.head].After(cutoff) {
			return
		}
		b.head = (b.head + 1) % rateBucketCap
		b.count--
	}
}
