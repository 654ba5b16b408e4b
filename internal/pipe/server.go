// Package pipe is the client-facing side of gopipe.  It accepts client
// connections, leases a relay from the pool for each, dials the
// upstream and shuttles bytes until either side hangs up.
package pipe

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"gopipe/config"
	ncerr "gopipe/internal/errors"
	"gopipe/internal/metrics"
	"gopipe/internal/pool"
	"gopipe/internal/relay"
	"gopipe/internal/transport"
	"gopipe/util"
)

// Server accepts clients on Address and pipes each one to Upstream.
type Server struct {
	Address  string
	Upstream relay.Endpoint
	Dialer   transport.Dialer
	Pool     *pool.Pool[*relay.Relay]
	Logger   *util.Logger
	Metrics  *metrics.Collector

	// MetricsAddr, when set, serves /metrics and /json there.
	MetricsAddr string
	// Registry receives the server's collectors.  Nil means a private
	// registry.
	Registry *prometheus.Registry
	// BufSize sizes the reader wrapped around each client.
	BufSize int
	// WriteTimeout bounds a single write to a client (0 = none).
	WriteTimeout time.Duration
	// GracePeriod is how long Serve waits for open leases after its
	// context ends before cutting them off.
	GracePeriod time.Duration

	ln net.Listener

	mu      sync.Mutex
	leases  map[*lease]struct{}
	handled sync.WaitGroup
}

// lease is one client's pairing with a relay.
type lease struct {
	client net.Conn
	relay  *relay.Relay
	sink   *clientSink
}

// Listen binds Address.  It is called by Run; tests call it directly
// to learn the bound port before serving.
func (s *Server) Listen() (net.Addr, error) {
	ln, err := net.Listen("tcp", s.Address)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", s.Address, err)
	}
	s.ln = ln
	return ln.Addr(), nil
}

// Run listens and serves until ctx ends.
func (s *Server) Run(ctx context.Context) error {
	if _, err := s.Listen(); err != nil {
		return err
	}
	return s.Serve(ctx)
}

// Serve accepts clients on the bound listener until ctx ends or the
// listener fails, then drains open leases.
func (s *Server) Serve(ctx context.Context) error {
	if s.ln == nil {
		return errors.New("pipe: Serve called before Listen")
	}
	if s.Logger == nil {
		s.Logger = util.NewLogger(0)
	}
	if s.BufSize <= 0 {
		s.BufSize = config.DefaultBufSize
	}
	if s.GracePeriod <= 0 {
		s.GracePeriod = config.DefaultGracePeriod
	}
	s.mu.Lock()
	s.leases = make(map[*lease]struct{})
	s.mu.Unlock()

	var msrv *http.Server
	if s.MetricsAddr != "" {
		srv, err := s.metricsServer()
		if err != nil {
			s.ln.Close()
			return err
		}
		msrv = srv
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return s.acceptLoop(gctx) })
	g.Go(func() error {
		<-gctx.Done()
		s.ln.Close()
		return nil
	})
	if msrv != nil {
		g.Go(func() error {
			s.Logger.Verbose("metrics on http://%s/metrics", s.MetricsAddr)
			if err := msrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			sctx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			return msrv.Shutdown(sctx)
		})
	}

	err := g.Wait()
	s.drain()
	return err
}

func (s *Server) acceptLoop(ctx context.Context) error {
	s.Logger.Info("listening on %s, piping to %s", s.ln.Addr(), s.Upstream)

	for {
		conn, err := s.ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return fmt.Errorf("accept: %w", err)
			}
		}
		s.Logger.Verbose("connection from %s", conn.RemoteAddr())

		s.handled.Add(1)
		go s.serveClient(ctx, conn)
	}
}

// serveClient runs one lease from borrow to return.
func (s *Server) serveClient(ctx context.Context, conn net.Conn) {
	defer s.handled.Done()
	log := s.Logger.Named(conn.RemoteAddr().String())

	r, err := s.Pool.Borrow()
	if err != nil {
		log.Warn("no relay available: %v", err)
		s.Metrics.RecordError(err.Error())
		conn.Close()
		return
	}
	r.SetEndpoint(s.Upstream.Host, s.Upstream.Port)

	up, err := s.Dialer.Dial(ctx, "tcp", s.Upstream.String())
	if err != nil {
		log.Warn("upstream %s: %v", s.Upstream, err)
		s.Metrics.RecordError(err.Error())
		conn.Close()
		s.giveBack(r, log)
		return
	}

	sink := newClientSink(conn, log, s.WriteTimeout)
	if err := r.Initialize(up, sink); err != nil {
		// The relay already asked the sink to hang up.
		up.Close()
		if errors.Is(err, ncerr.ErrRelayTerminated) {
			if err := s.Pool.Invalidate(r); err != nil {
				log.Debug("invalidate relay: %v", err)
			}
			return
		}
		s.giveBack(r, log)
		return
	}

	l := &lease{client: conn, relay: r, sink: sink}
	s.track(l)
	s.Metrics.LeaseOpened()

	s.pump(l, log)

	r.Teardown()
	sink.CloseConnection()
	s.untrack(l)
	s.Metrics.LeaseClosed()
	s.giveBack(r, log)
	log.Verbose("lease ended")
}

// pump drains the client into the relay until the client goes away or
// the upstream side ends the lease.
func (s *Server) pump(l *lease, log *util.Logger) {
	in := bufio.NewReaderSize(l.client, s.BufSize)
	for {
		chunk, err := relay.Drain(in)
		if err != nil {
			switch {
			case err == io.EOF:
				log.Verbose("client closed")
			case l.sink.isClosed() || util.IsHarmless(err):
				log.Debug("client read after close: %v", err)
			default:
				log.Warn("client read: %v", err)
				s.Metrics.RecordError(err.Error())
			}
			return
		}
		if err := l.relay.Send(chunk); err != nil {
			log.Debug("send upstream: %v", err)
			return
		}
	}
}

func (s *Server) giveBack(r *relay.Relay, log *util.Logger) {
	if err := s.Pool.Return(r); err != nil {
		log.Debug("return relay: %v", err)
	}
}

func (s *Server) track(l *lease) {
	s.mu.Lock()
	s.leases[l] = struct{}{}
	s.mu.Unlock()
}

func (s *Server) untrack(l *lease) {
	s.mu.Lock()
	delete(s.leases, l)
	s.mu.Unlock()
}

// ActiveLeases returns how many clients are currently piped.
func (s *Server) ActiveLeases() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.leases)
}

// drain waits up to GracePeriod for open leases, then cancels the rest.
func (s *Server) drain() {
	done := make(chan struct{})
	go func() {
		s.handled.Wait()
		close(done)
	}()

	select {
	case <-done:
		return
	case <-time.After(s.GracePeriod):
	}

	s.mu.Lock()
	open := make([]*lease, 0, len(s.leases))
	for l := range s.leases {
		open = append(open, l)
	}
	s.mu.Unlock()

	s.Logger.Warn("grace period over, cutting %d open lease(s)", len(open))
	for _, l := range open {
		l.relay.Cancel()
		l.sink.CloseConnection()
	}
	<-done
}

// metricsServer builds the HTTP server for MetricsAddr with the
// collector and pool gauges registered on Registry.
func (s *Server) metricsServer() (*http.Server, error) {
	reg := s.Registry
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	if err := s.Metrics.Register(reg); err != nil {
		return nil, fmt.Errorf("register metrics: %w", err)
	}
	if s.Pool != nil {
		err := reg.Register(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "gopipe",
			Name:      "pool_idle_relays",
			Help:      "Passivated relays parked in the pool.",
		}, func() float64 { return float64(s.Pool.Stats().Idle) }))
		if err != nil {
			return nil, fmt.Errorf("register pool gauge: %w", err)
		}
	}
	return &http.Server{
		Addr:              s.MetricsAddr,
		Handler:           s.Metrics.Handler(reg),
		ReadHeaderTimeout: 5 * time.Second,
	}, nil
}
