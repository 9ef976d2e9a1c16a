package mailbox

import (
	"context"
	"flag"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/coder/quartz"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/services"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/quercusdb/quercus/pkg/query/block"
	"github.com/quercusdb/quercus/pkg/query/plan"
)

// Config configures the mailbox service of one worker process.
type Config struct {
	// ListenAddr is the TCP address accepting block frames from peer
	// workers. Empty disables the listener; all channels are then local.
	ListenAddr string `yaml:"listen_addr"`
	// Hostname is the advertised hostname forming this worker's virtual
	// address.
	Hostname string `yaml:"hostname"`
	// Port is the advertised port. When 0 and a listener is configured, the
	// bound port is used.
	Port     int `yaml:"port"`
	WorkerID int `yaml:"worker_id"`

	QueueCapacity    int           `yaml:"queue_capacity"`
	SendPollInterval time.Duration `yaml:"send_poll_interval"`
	// ReleaseGrace is how long an expired, unreferenced channel survives
	// before the reaper drops it.
	ReleaseGrace time.Duration `yaml:"release_grace"`
	MaxFrameSize int           `yaml:"max_frame_size"`
	DialTimeout  time.Duration `yaml:"dial_timeout"`
}

func (cfg *Config) RegisterFlags(f *flag.FlagSet) {
	f.StringVar(&cfg.ListenAddr, "mailbox.listen-addr", "", "TCP address for incoming mailbox frames from peer workers. Empty disables remote mailboxes.")
	f.StringVar(&cfg.Hostname, "mailbox.hostname", "localhost", "Advertised hostname of this worker's mailbox endpoint.")
	f.IntVar(&cfg.Port, "mailbox.port", 0, "Advertised port of this worker's mailbox endpoint. 0 uses the bound listener port.")
	f.IntVar(&cfg.WorkerID, "mailbox.worker-id", 0, "Worker id within stage assignments.")
	f.IntVar(&cfg.QueueCapacity, "mailbox.queue-capacity", 64, "Blocks buffered per channel before senders see backpressure.")
	f.DurationVar(&cfg.SendPollInterval, "mailbox.send-poll-interval", 10*time.Millisecond, "Bounded wait between enqueue attempts on a full channel.")
	f.DurationVar(&cfg.ReleaseGrace, "mailbox.release-grace", time.Minute, "How long an expired unreferenced channel is kept before it is dropped.")
	f.IntVar(&cfg.MaxFrameSize, "mailbox.max-frame-size", 100<<20, "Maximum size of one incoming block frame in bytes.")
	f.DurationVar(&cfg.DialTimeout, "mailbox.dial-timeout", 5*time.Second, "Timeout for dialing a peer worker.")
}

func (cfg *Config) Validate() error {
	if cfg.QueueCapacity <= 0 {
		return errors.New("mailbox queue capacity must be positive")
	}
	if cfg.MaxFrameSize <= 0 {
		return errors.New("mailbox max frame size must be positive")
	}
	return nil
}

// Service creates and looks up channels by address and moves remote blocks
// across the network. It is a process-wide resource owned by the query
// runner's lifecycle: started once, shut down once.
type Service struct {
	services.Service

	cfg     Config
	logger  log.Logger
	clock   quartz.Clock
	metrics *metrics

	local    plan.VirtualServer
	listener net.Listener

	mu     sync.Mutex
	queues map[string]*queue
	conns  map[net.Conn]struct{}

	wg sync.WaitGroup
}

// New builds the service. When cfg.ListenAddr is set the listener is bound
// immediately so the advertised address is known before Start.
func New(cfg Config, logger log.Logger, reg prometheus.Registerer) (*Service, error) {
	s := &Service{
		cfg:     cfg,
		logger:  log.With(logger, "component", "mailbox"),
		clock:   quartz.NewReal(),
		metrics: newMetrics(reg),
		queues:  make(map[string]*queue),
		conns:   make(map[net.Conn]struct{}),
	}

	port := cfg.Port
	if cfg.ListenAddr != "" {
		l, err := net.Listen("tcp", cfg.ListenAddr)
		if err != nil {
			return nil, errors.Wrap(err, "binding mailbox listener")
		}
		s.listener = l
		if port == 0 {
			port = l.Addr().(*net.TCPAddr).Port
		}
	}
	s.local = plan.VirtualServer{Hostname: cfg.Hostname, Port: port, WorkerID: cfg.WorkerID}

	s.Service = services.NewBasicService(nil, s.running, s.stopping)
	return s, nil
}

// Local returns this worker's advertised virtual address.
func (s *Service) Local() plan.VirtualServer { return s.local }

func (s *Service) running(ctx context.Context) error {
	if s.listener != nil {
		s.wg.Add(1)
		go s.acceptLoop(ctx)
	}

	ticker := s.clock.NewTicker(s.cfg.ReleaseGrace / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.reap()
		}
	}
}

func (s *Service) stopping(_ error) error {
	if s.listener != nil {
		_ = s.listener.Close()
	}
	s.mu.Lock()
	for c := range s.conns {
		_ = c.Close()
	}
	s.mu.Unlock()
	s.wg.Wait()
	return nil
}

// OpenSender returns a send handle bound to exactly one receiver. The
// channel is local when the receiver is this worker, remote otherwise.
func (s *Service) OpenSender(addr plan.MailboxAddr, deadline time.Time) (Sender, error) {
	if addr.Receiver.Equal(s.local) {
		return &localSender{svc: s, q: s.getOrCreate(addr, deadline)}, nil
	}
	if addr.Receiver.Hostname == "" {
		return nil, errors.Errorf("mailbox %s has no receiver address", addr.ID())
	}
	return &remoteSender{svc: s, addr: addr, deadline: deadline}, nil
}

// OpenReceiver returns the consuming end of a channel, creating it if
// neither side has referenced it yet.
func (s *Service) OpenReceiver(addr plan.MailboxAddr, deadline time.Time) Receiver {
	return &receiver{svc: s, q: s.getOrCreate(addr, deadline)}
}

// ReleaseForRequest force-drops every channel of a cancelled or expired
// query, discarding queued blocks.
func (s *Service) ReleaseForRequest(requestID uint64) {
	s.mu.Lock()
	var victims []*queue
	for _, q := range s.queues {
		if q.requestID == requestID {
			victims = append(victims, q)
			delete(s.queues, q.id)
		}
	}
	s.mu.Unlock()
	for _, q := range victims {
		q.release()
		s.metrics.releasedTotal.WithLabelValues(releaseForced).Inc()
	}
	if len(victims) > 0 {
		level.Debug(s.logger).Log("msg", "released request mailboxes", "request_id", requestID, "count", len(victims))
	}
	s.metrics.openQueues.Set(float64(s.queueCount()))
}

func (s *Service) getOrCreate(addr plan.MailboxAddr, deadline time.Time) *queue {
	id := addr.ID()
	s.mu.Lock()
	defer s.mu.Unlock()
	if q, ok := s.queues[id]; ok {
		q.extendDeadline(deadline)
		return q
	}
	q := &queue{
		id:        id,
		requestID: addr.RequestID,
		deadline:  deadline,
		ch:        make(chan *block.Block, s.cfg.QueueCapacity),
	}
	s.queues[id] = q
	s.metrics.openQueues.Set(float64(len(s.queues)))
	return q
}

// maybeRelease drops a channel once both ends observed a terminal block;
// whichever side observes termination last performs the release.
func (s *Service) maybeRelease(q *queue) {
	if q.bothDone() {
		s.drop(q.id)
		s.metrics.releasedTotal.WithLabelValues(releaseTerminal).Inc()
	}
}

func (s *Service) drop(id string) {
	s.mu.Lock()
	delete(s.queues, id)
	n := len(s.queues)
	s.mu.Unlock()
	s.metrics.openQueues.Set(float64(n))
}

func (s *Service) queueCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queues)
}

// reap drops channels whose owning query's deadline passed more than the
// grace period ago without both ends observing termination.
func (s *Service) reap() {
	now := s.clock.Now()
	s.mu.Lock()
	var victims []*queue
	for _, q := range s.queues {
		q.mu.Lock()
		expired := !q.deadline.IsZero() && now.After(q.deadline.Add(s.cfg.ReleaseGrace))
		q.mu.Unlock()
		if expired {
			victims = append(victims, q)
			delete(s.queues, q.id)
		}
	}
	n := len(s.queues)
	s.mu.Unlock()
	for _, q := range victims {
		q.release()
		s.metrics.releasedTotal.WithLabelValues(releaseExpired).Inc()
		level.Warn(s.logger).Log("msg", "reaped expired mailbox", "mailbox", q.id)
	}
	s.metrics.openQueues.Set(float64(n))
}

func (s *Service) trackConn(c net.Conn) {
	s.mu.Lock()
	s.conns[c] = struct{}{}
	s.mu.Unlock()
}

func (s *Service) untrackConn(c net.Conn) {
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
}

func (s *Service) String() string {
	return fmt.Sprintf("mailbox.Service(%s)", s.local)
}
