package status

import (
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/pingcap-incubator/seqkv/kv/directory"
	"github.com/pingcap-incubator/seqkv/kv/sequencer"
	"github.com/pingcap-incubator/seqkv/kv/server"
	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/unrolled/render"
	"github.com/urfave/negroni"
	"go.uber.org/zap"
)

// Service is the HTTP status surface of one process. Every process serves /status and /metrics;
// the API routes depend on what the process runs.
type Service struct {
	addr   string
	role   string
	start  time.Time
	rd     *render.Render
	router *mux.Router

	listener net.Listener
	srv      *http.Server
}

// Status answers /status.
type Status struct {
	Role      string    `json:"role"`
	StartTime time.Time `json:"start_time"`
}

func NewService(addr, role string) *Service {
	s := &Service{
		addr:   addr,
		role:   role,
		start:  time.Now(),
		rd:     render.New(render.Options{IndentJSON: true}),
		router: mux.NewRouter(),
	}
	s.router.HandleFunc("/status", s.getStatus).Methods("GET")
	s.router.Handle("/metrics", promhttp.Handler()).Methods("GET")
	return s
}

func (s *Service) getStatus(w http.ResponseWriter, r *http.Request) {
	s.rd.JSON(w, http.StatusOK, &Status{Role: s.role, StartTime: s.start})
}

// AddReplica exposes the holdback queue of a replica.
func (s *Service) AddReplica(svr *server.Server) {
	h := newHoldbackHandler(svr, s.rd)
	s.router.HandleFunc("/api/v1/holdback", h.Get).Methods("GET")
}

// AddSequencer exposes the next order number of a sequencer.
func (s *Service) AddSequencer(seq *sequencer.Sequencer) {
	h := newSequenceHandler(seq, s.rd)
	s.router.HandleFunc("/api/v1/sequence", h.Get).Methods("GET")
}

// AddDirectory exposes the membership held by a directory.
func (s *Service) AddDirectory(dir *directory.Server) {
	h := newMembersHandler(dir, s.rd)
	s.router.HandleFunc("/api/v1/members", h.Get).Methods("GET")
}

// Handler is the router wrapped in recovery and request logging.
func (s *Service) Handler() http.Handler {
	n := negroni.New(negroni.NewRecovery(), negroni.HandlerFunc(logRequest))
	n.UseHandler(s.router)
	return n
}

func logRequest(rw http.ResponseWriter, r *http.Request, next http.HandlerFunc) {
	start := time.Now()
	next(rw, r)
	status := 0
	if res, ok := rw.(negroni.ResponseWriter); ok {
		status = res.Status()
	}
	log.Debug("status request", zap.String("method", r.Method), zap.String("path", r.URL.Path),
		zap.Int("status", status), zap.Duration("cost", time.Since(start)))
}

// Start serves in the background. An empty address disables the service.
func (s *Service) Start() error {
	if s.addr == "" {
		return nil
	}
	l, err := net.Listen("tcp", s.addr)
	if err != nil {
		return errors.Annotatef(err, "status listen on %s", s.addr)
	}
	s.listener = l
	s.srv = &http.Server{Handler: s.Handler()}
	go func() {
		log.Info("status service listening", zap.String("addr", l.Addr().String()), zap.String("role", s.role))
		if err := s.srv.Serve(l); err != nil && err != http.ErrServerClosed {
			log.Error("status service stopped", zap.Error(err))
		}
	}()
	return nil
}

// Addr is the bound address, valid after Start.
func (s *Service) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

func (s *Service) Stop() error {
	if s.srv == nil {
		return nil
	}
	return errors.WithStack(s.srv.Close())
}
