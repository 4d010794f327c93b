package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/gregtusar/fixgateway/pkg/gateway"
	"github.com/gregtusar/fixgateway/pkg/models"
	"github.com/gregtusar/fixgateway/pkg/tracker"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// Gateway is the read side of the dispatcher served by the API.
type Gateway interface {
	Status() gateway.Status
	Orders(withHistory bool) tracker.OrderSnapshot
	Positions() tracker.PositionsSnapshot
	Ledger() []tracker.PositionUpdate
	ExecReports() []*models.ExecReport
	TradeReports() []*models.TradeReport
}

var _ Gateway = (*gateway.Dispatcher)(nil)

type Server struct {
	gateway  Gateway
	gatherer prometheus.Gatherer
	logger   *logrus.Logger
	port     int
	now      func() time.Time
}

// NewServer serves metrics from gatherer; a nil gatherer disables /metrics.
func NewServer(gw Gateway, gatherer prometheus.Gatherer, logger *logrus.Logger, port int) *Server {
	return &Server{
		gateway:  gw,
		gatherer: gatherer,
		logger:   logger,
		port:     port,
		now:      time.Now,
	}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/api/health", s.handleHealth)
	mux.HandleFunc("/api/status", s.handleStatus)
	mux.HandleFunc("/api/orders", s.handleOrders)
	mux.HandleFunc("/api/positions", s.handlePositions)
	mux.HandleFunc("/api/ledger", s.handleLedger)
	mux.HandleFunc("/api/exec-reports", s.handleExecReports)
	mux.HandleFunc("/api/trades", s.handleTrades)
	if s.gatherer != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}

	return corsMiddleware(mux)
}

func (s *Server) Start() error {
	s.logger.Infof("Starting API server on port %d", s.port)
	return http.ListenAndServe(fmt.Sprintf(":%d", s.port), s.Handler())
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := s.gateway.Status()

	code := http.StatusOK
	health := "healthy"
	if status.Finished || !status.SessionUp {
		code = http.StatusServiceUnavailable
		health = "unavailable"
	}

	s.writeJSON(w, code, map[string]interface{}{
		"status":    health,
		"logged_on": status.LoggedOn,
		"ready":     status.Ready,
		"timestamp": s.now().UTC(),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if !allowGet(w, r) {
		return
	}
	s.writeJSON(w, http.StatusOK, s.gateway.Status())
}

func (s *Server) handleOrders(w http.ResponseWriter, r *http.Request) {
	if !allowGet(w, r) {
		return
	}
	withHistory := r.URL.Query().Get("history") == "true"
	s.writeJSON(w, http.StatusOK, s.gateway.Orders(withHistory))
}

// PositionView is a net position keyed inline.
type PositionView struct {
	tracker.PositionKey
	Quantity   decimal.Decimal `json:"quantity"`
	UpdateTime time.Time       `json:"update_time"`
}

func positionViews(snapshot tracker.PositionsSnapshot) []PositionView {
	views := make([]PositionView, 0, len(snapshot.Positions))
	for key, pos := range snapshot.Positions {
		views = append(views, PositionView{
			PositionKey: key,
			Quantity:    pos.Quantity,
			UpdateTime:  pos.UpdateTime,
		})
	}
	sort.Slice(views, func(i, j int) bool {
		return views[i].PositionKey.String() < views[j].PositionKey.String()
	})
	return views
}

func (s *Server) handlePositions(w http.ResponseWriter, r *http.Request) {
	if !allowGet(w, r) {
		return
	}
	s.writeJSON(w, http.StatusOK, positionViews(s.gateway.Positions()))
}

func (s *Server) handleLedger(w http.ResponseWriter, r *http.Request) {
	if !allowGet(w, r) {
		return
	}
	s.writeJSON(w, http.StatusOK, s.gateway.Ledger())
}

func (s *Server) handleExecReports(w http.ResponseWriter, r *http.Request) {
	if !allowGet(w, r) {
		return
	}
	s.writeJSON(w, http.StatusOK, s.gateway.ExecReports())
}

func (s *Server) handleTrades(w http.ResponseWriter, r *http.Request) {
	if !allowGet(w, r) {
		return
	}
	s.writeJSON(w, http.StatusOK, s.gateway.TradeReports())
}

func allowGet(w http.ResponseWriter, r *http.Request) bool {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return false
	}
	return true
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.WithError(err).Error("Failed to encode JSON response")
	}
}
