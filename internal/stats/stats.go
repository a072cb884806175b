package stats

import (
	"encoding/json"
	"expvar"
	"net/http"
	"time"
)

const statsMapName = "coordinator-stats"

// Metric names registered by the coordinator.
const (
	ActiveConnections   = "ActiveConnections"
	TotalSessions       = "TotalSessions"
	ActiveRooms         = "ActiveRooms"
	MessagesProcessed   = "MessagesProcessed"
	RateLimitedMessages = "RateLimitedMessages"
	BroadcastsSent      = "BroadcastsSent"
)

type StatsProvider interface {
	Incr(name string)
	Decr(name string)
	RegisterMetric(name string)
	Run()
}

type StatsUpdater struct {
	vars       *expvar.Map
	updateChan chan *metricsUpdateReq
}

type metricsUpdateReq struct {
	name  string
	value int
}

func (su *StatsUpdater) expvarHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	expvarData := make(map[string]any)
	su.vars.Do(func(kv expvar.KeyValue) {
		var value any
		json.Unmarshal([]byte(kv.Value.String()), &value)
		expvarData[kv.Key] = value
	})

	json.NewEncoder(w).Encode(expvarData)
}

// NewStatsUpdater creates a new stats updater instance. A nil mux skips
// route registration; call Register later with the serving mux.
func NewStatsUpdater(mux *http.ServeMux) *StatsUpdater {
	su := &StatsUpdater{
		updateChan: make(chan *metricsUpdateReq, 512),
	}
	if mux != nil {
		su.Register(mux)
	}

	// expvar's registry is process-global and panics on reuse, so a
	// rebuilt updater reattaches to the existing map
	if existing, ok := expvar.Get(statsMapName).(*expvar.Map); ok {
		existing.Init()
		su.vars = existing
	} else {
		su.vars = expvar.NewMap(statsMapName)
	}
	su.initializeMetrics()

	return su
}

// Register attaches the expvar endpoint to mux.
func (su *StatsUpdater) Register(mux *http.ServeMux) {
	mux.Handle("GET /debug/vars", http.HandlerFunc(su.expvarHandler))
}

func (su *StatsUpdater) initializeMetrics() {
	startTime := time.Now()
	su.vars.Set("Uptime", expvar.Func(func() any {
		return time.Since(startTime).Milliseconds()
	}))
}

func (su *StatsUpdater) updateMetrics() {
	for req := range su.updateChan {
		metric := su.vars.Get(req.name)
		if metric == nil {
			panic("metric not found: " + req.name)
		}

		metric.(*expvar.Int).Add(int64(req.value))
	}
}

func (su *StatsUpdater) Incr(name string) {
	su.updateChan <- &metricsUpdateReq{name: name, value: 1}
}

func (su *StatsUpdater) Decr(name string) {
	su.updateChan <- &metricsUpdateReq{name: name, value: -1}
}

func (su *StatsUpdater) RegisterMetric(name string) {
	// expvar panics on duplicate names, so pick up a previously
	// published metric instead of minting a new one
	if v, ok := expvar.Get(name).(*expvar.Int); ok {
		v.Set(0)
		su.vars.Set(name, v)
		return
	}
	su.vars.Set(name, expvar.NewInt(name))
}

func (su *StatsUpdater) Run() {
	go su.updateMetrics()
}

func (su *StatsUpdater) Stop() {
	close(su.updateChan)
}
