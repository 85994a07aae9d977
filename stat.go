package mqttd

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/golang-io/requests"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Stat struct {
	Uptime            prometheus.Counter
	ActiveConnections prometheus.Gauge
	ListenerSockets   prometheus.Gauge
	Sessions          prometheus.Gauge
	PacketReceived    prometheus.Counter
	PacketSent        prometheus.Counter
	MessagesDropped   prometheus.Counter
	WillsSent         prometheus.Counter
	SessionsExpired   prometheus.Counter

	once sync.Once
}

var (
	stat = Stat{
		Uptime:            prometheus.NewCounter(prometheus.CounterOpts{Name: "mqttd_uptime_seconds", Help: "The uptime in seconds"}),
		ActiveConnections: prometheus.NewGauge(prometheus.GaugeOpts{Name: "mqttd_active_client_count", Help: "The active number of MQTT clients"}),
		ListenerSockets:   prometheus.NewGauge(prometheus.GaugeOpts{Name: "mqttd_listener_sockets", Help: "The number of open listening sockets"}),
		Sessions:          prometheus.NewGauge(prometheus.GaugeOpts{Name: "mqttd_sessions", Help: "The number of client sessions held by the broker"}),
		PacketReceived:    prometheus.NewCounter(prometheus.CounterOpts{Name: "mqttd_received_packets", Help: "The total number of received MQTT packets"}),
		PacketSent:        prometheus.NewCounter(prometheus.CounterOpts{Name: "mqttd_send_packets", Help: "The total number of send MQTT packets"}),
		MessagesDropped:   prometheus.NewCounter(prometheus.CounterOpts{Name: "mqttd_dropped_messages", Help: "The total number of messages dropped on full queues"}),
		WillsSent:         prometheus.NewCounter(prometheus.CounterOpts{Name: "mqttd_wills_sent", Help: "The total number of will messages published"}),
		SessionsExpired:   prometheus.NewCounter(prometheus.CounterOpts{Name: "mqttd_sessions_expired", Help: "The total number of expired sessions"}),
	}
)

func ServerLog(ctx context.Context, stat *requests.Stat) {
	b, err := json.Marshal(stat.Request.Body)
	log.Printf("%s # body=%s, resp=%v, err=%v", stat.Print(), b, stat.Response.Body, err)
}

// Httpd serves /metrics and pprof on url until ctx is done.
func Httpd(ctx context.Context, url string) error {
	stat.Register()
	stat.RefreshUptime(ctx)
	mux := requests.NewServeMux(requests.URL(url), requests.Logf(ServerLog))
	mux.Route("/metrics", promhttp.Handler())
	mux.Pprof()
	s := requests.NewServer(ctx, mux, requests.OnStart(func(s *http.Server) {
		log.Printf("http serve: %s", s.Addr)
	}))
	if err := s.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Stat) RefreshUptime(ctx context.Context) {
	go func() {
		tick := time.NewTicker(time.Second)
		defer tick.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-tick.C:
				s.Uptime.Inc()
			}
		}
	}()
}

// Register adds the collectors to the default registry once per process.
func (s *Stat) Register() {
	s.once.Do(func() {
		prometheus.MustRegister(s.Uptime)
		prometheus.MustRegister(s.ActiveConnections)
		prometheus.MustRegister(s.ListenerSockets)
		prometheus.MustRegister(s.Sessions)
		prometheus.MustRegister(s.PacketReceived)
		prometheus.MustRegister(s.PacketSent)
		prometheus.MustRegister(s.MessagesDropped)
		prometheus.MustRegister(s.WillsSent)
		prometheus.MustRegister(s.SessionsExpired)
	})
}
