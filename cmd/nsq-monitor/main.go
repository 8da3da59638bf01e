// nsq-monitor polls nsqd stats and exports backlog gauges for the worker
// cycle topic and the job events topic.
package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/tidwall/gjson"

	"github.com/austindbirch/harbor_jobs/internal/config"
	"github.com/austindbirch/harbor_jobs/internal/logging"
)

type monitor struct {
	statsURL     string
	cycleTopic   string
	cycleChannel string
	topics       map[string]bool
	client       *http.Client

	pendingNudges   prometheus.Gauge
	topicDepth      *prometheus.GaugeVec
	channelDepth    *prometheus.GaugeVec
	channelInflight *prometheus.GaugeVec
}

func newMonitor(nsqdHTTP string, cfg config.NSQ, reg prometheus.Registerer) *monitor {
	m := &monitor{
		statsURL:     fmt.Sprintf("http://%s/stats?format=json", nsqdHTTP),
		cycleTopic:   cfg.CycleTopic,
		cycleChannel: cfg.CycleChannel,
		topics:       map[string]bool{cfg.CycleTopic: true, cfg.EventsTopic: true},
		client:       &http.Client{Timeout: 5 * time.Second},

		pendingNudges: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "harborjobs_pending_nudges",
			Help: "Cycle nudges waiting on the worker channel",
		}),
		topicDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "harborjobs_nsq_topic_depth",
			Help: "Messages buffered on the topic itself",
		}, []string{"topic"}),
		channelDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "harborjobs_nsq_channel_depth",
			Help: "Depth of NSQ channels by topic and channel",
		}, []string{"topic", "channel"}),
		channelInflight: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "harborjobs_nsq_channel_inflight",
			Help: "In-flight messages for NSQ channels by topic and channel",
		}, []string{"topic", "channel"}),
	}
	reg.MustRegister(m.pendingNudges, m.topicDepth, m.channelDepth, m.channelInflight)
	return m
}

// update reads one stats snapshot. Topics other than the two it watches
// are ignored.
func (m *monitor) update(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.statsURL, nil)
	if err != nil {
		return err
	}
	resp, err := m.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to get NSQ stats: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("nsqd stats returned %d", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if !gjson.ValidBytes(body) {
		return fmt.Errorf("failed to decode NSQ stats")
	}

	// nsqd < 1.0 wraps the payload in "data".
	stats := gjson.ParseBytes(body)
	if d := stats.Get("data"); d.IsObject() {
		stats = d
	}
	stats.Get("topics").ForEach(func(_, topic gjson.Result) bool {
		name := topic.Get("topic_name").String()
		if !m.topics[name] {
			return true
		}
		m.topicDepth.WithLabelValues(name).Set(topic.Get("depth").Float())
		topic.Get("channels").ForEach(func(_, ch gjson.Result) bool {
			chName := ch.Get("channel_name").String()
			depth := ch.Get("depth").Float()
			m.channelDepth.WithLabelValues(name, chName).Set(depth)
			m.channelInflight.WithLabelValues(name, chName).Set(ch.Get("in_flight_count").Float())
			if name == m.cycleTopic && chName == m.cycleChannel {
				m.pendingNudges.Set(depth)
			}
			return true
		})
		return true
	})
	return nil
}

func (m *monitor) run(ctx context.Context, interval time.Duration, log *logging.Logger) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		if err := m.update(ctx); err != nil && ctx.Err() == nil {
			log.WithContext(ctx).WithError(err).Warn("nsq stats poll failed")
		}
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func main() {
	cfg := config.FromEnv()
	log := logging.New("harborjobs-nsq-monitor")
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	interval, err := time.ParseDuration(getEnv("POLL_INTERVAL", "15s"))
	if err != nil || interval <= 0 {
		interval = 15 * time.Second
	}
	nsqdHTTP := getEnv("NSQD_HTTP_ADDR", "nsqd:4151")
	port := getEnv("PORT", "8084")

	reg := prometheus.NewRegistry()
	m := newMonitor(nsqdHTTP, cfg.NSQ, reg)
	go m.run(ctx, interval, log)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) { _, _ = w.Write([]byte("OK\n")) })
	srv := &http.Server{Addr: ":" + port, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(sctx)
	}()
	log.Plain().WithFields(map[string]any{"port": port, "nsqd": nsqdHTTP, "interval": interval.String()}).Info("nsq monitor starting")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Plain().WithError(err).Fatal("server failed")
	}
}
