package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"xdf-rebroadcaster/internal/broadcast"
	"xdf-rebroadcaster/internal/platform/config"
	"xdf-rebroadcaster/internal/platform/logger"
	"xdf-rebroadcaster/internal/platform/metrics"
	"xdf-rebroadcaster/internal/rebroadcast"
	"xdf-rebroadcaster/internal/xdf"

	"github.com/go-chi/chi/v5"
)

const shutdownTimeout = 10 * time.Second

func main() {
	_ = config.Load()

	xdfPath := config.GetEnv("XDF_PATH", "")
	streamIDs := config.GetEnvInts("STREAM_IDS")
	port := config.GetEnv("PORT", "8080")
	logLevel := config.GetEnv("LOG_LEVEL", "info")
	logFormat := config.GetEnv("LOG_FORMAT", "json")
	stopTimeout := config.GetEnvDuration("STOP_TIMEOUT", rebroadcast.DefaultStopTimeout)
	synthRate := config.GetEnvFloat("SYNTH_RATE", 100)
	synthChannels := config.GetEnvInt("SYNTH_CHANNELS", 8)

	log := logger.New(logLevel, logFormat)

	factory, err := broadcast.Connect(broadcast.Config{
		Broker:      config.GetEnv("MQTT_BROKER", "tcp://localhost:1883"),
		ClientID:    config.GetEnv("MQTT_CLIENT_ID", "xdf-rebroadcaster"),
		Username:    config.GetEnv("MQTT_USERNAME", ""),
		Password:    config.GetEnv("MQTT_PASSWORD", ""),
		TopicPrefix: config.GetEnv("MQTT_TOPIC_PREFIX", "xdf"),
		QoS:         byte(config.GetEnvInt("MQTT_QOS", 1)),
	})
	if err != nil {
		log.Error("mqtt connect failed", "error", err)
		os.Exit(1)
	}
	defer factory.Close()

	met := metrics.New()
	co := rebroadcast.NewCoordinator(xdf.New(), factory, log, met)
	defer co.Close()

	// allDone fires when a recording replay finishes on its own; synthetic
	// replays never complete.
	allDone := make(chan struct{})
	synthCancel := func() {}

	if xdfPath != "" {
		if _, err := co.Load(xdfPath); err != nil {
			log.Error("load recording failed", "path", xdfPath, "error", err)
			os.Exit(1)
		}
		_, err := co.Start(streamIDs,
			func(streamID int, out rebroadcast.Outcome) {
				log.Info("stream done",
					slog.Int("stream_id", streamID),
					slog.String("status", out.Status.String()),
					slog.Int("samples_pushed", out.SamplesPushed))
			},
			func() { close(allDone) },
		)
		if err != nil {
			log.Error("start replay failed", "error", err)
			os.Exit(1)
		}
	} else {
		synthCancel = startSynthetic(factory, log, met, synthRate, synthChannels)
	}

	r := chi.NewRouter()
	r.Use(logger.RequestLogger(log))
	r.Use(metrics.RequestMiddleware(met))
	r.Get("/metrics", func(w http.ResponseWriter, req *http.Request) {
		met.Handler(func() { met.SetActiveStreams(co.ActiveStreamCount()) }).ServeHTTP(w, req)
	})
	r.Get("/status", statusHandler(co))

	srv := &http.Server{Addr: ":" + port, Handler: r}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	log.Info("rebroadcaster running",
		"port", port,
		"xdf_path", xdfPath,
		"synthetic", xdfPath == "")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	select {
	case <-sigCh:
		log.Info("shutdown signal received")
	case <-allDone:
		log.Info("all streams finished")
	}

	co.Stop(stopTimeout)
	synthCancel()

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Error("shutdown error", "error", err)
		os.Exit(1)
	}

	log.Info("stopped")
}

// startSynthetic streams random data until the returned cancel function is
// called; used when no recording path is configured.
func startSynthetic(factory *broadcast.Factory, log *slog.Logger, met *metrics.Metrics, rate float64, channels int) context.CancelFunc {
	desc := rebroadcast.StreamDescriptor{
		Name:         "SyntheticData",
		Type:         "Random",
		ChannelCount: channels,
		SamplingRate: rate,
		Encoding:     rebroadcast.EncodingFloat32,
		Channels:     rebroadcast.PlaceholderChannels(channels),
	}
	sink, err := factory.CreateSink(desc, "")
	if err != nil {
		log.Error("create synthetic sink failed", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	w := &rebroadcast.Worker{Log: log, Metrics: met}
	go func() {
		defer sink.Close()
		w.RunSynthetic(ctx, rate, channels, sink)
	}()
	return cancel
}

// statusHandler serves a read-only snapshot of the coordinator: whether a
// replay is running and the descriptors of the loaded recording.
func statusHandler(co *rebroadcast.Coordinator) http.HandlerFunc {
	type streamStatus struct {
		ID            int     `json:"id"`
		Name          string  `json:"name"`
		Type          string  `json:"type"`
		ChannelCount  int     `json:"channel_count"`
		NominalSRate  float64 `json:"nominal_srate"`
		ChannelFormat string  `json:"channel_format"`
	}
	type status struct {
		Running       bool           `json:"running"`
		StreamCount   int            `json:"stream_count"`
		ActiveStreams int            `json:"active_streams"`
		Streams       []streamStatus `json:"streams"`
	}

	return func(w http.ResponseWriter, r *http.Request) {
		st := status{
			Running:       co.Running(),
			StreamCount:   co.StreamCount(),
			ActiveStreams: co.ActiveStreamCount(),
			Streams:       []streamStatus{},
		}
		for id := 0; id < st.StreamCount; id++ {
			desc, err := co.Describe(id)
			if err != nil {
				continue
			}
			st.Streams = append(st.Streams, streamStatus{
				ID:            id,
				Name:          desc.Name,
				Type:          desc.Type,
				ChannelCount:  desc.ChannelCount,
				NominalSRate:  desc.SamplingRate,
				ChannelFormat: string(desc.Encoding),
			})
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(st)
	}
}
