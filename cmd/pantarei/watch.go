package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/smartmob/pantarei/internal/acquisition"
	"github.com/smartmob/pantarei/internal/backend"
	"github.com/smartmob/pantarei/internal/dashboard"
	"github.com/smartmob/pantarei/internal/hubclient"
	"github.com/smartmob/pantarei/internal/realtime"
	"github.com/smartmob/pantarei/internal/relay"
)

func newWatchCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Follow a line and station in real time",
		Long: `Connects to the acquisitions push hub, keeps the latest acquisition of the
selected line and station up to date and serves the live view on the local
dashboard. Records delivered by the hub are republished to MQTT when a broker
is configured.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWatch(cmd.Context(), a)
		},
	}

	flags := cmd.Flags()
	flags.String("line", "", "production line to follow")
	flags.String("station", "", "station to follow")
	flags.String("listen", "", "dashboard listen address")
	flags.Bool("dashboard", true, "serve the local dashboard")
	flags.String("mqtt-broker", "", "MQTT broker URL, e.g. tcp://broker:1883")
	mustBind(a.v, "monitor.line", flags.Lookup("line"))
	mustBind(a.v, "monitor.station", flags.Lookup("station"))
	mustBind(a.v, "dashboard.listen", flags.Lookup("listen"))
	mustBind(a.v, "dashboard.enabled", flags.Lookup("dashboard"))
	mustBind(a.v, "mqtt.broker", flags.Lookup("mqtt-broker"))

	return cmd
}

func runWatch(ctx context.Context, a *app) error {
	cfg := a.cfg
	log := a.log

	log.Info().
		Str("version", Version).
		Str("api", cfg.APIBaseURL).
		Str("hub", cfg.HubURL()).
		Str("images", cfg.ImageBaseURL()).
		Msg("pantarei starting")

	client := a.client()

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics, err := realtime.NewMetrics(registry)
	if err != nil {
		return err
	}

	manager := realtime.NewManager(realtime.Options{
		NewChannel: func() realtime.Channel {
			return hubclient.New(hubclient.Options{
				URL:               cfg.HubURL(),
				Transports:        cfg.HubTransports(),
				HandshakeTimeout:  cfg.Hub.HandshakeTimeout,
				KeepAliveInterval: cfg.Hub.KeepAliveInterval,
				ServerTimeout:     cfg.Hub.ServerTimeout,
				ReconnectPolicy:   hubclient.NewTieredBackOff,
				Logger:            log,
			})
		},
		Fetcher:    backend.NewSnapshotFetcher(client),
		Normalizer: client.Normalizer(),
		Metrics:    metrics,
		Logger:     log,
	})
	defer func() { _ = manager.Close() }()

	logChanges(a, manager)
	ctrl := realtime.NewSyncController(manager, log)

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return ctrl.Run(ctx)
	})

	g.Go(func() error {
		if err := manager.Connect(ctx); err != nil {
			// A retry is already scheduled unless the budget is spent; the
			// dashboard can still reconnect by hand.
			log.Warn().Err(err).Bool("exhausted", errors.Is(err, realtime.ErrRetriesExhausted)).Msg("push channel not connected")
		}
		if sel := cfg.InitialSelection(); sel.Valid() {
			ctrl.Select(ctx, sel.Line, sel.Station)
		}
		return nil
	})

	if cfg.Dashboard.Enabled {
		srv := dashboard.New(dashboard.Options{
			Listen:   cfg.Dashboard.Listen,
			Manager:  manager,
			Sync:     ctrl,
			Backend:  client,
			Gatherer: registry,
			Logger:   log,
		})
		defer srv.Close()
		g.Go(func() error {
			if err := srv.Run(ctx); err != nil {
				return fmt.Errorf("dashboard: %w", err)
			}
			return nil
		})
	}

	if cfg.MQTT.Broker != "" {
		pub := relay.NewMQTTPublisher(relay.MQTTConfig{
			Broker:   cfg.MQTT.Broker,
			ClientID: cfg.MQTT.ClientID,
			QoS:      1,
		}, log)
		r := relay.New(pub, cfg.MQTT.TopicPrefix, log)
		manager.OnRecords(r.Handle)
		g.Go(func() error {
			return r.Run(ctx)
		})
	}

	err = g.Wait()
	log.Info().Msg("shutting down...")
	return err
}

// logChanges reports phase changes and incoming acquisitions on the log.
func logChanges(a *app, m *realtime.Manager) {
	log := a.log
	var last realtime.Phase = -1
	var lastErr string
	m.OnChange(func(st realtime.State) {
		if st.Phase != last {
			last = st.Phase
			log.Info().Str("phase", st.Phase.String()).Str("connection_id", st.ConnectionID).Msg("connection phase")
		}
		if st.Error != "" && st.Error != lastErr {
			log.Warn().Str("error", st.Error).Int("attempt", st.ReconnectAttempt).Msg("connection error")
		}
		lastErr = st.Error
	})
	m.OnRecords(func(event string, records []acquisition.Record) {
		for _, r := range records {
			log.Info().
				Str("event", event).
				Str("id", r.ID).
				Str("line", r.LineCode).
				Str("station", r.StationCode).
				Str("article", r.ArticleCode).
				Str("quality", string(r.Quality())).
				Msg("acquisition")
		}
	})
}
