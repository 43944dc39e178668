// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"telebridge/backoff"
	"telebridge/config"
	"telebridge/core"
	"telebridge/federation"
	"telebridge/kafka"
	"telebridge/mqtt"
	"telebridge/pipeline"
	"telebridge/server/api"
	"telebridge/server/health"
	"telebridge/sink"
	"telebridge/supervisor"
	"telebridge/topics"
)

func main() {
	configFile := flag.String("config", "", "Path to configuration file")
	flag.Parse()

	// Optional .env for credentials in development; missing file is fine.
	_ = godotenv.Load()

	cfg, err := config.Load(*configFile)
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}
	applyEnvOverrides(cfg)

	logger := newLogger(cfg.Log)
	slog.SetDefault(logger)

	logger.Info("starting telemetry bridge",
		"mqtt_broker", cfg.MQTT.BrokerURL,
		"kafka_brokers", cfg.Kafka.Brokers,
		"telemetry_topic", cfg.Kafka.TelemetryTopic,
		"command_topic", cfg.Kafka.CommandTopic,
		"federation", cfg.Federation.Enabled)

	if err := run(cfg, logger); err != nil {
		logger.Error("bridge terminated", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	reconnect := backoff.Policy{
		Initial:    cfg.Bridge.Retry.InitialInterval,
		Multiplier: cfg.Bridge.Retry.Multiplier,
		Max:        cfg.Bridge.Retry.MaxInterval,
		Jitter:     cfg.Bridge.Retry.Jitter,
	}

	failures := buildFailureSink(cfg.Observability, logger)

	mapper, err := buildMapper(cfg.Bridge.Mappings)
	if err != nil {
		return err
	}

	// Adapters. One subscribing connection, one publishing connection.
	inboundClient := mqtt.NewClient(mqtt.Config{
		BrokerURL:          cfg.MQTT.BrokerURL,
		ClientID:           cfg.MQTT.ClientID + "-in",
		Username:           cfg.MQTT.Username,
		Password:           cfg.MQTT.Password,
		KeepAlive:          cfg.MQTT.KeepAlive,
		ConnectTimeout:     cfg.MQTT.ConnectTimeout,
		PublishTimeout:     cfg.MQTT.PublishTimeout,
		SessionPersistence: cfg.MQTT.SessionPersistence,
		ManualAcks:         true,
	}, logger)

	outboundClient := mqtt.NewClient(mqtt.Config{
		BrokerURL:          cfg.MQTT.BrokerURL,
		ClientID:           cfg.MQTT.ClientID + "-out",
		Username:           cfg.MQTT.Username,
		Password:           cfg.MQTT.Password,
		KeepAlive:          cfg.MQTT.KeepAlive,
		ConnectTimeout:     cfg.MQTT.ConnectTimeout,
		PublishTimeout:     cfg.MQTT.PublishTimeout,
		SessionPersistence: cfg.MQTT.SessionPersistence,
	}, logger)

	// Federation.
	var fed *federation.Layer
	var forwarders []*federation.Forwarder
	if cfg.Federation.Enabled {
		fwdCfg := federation.ForwarderConfig{
			LocalID:         cfg.Federation.InstanceID,
			HopLimit:        cfg.Federation.HopLimit,
			MaxBatch:        cfg.Federation.MaxBatch,
			MaxDelay:        cfg.Federation.MaxDelay,
			QueueCapacity:   cfg.Federation.QueueCapacity,
			BreakerFailures: cfg.Federation.BreakerFailures,
			BreakerReset:    cfg.Federation.BreakerReset,
			SendRetries:     cfg.Federation.SendRetries,
			SendBackoff:     reconnect,
		}
		for _, rc := range cfg.Federation.Routes {
			route := federation.Route{Pattern: rc.Pattern, Peer: rc.Peer, Address: rc.Address, Topic: rc.Topic}
			if err := route.Validate(); err != nil {
				return err
			}
			transport := federation.NewMQTTTransport(route, cfg.Federation.InstanceID, logger)
			defer transport.Close()
			forwarders = append(forwarders, federation.NewForwarder(route, fwdCfg, transport, failures, logger))
		}
	}
	fed = federation.NewLayer(forwarders, logger)

	// Internal channel: the only path between inbound adapter and
	// ingestion pipeline. Bounded; a full channel stalls inbound acks.
	deliveries := make(chan core.Delivery, cfg.Bridge.ChannelCapacity)

	forward := func(msg core.Message) { fed.Offer(ctx, msg) }
	inbound := mqtt.NewInbound(inboundClient, deliveries, forward)

	// Log transport.
	producer := kafka.NewProducer(kafka.ProducerConfig{
		Brokers:      cfg.Kafka.Brokers,
		Topic:        cfg.Kafka.TelemetryTopic,
		BatchTimeout: cfg.Kafka.BatchTimeout,
		WriteTimeout: cfg.Kafka.WriteTimeout,
	}, logger)
	defer producer.Close()

	consumer := kafka.NewConsumer(kafka.ConsumerConfig{
		Brokers: cfg.Kafka.Brokers,
		GroupID: cfg.Kafka.ConsumerGroup,
		Topic:   cfg.Kafka.CommandTopic,
	}, logger)
	defer consumer.Close()

	// Supervisors. With session persistence the broker replays
	// subscription state on reconnect, so only subscriptions that never
	// reached it are issued; without it everything is re-issued.
	inboundOpts := []supervisor.Option{supervisor.WithBackoff(reconnect)}
	if cfg.MQTT.SessionPersistence {
		inboundOpts = append(inboundOpts, supervisor.WithOnConnected(inboundClient.IssuePending))
	} else {
		inboundOpts = append(inboundOpts, supervisor.WithOnConnected(inboundClient.Resubscribe))
	}
	inSup := supervisor.New("mqtt-inbound", inboundClient, inboundClient.Lost(), logger, inboundOpts...)
	outSup := supervisor.New("mqtt-outbound", outboundClient, outboundClient.Lost(), logger,
		supervisor.WithBackoff(reconnect))

	// Pipelines.
	ledgerPolicy := reconnect
	ingestLedger := pipeline.NewLedger(ledgerPolicy, cfg.Bridge.Retry.Deadline)
	egressLedger := pipeline.NewLedger(ledgerPolicy, cfg.Bridge.Retry.Deadline)

	ingest := pipeline.NewIngest(deliveries, producer, mapper, inSup, ingestLedger, failures, logger)
	egress := pipeline.NewEgress(consumer, outboundClient, outSup, egressLedger, failures, logger)

	outbox := mqtt.NewOutbox(outboundClient, cfg.Bridge.OutboxCapacity, failures, logger)

	var wg sync.WaitGroup
	start := func(name string, fn func(context.Context)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn(ctx)
			logger.Debug("worker stopped", "worker", name)
		}()
	}

	start("supervisor/inbound", inSup.Run)
	start("supervisor/outbound", outSup.Run)
	start("pipeline/ingest", ingest.Run)
	start("pipeline/egress", egress.Run)
	start("mqtt/outbox", outbox.Run)
	if cfg.Federation.Enabled {
		start("federation", fed.Run)
	}

	// Subscriptions are issued immediately when the first connect has
	// already landed; otherwise they stay recorded on the client and
	// the supervisor's reconnect hook issues them. A broker outage at
	// startup is never fatal, only malformed configuration is.
	if err := waitConnected(ctx, inSup, cfg.MQTT.ConnectTimeout*4); err != nil {
		logger.Warn("inbound adapter not yet connected, subscriptions deferred", "error", err)
	}
	for _, sub := range cfg.Bridge.Subscriptions {
		g, err := core.ParseGuarantee(sub.Guarantee)
		if err != nil {
			return err
		}
		if err := inbound.Subscribe(sub.Filter, g); err != nil {
			if errors.Is(err, topics.ErrInvalidFilter) {
				return err
			}
			logger.Warn("subscription not issued, retrying on reconnect", "filter", sub.Filter, "error", err)
			continue
		}
		logger.Info("subscribed", "filter", sub.Filter, "guarantee", sub.Guarantee)
	}

	if cfg.Federation.Enabled {
		receiver := federation.NewReceiver(cfg.Federation.InstanceID, inbound.Inject, failures, logger)
		if err := inboundClient.Subscribe(cfg.Federation.IntakeTopic, core.AtLeastOnce.QoS(), receiver.Handle); err != nil {
			logger.Warn("federation intake not issued, retrying on reconnect", "topic", cfg.Federation.IntakeTopic, "error", err)
		} else {
			logger.Info("federation intake subscribed", "topic", cfg.Federation.IntakeTopic)
		}
	}

	// HTTP surfaces.
	if cfg.Server.HealthEnabled {
		healthSrv := health.New(health.Config{
			Address:         cfg.Server.HealthAddr,
			ShutdownTimeout: cfg.Server.ShutdownTimeout,
		}, []health.StateReporter{inSup, outSup}, logger)
		start("server/health", func(ctx context.Context) {
			if err := healthSrv.Listen(ctx); err != nil {
				logger.Error("health server failed", "error", err)
			}
		})
	}
	if cfg.Server.APIEnabled {
		defaultGuarantee, err := core.ParseGuarantee(cfg.Bridge.DefaultGuarantee)
		if err != nil {
			return err
		}
		apiSrv := api.New(api.Config{
			Address:          cfg.Server.APIAddr,
			RateLimit:        cfg.Server.APIRateLimit,
			Burst:            cfg.Server.APIBurst,
			ShutdownTimeout:  cfg.Server.ShutdownTimeout,
			DefaultGuarantee: defaultGuarantee,
		}, outbox, logger)
		start("server/api", func(ctx context.Context) {
			if err := apiSrv.Listen(ctx); err != nil {
				logger.Error("front-door server failed", "error", err)
			}
		})
	}

	<-ctx.Done()
	logger.Info("shutdown requested, draining", "grace", cfg.Bridge.ShutdownGrace)

	// Stop accepting new inbound work, then give workers a bounded
	// grace period before forcing connections closed.
	inbound.Stop()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		logger.Info("drained cleanly")
	case <-time.After(cfg.Bridge.ShutdownGrace):
		logger.Warn("grace period elapsed, forcing shutdown")
	}

	return nil
}

func newLogger(cfg config.LogConfig) *slog.Logger {
	level := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	}
	return slog.New(handler)
}

// applyEnvOverrides lets deployment environments inject credentials
// without writing them to the config file.
func applyEnvOverrides(cfg *config.Config) {
	if v := os.Getenv("TELEBRIDGE_MQTT_USERNAME"); v != "" {
		cfg.MQTT.Username = v
	}
	if v := os.Getenv("TELEBRIDGE_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Password = v
	}
}

func buildMapper(mappings []config.MappingConfig) (*topics.Mapper, error) {
	rules := make([]topics.MapRule, 0, len(mappings))
	for _, m := range mappings {
		rules = append(rules, topics.MapRule{Filter: m.Filter, Prefix: m.Prefix, Separator: m.Separator})
	}
	return topics.NewMapper(rules)
}

func buildFailureSink(cfg config.ObservabilityConfig, logger *slog.Logger) sink.Sink {
	logSink := &sink.LogSink{Logger: logger}
	if cfg.WebhookURL == "" {
		return logSink
	}
	return sink.MultiSink{
		logSink,
		sink.NewWebhookSink(cfg.WebhookURL, cfg.WebhookTimeout, logger),
	}
}

// waitConnected polls the supervisor until it reports Connected or the
// timeout elapses.
func waitConnected(ctx context.Context, sup *supervisor.Supervisor, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if sup.State() == core.Connected {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(50 * time.Millisecond):
		}
	}
	return context.DeadlineExceeded
}
