// Copyright 2023 The emqx-go Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// package metrics provides Prometheus metrics for the broker.
package metrics

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Drop reasons used with MessagesDropped.
const (
	DropSlowConsumer    = "slow_consumer"
	DropOfflineOverflow = "offline_overflow"
	DropOfflineQoS0     = "offline_qos0"
	DropNotAuthorized   = "not_authorized"
	DropExpired         = "expired"
	DropRetryExhausted  = "retry_exhausted"
)

var (
	// ConnectionsTotal counts accepted MQTT connections.
	ConnectionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "postoffice_connections_total",
		Help: "The total number of connections made to the broker.",
	})

	// ConnectionsActive tracks currently open connections.
	ConnectionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "postoffice_connections_active",
		Help: "The number of currently open connections.",
	})

	// PacketsReceived counts inbound control packets by type.
	PacketsReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "postoffice_packets_received_total",
		Help: "The total number of control packets received, by type.",
	}, []string{"type"})

	// PacketsSent counts outbound control packets by type.
	PacketsSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "postoffice_packets_sent_total",
		Help: "The total number of control packets sent, by type.",
	}, []string{"type"})

	// MessagesPublished counts application messages accepted for routing.
	MessagesPublished = promauto.NewCounter(prometheus.CounterOpts{
		Name: "postoffice_messages_published_total",
		Help: "The total number of messages accepted for routing.",
	})

	// MessagesDelivered counts per-subscriber deliveries by QoS.
	MessagesDelivered = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "postoffice_messages_delivered_total",
		Help: "The total number of messages handed to subscriber sessions, by QoS.",
	}, []string{"qos"})

	// MessagesDropped counts messages that were not delivered, by reason.
	MessagesDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "postoffice_messages_dropped_total",
		Help: "The total number of messages dropped, by reason.",
	}, []string{"reason"})

	// RetainedMessages tracks the size of the retained store.
	RetainedMessages = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "postoffice_retained_messages",
		Help: "The number of retained messages currently stored.",
	})

	// Sessions tracks sessions by state (connected or parked).
	Sessions = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "postoffice_sessions",
		Help: "The number of sessions, by state.",
	}, []string{"state"})

	// Subscriptions tracks the size of the subscription directory.
	Subscriptions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "postoffice_subscriptions",
		Help: "The number of subscriptions in the directory.",
	})

	// InterceptorDropped counts interceptor events dropped on overflow.
	InterceptorDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "postoffice_interceptor_dropped_total",
		Help: "The total number of interceptor events dropped because the queue was full.",
	})

	// InterceptorFailures counts handler errors and panics.
	InterceptorFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "postoffice_interceptor_failures_total",
		Help: "The total number of interceptor handler failures, by handler.",
	}, []string{"handler"})

	// BlacklistBlocks counts connections and topic accesses rejected by a
	// ban, by entry kind.
	BlacklistBlocks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "postoffice_blacklist_blocks_total",
		Help: "The total number of connections and topic accesses rejected by a ban, by kind.",
	}, []string{"kind"})

	// BridgeRecords counts event records delivered to an external system.
	BridgeRecords = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "postoffice_bridge_records_total",
		Help: "The total number of event records written by a bridge.",
	}, []string{"bridge"})

	// BridgeFailures counts event records a bridge failed to write.
	BridgeFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "postoffice_bridge_failures_total",
		Help: "The total number of event records a bridge failed to write.",
	}, []string{"bridge"})

	// SupervisorRestartsTotal counts restarts of supervised services.
	SupervisorRestartsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "postoffice_supervisor_restarts_total",
		Help: "The total number of times a supervised service has been restarted.",
	},
		[]string{"actor_id"},
	)
)

// Handler returns the HTTP handler exposing the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Serve exposes /metrics on addr until ctx is cancelled.
func Serve(ctx context.Context, addr string, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("metrics server listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
