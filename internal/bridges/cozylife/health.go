package cozylife

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

const defaultHealthInterval = 30 * time.Second

// HealthPublisher is the part of the MQTT client the reporter needs.
type HealthPublisher interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
	IsConnected() bool
}

// HealthSource supplies device counts and counters. Bridge implements it.
type HealthSource interface {
	DeviceCounts() (managed, online int)
	Statistics() BridgeStatistics
}

// HealthReporterConfig holds configuration for the health reporter.
type HealthReporterConfig struct {
	BridgeID string
	Version  string

	// Interval defaults to 30 seconds.
	Interval time.Duration

	Publisher HealthPublisher
	Source    HealthSource
}

// HealthReporter keeps a retained status message on the health topic.
// The broker replaces it with the will from WillPayload if the bridge
// vanishes without saying goodbye.
type HealthReporter struct {
	cfg     HealthReporterConfig
	started time.Time

	mu      sync.Mutex
	cancel  context.CancelFunc
	stopped chan struct{}
	closed  bool

	logHolder
}

// NewHealthReporter creates a reporter. Nothing is published until
// PublishStarting, PublishNow or Start is called.
func NewHealthReporter(cfg HealthReporterConfig) *HealthReporter {
	if cfg.Interval <= 0 {
		cfg.Interval = defaultHealthInterval
	}
	return &HealthReporter{cfg: cfg, started: time.Now()}
}

// WillPayload is the retained "offline" message to register as the MQTT
// last will before connecting.
func WillPayload(bridgeID string) ([]byte, error) {
	return json.Marshal(NewLWTMessage(bridgeID))
}

// Start publishes the current status and then repeats every interval
// until ctx ends or Stop is called. A second Start is ignored.
func (h *HealthReporter) Start(ctx context.Context) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.cancel != nil || h.closed {
		return
	}

	ctx, h.cancel = context.WithCancel(ctx)
	h.stopped = make(chan struct{})
	go h.loop(ctx, h.stopped)
}

// Stop ends the loop and leaves "stopping" as the retained status.
// Later calls do nothing.
func (h *HealthReporter) Stop() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	cancel, stopped := h.cancel, h.stopped
	h.mu.Unlock()

	if cancel != nil {
		cancel()
		<-stopped
	}
	if err := h.publish(HealthStopping, ""); err != nil {
		h.logDebug("final health publish failed", "error", err)
	}
}

// PublishStarting announces that the bridge is coming up.
func (h *HealthReporter) PublishStarting() error {
	return h.publish(HealthStarting, "bridge starting")
}

// PublishNow publishes the current status immediately.
func (h *HealthReporter) PublishNow() error {
	status, reason := h.assess()
	return h.publish(status, reason)
}

func (h *HealthReporter) loop(ctx context.Context, stopped chan struct{}) {
	defer close(stopped)

	ticker := time.NewTicker(h.cfg.Interval)
	defer ticker.Stop()

	for {
		if err := h.PublishNow(); err != nil {
			h.logError("failed to publish health", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// assess reports degraded while MQTT is down or any device is offline.
func (h *HealthReporter) assess() (HealthStatus, string) {
	if h.cfg.Publisher == nil || !h.cfg.Publisher.IsConnected() {
		return HealthDegraded, "MQTT disconnected"
	}
	if h.cfg.Source != nil {
		if managed, online := h.cfg.Source.DeviceCounts(); online < managed {
			return HealthDegraded, fmt.Sprintf("%d of %d devices offline", managed-online, managed)
		}
	}
	return HealthHealthy, ""
}

func (h *HealthReporter) message(status HealthStatus, reason string) HealthMessage {
	msg := HealthMessage{
		Bridge:        h.cfg.BridgeID,
		Timestamp:     time.Now().UTC(),
		Status:        status,
		Version:       h.cfg.Version,
		UptimeSeconds: int64(time.Since(h.started).Seconds()),
		Reason:        reason,
	}
	if h.cfg.Source != nil {
		msg.DevicesManaged, msg.DevicesOnline = h.cfg.Source.DeviceCounts()
		stats := h.cfg.Source.Statistics()
		msg.Statistics = &stats
	}
	return msg
}

func (h *HealthReporter) publish(status HealthStatus, reason string) error {
	if h.cfg.Publisher == nil {
		return nil
	}
	payload, err := json.Marshal(h.message(status, reason))
	if err != nil {
		return err
	}
	return h.cfg.Publisher.Publish(HealthTopic(), payload, 1, true)
}
