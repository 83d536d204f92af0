package cozylife

import (
	"fmt"
	"strings"
	"time"
)

// Protocol is the protocol identifier used in topics and payloads.
const Protocol = "cozylife"

// MQTT message types exchanged between the bridge and the home-automation core.

// CommandMessage asks the bridge to switch one channel.
// Topic: graylogic/command/cozylife/{unique_id}
type CommandMessage struct {
	// ID correlates the command with its acknowledgment. Generated if empty.
	ID string `json:"id"`

	Timestamp time.Time `json:"timestamp"`

	// UniqueID is the channel ("<device_id>_ch<N>"). Falls back to the topic suffix.
	UniqueID string `json:"unique_id"`

	// Command is "on", "off" or "toggle".
	Command string `json:"command"`

	// Source indicates where the command originated ("api", "automation", "cli").
	Source string `json:"source,omitempty"`
}

// AckStatus represents the acknowledgment status of a command.
type AckStatus string

const (
	// AckAccepted indicates the device acknowledged the write.
	AckAccepted AckStatus = "accepted"

	// AckFailed indicates the command could not be executed.
	AckFailed AckStatus = "failed"

	// AckTimeout indicates the device did not respond within the timeout.
	AckTimeout AckStatus = "timeout"
)

// AckMessage acknowledges a command.
// Topic: graylogic/ack/cozylife/{unique_id}
type AckMessage struct {
	CommandID string    `json:"command_id"`
	Timestamp time.Time `json:"timestamp"`
	UniqueID  string    `json:"unique_id"`
	Status    AckStatus `json:"status"`
	Protocol  string    `json:"protocol"`
	Error     *AckError `json:"error,omitempty"`
}

// AckError contains error details for failed commands.
type AckError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Error codes for command and request failures.
const (
	ErrCodeDeviceUnreachable = "DEVICE_UNREACHABLE"
	ErrCodeInvalidCommand    = "INVALID_COMMAND"
	ErrCodeInvalidParameters = "INVALID_PARAMETERS"
	ErrCodeProtocolError     = "PROTOCOL_ERROR"
	ErrCodeTimeout           = "TIMEOUT"
	ErrCodeNotConfigured     = "NOT_CONFIGURED"
	ErrCodeBridgeError       = "BRIDGE_ERROR"
)

// StateMessage reports the state of one channel.
// Topic: graylogic/state/cozylife/{unique_id}
// QoS: 1, Retained: Yes
type StateMessage struct {
	UniqueID  string    `json:"unique_id"`
	DeviceID  string    `json:"device_id"`
	Name      string    `json:"name"`
	Channel   int       `json:"channel"`
	Timestamp time.Time `json:"timestamp"`

	// State is {"on": bool}. Omitted while unavailable.
	State map[string]any `json:"state,omitempty"`

	Available bool   `json:"available"`
	Model     string `json:"model,omitempty"`
	ProductID string `json:"product_id,omitempty"`
	Protocol  string `json:"protocol"`
}

// HealthStatus represents the operational status of the bridge.
type HealthStatus string

const (
	HealthHealthy  HealthStatus = "healthy"
	HealthDegraded HealthStatus = "degraded"
	HealthOffline  HealthStatus = "offline"
	HealthStarting HealthStatus = "starting"
	HealthStopping HealthStatus = "stopping"
)

// HealthMessage reports bridge status.
// Topic: graylogic/health/cozylife
// QoS: 1, Retained: Yes
type HealthMessage struct {
	Bridge         string            `json:"bridge"`
	Timestamp      time.Time         `json:"timestamp"`
	Status         HealthStatus      `json:"status"`
	Version        string            `json:"version"`
	UptimeSeconds  int64             `json:"uptime_seconds"`
	DevicesManaged int               `json:"devices_managed"`
	DevicesOnline  int               `json:"devices_online"`
	Statistics     *BridgeStatistics `json:"statistics,omitempty"`
	Reason         string            `json:"reason,omitempty"`
}

// BridgeStatistics aggregates link statistics across devices.
type BridgeStatistics struct {
	Queries       uint64 `json:"queries"`
	Controls      uint64 `json:"controls"`
	Errors        uint64 `json:"errors"`
	Reconnects    uint64 `json:"reconnects"`
	Notifications uint64 `json:"notifications"`
	Dropped       uint64 `json:"notifications_dropped"`
}

// RequestMessage is a request/response operation.
// Topic: graylogic/request/cozylife/{request_id}
type RequestMessage struct {
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`

	// Action is "read_state", "list_channels", "read_history" or "list_devices".
	Action string `json:"action"`

	// DeviceID targets read_state.
	DeviceID string `json:"device_id,omitempty"`

	// UniqueID and Limit target read_history. Limit 0 means the store default.
	UniqueID string `json:"unique_id,omitempty"`
	Limit    int    `json:"limit,omitempty"`
}

// InventoryDevice is one entry of the persisted device inventory,
// including devices seen by earlier runs but no longer configured.
type InventoryDevice struct {
	DeviceID  string    `json:"device_id"`
	Address   string    `json:"address"`
	ProductID string    `json:"product_id,omitempty"`
	Model     string    `json:"model,omitempty"`
	Channels  int       `json:"channels"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ResponseMessage answers a RequestMessage.
// Topic: graylogic/response/cozylife/{request_id}
type ResponseMessage struct {
	RequestID string         `json:"request_id"`
	Timestamp time.Time      `json:"timestamp"`
	Success   bool           `json:"success"`
	Data      map[string]any `json:"data,omitempty"`
	Error     *ResponseError `json:"error,omitempty"`
}

// ResponseError contains error details for failed requests.
type ResponseError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// NewAckMessage creates an acknowledgment message for a command.
func NewAckMessage(cmd CommandMessage, status AckStatus) AckMessage {
	return AckMessage{
		CommandID: cmd.ID,
		Timestamp: time.Now().UTC(),
		UniqueID:  cmd.UniqueID,
		Status:    status,
		Protocol:  Protocol,
	}
}

// NewAckError creates an acknowledgment with error details.
func NewAckError(cmd CommandMessage, code, message string) AckMessage {
	status := AckFailed
	if code == ErrCodeTimeout {
		status = AckTimeout
	}
	ack := NewAckMessage(cmd, status)
	ack.Error = &AckError{Code: code, Message: message}
	return ack
}

// NewStateMessage converts a channel state into its MQTT payload.
func NewStateMessage(state ChannelState, info DeviceInfo) StateMessage {
	msg := StateMessage{
		UniqueID:  state.UniqueID,
		DeviceID:  state.DeviceID,
		Name:      state.Name,
		Channel:   state.Channel,
		Timestamp: state.Timestamp,
		Available: state.Available,
		Model:     info.Model,
		ProductID: info.ProductID,
		Protocol:  Protocol,
	}
	if state.Available {
		msg.State = map[string]any{"on": state.On}
	}
	return msg
}

// NewLWTMessage creates the Last Will and Testament published by the
// broker if the bridge disconnects unexpectedly.
func NewLWTMessage(bridgeID string) HealthMessage {
	return HealthMessage{
		Bridge:    bridgeID,
		Timestamp: time.Now().UTC(),
		Status:    HealthOffline,
		Reason:    "unexpected_disconnect",
	}
}

// Topic helpers

// TopicPrefix is the base topic for all messages.
const TopicPrefix = "graylogic"

// CommandTopic returns the command topic for a channel.
// Example: graylogic/command/cozylife/a4c138f0d21e_ch1
func CommandTopic(uniqueID string) string {
	return fmt.Sprintf("%s/command/%s/%s", TopicPrefix, Protocol, uniqueID)
}

// AckTopic returns the acknowledgment topic for a channel.
func AckTopic(uniqueID string) string {
	return fmt.Sprintf("%s/ack/%s/%s", TopicPrefix, Protocol, uniqueID)
}

// StateTopic returns the retained state topic for a channel.
func StateTopic(uniqueID string) string {
	return fmt.Sprintf("%s/state/%s/%s", TopicPrefix, Protocol, uniqueID)
}

// HealthTopic returns the bridge health topic.
func HealthTopic() string {
	return fmt.Sprintf("%s/health/%s", TopicPrefix, Protocol)
}

// RequestTopic returns the topic for a request.
func RequestTopic(requestID string) string {
	return fmt.Sprintf("%s/request/%s/%s", TopicPrefix, Protocol, requestID)
}

// ResponseTopic returns the topic for a response.
func ResponseTopic(requestID string) string {
	return fmt.Sprintf("%s/response/%s/%s", TopicPrefix, Protocol, requestID)
}

// CommandSubscribeTopic returns the subscription pattern for all commands.
func CommandSubscribeTopic() string {
	return fmt.Sprintf("%s/command/%s/#", TopicPrefix, Protocol)
}

// RequestSubscribeTopic returns the subscription pattern for all requests.
func RequestSubscribeTopic() string {
	return fmt.Sprintf("%s/request/%s/#", TopicPrefix, Protocol)
}

// topicTail returns the last path segment of topic.
func topicTail(topic string) string {
	if i := strings.LastIndexByte(topic, '/'); i >= 0 {
		return topic[i+1:]
	}
	return topic
}
