// Package mqtt provides MQTT client connectivity for the CozyLife bridge.
//
// This package manages:
//   - Connection to the broker with auto-reconnect
//   - Message publishing with QoS guarantees
//   - Topic subscriptions with wildcard support, restored on reconnect
//   - Last Will and Testament (LWT) for offline detection
//
// The bridge publishes retained channel state under graylogic/state/cozylife/
// and receives on/off commands under graylogic/command/cozylife/. Topic
// builders live with the message types in the cozylife package.
//
// # Security Considerations
//
//   - TLS should be enabled when the broker is not on the same host
//   - Credentials are validated against broker ACL
//
// # Usage
//
//	client, err := mqtt.Connect(cfg.MQTT, mqtt.Will{Topic: topic, Payload: lwt})
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	err = client.Subscribe("graylogic/command/cozylife/#", 1,
//	    func(topic string, payload []byte) error {
//	        return handle(topic, payload)
//	    })
package mqtt
