// Package mqtt is the paho.mqtt.golang transport for the Sparkplug engines.
//
// A Client is one broker connection for one engine, used once. Connect arms
// the engine's will, Publish and Subscribe wait for the broker's ack, and
// messages from every filter come out of Events in broker order. When the
// connection drops, Events delivers a final event carrying
// sparkplug.ErrConnectionLost and closes. paho's auto-reconnect is off; the
// supervisor replaces the whole session instead.
//
//	client := mqtt.New(cfg.MQTT, "plant/line-1", logger)
//	node, err := engine.NewNode(engine.NodeOptions{Transport: client, ...})
//
// Use TLS (broker.tls) anywhere but a development broker.
package mqtt
