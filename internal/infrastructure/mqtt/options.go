package mqtt

import (
	"crypto/tls"
	"fmt"
	"strings"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"github.com/nerrad567/sparkplug-core/internal/infrastructure/config"
	"github.com/nerrad567/sparkplug-core/internal/sparkplug"
)

const (
	defaultConnectTimeout = 10 * time.Second
	// defaultAckTimeout bounds publish and subscribe when ctx has no deadline.
	defaultAckTimeout        = 5 * time.Second
	defaultDisconnectQuiesce = 1000 // ms
	defaultKeepAlive         = 60 * time.Second
	defaultClientPrefix      = "sparkplug"

	maxQoS = 2
)

// brokerURL renders the configured broker as a paho server URL.
func brokerURL(b config.MQTTBrokerConfig) string {
	scheme := "tcp"
	if b.TLS {
		scheme = "ssl"
	}
	return fmt.Sprintf("%s://%s:%d", scheme, b.Host, b.Port)
}

// buildClientOptions returns paho options for one session: clean session,
// in-order delivery, and no automatic reconnect or connect retry. After a
// drop the session must re-arm its will and birth again, which only a
// fresh session does, so recovery belongs to the supervisor.
func buildClientOptions(cfg config.MQTTConfig, clientID string) *pahomqtt.ClientOptions {
	opts := pahomqtt.NewClientOptions().
		AddBroker(brokerURL(cfg.Broker)).
		SetClientID(clientID).
		SetCleanSession(true).
		SetAutoReconnect(false).
		SetConnectRetry(false).
		SetOrderMatters(true).
		SetConnectTimeout(defaultConnectTimeout).
		SetKeepAlive(defaultKeepAlive)

	if cfg.Auth.Username != "" {
		opts.SetUsername(cfg.Auth.Username).SetPassword(cfg.Auth.Password)
	}
	if cfg.Broker.TLS {
		opts.SetTLSConfig(&tls.Config{MinVersion: tls.VersionTLS12})
	}
	return opts
}

// applyWill arms the last will the broker publishes if the session drops.
func applyWill(opts *pahomqtt.ClientOptions, will *sparkplug.Will) {
	if will == nil {
		return
	}
	opts.SetBinaryWill(will.Topic, will.Payload, will.QoS, will.Retain)
}

// newClientID derives a unique client id from the configured prefix.
// Each session gets its own id so restarts never collide with a stale
// connection the broker has not yet dropped.
func newClientID(prefix, session string) string {
	if prefix == "" {
		prefix = defaultClientPrefix
	}
	session = strings.NewReplacer("/", "-", "+", "-", "#", "-", ":", "-").Replace(session)
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	if session == "" {
		return prefix + "-" + suffix
	}
	return prefix + "-" + session + "-" + suffix
}
