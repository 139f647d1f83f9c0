package control

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/golang/glog"
	"github.com/google/uuid"
)

// MQTTOptions configures the broker connection and the two topics the
// channel uses: commands in, replies out.
type MQTTOptions struct {
	Broker       string
	CommandTopic string
	ReplyTopic   string
	Username     string
	Password     string

	// TLS material; all empty disables TLS.
	CACertFile     string
	ClientCertFile string
	ClientKeyFile  string
}

// MQTT is a Channel backed by an MQTT subscription. Broker callbacks
// only ever touch a buffered Go channel, so the capture loop's polls
// never interact with paho internals.
type MQTT struct {
	client mqtt.Client
	opts   MQTTOptions
	inbox  chan string
}

// inboxDepth bounds how many unpolled control messages are retained;
// beyond it the oldest behavior is to drop new ones with a warning.
const inboxDepth = 16

func NewMQTT(opts MQTTOptions) (*MQTT, error) {
	m := &MQTT{
		opts:  opts,
		inbox: make(chan string, inboxDepth),
	}

	co := mqtt.NewClientOptions()
	co.AddBroker(opts.Broker)
	co.SetClientID("iqcast-" + uuid.NewString()[:8])
	if opts.Username != "" {
		co.SetUsername(opts.Username)
	}
	if opts.Password != "" {
		co.SetPassword(opts.Password)
	}
	co.SetAutoReconnect(true)
	co.SetConnectRetry(true)
	co.SetConnectRetryInterval(10 * time.Second)
	co.SetKeepAlive(60 * time.Second)
	co.SetPingTimeout(10 * time.Second)

	if opts.CACertFile != "" || opts.ClientCertFile != "" {
		tlsCfg, err := loadTLSConfig(opts)
		if err != nil {
			return nil, err
		}
		co.SetTLSConfig(tlsCfg)
	}

	co.SetOnConnectHandler(func(c mqtt.Client) {
		token := c.Subscribe(opts.CommandTopic, 1, m.onMessage)
		token.Wait()
		if err := token.Error(); err != nil {
			glog.Errorf("subscribe to %q failed: %s\n", opts.CommandTopic, err)
			return
		}
		glog.Infof("control channel subscribed to %q\n", opts.CommandTopic)
	})

	m.client = mqtt.NewClient(co)
	token := m.client.Connect()
	token.Wait()
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connect to %q: %w", opts.Broker, err)
	}
	return m, nil
}

func (m *MQTT) onMessage(_ mqtt.Client, msg mqtt.Message) {
	select {
	case m.inbox <- string(msg.Payload()):
	default:
		glog.Warningf("control inbox full, dropping message %q\n", msg.Payload())
	}
}

func (m *MQTT) Recv() (string, bool) {
	select {
	case msg := <-m.inbox:
		return msg, true
	default:
		return "", false
	}
}

func (m *MQTT) Reply(msg string) {
	if m.opts.ReplyTopic == "" {
		return
	}
	token := m.client.Publish(m.opts.ReplyTopic, 1, false, msg)
	go func() {
		token.Wait()
		if err := token.Error(); err != nil {
			glog.Warningf("control reply publish failed: %s\n", err)
		}
	}()
}

func (m *MQTT) Close() {
	m.client.Disconnect(250)
}

func loadTLSConfig(opts MQTTOptions) (*tls.Config, error) {
	cfg := &tls.Config{}
	if opts.CACertFile != "" {
		caCert, err := os.ReadFile(opts.CACertFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read CA certificate: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caCert) {
			return nil, fmt.Errorf("failed to parse CA certificate %q", opts.CACertFile)
		}
		cfg.RootCAs = pool
	}
	if opts.ClientCertFile != "" && opts.ClientKeyFile != "" {
		cert, err := tls.LoadX509KeyPair(opts.ClientCertFile, opts.ClientKeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load client certificate: %w", err)
		}
		cfg.Certificates = []tls.Certificate{cert}
	}
	return cfg, nil
}
