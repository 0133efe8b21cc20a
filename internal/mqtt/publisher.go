package mqtt

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/nugget/schedulebot/internal/config"
	"github.com/nugget/schedulebot/internal/router"
)

// StatsSource provides the runtime numbers the sensors report. The
// concrete adapter is wired in main so this package does not depend on
// the store or the reconciliation loop.
type StatsSource interface {
	Uptime() time.Duration
	Version() string
	ActiveEvents() int
	Admins() int
	Blacklisted() int
	LastReconcile() time.Time
}

// Publisher manages the MQTT connection, publishes HA discovery configs
// on (re-)connect, and pushes sensor states on an interval.
type Publisher struct {
	cfg        config.MQTTConfig
	instanceID string
	device     DeviceInfo
	routes     *DailyCounter
	stats      StatsSource
	logger     *slog.Logger
	cm         *autopaho.ConnectionManager
}

// New creates a Publisher but does not connect. routes counts router
// decisions by route name.
func New(cfg config.MQTTConfig, instanceID string, routes *DailyCounter, stats StatsSource, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	if routes == nil {
		routes = NewDailyCounter(nil)
	}
	return &Publisher{
		cfg:        cfg,
		instanceID: instanceID,
		device:     NewDeviceInfo(instanceID, cfg.DeviceName),
		routes:     routes,
		stats:      stats,
		logger:     logger,
	}
}

// Device returns the HA device block shared by every sensor.
func (p *Publisher) Device() DeviceInfo {
	return p.device
}

// RecordDecision counts one router decision toward the daily sensors.
// It is shaped to be used as the router's OnDecision hook.
func (p *Publisher) RecordDecision(d router.Decision) {
	p.routes.Add(string(d.Route))
}

// Start connects to the broker and runs the publish loop until ctx is
// cancelled. It blocks.
func (p *Publisher) Start(ctx context.Context) error {
	brokerURL, err := url.Parse(p.cfg.Broker)
	if err != nil {
		return fmt.Errorf("parse mqtt broker URL: %w", err)
	}

	availTopic := p.availabilityTopic()

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		KeepAlive:       30,
		ConnectUsername: p.cfg.Username,
		ConnectPassword: []byte(p.cfg.Password),
		WillMessage: &paho.WillMessage{
			Topic:   availTopic,
			Payload: []byte("offline"),
			QoS:     1,
			Retain:  true,
		},
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			p.logger.Info("mqtt connected to broker", "broker", p.cfg.Broker)
			p.publishDiscovery(ctx, cm)
			p.publishAvailability(ctx, cm, "online")
		},
		OnConnectError: func(err error) {
			p.logger.Warn("mqtt connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: "schedulebot-" + p.cfg.DeviceName,
		},
	}

	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		pahoCfg.TlsCfg = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	p.cm = cm

	connCtx, connCancel := context.WithTimeout(ctx, 30*time.Second)
	defer connCancel()
	if err := cm.AwaitConnection(connCtx); err != nil {
		// autopaho keeps retrying in the background.
		p.logger.Warn("mqtt initial connection timed out, will retry in background", "error", err)
	}

	p.runLoop(ctx)
	return nil
}

// Stop publishes "offline" and disconnects. ctx bounds both.
func (p *Publisher) Stop(ctx context.Context) error {
	if p.cm == nil {
		return nil
	}
	p.publishAvailability(ctx, p.cm, "offline")
	return p.cm.Disconnect(ctx)
}

func (p *Publisher) baseTopic() string {
	return "schedulebot/" + p.cfg.DeviceName
}

func (p *Publisher) availabilityTopic() string {
	return p.baseTopic() + "/availability"
}

func (p *Publisher) stateTopic(entity string) string {
	return p.baseTopic() + "/" + entity + "/state"
}

func (p *Publisher) discoveryTopic(component, entity string) string {
	return p.cfg.DiscoveryPrefix + "/" + component + "/" + p.cfg.DeviceName + "/" + entity + "/config"
}

type sensorDef struct {
	entitySuffix string
	config       SensorConfig
}

func (p *Publisher) sensor(suffix, name, icon string) sensorDef {
	return sensorDef{
		entitySuffix: suffix,
		config: SensorConfig{
			Name:              name,
			ObjectID:          suffix,
			HasEntityName:     true,
			UniqueID:          p.instanceID + "_" + suffix,
			StateTopic:        p.stateTopic(suffix),
			AvailabilityTopic: p.availabilityTopic(),
			Device:            p.device,
			Icon:              icon,
		},
	}
}

func (p *Publisher) sensorDefinitions() []sensorDef {
	uptime := p.sensor("uptime", "Uptime", "mdi:clock-outline")
	uptime.config.EntityCategory = "diagnostic"

	version := p.sensor("version", "Version", "mdi:tag")
	version.config.EntityCategory = "diagnostic"

	active := p.sensor("active_events", "Active Events", "mdi:calendar-star")
	active.config.StateClass = "measurement"

	admins := p.sensor("admins", "Admins", "mdi:shield-account")
	admins.config.StateClass = "measurement"

	blacklisted := p.sensor("blacklisted", "Blacklisted Users", "mdi:account-cancel")
	blacklisted.config.StateClass = "measurement"

	commands := p.sensor("commands_today", "Commands Today", "mdi:console-line")
	commands.config.StateClass = "total_increasing"
	commands.config.UnitOfMeasurement = "commands"

	denials := p.sensor("denials_today", "Denials Today", "mdi:hand-back-left")
	denials.config.StateClass = "total_increasing"
	denials.config.UnitOfMeasurement = "messages"

	last := p.sensor("last_reconcile", "Last Reconcile", "mdi:sync")
	last.config.DeviceClass = "timestamp"
	last.config.EntityCategory = "diagnostic"

	return []sensorDef{uptime, version, active, admins, blacklisted, commands, denials, last}
}

func (p *Publisher) publishDiscovery(ctx context.Context, cm *autopaho.ConnectionManager) {
	for _, s := range p.sensorDefinitions() {
		topic := p.discoveryTopic("sensor", s.entitySuffix)
		payload, err := json.Marshal(s.config)
		if err != nil {
			p.logger.Error("mqtt marshal discovery payload",
				"entity", s.entitySuffix, "error", err)
			continue
		}

		if _, err := cm.Publish(ctx, &paho.Publish{
			Topic:   topic,
			Payload: payload,
			QoS:     1,
			Retain:  true,
		}); err != nil {
			p.logger.Warn("mqtt discovery publish failed",
				"entity", s.entitySuffix, "topic", topic, "error", err)
		} else {
			p.logger.Debug("mqtt discovery published",
				"entity", s.entitySuffix, "topic", topic)
		}
	}
}

func (p *Publisher) publishAvailability(ctx context.Context, cm *autopaho.ConnectionManager, status string) {
	if _, err := cm.Publish(ctx, &paho.Publish{
		Topic:   p.availabilityTopic(),
		Payload: []byte(status),
		QoS:     1,
		Retain:  true,
	}); err != nil {
		p.logger.Warn("mqtt availability publish failed",
			"status", status, "error", err)
	} else {
		p.logger.Info("mqtt availability published", "status", status)
	}
}

func (p *Publisher) runLoop(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.PublishInterval)
	defer ticker.Stop()

	p.publishStates(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.publishStates(ctx)
		}
	}
}

// states renders the current value of every sensor.
func (p *Publisher) states() map[string]string {
	commands := p.routes.Sum(string(router.RoutePublic), string(router.RouteAdmin))
	denials := p.routes.Sum(string(router.RouteDeniedBlacklist), string(router.RouteDeniedAdmin))

	states := map[string]string{
		"uptime":         p.stats.Uptime().Truncate(time.Second).String(),
		"version":        p.stats.Version(),
		"active_events":  strconv.Itoa(p.stats.ActiveEvents()),
		"admins":         strconv.Itoa(p.stats.Admins()),
		"blacklisted":    strconv.Itoa(p.stats.Blacklisted()),
		"commands_today": strconv.FormatInt(commands, 10),
		"denials_today":  strconv.FormatInt(denials, 10),
	}

	if last := p.stats.LastReconcile(); !last.IsZero() {
		states["last_reconcile"] = last.UTC().Format(time.RFC3339)
	} else {
		states["last_reconcile"] = "unknown"
	}
	return states
}

func (p *Publisher) publishStates(ctx context.Context) {
	if p.cm == nil {
		return
	}

	states := p.states()
	for entity, value := range states {
		if _, err := p.cm.Publish(ctx, &paho.Publish{
			Topic:   p.stateTopic(entity),
			Payload: []byte(value),
			QoS:     0,
			Retain:  true,
		}); err != nil {
			p.logger.Debug("mqtt state publish failed",
				"entity", entity, "error", err)
		}
	}

	p.logger.Debug("mqtt sensor states published",
		"entities", len(states))
}
