package align

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"
)

// OutcomeSummary is the compact per-mesh message published to MQTT.
type OutcomeSummary struct {
	MeshID    string     `json:"meshId"`
	Category  string     `json:"category,omitempty"`
	State     State      `json:"state"`
	Reason    ReasonCode `json:"reason,omitempty"`
	Method    Method     `json:"method,omitempty"`
	Error     *float64   `json:"error"`
	Tier      Tier       `json:"tier,omitempty"`
	Retried   bool       `json:"retried"`
	Timestamp int64      `json:"timestamp"`
}

// Summarize reduces an outcome to its published form. Error is null when
// the final attempt has no value.
func Summarize(o Outcome) OutcomeSummary {
	s := OutcomeSummary{
		MeshID:    o.MeshID,
		Category:  o.Category,
		State:     o.State,
		Reason:    o.Reason,
		Retried:   o.Retried(),
		Timestamp: time.Now().Unix(),
	}
	if o.Final != nil {
		s.Method = o.Final.Method
		s.Tier = o.Final.Tier
		if o.Final.Available {
			v := o.Final.Error
			s.Error = &v
		}
	}
	return s
}

// Publisher publishes outcomes and batch reports to MQTT.
type Publisher struct {
	client        mqtt.Client
	publishPrefix string
	qos           byte
	retain        bool
	latest        map[string]OutcomeSummary
	mu            sync.RWMutex
	logger        *zap.Logger
}

// NewPublisher creates a publisher. MQTT_PUBLISH_PREFIX overrides prefix;
// an empty prefix becomes "facealign". A nil client disables publishing.
func NewPublisher(client mqtt.Client, prefix string, logger *zap.Logger) *Publisher {
	if env := os.Getenv("MQTT_PUBLISH_PREFIX"); env != "" {
		prefix = env
	}
	if prefix == "" {
		prefix = "facealign"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Publisher{
		client:        client,
		publishPrefix: prefix,
		qos:           0,
		retain:        true,
		latest:        make(map[string]OutcomeSummary),
		logger:        logger.Named("publisher"),
	}
}

// PublishOutcome publishes to <prefix>/outcome/<meshID>.
func (p *Publisher) PublishOutcome(o Outcome) error {
	s := Summarize(o)
	p.mu.Lock()
	p.latest[o.MeshID] = s
	p.mu.Unlock()

	if err := p.publish(fmt.Sprintf("%s/outcome/%s", p.publishPrefix, o.MeshID), s); err != nil {
		p.logger.Warn("publishing outcome", zap.String("mesh", o.MeshID), zap.Error(err))
		return err
	}
	p.logger.Debug("published outcome", zap.String("mesh", o.MeshID), zap.String("state", string(o.State)))
	return nil
}

// PublishReport publishes the batch report to <prefix>/report.
func (p *Publisher) PublishReport(r BatchReport) error {
	if err := p.publish(p.publishPrefix+"/report", r); err != nil {
		p.logger.Warn("publishing report", zap.Error(err))
		return err
	}
	p.logger.Info("published report", zap.String("run", r.RunID), zap.Int("meshes", r.Total))
	return nil
}

func (p *Publisher) publish(topic string, v any) error {
	if p.client == nil || !p.client.IsConnected() {
		return fmt.Errorf("MQTT client not connected")
	}
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshaling payload for %s: %w", topic, err)
	}
	token := p.client.Publish(topic, p.qos, p.retain, payload)
	if token.WaitTimeout(2*time.Second) && token.Error() != nil {
		return fmt.Errorf("publishing to %s: %w", topic, token.Error())
	}
	return nil
}

// Latest returns the last summary published for meshID.
func (p *Publisher) Latest(meshID string) (OutcomeSummary, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	s, ok := p.latest[meshID]
	return s, ok
}

// SetQoS sets the Quality of Service level for publishing (0, 1, or 2)
func (p *Publisher) SetQoS(qos byte) {
	if qos <= 2 {
		p.qos = qos
	}
}

// SetRetain sets whether published messages should be retained by the broker
func (p *Publisher) SetRetain(retain bool) {
	p.retain = retain
}
