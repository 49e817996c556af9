package align

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// DefaultPublishPrefix is the topic root when the resolved MQTT config
// leaves it empty.
const DefaultPublishPrefix = "pointalign"

// ErrInvalidName is returned for fit names that cannot be used as a single
// MQTT topic level.
var ErrInvalidName = errors.New("align: invalid fit name")

// ValidateName reports whether name can stand as one MQTT topic level:
// non-empty, no level separator, no wildcard and no NUL.
func ValidateName(name string) error {
	if name == "" {
		return fmt.Errorf("%w: empty", ErrInvalidName)
	}
	if strings.ContainsAny(name, "/+#\x00") {
		return fmt.Errorf("%w: %q contains '/', '+', '#' or NUL", ErrInvalidName, name)
	}
	return nil
}

// Publisher publishes alignment records to MQTT and remembers the last
// record per name.
type Publisher struct {
	client        mqtt.Client
	publishPrefix string
	qos           byte
	retain        bool
	records       map[string]*AlignmentRecord
	mu            sync.RWMutex
}

// NewPublisher creates a publisher under prefix, normally the PublishPrefix of
// ResolveMQTTConfig. An empty prefix falls back to DefaultPublishPrefix. A nil
// client disables publishing.
func NewPublisher(client mqtt.Client, prefix string) *Publisher {
	if prefix == "" {
		prefix = DefaultPublishPrefix
	}

	return &Publisher{
		client:        client,
		publishPrefix: prefix,
		qos:           1,
		retain:        true, // late subscribers get the current transform
		records:       make(map[string]*AlignmentRecord),
	}
}

// Prefix returns the topic root.
func (p *Publisher) Prefix() string {
	return p.publishPrefix
}

// TransformTopic returns the topic a named fit is published on.
func (p *Publisher) TransformTopic(name string) string {
	return fmt.Sprintf("%s/%s/transform", p.publishPrefix, name)
}

// PublishFit records res under name and publishes it to
// <prefix>/<name>/transform, then refreshes the <prefix>/transforms summary.
func (p *Publisher) PublishFit(name string, res FitResult) (*AlignmentRecord, error) {
	rec := NewAlignmentRecord(name, res)
	if err := p.PublishRecord(rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// PublishRecord publishes an existing record.
func (p *Publisher) PublishRecord(rec *AlignmentRecord) error {
	if rec == nil || rec.Name == "" {
		return fmt.Errorf("alignment record needs a name")
	}
	if err := ValidateName(rec.Name); err != nil {
		return err
	}
	if p.client == nil || !p.client.IsConnected() {
		return fmt.Errorf("MQTT client not connected")
	}

	p.mu.Lock()
	p.records[rec.Name] = rec
	p.mu.Unlock()

	if err := p.publishIndividual(rec); err != nil {
		log.Printf("[MQTT] Error publishing transform for %s: %v", rec.Name, err)
		return err
	}
	if err := p.publishSummary(); err != nil {
		log.Printf("[MQTT] Error publishing transform summary: %v", err)
		return err
	}
	return nil
}

func (p *Publisher) publishIndividual(rec *AlignmentRecord) error {
	topic := p.TransformTopic(rec.Name)

	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshaling alignment record: %w", err)
	}

	token := p.client.Publish(topic, p.qos, p.retain, payload)
	if token.WaitTimeout(2*time.Second) && token.Error() != nil {
		return fmt.Errorf("publishing to %s: %w", topic, token.Error())
	}

	log.Printf("[MQTT] Published transform for %s: scale=%.4g inliers=%d/%d rmse=%.4g",
		rec.Name, rec.Scale, rec.NumInliers, rec.NumPoints, rec.RMSE)
	return nil
}

// transformSummary is one entry of the <prefix>/transforms message.
type transformSummary struct {
	Name        string  `json:"name"`
	Scale       float64 `json:"scale"`
	NumInliers  int     `json:"numInliers"`
	NumPoints   int     `json:"numPoints"`
	RMSE        float64 `json:"rmse"`
	LastUpdated int64   `json:"lastUpdated"`
}

func (p *Publisher) publishSummary() error {
	p.mu.RLock()
	entries := make([]transformSummary, 0, len(p.records))
	for _, rec := range p.records {
		entries = append(entries, transformSummary{
			Name:        rec.Name,
			Scale:       rec.Scale,
			NumInliers:  rec.NumInliers,
			NumPoints:   rec.NumPoints,
			RMSE:        rec.RMSE,
			LastUpdated: rec.LastUpdated,
		})
	}
	p.mu.RUnlock()

	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })

	topic := fmt.Sprintf("%s/transforms", p.publishPrefix)
	payload, err := json.Marshal(map[string]interface{}{
		"transforms": entries,
		"timestamp":  time.Now().Unix(),
	})
	if err != nil {
		return fmt.Errorf("marshaling transform summary: %w", err)
	}

	token := p.client.Publish(topic, p.qos, p.retain, payload)
	if token.WaitTimeout(2*time.Second) && token.Error() != nil {
		return fmt.Errorf("publishing to %s: %w", topic, token.Error())
	}
	return nil
}

// GetRecord returns the last record published under name.
func (p *Publisher) GetRecord(name string) (*AlignmentRecord, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	rec, ok := p.records[name]
	return rec, ok
}

// GetAllRecords returns a copy of every known record.
func (p *Publisher) GetAllRecords() map[string]*AlignmentRecord {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make(map[string]*AlignmentRecord, len(p.records))
	for name, rec := range p.records {
		recCopy := *rec
		out[name] = &recCopy
	}
	return out
}

// ClearRecord forgets a record.
func (p *Publisher) ClearRecord(name string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.records, name)
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
