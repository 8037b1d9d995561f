// Package persistencetest records what would be published to the persistence tier.
package persistencetest

import (
	"context"
	"sync"
)

// Record is one published entry.
type Record struct {
	Topic   string
	Key     string
	Value   []byte
	Headers map[string]string
}

// Recorder is an in-memory persistence.Publisher.
type Recorder struct {
	mu      sync.Mutex
	records []Record
	// Err, when set, is returned from every Publish.
	Err error
}

func (r *Recorder) Publish(_ context.Context, topic, key string, value []byte, headers map[string]string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Err != nil {
		return r.Err
	}
	r.records = append(r.records, Record{Topic: topic, Key: key, Value: append([]byte(nil), value...), Headers: headers})
	return nil
}

// Records returns everything published so far.
func (r *Recorder) Records() []Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Record(nil), r.records...)
}

// Topic returns the records published to topic, in order.
func (r *Recorder) Topic(topic string) []Record {
	var out []Record
	for _, rec := range r.Records() {
		if rec.Topic == topic {
			out = append(out, rec)
		}
	}
	return out
}
