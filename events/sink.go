// Package events provides write-only scalar event sinks for training
// metrics. Sinks are best-effort: a sink that cannot write must not take
// the training run down with it.
package events

import (
	"encoding/json"
	"log"
	"os"
	"sync"
	"time"
)

// Sink accepts (tag, value, step) scalar records.
type Sink interface {
	AddScalar(tag string, value float64, step int)
}

// Nop discards all events.
type Nop struct{}

func (Nop) AddScalar(tag string, value float64, step int) {}

// LogSink writes events through the standard logger.
type LogSink struct{}

func (LogSink) AddScalar(tag string, value float64, step int) {
	log.Printf("%s = %.6f (step %d)", tag, value, step)
}

// scalarRecord is the on-disk line format of FileSink.
type scalarRecord struct {
	Tag      string  `json:"tag"`
	Value    float64 `json:"value"`
	Step     int     `json:"step"`
	WallTime int64   `json:"wall_time"`
}

// FileSink appends scalar events to a JSON-lines file. Write errors are
// logged once and subsequent events are dropped.
type FileSink struct {
	mu      sync.Mutex
	file    *os.File
	encoder *json.Encoder
	broken  bool
}

func NewFileSink(path string) (*FileSink, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, err
	}

	return &FileSink{
		file:    file,
		encoder: json.NewEncoder(file),
	}, nil
}

func (fs *FileSink) AddScalar(tag string, value float64, step int) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if fs.broken {
		return
	}

	record := scalarRecord{
		Tag:      tag,
		Value:    value,
		Step:     step,
		WallTime: time.Now().Unix(),
	}
	if err := fs.encoder.Encode(record); err != nil {
		log.Printf("event sink write failed, dropping further events: %v", err)
		fs.broken = true
	}
}

func (fs *FileSink) Close() error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.file.Close()
}

// MultiSink fans events out to several sinks.
type MultiSink []Sink

func (ms MultiSink) AddScalar(tag string, value float64, step int) {
	for _, s := range ms {
		s.AddScalar(tag, value, step)
	}
}
