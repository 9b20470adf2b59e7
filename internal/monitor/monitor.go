package monitor

import (
	"log"
	"sync"
	"time"
)

// AlertSink delivers a formatted alert message. The Event Hub implements
// this by broadcasting a system_alert frame to connected clients.
type AlertSink interface {
	Send(message string) error
}

// Monitor fans operational alerts (gateway circuit-breaker trips, user
// stream exhaustion, bot failures) out to zero or more sinks. With no sink
// configured it falls back to logging locally.
type Monitor struct {
	mu    sync.RWMutex
	sinks []AlertSink
}

// New creates a Monitor with no sinks configured.
func New() *Monitor {
	return &Monitor{}
}

// AddSink registers a delivery target; alerts are delivered to every
// registered sink.
func (m *Monitor) AddSink(sink AlertSink) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sinks = append(m.sinks, sink)
}

// Raise formats and delivers an alert to every configured sink.
func (m *Monitor) Raise(source, message string) {
	formatted := "[" + time.Now().Format(time.RFC3339) + "] " + source + ": " + message

	m.mu.RLock()
	sinks := append([]AlertSink(nil), m.sinks...)
	m.mu.RUnlock()

	if len(sinks) == 0 {
		log.Println(formatted)
		return
	}
	for _, sink := range sinks {
		if err := sink.Send(formatted); err != nil {
			log.Printf("monitor: alert sink delivery failed: %v", err)
		}
	}
}
