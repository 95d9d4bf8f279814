package middleware

import (
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
)

// AuditEventType names a state change made through the ops API
type AuditEventType string

const (
	ParametersImported AuditEventType = "parameters_imported"
	CircuitReset       AuditEventType = "circuit_reset"
	RegressionRun      AuditEventType = "regression_run"
	FeedbackRecorded   AuditEventType = "feedback_recorded"
	RouteRequested     AuditEventType = "route_requested"
	OpsRequest         AuditEventType = "ops_request"
)

// eventTypes maps mux path templates to audit event types
var eventTypes = map[string]AuditEventType{
	"/v1/parameters":            ParametersImported,
	"/v1/circuits/{name}/reset": CircuitReset,
	"/v1/regression/run":        RegressionRun,
	"/v1/feedback/performance":  FeedbackRecorded,
	"/v1/feedback/actual":       FeedbackRecorded,
	"/v1/route":                 RouteRequested,
}

// AuditEvent is one audited ops request
type AuditEvent struct {
	ID         string            `json:"id"`
	Timestamp  time.Time         `json:"timestamp"`
	EventType  AuditEventType    `json:"event_type"`
	Method     string            `json:"method"`
	Path       string            `json:"path"`
	PathVars   map[string]string `json:"path_vars,omitempty"`
	StatusCode int               `json:"status_code"`
	Duration   time.Duration     `json:"duration"`
	RemoteAddr string            `json:"remote_addr"`
}

// AuditConfig holds audit logging configuration
type AuditConfig struct {
	Enabled       bool          `yaml:"enabled"`
	BufferSize    int           `yaml:"buffer_size" validate:"gte=0"`
	FlushInterval time.Duration `yaml:"flush_interval" validate:"gte=0"`
}

// AuditLogger records state-changing ops requests. Events are buffered and
// written by a background processor; Stop drains the buffer.
type AuditLogger struct {
	config   AuditConfig
	logger   *logrus.Logger
	buffer   chan *AuditEvent
	stopChan chan struct{}
	wg       sync.WaitGroup

	mu      sync.Mutex
	stopped bool

	eventCount atomic.Int64
	dropped    atomic.Int64
}

// NewAuditLogger creates a new audit logger and starts its processor when enabled
func NewAuditLogger(config AuditConfig, logger *logrus.Logger) *AuditLogger {
	if config.BufferSize == 0 {
		config.BufferSize = 1000
	}
	if config.FlushInterval == 0 {
		config.FlushInterval = 10 * time.Second
	}

	a := &AuditLogger{
		config:   config,
		logger:   logger,
		buffer:   make(chan *AuditEvent, config.BufferSize),
		stopChan: make(chan struct{}),
	}

	if config.Enabled {
		a.wg.Add(1)
		go a.eventProcessor()
	}
	return a
}

// Middleware audits POST and PUT requests. It must run inside a mux router so
// the matched path template is available.
func (a *AuditLogger) Middleware(next http.Handler) http.Handler {
	if !a.config.Enabled {
		return next
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost && r.Method != http.MethodPut {
			next.ServeHTTP(w, r)
			return
		}

		start := time.Now()
		requestID := uuid.New().String()
		w.Header().Set("X-Request-ID", requestID)

		wrapper := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapper, r)

		eventType := OpsRequest
		if route := mux.CurrentRoute(r); route != nil {
			if tpl, err := route.GetPathTemplate(); err == nil {
				if t, ok := eventTypes[tpl]; ok {
					eventType = t
				}
			}
		}

		a.LogEvent(&AuditEvent{
			ID:         requestID,
			Timestamp:  start,
			EventType:  eventType,
			Method:     r.Method,
			Path:       r.URL.Path,
			PathVars:   mux.Vars(r),
			StatusCode: wrapper.statusCode,
			Duration:   time.Since(start),
			RemoteAddr: r.RemoteAddr,
		})
	})
}

// LogEvent queues an event, dropping it when the buffer is full
func (a *AuditLogger) LogEvent(event *AuditEvent) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.config.Enabled || a.stopped {
		return
	}

	select {
	case a.buffer <- event:
		a.eventCount.Add(1)
	default:
		a.dropped.Add(1)
		a.logger.WithField("event_type", event.EventType).Warn("Audit buffer full, event dropped")
	}
}

// EventCount returns the number of events accepted
func (a *AuditLogger) EventCount() int64 {
	return a.eventCount.Load()
}

// Stop stops the processor and writes every buffered event
func (a *AuditLogger) Stop() {
	a.mu.Lock()
	if !a.config.Enabled || a.stopped {
		a.mu.Unlock()
		return
	}
	a.stopped = true
	a.mu.Unlock()

	close(a.stopChan)
	a.wg.Wait()
	close(a.buffer)

	for event := range a.buffer {
		a.writeEvent(event)
	}
}

func (a *AuditLogger) eventProcessor() {
	defer a.wg.Done()

	ticker := time.NewTicker(a.config.FlushInterval)
	defer ticker.Stop()

	events := make([]*AuditEvent, 0, 100)
	flush := func() {
		for _, event := range events {
			a.writeEvent(event)
		}
		events = events[:0]
	}

	for {
		select {
		case event := <-a.buffer:
			events = append(events, event)
			if len(events) >= 100 {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-a.stopChan:
			flush()
			return
		}
	}
}

func (a *AuditLogger) writeEvent(event *AuditEvent) {
	fields := logrus.Fields{
		"audit_event": true,
		"event_id":    event.ID,
		"event_type":  event.EventType,
		"method":      event.Method,
		"path":        event.Path,
		"status":      event.StatusCode,
		"duration_ms": event.Duration.Milliseconds(),
		"remote_addr": event.RemoteAddr,
	}
	for k, v := range event.PathVars {
		fields["path_"+k] = v
	}

	entry := a.logger.WithFields(fields)
	if event.StatusCode >= 400 {
		entry.Warn("Ops request rejected")
		return
	}
	entry.Info("Ops request audited")
}

// statusRecorder captures the status code written by the handler
type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.statusCode = code
	sr.ResponseWriter.WriteHeader(code)
}
