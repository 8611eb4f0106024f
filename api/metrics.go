package api

import (
	"context"
	"net/http"
	"time"

	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	observabilityEvent = "observability.event"
	boardEventDomain   = "board"
	tracerName         = "board-api/api"
)

// requestMetrics collects per-request timings for a single route and emits
// them once as a span plus an observability.event log entry.
type requestMetrics struct {
	logger *log.Logger
	span   trace.Span
	name   string
	route  string
	start  time.Time

	workspaceID    string
	authDuration   time.Duration
	fetchDuration  time.Duration
	applyDuration  time.Duration
	encodeDuration time.Duration
	tasks          int
	updates        int
	stale          bool
	errorStage     string
}

func newRequestMetrics(ctx context.Context, logger *log.Logger, name, route string) (*requestMetrics, context.Context) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, name, trace.WithSpanKind(trace.SpanKindServer))
	return &requestMetrics{
		logger: logger,
		span:   span,
		name:   name,
		route:  route,
		start:  time.Now(),
	}, ctx
}

func (m *requestMetrics) SetWorkspace(id string) { m.workspaceID = id }

func (m *requestMetrics) ObserveAuth(d time.Duration) {
	if d > 0 {
		m.authDuration = d
	}
}

func (m *requestMetrics) ObserveFetch(d time.Duration) {
	if d > 0 {
		m.fetchDuration = d
	}
}

func (m *requestMetrics) ObserveApply(d time.Duration) {
	if d > 0 {
		m.applyDuration = d
	}
}

func (m *requestMetrics) ObserveEncode(d time.Duration) {
	if d > 0 {
		m.encodeDuration = d
	}
}

func (m *requestMetrics) SetTasks(n int) {
	if n < 0 {
		n = 0
	}
	m.tasks = n
}

func (m *requestMetrics) SetUpdates(n int) {
	if n < 0 {
		n = 0
	}
	m.updates = n
}

func (m *requestMetrics) SetStale(stale bool) { m.stale = stale }

func (m *requestMetrics) SetErrorStage(stage string) {
	if stage != "" {
		m.errorStage = stage
	}
}

func (m *requestMetrics) attributes(status int) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		attribute.String("http.route", m.route),
		attribute.Int("http.status_code", status),
		attribute.Float64("board.request.total_ms", durationToMillis(time.Since(m.start))),
		attribute.Int("board.request.tasks", m.tasks),
		attribute.Int("board.request.updates", m.updates),
		attribute.Bool("board.request.stale", m.stale),
	}
	if m.workspaceID != "" {
		attrs = append(attrs, attribute.String("board.workspace_id", m.workspaceID))
	}
	stages := []struct {
		key string
		d   time.Duration
	}{
		{"board.request.auth_ms", m.authDuration},
		{"board.request.fetch_ms", m.fetchDuration},
		{"board.request.apply_ms", m.applyDuration},
		{"board.request.encode_ms", m.encodeDuration},
	}
	for _, st := range stages {
		if st.d > 0 {
			attrs = append(attrs, attribute.Float64(st.key, durationToMillis(st.d)))
		}
	}
	if m.errorStage != "" {
		attrs = append(attrs, attribute.String("board.request.error_stage", m.errorStage))
	}
	return attrs
}

// Log ends the span and writes the observability event. It is safe to call
// on a nil receiver.
func (m *requestMetrics) Log(status int, err error) {
	if m == nil {
		return
	}
	attrs := m.attributes(status)
	severityText, severityNumber := severityForStatus(status, err)

	eventAttrs := append([]attribute.KeyValue{
		attribute.String("event.name", m.name),
		attribute.String("event.domain", boardEventDomain),
		attribute.String("severity_text", severityText),
		attribute.Int("severity_number", severityNumber),
	}, attrs...)
	if err != nil {
		eventAttrs = append(eventAttrs, attribute.String("error.message", err.Error()))
	}

	if m.span != nil {
		m.span.SetAttributes(attrs...)
		m.span.AddEvent(observabilityEvent, trace.WithAttributes(eventAttrs...))
		if err != nil {
			m.span.RecordError(err)
		}
		if severityText == "ERROR" {
			desc := http.StatusText(status)
			if err != nil {
				desc = err.Error()
			}
			m.span.SetStatus(codes.Error, desc)
		} else {
			m.span.SetStatus(codes.Ok, "")
		}
		m.span.End()
	}

	if m.logger == nil {
		return
	}
	fields := log.Fields{
		"event.name":      m.name,
		"event.domain":    boardEventDomain,
		"attributes":      attributesToFields(attrs),
		"severity_text":   severityText,
		"severity_number": severityNumber,
	}
	if m.span != nil {
		if sc := m.span.SpanContext(); sc.HasTraceID() {
			fields["trace_id"] = sc.TraceID().String()
			fields["span_id"] = sc.SpanID().String()
		}
	}
	entry := m.logger.WithFields(fields)
	if err != nil {
		entry = entry.WithError(err)
	}
	entry.Log(levelForSeverity(severityText), observabilityEvent)
}

// severityForStatus maps an HTTP outcome onto OpenTelemetry log severities.
func severityForStatus(status int, err error) (string, int) {
	switch {
	case status >= http.StatusInternalServerError, err != nil && status < http.StatusBadRequest:
		return "ERROR", 17
	case status >= http.StatusBadRequest:
		return "WARN", 13
	default:
		return "INFO", 9
	}
}

func levelForSeverity(text string) log.Level {
	switch text {
	case "ERROR":
		return log.ErrorLevel
	case "WARN":
		return log.WarnLevel
	default:
		return log.InfoLevel
	}
}

func attributesToFields(attrs []attribute.KeyValue) map[string]any {
	out := make(map[string]any, len(attrs))
	for _, kv := range attrs {
		out[string(kv.Key)] = kv.Value.AsInterface()
	}
	return out
}

func durationToMillis(d time.Duration) float64 {
	if d <= 0 {
		return 0
	}
	return float64(d) / float64(time.Millisecond)
}
