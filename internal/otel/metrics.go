package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds all chorus metrics instruments.
type Metrics struct {
	IngestDuration    metric.Float64Histogram
	FilesProcessed    metric.Int64Counter
	MessagesIngested  metric.Int64Counter
	ParseErrors       metric.Int64Counter
	SearchDuration    metric.Float64Histogram
	TokensObserved    metric.Int64Counter
	SessionEvents     metric.Int64Counter
	WSClients         metric.Int64UpDownCounter
	ActivityBroadcast metric.Int64Counter
	RetentionDeletes  metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.IngestDuration, err = meter.Float64Histogram("chorus.ingest.duration",
		metric.WithDescription("Session log extraction duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.FilesProcessed, err = meter.Int64Counter("chorus.ingest.files",
		metric.WithDescription("Session log files processed"),
	)
	if err != nil {
		return nil, err
	}

	m.MessagesIngested, err = meter.Int64Counter("chorus.ingest.messages",
		metric.WithDescription("Messages persisted from session logs"),
	)
	if err != nil {
		return nil, err
	}

	m.ParseErrors, err = meter.Int64Counter("chorus.ingest.parse_errors",
		metric.WithDescription("Malformed log lines skipped during extraction"),
	)
	if err != nil {
		return nil, err
	}

	m.SearchDuration, err = meter.Float64Histogram("chorus.search.duration",
		metric.WithDescription("Full-text search duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.TokensObserved, err = meter.Int64Counter("chorus.tokens",
		metric.WithDescription("Total tokens observed across sessions"),
	)
	if err != nil {
		return nil, err
	}

	m.SessionEvents, err = meter.Int64Counter("chorus.session.events",
		metric.WithDescription("Clear and compact events detected"),
	)
	if err != nil {
		return nil, err
	}

	m.WSClients, err = meter.Int64UpDownCounter("chorus.ws.clients",
		metric.WithDescription("Connected dashboard observers"),
	)
	if err != nil {
		return nil, err
	}

	m.ActivityBroadcast, err = meter.Int64Counter("chorus.activity.broadcast",
		metric.WithDescription("Activity entries broadcast to observers"),
	)
	if err != nil {
		return nil, err
	}

	m.RetentionDeletes, err = meter.Int64Counter("chorus.retention.deletes",
		metric.WithDescription("Rows removed by retention cleanup"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
