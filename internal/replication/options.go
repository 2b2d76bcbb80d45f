package replication

import "time"

// Logger interface for logging. *zap.SugaredLogger satisfies it.
type Logger interface {
	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

// defaultLogger is a no-op logger implementation
type defaultLogger struct{}

func (l *defaultLogger) Debugf(_ string, _ ...interface{}) {}
func (l *defaultLogger) Infof(_ string, _ ...interface{})  {}
func (l *defaultLogger) Warnf(_ string, _ ...interface{})  {}
func (l *defaultLogger) Errorf(_ string, _ ...interface{}) {}

// Timer is a pending callback created by Clock.AfterFunc.
type Timer interface {
	Stop() bool
}

// Clock provides time and timers to the participants.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

func (systemClock) AfterFunc(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }

// SystemClock returns the wall clock.
func SystemClock() Clock { return systemClock{} }

// MetricsCollector defines the interface for collecting replication metrics
type MetricsCollector interface {
	RecordInsert()
	RecordCommandCommitted()
	RecordCommitLatency(latency time.Duration)
	RecordAppendEntries()
	RecordHeartbeat()
	RecordRequestLatency(latency time.Duration)
	RecordRejection(reason string)
}

type noopMetrics struct{}

func (noopMetrics) RecordInsert()                      {}
func (noopMetrics) RecordCommandCommitted()            {}
func (noopMetrics) RecordCommitLatency(time.Duration)  {}
func (noopMetrics) RecordAppendEntries()               {}
func (noopMetrics) RecordHeartbeat()                   {}
func (noopMetrics) RecordRequestLatency(time.Duration) {}
func (noopMetrics) RecordRejection(string)             {}

// Options are the collaborators shared by every participant of a replicated log.
type Options struct {
	// ParticipantID names the local process.
	ParticipantID ParticipantID
	Logger        Logger
	Metrics       MetricsCollector
	Clock         Clock
	Events        EventSink
}

func (o Options) withDefaults() Options {
	if o.Logger == nil {
		o.Logger = &defaultLogger{}
	}
	if o.Metrics == nil {
		o.Metrics = noopMetrics{}
	}
	if o.Clock == nil {
		o.Clock = systemClock{}
	}
	if o.Events == nil {
		o.Events = discardEvents{}
	}
	return o
}
