package prometheus

import (
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sirupsen/logrus"
)

var logCounter = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "aleph_log_entries_total",
	Help: "Log messages emitted, by level and subsystem prefix.",
}, []string{"level", "prefix"})

// LogrusCollector is a logrus hook counting log entries per subsystem,
// so noisy components show up on dashboards.
type LogrusCollector struct {
	counter *prometheus.CounterVec
}

// NewLogrusCollector returns the hook to install on the root logger.
func NewLogrusCollector() *LogrusCollector {
	return &LogrusCollector{counter: logCounter}
}

// Fire counts one log entry.
func (hook *LogrusCollector) Fire(entry *logrus.Entry) error {
	prefix := "global"
	if value, ok := entry.Data["prefix"]; ok {
		prefix, ok = value.(string)
		if !ok {
			return errors.New("prefix field is not a string")
		}
	}
	hook.counter.WithLabelValues(entry.Level.String(), prefix).Inc()
	return nil
}

// Levels reports which entries the hook sees.
func (*LogrusCollector) Levels() []logrus.Level {
	return []logrus.Level{logrus.InfoLevel, logrus.WarnLevel, logrus.ErrorLevel}
}
