package metrics

import "strings"

const metricNamePrefix = "hookline_"

// MetricName guarantees the project prefix on a metric name.
func MetricName(name string) string {
	if strings.HasPrefix(name, metricNamePrefix) {
		return name
	}
	return metricNamePrefix + name
}

// MetricNameWithSubsystem builds "<prefix><subsystem>_<name>", tolerating
// stray underscores around the subsystem. Names that already carry the
// project prefix pass through unchanged.
func MetricNameWithSubsystem(subsystem, metricName string) string {
	if strings.HasPrefix(metricName, metricNamePrefix) {
		return metricName
	}
	subsystem = strings.Trim(subsystem, "_")
	if subsystem == "" {
		return MetricName(metricName)
	}
	if metricName == "" {
		return metricNamePrefix + subsystem
	}
	return metricNamePrefix + subsystem + "_" + metricName
}
