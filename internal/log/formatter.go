// Package log provides the logrus formatter shared by all regcached binaries.
package log

import (
	"time"

	"github.com/sirupsen/logrus"
)

// NewFormatter returns the standard log formatter. When json is true the
// output is one JSON object per line, suitable for log shippers; otherwise a
// human-readable text format with full timestamps is used.
func NewFormatter(json bool) logrus.Formatter {
	if json {
		return &logrus.JSONFormatter{
			TimestampFormat: time.RFC3339,
		}
	}
	return &logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05",
	}
}
