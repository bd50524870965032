package middleware

import "strings"

// Metric attribute keys.
const (
	MetrAttrErr         = "error"
	MetrAttrEvent       = "event"
	MetrAttrQueue       = "queue"
	MetrAttrMethod      = "method"
	MetrAttrStatus      = "status"
	MetrAttrPathPattern = "path_pattern"
	MetrAttrHost        = "host"
)

// ErrFormatter turns an error into a metric attribute value.
type ErrFormatter func(error) string

// FirstErr keeps the error text before the first ':', so the attribute has a low cardinality.
func FirstErr(err error) string {
	if err == nil {
		return ""
	}

	return strings.SplitN(err.Error(), ":", 2)[0]
}
