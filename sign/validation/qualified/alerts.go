package qualified

import (
	"log/slog"
	"time"
)

// AlertKind classifies a trusted list alert.
type AlertKind int

const (
	// AlertSignatureError fires when a list signature does not verify.
	AlertSignatureError AlertKind = iota
	// AlertExpired fires when a list is past its NextUpdate.
	AlertExpired
	// AlertExpiringSoon fires for an accepted list whose NextUpdate falls
	// within the configured warning window.
	AlertExpiringSoon
)

func (k AlertKind) String() string {
	switch k {
	case AlertSignatureError:
		return "signature-error"
	case AlertExpired:
		return "expired"
	case AlertExpiringSoon:
		return "expiring-soon"
	default:
		return "unknown"
	}
}

// Alert describes a problem found with one list during a refresh.
type Alert struct {
	Kind       AlertKind
	Location   string
	Territory  string
	NextUpdate time.Time
	Err        error
}

// AlertHandler receives alerts. Handlers must not block the refresh.
type AlertHandler interface {
	HandleAlert(a *Alert)
}

// AlertHandlerFunc adapts a function to AlertHandler.
type AlertHandlerFunc func(a *Alert)

// HandleAlert implements AlertHandler.
func (f AlertHandlerFunc) HandleAlert(a *Alert) { f(a) }

// LogAlertHandler writes alerts to a logger.
type LogAlertHandler struct {
	Logger *slog.Logger
}

// HandleAlert implements AlertHandler.
func (h LogAlertHandler) HandleAlert(a *Alert) {
	logger := h.Logger
	if logger == nil {
		logger = slog.Default()
	}
	switch a.Kind {
	case AlertSignatureError:
		logger.Warn("trusted list signature is not valid",
			"location", a.Location, "territory", a.Territory, "error", a.Err)
	case AlertExpired:
		logger.Warn("trusted list has expired",
			"location", a.Location, "territory", a.Territory, "next_update", a.NextUpdate)
	case AlertExpiringSoon:
		logger.Warn("trusted list expires soon",
			"location", a.Location, "territory", a.Territory, "next_update", a.NextUpdate)
	}
}
