package cozylife

import "sync"

// Logger interface for optional logging.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

// logHolder guards an optional Logger so it can be swapped at runtime.
type logHolder struct {
	logger   Logger
	loggerMu sync.RWMutex
}

// SetLogger sets the logger.
func (h *logHolder) SetLogger(logger Logger) {
	h.loggerMu.Lock()
	h.logger = logger
	h.loggerMu.Unlock()
}

func (h *logHolder) get() Logger {
	h.loggerMu.RLock()
	defer h.loggerMu.RUnlock()
	return h.logger
}

func (h *logHolder) logDebug(msg string, keysAndValues ...any) {
	if logger := h.get(); logger != nil {
		logger.Debug(msg, keysAndValues...)
	}
}

func (h *logHolder) logInfo(msg string, keysAndValues ...any) {
	if logger := h.get(); logger != nil {
		logger.Info(msg, keysAndValues...)
	}
}

func (h *logHolder) logWarn(msg string, keysAndValues ...any) {
	if logger := h.get(); logger != nil {
		logger.Warn(msg, keysAndValues...)
	}
}

func (h *logHolder) logError(msg string, err error, keysAndValues ...any) {
	if logger := h.get(); logger != nil {
		logger.Error(msg, append([]any{"error", err}, keysAndValues...)...)
	}
}
