package logger

import (
	"github.com/teranos/fleet/sym"
	"go.uber.org/zap"
)

// Symbol-aware logging helpers.
// The symbol travels as a structured field, not in the message, so logs stay
// queryable by subsystem.
//
// Usage:
//
//	type Carousel struct {
//	    log *zap.SugaredLogger
//	}
//	c.log = logger.AddCarouselSymbol(baseLogger.Named("carousel"))

// WithSymbol returns the global logger with the given symbol as a field.
func WithSymbol(symbol string) *zap.SugaredLogger {
	return Logger.With(FieldSymbol, symbol)
}

// AddPulseSymbol wraps a logger with the Pulse symbol (꩜)
func AddPulseSymbol(l *zap.SugaredLogger) *zap.SugaredLogger {
	return l.With(FieldSymbol, sym.Pulse)
}

// AddPulseOpenSymbol wraps a logger with the PulseOpen symbol (✿)
func AddPulseOpenSymbol(l *zap.SugaredLogger) *zap.SugaredLogger {
	return l.With(FieldSymbol, sym.PulseOpen)
}

// AddPulseCloseSymbol wraps a logger with the PulseClose symbol (❀)
func AddPulseCloseSymbol(l *zap.SugaredLogger) *zap.SugaredLogger {
	return l.With(FieldSymbol, sym.PulseClose)
}

// AddDBSymbol wraps a logger with the DB symbol (⊔)
func AddDBSymbol(l *zap.SugaredLogger) *zap.SugaredLogger {
	return l.With(FieldSymbol, sym.DB)
}

// AddCarouselSymbol wraps a logger with the Carousel symbol (⟳)
func AddCarouselSymbol(l *zap.SugaredLogger) *zap.SugaredLogger {
	return l.With(FieldSymbol, sym.Carousel)
}
