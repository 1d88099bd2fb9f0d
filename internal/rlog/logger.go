// Package rlog provides a per-request structured logger attached to
// context.Context, the way the teacher's core/logger package does for
// the resource collection handlers.
package rlog

import (
	"context"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
)

type contextKeyLoggerType struct{}

var contextKeyLogger = &contextKeyLoggerType{}

const requestIDField = "requestID"

// Init sets up the process-wide logrus formatter and level.
func Init(level logrus.Level) {
	formatter := new(logrus.TextFormatter)
	formatter.TimestampFormat = "2006-01-02 15:04:05"
	formatter.FullTimestamp = true
	logrus.SetFormatter(formatter)
	logrus.SetLevel(level)
}

// Default returns a logger with no request ID, for use outside a request.
func Default() *logrus.Entry {
	return logrus.NewEntry(logrus.StandardLogger())
}

// WithRequestID returns ctx with an attached logger if it doesn't have one
// already.
func WithRequestID(ctx context.Context) (context.Context, *logrus.Entry) {
	if ctx == nil {
		ctx = context.Background()
	} else if entry := fromContext(ctx); entry != nil {
		return ctx, entry
	}
	id, _ := uuid.NewRandom()
	entry := logrus.WithField(requestIDField, id.String())
	return context.WithValue(ctx, contextKeyLogger, entry), entry
}

func fromContext(ctx context.Context) *logrus.Entry {
	if ctx == nil {
		return nil
	}
	entry, _ := ctx.Value(contextKeyLogger).(*logrus.Entry)
	return entry
}

// FromContext returns the logger attached to ctx, or a fresh default logger
// if none is attached.
func FromContext(ctx context.Context) *logrus.Entry {
	if entry := fromContext(ctx); entry != nil {
		return entry
	}
	return Default()
}

// Middleware attaches a request-scoped logger to every request handled by
// router, mirroring logger.AddRequestID.
func Middleware(router *mux.Router) {
	router.Use(func(h http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, _ := WithRequestID(r.Context())
			h.ServeHTTP(w, r.WithContext(ctx))
		})
	})
}
