package tracing

import (
	"context"
	"time"

	"example.com/eduwallet/services/partners/config"

	"github.com/gin-gonic/gin"
	"github.com/newrelic/go-agent/v3/integrations/nrgin"
	"github.com/newrelic/go-agent/v3/newrelic"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// Tracer wraps the New Relic application. A Tracer without a license key is
// disabled and every method is a no-op.
type Tracer struct {
	app *newrelic.Application
}

// NewTracer creates a new tracer
func NewTracer(cfg config.TracingConfig) (*Tracer, error) {
	if cfg.LicenseKey == "" {
		log.Warn().Msg("New Relic license key not provided, tracing will be disabled")
		return &Tracer{}, nil
	}

	app, err := newrelic.NewApplication(
		newrelic.ConfigAppName(cfg.AppName),
		newrelic.ConfigLicense(cfg.LicenseKey),
		newrelic.ConfigDistributedTracerEnabled(cfg.DistribTracing),
		newrelic.ConfigAppLogForwardingEnabled(cfg.LogEnabled),
	)
	if err != nil {
		return nil, errors.Wrap(err, "failed to initialize New Relic")
	}

	return &Tracer{app: app}, nil
}

// Enabled reports whether transactions are being recorded
func (t *Tracer) Enabled() bool {
	return t != nil && t.app != nil
}

// Middleware starts a transaction per request and makes it reachable from
// the request context so outbound calls are linked to it.
func (t *Tracer) Middleware() gin.HandlerFunc {
	if !t.Enabled() {
		return func(c *gin.Context) { c.Next() }
	}
	return nrgin.Middleware(t.app)
}

// ContextMiddleware copies the gin transaction into the request context. It
// must run after Middleware.
func ContextMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if txn := nrgin.Transaction(c); txn != nil {
			c.Request = c.Request.WithContext(newrelic.NewContext(c.Request.Context(), txn))
		}
		c.Next()
	}
}

// StartTransaction starts a background transaction and returns a context
// carrying it along with the function that ends it.
func (t *Tracer) StartTransaction(ctx context.Context, name string) (context.Context, func()) {
	if !t.Enabled() {
		return ctx, func() {}
	}
	txn := t.app.StartTransaction(name)
	return newrelic.NewContext(ctx, txn), txn.End
}

// StartSegment times a unit of work inside the transaction carried by ctx
func StartSegment(ctx context.Context, name string) *newrelic.Segment {
	return newrelic.FromContext(ctx).StartSegment(name)
}

// NoticeError attaches err to the transaction carried by ctx
func NoticeError(ctx context.Context, err error) {
	if err == nil {
		return
	}
	newrelic.FromContext(ctx).NoticeError(err)
}

// Close flushes pending data
func (t *Tracer) Close() {
	if !t.Enabled() {
		return
	}
	t.app.Shutdown(10 * time.Second)
	log.Info().Msg("New Relic tracer shutdown")
}
