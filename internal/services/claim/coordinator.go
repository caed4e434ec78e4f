package claim

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/BearBump/HandOff/internal/metrics"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const (
	ReasonTaken       = "already_taken"
	ReasonTransport   = "transport_error"
	ReasonInvalid     = "invalid_request"
	ReasonRateLimited = "rate_limited"

	PathFast     = "fast"
	PathFallback = "fallback"
)

var tracer = otel.Tracer("github.com/BearBump/HandOff/internal/services/claim")

// Backend is the authoritative side of a claim.
type Backend interface {
	// ClaimDelivery is the server-side "assign iff still available" transaction.
	ClaimDelivery(ctx context.Context, deliveryID, driverID string) (bool, error)
	// AssignIfAvailable is the conditional UPDATE used when the RPC is unavailable.
	AssignIfAvailable(ctx context.Context, deliveryID, driverID string, at time.Time) (int64, error)
	SetDriverAvailability(ctx context.Context, driverID string, available bool) error
}

// RepairQueue remembers drivers whose availability flag may have drifted.
type RepairQueue interface {
	Push(ctx context.Context, driverID string) error
	Pop(ctx context.Context, n int) ([]string, error)
}

type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int64, window time.Duration) (bool, int64, error)
}

// Result is the routine outcome of a claim. OK=false with ReasonTaken is an
// expected race loss, not an error; Err is set only for transport failures.
type Result struct {
	OK     bool   `json:"ok"`
	Reason string `json:"reason,omitempty"`
	Path   string `json:"path,omitempty"`
	Err    error  `json:"-"`
}

type Coordinator struct {
	backend Backend
	repairs RepairQueue

	rl          RateLimiter
	rlPerMinute int64

	rejected func(error) bool
	now      func() time.Time
}

func New(backend Backend, repairs RepairQueue) *Coordinator {
	return &Coordinator{
		backend: backend,
		repairs: repairs,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// WithRateLimit caps claim attempts per driver per wall-clock minute. The
// counter key carries the minute (rl:claim:<driver>:<yyyymmddhhmm>), so a
// fresh bucket starts at every minute boundary.
func (c *Coordinator) WithRateLimit(rl RateLimiter, perMinute int64) *Coordinator {
	if rl != nil && perMinute > 0 {
		c.rl = rl
		c.rlPerMinute = perMinute
	}
	return c
}

// WithRejection sets how a fast-path error is recognised as the backend
// refusing the request itself. Such a claim is reported invalid and is not
// retried through the fallback.
func (c *Coordinator) WithRejection(rejected func(error) bool) *Coordinator {
	c.rejected = rejected
	return c
}

func (c *Coordinator) WithClock(now func() time.Time) *Coordinator {
	if now != nil {
		c.now = now
	}
	return c
}

func (c *Coordinator) Claim(ctx context.Context, deliveryID, driverID string) Result {
	ctx, span := tracer.Start(ctx, "claim.Claim")
	defer span.End()
	span.SetAttributes(
		attribute.String("delivery.id", deliveryID),
		attribute.String("driver.id", driverID),
	)

	res := c.claim(ctx, deliveryID, driverID)

	span.SetAttributes(
		attribute.Bool("claim.ok", res.OK),
		attribute.String("claim.path", res.Path),
		attribute.String("claim.reason", res.Reason),
	)
	if res.Err != nil {
		span.RecordError(res.Err)
		span.SetStatus(codes.Error, res.Reason)
	}

	outcome := "ok"
	if !res.OK {
		outcome = res.Reason
	}
	metrics.ClaimsTotal.WithLabelValues(res.Path, outcome).Inc()
	return res
}

func (c *Coordinator) claim(ctx context.Context, deliveryID, driverID string) Result {
	if deliveryID == "" || driverID == "" {
		return Result{Reason: ReasonInvalid}
	}

	if c.rl != nil {
		now := c.now()
		key := fmt.Sprintf("rl:claim:%s:%s", driverID, now.Format("200601021504"))
		allowed, n, err := c.rl.Allow(ctx, key, c.rlPerMinute, 70*time.Second)
		if err != nil {
			slog.Warn("claim rate limiter unavailable", "driver_id", driverID, "error", err.Error())
		} else if !allowed {
			slog.Warn("claim rate limit exceeded", "driver_id", driverID, "count", n)
			return Result{Reason: ReasonRateLimited}
		}
	}

	ok, err := c.backend.ClaimDelivery(ctx, deliveryID, driverID)
	if err == nil {
		if ok {
			return Result{OK: true, Path: PathFast}
		}
		return Result{Reason: ReasonTaken, Path: PathFast}
	}
	if c.rejected != nil && c.rejected(err) {
		slog.Warn("claim rejected", "delivery_id", deliveryID, "driver_id", driverID, "error", err.Error())
		return Result{Reason: ReasonInvalid, Path: PathFast}
	}
	slog.Warn("claim rpc failed, falling back to conditional update",
		"delivery_id", deliveryID, "driver_id", driverID, "error", err.Error())

	rows, err := c.backend.AssignIfAvailable(ctx, deliveryID, driverID, c.now())
	if err != nil {
		slog.Error("conditional assign failed", "delivery_id", deliveryID, "driver_id", driverID, "error", err.Error())
		return Result{Reason: ReasonTransport, Path: PathFallback, Err: err}
	}
	if rows != 1 {
		return Result{Reason: ReasonTaken, Path: PathFallback}
	}

	// The claim is committed. Availability is a separate best-effort step.
	c.markUnavailable(ctx, driverID)
	return Result{OK: true, Path: PathFallback}
}

func (c *Coordinator) markUnavailable(ctx context.Context, driverID string) {
	err := c.backend.SetDriverAvailability(ctx, driverID, false)
	if err == nil {
		return
	}
	slog.Error("mark driver unavailable after fallback claim", "driver_id", driverID, "error", err.Error())
	if c.repairs == nil {
		return
	}
	if err := c.repairs.Push(ctx, driverID); err != nil {
		slog.Error("queue availability repair", "driver_id", driverID, "error", err.Error())
	}
}
