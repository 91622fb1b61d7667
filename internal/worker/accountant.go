package worker

import (
	"context"
	"log/slog"
	"time"

	gateway "github.com/skralg/heimdall/internal"
	"github.com/skralg/heimdall/internal/storage"
	"github.com/skralg/heimdall/internal/telemetry"
)

const (
	accountChanSize  = 1000
	accountDrainTime = 30 * time.Second
	accountOpTimeout = 5 * time.Second
)

// Accountant persists request logs and token-usage increments off the
// response path. Record never blocks; entries are dropped with a warning
// when the channel is full. Failures are logged and swallowed -- accounting
// must never affect a client-visible response.
type Accountant struct {
	ch      chan *gateway.RequestLog
	logs    storage.LogStore
	keys    storage.KeyStore
	metrics *telemetry.Metrics // nil = no queue gauge
}

// NewAccountant creates an Accountant writing to the given stores.
func NewAccountant(logs storage.LogStore, keys storage.KeyStore, metrics *telemetry.Metrics) *Accountant {
	return &Accountant{
		ch:      make(chan *gateway.RequestLog, accountChanSize),
		logs:    logs,
		keys:    keys,
		metrics: metrics,
	}
}

// Name implements Worker.
func (a *Accountant) Name() string { return "accountant" }

// Record enqueues a finished request log. It never blocks; drops on full channel.
func (a *Accountant) Record(log *gateway.RequestLog) {
	select {
	case a.ch <- log:
		if a.metrics != nil {
			a.metrics.UsageQueueLength.Set(float64(len(a.ch)))
		}
	default:
		slog.Warn("accounting record dropped, channel full")
	}
}

// Run processes records until ctx is cancelled, then drains the channel.
func (a *Accountant) Run(ctx context.Context) error {
	for {
		select {
		case log := <-a.ch:
			a.persist(ctx, log)
		case <-ctx.Done():
			a.drain()
			return nil
		}
	}
}

func (a *Accountant) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), accountDrainTime)
	defer cancel()
	for {
		select {
		case log := <-a.ch:
			a.persist(ctx, log)
		default:
			return
		}
	}
}

// persist inserts the log row and applies the tokens_used increment. The two
// writes are independent: a failed insert does not block the increment.
func (a *Accountant) persist(ctx context.Context, log *gateway.RequestLog) {
	opCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), accountOpTimeout)
	defer cancel()

	if err := a.logs.InsertLog(opCtx, log); err != nil {
		slog.LogAttrs(opCtx, slog.LevelError, "request log insert failed",
			slog.String("log_id", log.ID),
			slog.String("error", err.Error()),
		)
	}

	if log.UserKeyID != nil && log.TotalTokens != nil && *log.TotalTokens > 0 {
		if err := a.keys.IncrementTokensUsed(opCtx, *log.UserKeyID, *log.TotalTokens); err != nil {
			slog.LogAttrs(opCtx, slog.LevelError, "usage increment failed",
				slog.String("key_id", *log.UserKeyID),
				slog.Int64("tokens", *log.TotalTokens),
				slog.String("error", err.Error()),
			)
		}
	}

	if a.metrics != nil {
		a.metrics.UsageQueueLength.Set(float64(len(a.ch)))
	}
}
