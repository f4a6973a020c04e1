// Package cleanup は期限切れセッションの定期削除ジョブを提供する。
// 検証時はexpires_atで判定するため削除は必須ではないが、sessionsテーブルの肥大化を防ぐ。
package cleanup

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/hitoshi/cfpman/internal/metrics"
)

// Executor はSQLのExecContextを抽象化するインターフェース。
// *sql.DB や *sql.Tx を受け付けることができる。
type Executor interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// SessionReaper は期限切れセッションを削除するジョブ。冪等。
type SessionReaper struct {
	db      Executor
	logger  *slog.Logger
	metrics metrics.MetricsCollector
	// GracePeriod は期限切れ後も行を残しておく期間（デフォルト: 0）。
	GracePeriod time.Duration
}

// NewSessionReaper は新しいSessionReaperを生成する。
func NewSessionReaper(db Executor, logger *slog.Logger, mc metrics.MetricsCollector) *SessionReaper {
	if mc == nil {
		mc = metrics.NopCollector{}
	}
	return &SessionReaper{
		db:      db,
		logger:  logger,
		metrics: mc,
	}
}

// Run はexpires_atがGracePeriodより前のセッションを削除する。
// 削除対象がない場合でもエラーにならない。
func (j *SessionReaper) Run(ctx context.Context) error {
	start := time.Now()

	interval := fmt.Sprintf("%d seconds", int64(j.GracePeriod/time.Second))

	query := `DELETE FROM sessions WHERE expires_at <= now() - $1::interval`
	result, err := j.db.ExecContext(ctx, query, interval)
	if err != nil {
		j.logger.Error("session reaper failed",
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("failed to delete expired sessions: %w", err)
	}

	deletedCount, err := result.RowsAffected()
	if err != nil {
		j.logger.Error("failed to get deleted session count",
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	j.metrics.RecordSessionsReaped(deletedCount)

	duration := time.Since(start)
	j.logger.Info("session reaper completed",
		slog.Int64("deleted_count", deletedCount),
		slog.Duration("grace_period", j.GracePeriod),
		slog.Float64("duration_ms", float64(duration.Milliseconds())),
	)

	return nil
}

// RunEvery は起動直後に1回実行し、以降intervalごとにctxがキャンセルされるまで実行する。
// 1回の失敗ではループを止めない。
func (j *SessionReaper) RunEvery(ctx context.Context, interval time.Duration) {
	j.runCycle(ctx, interval)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			j.runCycle(ctx, interval)
		}
	}
}

func (j *SessionReaper) runCycle(ctx context.Context, interval time.Duration) {
	if err := j.Run(ctx); err != nil {
		if ctx.Err() != nil {
			return
		}
		j.logger.Warn("session reaper cycle failed, retrying next interval",
			slog.String("error", err.Error()),
			slog.Duration("interval", interval),
		)
	}
}
