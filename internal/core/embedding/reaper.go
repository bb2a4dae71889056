package embedding

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

const (
	// DefaultReaperSchedule はリース切れクレームの回収スケジュール
	DefaultReaperSchedule = "@every 1m"
	// DefaultLeaseTimeout はクレームが有効な期間
	DefaultLeaseTimeout = 10 * time.Minute
)

// ReaperConfig は StaleClaimReaper の設定
type ReaperConfig struct {
	Schedule     string
	LeaseTimeout time.Duration
	// MaxAttempts はワーカーの再試行上限と揃える。ワーカーを異常終了させる
	// ドキュメントが回収と再クレームを繰り返し続けないようにする
	MaxAttempts int
}

// StaleClaimReaper はワーカーが異常終了して processing のまま残ったドキュメントを
// 定期的に pending へ戻す
type StaleClaimReaper struct {
	repo   Repository
	config ReaperConfig
	cron   *cron.Cron
	logger *slog.Logger
}

// NewStaleClaimReaper は新しい StaleClaimReaper を作成する
func NewStaleClaimReaper(repo Repository, config ReaperConfig, logger *slog.Logger) *StaleClaimReaper {
	if logger == nil {
		logger = slog.Default()
	}
	if config.Schedule == "" {
		config.Schedule = DefaultReaperSchedule
	}
	if config.LeaseTimeout <= 0 {
		config.LeaseTimeout = DefaultLeaseTimeout
	}
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = DefaultMaxAttempts
	}

	return &StaleClaimReaper{
		repo:   repo,
		config: config,
		cron:   cron.New(),
		logger: logger,
	}
}

// Start はスケジューラーを起動する。ctx は各実行に引き継がれる
func (r *StaleClaimReaper) Start(ctx context.Context) error {
	_, err := r.cron.AddFunc(r.config.Schedule, func() {
		if _, err := r.Run(ctx); err != nil {
			r.logger.Error("リース切れクレームの回収に失敗しました", "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("cron ジョブの登録に失敗: %w", err)
	}

	r.cron.Start()
	r.logger.Info("リース切れクレームの回収ジョブを開始しました",
		"schedule", r.config.Schedule,
		"leaseTimeout", r.config.LeaseTimeout,
	)
	return nil
}

// Stop はスケジューラーを停止し、実行中のジョブの完了を待つ
func (r *StaleClaimReaper) Stop() {
	<-r.cron.Stop().Done()
	r.logger.Info("リース切れクレームの回収ジョブを停止しました")
}

// Run は回収を1回実行する（手動実行可能）
func (r *StaleClaimReaper) Run(ctx context.Context) (int, error) {
	if ctx.Err() != nil {
		return 0, ctx.Err()
	}

	count, err := r.repo.RequeueStale(ctx, r.config.LeaseTimeout, r.config.MaxAttempts)
	if err != nil {
		return 0, fmt.Errorf("リース切れクレームの再キューに失敗: %w", err)
	}
	if count > 0 {
		r.logger.Warn("リース切れのドキュメントを回収しました", "count", count, "maxAttempts", r.config.MaxAttempts)
	}
	return count, nil
}
