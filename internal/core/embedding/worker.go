package embedding

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

const (
	// DefaultBatchSize は1回のポーリングでクレームする最大件数
	DefaultBatchSize = 10
	// DefaultIdleInterval は空ポーリング・ポーリング失敗時の待機時間
	DefaultIdleInterval = 10 * time.Second
	// DefaultMaxAttempts は一時的なエラーで再試行する最大回数（これを超えると failed）
	DefaultMaxAttempts = 5
	// DefaultShutdownGrace は停止要求後に処理中のドキュメントを完了させる猶予時間
	DefaultShutdownGrace = 30 * time.Second
	// DefaultMaxRetryBackoff は一時的なエラーが続く間の待機時間の上限
	DefaultMaxRetryBackoff = 5 * time.Minute
)

// State はワーカーの状態
type State string

const (
	StateIdle       State = "idle"
	StatePolling    State = "polling"
	StateProcessing State = "processing"
	StateStopped    State = "stopped"
)

// WorkerConfig はワーカーの設定
type WorkerConfig struct {
	BatchSize     int
	IdleInterval  time.Duration
	MaxAttempts   int
	ShutdownGrace time.Duration
	// MaxRetryBackoff は解放のみで終わったサイクル後の待機時間の上限。
	// 待機時間は IdleInterval から倍々に伸びる
	MaxRetryBackoff time.Duration
}

// DefaultWorkerConfig はデフォルトのワーカー設定を返す
func DefaultWorkerConfig() *WorkerConfig {
	return &WorkerConfig{
		BatchSize:       DefaultBatchSize,
		IdleInterval:    DefaultIdleInterval,
		MaxAttempts:     DefaultMaxAttempts,
		ShutdownGrace:   DefaultShutdownGrace,
		MaxRetryBackoff: DefaultMaxRetryBackoff,
	}
}

func (c *WorkerConfig) normalize() {
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.IdleInterval <= 0 {
		c.IdleInterval = DefaultIdleInterval
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.ShutdownGrace <= 0 {
		c.ShutdownGrace = DefaultShutdownGrace
	}
	if c.MaxRetryBackoff <= 0 {
		c.MaxRetryBackoff = DefaultMaxRetryBackoff
	}
	if c.MaxRetryBackoff < c.IdleInterval {
		c.MaxRetryBackoff = c.IdleInterval
	}
}

// CycleResult は1回のポーリングサイクルの結果
type CycleResult struct {
	CycleID   string
	Claimed   int
	Completed int
	Failed    int
	Released  int
	Lost      int
	Duration  time.Duration
}

type outcome int

const (
	outcomeCompleted outcome = iota
	outcomeFailed
	outcomeReleased
	outcomeLost
)

func (r *CycleResult) record(o outcome) {
	switch o {
	case outcomeCompleted:
		r.Completed++
	case outcomeFailed:
		r.Failed++
	case outcomeReleased:
		r.Released++
	case outcomeLost:
		r.Lost++
	}
}

// Worker は未処理ドキュメントをポーリングし、Embeddingを生成して書き戻すループ
type Worker struct {
	repo      Repository
	embedder  Embedder
	validator *TextValidator
	clock     Clock
	config    *WorkerConfig
	logger    *slog.Logger

	mu    sync.RWMutex
	state State
}

type workerOptions struct {
	validator *TextValidator
	clock     Clock
	config    *WorkerConfig
	logger    *slog.Logger
}

// WorkerOption は Worker のオプション設定
type WorkerOption func(*workerOptions)

// WithWorkerLogger はロガーを設定する
func WithWorkerLogger(logger *slog.Logger) WorkerOption {
	return func(o *workerOptions) {
		o.logger = logger
	}
}

// WithWorkerClock は Clock を差し替える
func WithWorkerClock(clock Clock) WorkerOption {
	return func(o *workerOptions) {
		o.clock = clock
	}
}

// WithWorkerValidator は入力検証を差し替える
func WithWorkerValidator(validator *TextValidator) WorkerOption {
	return func(o *workerOptions) {
		o.validator = validator
	}
}

// WithWorkerConfig はワーカー設定を上書きする
func WithWorkerConfig(cfg *WorkerConfig) WorkerOption {
	return func(o *workerOptions) {
		o.config = cfg
	}
}

// NewWorker は新しい Worker を作成する
func NewWorker(repo Repository, embedder Embedder, opts ...WorkerOption) *Worker {
	options := workerOptions{
		clock:  SystemClock(),
		config: DefaultWorkerConfig(),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(&options)
	}
	if options.logger == nil {
		options.logger = slog.Default()
	}
	if options.clock == nil {
		options.clock = SystemClock()
	}
	if options.config == nil {
		options.config = DefaultWorkerConfig()
	}
	cfg := *options.config
	cfg.normalize()
	if options.validator == nil {
		options.validator = NewTextValidator(nil, DefaultMaxTokens)
	}

	return &Worker{
		repo:      repo,
		embedder:  embedder,
		validator: options.validator,
		clock:     options.clock,
		config:    &cfg,
		logger:    options.logger,
		state:     StateIdle,
	}
}

// State は現在の状態を返す
func (w *Worker) State() State {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.state
}

func (w *Worker) setState(s State) {
	w.mu.Lock()
	w.state = s
	w.mu.Unlock()
}

// Run は ctx がキャンセルされるまでポーリングを繰り返す。
// 停止時は処理中のドキュメントを完了させてから nil を返す。
func (w *Worker) Run(ctx context.Context) error {
	defer w.setState(StateStopped)

	w.logger.Info("Embeddingワーカーを開始",
		"model", w.embedder.ModelName(),
		"dimension", w.embedder.Dimension(),
		"batchSize", w.config.BatchSize,
		"idleInterval", w.config.IdleInterval,
	)

	retry := w.newRetryBackOff()

	for {
		if ctx.Err() != nil {
			w.logger.Info("Embeddingワーカーを停止")
			return nil
		}

		result, err := w.RunOnce(ctx)
		if err != nil {
			if ctx.Err() != nil {
				w.logger.Info("Embeddingワーカーを停止")
				return nil
			}
			w.logger.Error("ポーリングに失敗しました。待機後に再試行します",
				"error", err,
				"retryIn", w.config.IdleInterval,
			)
			if !w.idle(ctx) {
				return nil
			}
			continue
		}

		switch {
		case result.Claimed == 0:
			retry.Reset()
			if !w.idle(ctx) {
				return nil
			}
		case result.Released > 0 && result.Completed == 0:
			// 解放したドキュメントは created_at 順で先頭に残るため、
			// 待たずに再ポーリングすると同じドキュメントの試行回数だけが進む
			wait := retry.NextBackOff()
			w.logger.Warn("一時的なエラーで処理が進まないため待機します",
				"cycleID", result.CycleID,
				"released", result.Released,
				"retryIn", wait,
			)
			if !w.sleep(ctx, wait) {
				return nil
			}
		case result.Released > 0:
			retry.Reset()
			if !w.idle(ctx) {
				return nil
			}
		default:
			retry.Reset()
		}
	}
}

// newRetryBackOff は処理が進まないサイクルの後の待機時間を IdleInterval から倍々に伸ばす
func (w *Worker) newRetryBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = w.config.IdleInterval
	b.MaxInterval = w.config.MaxRetryBackoff
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// idle はアイドル間隔だけ待機する。停止要求があれば false を返す
func (w *Worker) idle(ctx context.Context) bool {
	return w.sleep(ctx, w.config.IdleInterval)
}

func (w *Worker) sleep(ctx context.Context, d time.Duration) bool {
	w.setState(StateIdle)
	if err := w.clock.Sleep(ctx, d); err != nil {
		w.logger.Info("Embeddingワーカーを停止")
		return false
	}
	return true
}

// RunOnce はポーリングとクレームしたドキュメントの処理を1サイクルだけ実行する
func (w *Worker) RunOnce(ctx context.Context) (*CycleResult, error) {
	start := w.clock.Now()
	result := &CycleResult{CycleID: ulid.Make().String()}
	token := uuid.New()

	w.setState(StatePolling)
	docs, err := w.repo.ClaimPending(ctx, ClaimParams{
		Limit: w.config.BatchSize,
		Token: token,
	})
	if err != nil {
		w.setState(StateIdle)
		return nil, fmt.Errorf("未処理ドキュメントのクレームに失敗: %w", err)
	}

	result.Claimed = len(docs)
	if len(docs) == 0 {
		w.setState(StateIdle)
		w.logger.Debug("未処理ドキュメントはありません", "cycleID", result.CycleID)
		return result, nil
	}

	w.logger.Info("ドキュメントをクレーム",
		"cycleID", result.CycleID,
		"count", len(docs),
	)

	w.setState(StateProcessing)
	for i, doc := range docs {
		if ctx.Err() != nil {
			w.releaseRemaining(ctx, token, docs[i:], result)
			break
		}
		result.record(w.processDocument(ctx, token, doc))
	}

	result.Duration = w.clock.Now().Sub(start)
	w.setState(StateIdle)

	w.logger.Info("ポーリングサイクルが完了",
		"cycleID", result.CycleID,
		"claimed", result.Claimed,
		"completed", result.Completed,
		"failed", result.Failed,
		"released", result.Released,
		"lost", result.Lost,
		"duration", result.Duration,
	)

	return result, nil
}

// processDocument は1件のドキュメントを検証・Embedding生成・書き込みする。
// どのようなエラーでも後続のドキュメントの処理は継続する。
func (w *Worker) processDocument(parent context.Context, token uuid.UUID, doc *Document) (result outcome) {
	ctx, cancel := w.itemContext(parent)
	defer cancel()

	logger := w.logger.With("documentID", doc.ID, "attempt", doc.Attempts+1)

	defer func() {
		if r := recover(); r != nil {
			logger.Error("ドキュメント処理中にpanicが発生しました", "panic", r)
			result = w.release(ctx, logger, token, doc, fmt.Sprintf("panic: %v", r))
		}
	}()

	if err := w.validator.Validate(doc.Content); err != nil {
		logger.Warn("入力テキストが不正なためスキップ", "error", err)
		return w.fail(ctx, logger, token, doc, err)
	}

	vector, err := w.embedder.Embed(ctx, doc.Content)
	if err != nil {
		if IsPermanent(err) {
			logger.Warn("Embedding生成で恒久的なエラー", "error", err)
			return w.fail(ctx, logger, token, doc, err)
		}
		logger.Error("Embedding生成に失敗", "error", err)
		return w.release(ctx, logger, token, doc, err.Error())
	}

	if dim := w.embedder.Dimension(); dim > 0 && len(vector) != dim {
		err := fmt.Errorf("%w: got %d, want %d", ErrDimensionMismatch, len(vector), dim)
		logger.Error("ベクトル次元数が一致しません", "error", err)
		return w.fail(ctx, logger, token, doc, err)
	}

	err = w.repo.CompleteEmbedding(ctx, CompleteParams{
		DocumentID: doc.ID,
		Token:      token,
		Vector:     vector.Clone(),
		Model:      w.embedder.ModelName(),
	})
	if err != nil {
		if errors.Is(err, ErrClaimLost) {
			logger.Warn("クレームが失効していたため書き込みを破棄", "error", err)
			return outcomeLost
		}
		if IsPermanent(err) {
			logger.Error("Embeddingの保存で恒久的なエラー", "error", err)
			return w.fail(ctx, logger, token, doc, err)
		}
		logger.Error("Embeddingの保存に失敗", "error", err)
		return w.release(ctx, logger, token, doc, err.Error())
	}

	logger.Info("Embeddingを保存", "dimension", len(vector))
	return outcomeCompleted
}

// itemContext は親のキャンセル後も ShutdownGrace の間だけ処理を継続できるコンテキストを返す
func (w *Worker) itemContext(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.WithoutCancel(parent))
	stop := context.AfterFunc(parent, func() {
		time.AfterFunc(w.config.ShutdownGrace, cancel)
	})
	return ctx, func() {
		stop()
		cancel()
	}
}

func (w *Worker) fail(ctx context.Context, logger *slog.Logger, token uuid.UUID, doc *Document, cause error) outcome {
	if err := w.repo.MarkFailed(ctx, doc.ID, token, cause.Error()); err != nil {
		if errors.Is(err, ErrClaimLost) {
			logger.Warn("クレームが失効していたため failed への遷移を破棄", "error", err)
			return outcomeLost
		}
		logger.Error("failed への遷移に失敗。リース期限切れ後に再ポーリングされます", "error", err)
	}
	return outcomeFailed
}

func (w *Worker) release(ctx context.Context, logger *slog.Logger, token uuid.UUID, doc *Document, reason string) outcome {
	status, err := w.repo.ReleaseClaim(ctx, ReleaseParams{
		DocumentID:  doc.ID,
		Token:       token,
		Reason:      reason,
		MaxAttempts: w.config.MaxAttempts,
	})
	if err != nil {
		if errors.Is(err, ErrClaimLost) {
			return outcomeLost
		}
		logger.Error("クレームの解放に失敗。リース期限切れ後に再ポーリングされます", "error", err)
		return outcomeReleased
	}
	if status == StatusFailed {
		logger.Warn("リトライ上限に達したため failed に遷移", "maxAttempts", w.config.MaxAttempts)
		return outcomeFailed
	}
	return outcomeReleased
}

// releaseRemaining は停止要求により未処理となったドキュメントのクレームを解放する。
// 試行回数は増やさない。
func (w *Worker) releaseRemaining(parent context.Context, token uuid.UUID, docs []*Document, result *CycleResult) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), w.config.ShutdownGrace)
	defer cancel()

	for _, doc := range docs {
		_, err := w.repo.ReleaseClaim(ctx, ReleaseParams{
			DocumentID: doc.ID,
			Token:      token,
			Reason:     "worker shutdown",
		})
		if err != nil {
			w.logger.Error("停止時のクレーム解放に失敗", "documentID", doc.ID, "error", err)
		}
		result.Released++
	}
}
