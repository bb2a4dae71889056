package openai

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jinford/embed-worker/internal/core/embedding"
	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
)

const (
	// DefaultEmbeddingModel はモデル未指定時のデフォルトモデル
	DefaultEmbeddingModel = "text-embedding-3-small"
	// DefaultEmbeddingDimension はOpenAI推奨のデフォルト次元
	DefaultEmbeddingDimension = 1536

	// DefaultTimeout は1回のAPI呼び出しのタイムアウト
	DefaultTimeout = 30 * time.Second

	// DefaultMaxRetries は一時的なエラー時の最大リトライ回数
	DefaultMaxRetries = 3

	// BaseBackoff はExponential Backoffの基底時間
	BaseBackoff = 2 * time.Second

	// MaxBackoff はExponential Backoffの最大待機時間
	MaxBackoff = 32 * time.Second
)

// ErrAPIKeyNotSet はAPIキーが設定されていない場合のエラー
var ErrAPIKeyNotSet = errors.New("OpenAI API key not set: please set OPENAI_API_KEY environment variable")

// Embedder は OpenAI API を使用してテキストをベクトルに変換する
type Embedder struct {
	client      openai.Client
	model       string
	dimension   int
	timeout     time.Duration
	maxRetries  int
	baseBackoff time.Duration
	maxBackoff  time.Duration
	validator   *embedding.TextValidator
	logger      *slog.Logger
}

type embedderOptions struct {
	model        string
	dimension    int
	baseURL      string
	timeout      time.Duration
	maxRetries   int
	baseBackoff  time.Duration
	maxBackoff   time.Duration
	maxTokens    int
	tokenCounter embedding.TokenCounter
	httpClient   *http.Client
	logger       *slog.Logger
}

// EmbedderOption は Embedder のオプション設定
type EmbedderOption func(*embedderOptions)

// WithEmbeddingModel はモデル名を上書きする
func WithEmbeddingModel(model string) EmbedderOption {
	return func(o *embedderOptions) {
		o.model = model
	}
}

// WithEmbeddingDimension はベクトル次元を上書きする
func WithEmbeddingDimension(dimension int) EmbedderOption {
	return func(o *embedderOptions) {
		o.dimension = dimension
	}
}

// WithBaseURL はAPIのベースURLを上書きする（互換APIやテスト用）
func WithBaseURL(baseURL string) EmbedderOption {
	return func(o *embedderOptions) {
		o.baseURL = baseURL
	}
}

// WithTimeout は1回のAPI呼び出しのタイムアウトを設定する
func WithTimeout(timeout time.Duration) EmbedderOption {
	return func(o *embedderOptions) {
		o.timeout = timeout
	}
}

// WithMaxRetries は一時的なエラー時の最大リトライ回数を設定する
func WithMaxRetries(maxRetries int) EmbedderOption {
	return func(o *embedderOptions) {
		o.maxRetries = maxRetries
	}
}

// WithBackoff はリトライ間隔の基底時間と上限を設定する
func WithBackoff(base, maxWait time.Duration) EmbedderOption {
	return func(o *embedderOptions) {
		o.baseBackoff = base
		o.maxBackoff = maxWait
	}
}

// WithTokenCounter は入力検証に使うトークンカウンタを設定する
func WithTokenCounter(counter embedding.TokenCounter) EmbedderOption {
	return func(o *embedderOptions) {
		o.tokenCounter = counter
	}
}

// WithMaxTokens は入力トークン上限を設定する
func WithMaxTokens(maxTokens int) EmbedderOption {
	return func(o *embedderOptions) {
		o.maxTokens = maxTokens
	}
}

// WithHTTPClient はSDKが使うHTTPクライアントを差し替える
func WithHTTPClient(client *http.Client) EmbedderOption {
	return func(o *embedderOptions) {
		o.httpClient = client
	}
}

// WithEmbedderLogger はロガーを設定する
func WithEmbedderLogger(logger *slog.Logger) EmbedderOption {
	return func(o *embedderOptions) {
		o.logger = logger
	}
}

// NewEmbedder は新しい Embedder を作成する
func NewEmbedder(apiKey string, opts ...EmbedderOption) (*Embedder, error) {
	if apiKey == "" {
		return nil, ErrAPIKeyNotSet
	}

	options := embedderOptions{
		model:       DefaultEmbeddingModel,
		dimension:   DefaultEmbeddingDimension,
		timeout:     DefaultTimeout,
		maxRetries:  DefaultMaxRetries,
		baseBackoff: BaseBackoff,
		maxBackoff:  MaxBackoff,
		maxTokens:   embedding.DefaultMaxTokens,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(&options)
	}
	if options.logger == nil {
		options.logger = slog.Default()
	}
	if options.maxRetries < 0 {
		options.maxRetries = 0
	}

	// リトライはこのパッケージで分類してから行うため、SDK側のリトライは無効にする
	clientOpts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithMaxRetries(0),
	}
	if options.baseURL != "" {
		clientOpts = append(clientOpts, option.WithBaseURL(options.baseURL))
	}
	if options.httpClient != nil {
		clientOpts = append(clientOpts, option.WithHTTPClient(options.httpClient))
	}

	return &Embedder{
		client:      openai.NewClient(clientOpts...),
		model:       options.model,
		dimension:   options.dimension,
		timeout:     options.timeout,
		maxRetries:  options.maxRetries,
		baseBackoff: options.baseBackoff,
		maxBackoff:  options.maxBackoff,
		validator:   embedding.NewTextValidator(options.tokenCounter, options.maxTokens),
		logger:      options.logger,
	}, nil
}

// Embed は単一テキストの Embedding を生成する。
// 入力検証に失敗した場合はAPIを呼び出さない。
func (e *Embedder) Embed(ctx context.Context, text string) (embedding.Vector, error) {
	if err := e.validator.Validate(text); err != nil {
		return nil, err
	}

	var b backoff.BackOff = e.newBackOff()
	b = backoff.WithMaxRetries(b, uint64(e.maxRetries))
	b = backoff.WithContext(b, ctx)

	attempt := 0
	vector, err := backoff.RetryNotifyWithData[embedding.Vector](func() (embedding.Vector, error) {
		attempt++
		return e.embedOnce(ctx, text)
	}, b, func(err error, wait time.Duration) {
		e.logger.Warn("Embedding APIの一時的なエラー、リトライします",
			"model", e.model,
			"attempt", attempt,
			"wait", wait,
			"error", err,
		)
	})
	if err != nil {
		if embedding.IsPermanent(err) || ctx.Err() != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %d attempts: %v", embedding.ErrEmbeddingUnavailable, attempt, err)
	}

	return vector, nil
}

// embedOnce は1回だけAPIを呼び出す。リトライ不要なエラーは backoff.Permanent で返す
func (e *Embedder) embedOnce(ctx context.Context, text string) (embedding.Vector, error) {
	if err := ctx.Err(); err != nil {
		return nil, backoff.Permanent(err)
	}

	callCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	params := openai.EmbeddingNewParams{
		Model: openai.EmbeddingModel(e.model),
		Input: openai.EmbeddingNewParamsInputUnion{
			OfString: openai.String(text),
		},
	}
	// dimensions パラメータは text-embedding-3 系のみ受け付ける
	if e.dimension > 0 && strings.HasPrefix(e.model, "text-embedding-3") {
		params.Dimensions = openai.Int(int64(e.dimension))
	}

	resp, err := e.client.Embeddings.New(callCtx, params)
	if err != nil {
		if ctx.Err() != nil {
			return nil, backoff.Permanent(ctx.Err())
		}
		return nil, classifyError(err)
	}

	if len(resp.Data) == 0 {
		return nil, backoff.Permanent(fmt.Errorf("%w: no embeddings returned", embedding.ErrPermanent))
	}

	data := resp.Data[0].Embedding
	if e.dimension > 0 && len(data) != e.dimension {
		return nil, backoff.Permanent(fmt.Errorf("%w: got %d, want %d", embedding.ErrDimensionMismatch, len(data), e.dimension))
	}

	vector := make(embedding.Vector, len(data))
	for i, v := range data {
		vector[i] = float32(v)
	}
	return vector, nil
}

func (e *Embedder) newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = e.baseBackoff
	b.MaxInterval = e.maxBackoff
	b.Multiplier = 2
	b.MaxElapsedTime = 0
	return b
}

// classifyError はAPIエラーを一時的なもの（リトライ対象）と恒久的なものに分類する
func classifyError(err error) error {
	var apiErr *openai.Error
	if !errors.As(err, &apiErr) {
		// ネットワークエラーやタイムアウトはリトライする
		return fmt.Errorf("failed to generate embeddings: %w", err)
	}

	switch {
	case apiErr.StatusCode == http.StatusTooManyRequests,
		apiErr.StatusCode == http.StatusRequestTimeout,
		apiErr.StatusCode >= http.StatusInternalServerError:
		return fmt.Errorf("failed to generate embeddings: %w", err)
	case apiErr.StatusCode == http.StatusBadRequest:
		return backoff.Permanent(fmt.Errorf("%w: %v", embedding.ErrInvalidText, err))
	default:
		return backoff.Permanent(fmt.Errorf("%w: %v", embedding.ErrPermanent, err))
	}
}

// ModelName はモデル名を返す
func (e *Embedder) ModelName() string {
	return e.model
}

// Dimension はベクトル次元数を返す
func (e *Embedder) Dimension() int {
	return e.dimension
}

// インターフェース実装の確認
var _ embedding.Embedder = (*Embedder)(nil)
