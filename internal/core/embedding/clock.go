package embedding

import (
	"context"
	"time"
)

// Clock はワーカーの時刻取得と待機を抽象化する（テストで差し替える）
type Clock interface {
	Now() time.Time
	// Sleep は d だけ待機する。ctx がキャンセルされた場合は ctx.Err() を返す
	Sleep(ctx context.Context, d time.Duration) error
}

type systemClock struct{}

// SystemClock は実時間を使う Clock を返す
func SystemClock() Clock {
	return systemClock{}
}

func (systemClock) Now() time.Time {
	return time.Now()
}

func (systemClock) Sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
