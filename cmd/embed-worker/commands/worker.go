package commands

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/urfave/cli/v3"

	"github.com/jinford/embed-worker/internal/core/embedding"
)

// WorkerRunAction は停止シグナルを受けるまでワーカーを実行するコマンドのアクション
func WorkerRunAction(ctx context.Context, cmd *cli.Command) error {
	appCtx, err := NewAppContext(ctx, cmd.String("env"))
	if err != nil {
		return err
	}
	defer appCtx.Close()

	log := appCtx.Logger()
	cont := appCtx.Container

	if cmd.Bool("migrate") {
		if err := cont.Migrate(ctx); err != nil {
			return fmt.Errorf("スキーマの適用に失敗: %w", err)
		}
		log.Info("スキーマを適用しました")
	}

	if !cmd.Bool("no-reaper") {
		if err := cont.Reaper.Start(ctx); err != nil {
			return fmt.Errorf("回収ジョブの起動に失敗: %w", err)
		}
		defer cont.Reaper.Stop()
	}

	return cont.Worker.Run(ctx)
}

// WorkerOnceAction はポーリングサイクルを1回だけ実行するコマンドのアクション
func WorkerOnceAction(ctx context.Context, cmd *cli.Command) error {
	appCtx, err := NewAppContext(ctx, cmd.String("env"))
	if err != nil {
		return err
	}
	defer appCtx.Close()

	result, err := appCtx.Container.Worker.RunOnce(ctx)
	if err != nil {
		return fmt.Errorf("ポーリングに失敗: %w", err)
	}

	displayCycleResult(os.Stdout, result)
	return nil
}

func displayCycleResult(w io.Writer, result *embedding.CycleResult) {
	fmt.Fprintf(w, "サイクルID: %s\n", result.CycleID)
	fmt.Fprintf(w, "  クレーム: %d\n", result.Claimed)
	fmt.Fprintf(w, "  完了:     %d\n", result.Completed)
	fmt.Fprintf(w, "  失敗:     %d\n", result.Failed)
	fmt.Fprintf(w, "  解放:     %d\n", result.Released)
	if result.Lost > 0 {
		fmt.Fprintf(w, "  失効:     %d\n", result.Lost)
	}
	fmt.Fprintf(w, "  所要時間: %s\n", result.Duration)
}
