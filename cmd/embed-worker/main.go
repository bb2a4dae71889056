package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/jinford/embed-worker/cmd/embed-worker/commands"
	"github.com/urfave/cli/v3"
)

func envFlag() cli.Flag {
	return &cli.StringFlag{
		Name:  "env",
		Usage: "環境変数ファイルパス",
		Value: ".env",
	}
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app := &cli.Command{
		Name:  "embed-worker",
		Usage: "未処理ドキュメントの Embedding を生成して pgvector に保存するワーカー",
		Commands: []*cli.Command{
			{
				Name:  "worker",
				Usage: "ワーカー実行コマンド",
				Commands: []*cli.Command{
					{
						Name:  "run",
						Usage: "停止シグナルを受けるまでポーリングを続ける",
						Flags: []cli.Flag{
							envFlag(),
							&cli.BoolFlag{
								Name:  "no-reaper",
								Usage: "リース切れクレームの回収ジョブを起動しない",
							},
							&cli.BoolFlag{
								Name:  "migrate",
								Usage: "起動前にスキーマを適用する",
							},
						},
						Action: commands.WorkerRunAction,
					},
					{
						Name:   "once",
						Usage:  "ポーリングと処理を1サイクルだけ実行する",
						Flags:  []cli.Flag{envFlag()},
						Action: commands.WorkerOnceAction,
					},
				},
			},
			{
				Name:  "documents",
				Usage: "ドキュメント管理コマンド",
				Commands: []*cli.Command{
					{
						Name:   "stats",
						Usage:  "状態ごとのドキュメント件数を表示",
						Flags:  []cli.Flag{envFlag()},
						Action: commands.DocumentsStatsAction,
					},
					{
						Name:   "requeue",
						Usage:  "failed のドキュメントを pending に戻す",
						Flags:  []cli.Flag{envFlag()},
						Action: commands.DocumentsRequeueAction,
					},
					{
						Name:  "add",
						Usage: "ドキュメントを登録する",
						Flags: []cli.Flag{
							envFlag(),
							&cli.StringFlag{
								Name:  "content",
								Usage: "本文",
							},
							&cli.StringFlag{
								Name:  "file",
								Usage: "本文を読み込むファイルパス",
							},
						},
						Action: commands.DocumentsAddAction,
					},
					{
						Name:  "show",
						Usage: "ドキュメントの詳細を表示",
						Flags: []cli.Flag{
							envFlag(),
							&cli.StringFlag{
								Name:     "id",
								Usage:    "ドキュメントID",
								Required: true,
							},
						},
						Action: commands.DocumentsShowAction,
					},
				},
			},
			{
				Name:  "db",
				Usage: "データベース管理コマンド",
				Commands: []*cli.Command{
					{
						Name:   "migrate",
						Usage:  "スキーマを適用する",
						Flags:  []cli.Flag{envFlag()},
						Action: commands.DBMigrateAction,
					},
				},
			},
		},
	}

	if err := app.Run(ctx, os.Args); err != nil {
		slog.Error("コマンドの実行に失敗しました", "error", err)
		os.Exit(1)
	}
}
