package commands

import (
	"context"
	"fmt"

	"github.com/urfave/cli/v3"
)

// DBMigrateAction はスキーマを適用するコマンドのアクション
func DBMigrateAction(ctx context.Context, cmd *cli.Command) error {
	appCtx, err := NewAppContext(ctx, cmd.String("env"))
	if err != nil {
		return err
	}
	defer appCtx.Close()

	if err := appCtx.Container.Migrate(ctx); err != nil {
		return fmt.Errorf("スキーマの適用に失敗: %w", err)
	}

	appCtx.Logger().Info("スキーマを適用しました", "dimension", appCtx.Config.OpenAI.EmbeddingDimension)
	fmt.Println("✓ スキーマを適用しました")
	return nil
}
