package commands

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/google/uuid"
	"github.com/urfave/cli/v3"

	"github.com/jinford/embed-worker/internal/core/embedding"
)

// DocumentsStatsAction は状態ごとの件数を表示するコマンドのアクション
func DocumentsStatsAction(ctx context.Context, cmd *cli.Command) error {
	appCtx, err := NewAppContext(ctx, cmd.String("env"))
	if err != nil {
		return err
	}
	defer appCtx.Close()

	counts, err := appCtx.Container.Documents.CountByStatus(ctx)
	if err != nil {
		return fmt.Errorf("件数の取得に失敗: %w", err)
	}

	displayStatusCounts(os.Stdout, counts)
	return nil
}

// DocumentsRequeueAction は failed のドキュメントを pending に戻すコマンドのアクション
func DocumentsRequeueAction(ctx context.Context, cmd *cli.Command) error {
	appCtx, err := NewAppContext(ctx, cmd.String("env"))
	if err != nil {
		return err
	}
	defer appCtx.Close()

	n, err := appCtx.Container.Documents.RequeueFailed(ctx)
	if err != nil {
		return fmt.Errorf("再キューに失敗: %w", err)
	}

	appCtx.Logger().Info("failed のドキュメントを pending に戻しました", "count", n)
	fmt.Printf("✓ %d 件を pending に戻しました\n", n)
	return nil
}

// DocumentsAddAction はドキュメントを登録するコマンドのアクション
func DocumentsAddAction(ctx context.Context, cmd *cli.Command) error {
	content, err := readContent(cmd.String("content"), cmd.String("file"))
	if err != nil {
		return err
	}

	appCtx, err := NewAppContext(ctx, cmd.String("env"))
	if err != nil {
		return err
	}
	defer appCtx.Close()

	// 空文字列などはワーカー側で failed になるが、登録前に気付けるよう警告する
	if err := appCtx.Container.Validator.Validate(content); err != nil {
		appCtx.Logger().Warn("このドキュメントは Embedding を生成できません", "error", err)
	}

	doc, err := appCtx.Container.Documents.CreateDocument(ctx, content)
	if err != nil {
		return fmt.Errorf("ドキュメントの登録に失敗: %w", err)
	}

	fmt.Printf("✓ ドキュメントを登録しました: %s\n", doc.ID)
	return nil
}

// DocumentsShowAction はドキュメントの詳細を表示するコマンドのアクション
func DocumentsShowAction(ctx context.Context, cmd *cli.Command) error {
	id, err := uuid.Parse(cmd.String("id"))
	if err != nil {
		return fmt.Errorf("不正なドキュメントID: %w", err)
	}

	appCtx, err := NewAppContext(ctx, cmd.String("env"))
	if err != nil {
		return err
	}
	defer appCtx.Close()

	doc, err := appCtx.Container.Documents.GetDocument(ctx, id)
	if err != nil {
		return err
	}

	displayDocument(os.Stdout, doc)
	return nil
}

func readContent(content, file string) (string, error) {
	switch {
	case content != "" && file != "":
		return "", fmt.Errorf("--content と --file は同時に指定できません")
	case file != "":
		data, err := os.ReadFile(file)
		if err != nil {
			return "", fmt.Errorf("ファイルの読み込みに失敗: %w", err)
		}
		return string(data), nil
	case content != "":
		return content, nil
	default:
		return "", fmt.Errorf("--content または --file を指定してください")
	}
}

func displayStatusCounts(w io.Writer, counts embedding.StatusCounts) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "STATUS\tCOUNT")
	for _, status := range embedding.AllStatuses {
		fmt.Fprintf(tw, "%s\t%d\n", status, counts[status])
	}
	fmt.Fprintf(tw, "total\t%d\n", counts.Total())
	_ = tw.Flush()
}

func displayDocument(w io.Writer, doc *embedding.Document) {
	fmt.Fprintf(w, "ID:         %s\n", doc.ID)
	fmt.Fprintf(w, "Status:     %s\n", doc.Status)
	fmt.Fprintf(w, "Attempts:   %d\n", doc.Attempts)
	fmt.Fprintf(w, "Created:    %s\n", doc.CreatedAt.Format("2006-01-02 15:04:05"))
	if vector, ok := doc.Embedding.Get(); ok {
		model := ""
		if doc.EmbeddingModel != nil {
			model = *doc.EmbeddingModel
		}
		fmt.Fprintf(w, "Embedding:  %d dims (%s)\n", len(vector), model)
	} else {
		fmt.Fprintln(w, "Embedding:  (none)")
	}
	if doc.ErrorMessage != nil {
		fmt.Fprintf(w, "Error:      %s\n", *doc.ErrorMessage)
	}
	fmt.Fprintf(w, "Content:    %s\n", preview(doc.Content, 80))
}

// preview は本文の先頭だけを1行で返す
func preview(s string, limit int) string {
	s = strings.Join(strings.Fields(s), " ")
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit]) + "..."
}
