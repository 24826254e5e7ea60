// Package eligibility はモジュール修了判定を提供する。
package eligibility

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hitoshi/certforge/internal/model"
)

// ModuleFinder はモジュール定義の取得に必要なインターフェース。
type ModuleFinder interface {
	FindByID(ctx context.Context, id string) (*model.Module, error)
}

// ProgressLister は受講進捗の取得に必要なインターフェース。
type ProgressLister interface {
	ListByStudentAndUnits(ctx context.Context, studentID string, unitIDs []string) ([]model.ProgressRecord, error)
}

// Evaluator は受講者がモジュールの全必須ユニットを完了したかを判定する。
// 判定は読み取りのみで、何度呼び出しても結果は進捗データにのみ依存する。
type Evaluator struct {
	modules  ModuleFinder
	progress ProgressLister
	timeout  time.Duration
}

// NewEvaluator はEvaluatorを生成する。timeoutは判定1回あたりの上限時間。
func NewEvaluator(modules ModuleFinder, progress ProgressLister, timeout time.Duration) *Evaluator {
	return &Evaluator{
		modules:  modules,
		progress: progress,
		timeout:  timeout,
	}
}

// Evaluate は受講者のモジュール修了判定を返す。
//
// モジュールが存在しない場合はMODULE_NOT_FOUND、必須ユニットが0件の場合は
// MODULE_HAS_NO_UNITSを返す。ストアの失敗やタイムアウトは
// EVALUATOR_UNAVAILABLEとして返し、Incompleteには読み替えない。
func (e *Evaluator) Evaluate(ctx context.Context, studentID, moduleID string) (model.Verdict, error) {
	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	module, err := e.modules.FindByID(ctx, moduleID)
	if err != nil {
		return "", model.NewEvaluatorUnavailableError(fmt.Errorf("find module: %w", err))
	}
	if module == nil {
		return "", model.NewModuleNotFoundError(moduleID)
	}

	required := uniqueUnits(module.RequiredUnitIDs)
	if len(required) == 0 {
		return "", model.NewModuleHasNoUnitsError(moduleID)
	}

	records, err := e.progress.ListByStudentAndUnits(ctx, studentID, required)
	if err != nil {
		return "", model.NewEvaluatorUnavailableError(fmt.Errorf("list progress: %w", err))
	}

	// 結果を返す直前にも期限を確認する。遅延した応答で判定しない。
	if err := ctx.Err(); err != nil {
		return "", model.NewEvaluatorUnavailableError(err)
	}

	completed := make(map[string]bool, len(records))
	for _, rec := range records {
		if rec.StudentID != "" && rec.StudentID != studentID {
			continue
		}
		if rec.Completed() {
			completed[rec.UnitID] = true
		}
	}

	for _, unitID := range required {
		if !completed[unitID] {
			return model.VerdictIncomplete, nil
		}
	}
	return model.VerdictComplete, nil
}

// IsUnavailable はerrがEVALUATOR_UNAVAILABLEかどうかを返す。
func IsUnavailable(err error) bool {
	var apiErr *model.APIError
	return errors.As(err, &apiErr) && apiErr.Code == model.ErrCodeEvaluatorUnavailable
}

func uniqueUnits(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
