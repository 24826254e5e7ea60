// Package issuance は修了判定の結果から修了証を一意に発行する。
package issuance

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/certforge/internal/model"
	"github.com/hitoshi/certforge/internal/repository"
)

// Evaluator はモジュール修了判定のインターフェース。
type Evaluator interface {
	Evaluate(ctx context.Context, studentID, moduleID string) (model.Verdict, error)
}

// CredentialStore は発行に必要な修了証ストアの操作。
// Create は (student_id, module_id) の一意制約違反時に repository.ErrDuplicate を返すこと。
type CredentialStore interface {
	Create(ctx context.Context, credential *model.Credential) error
	FindByStudentAndModule(ctx context.Context, studentID, moduleID string) (*model.Credential, error)
}

// Recorder は発行結果のメトリクス記録先。
type Recorder interface {
	RecordVerdict(verdict model.Verdict)
	RecordIssuance(status model.IssueStatus)
}

// Result は発行処理の結果。Status が NotEligible の場合 Credential はnil。
type Result struct {
	Status     model.IssueStatus
	Credential *model.Credential
}

// Coordinator は修了判定と一意制約付きINSERTを組み合わせて修了証を発行する。
// プロセス内ロックは持たず、同一組の同時発行はストアの一意制約のみで調停する。
type Coordinator struct {
	evaluator Evaluator
	store     CredentialStore
	recorder  Recorder
	timeout   time.Duration
	logger    *slog.Logger

	now   func() time.Time
	newID func() string
}

// Option はCoordinatorの設定を変更する。
type Option func(*Coordinator)

// WithRecorder はメトリクス記録先を設定する。
func WithRecorder(r Recorder) Option {
	return func(c *Coordinator) { c.recorder = r }
}

// WithClock は発行日時の取得元を差し替える。
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

// WithLogger はロガーを設定する。
func WithLogger(logger *slog.Logger) Option {
	return func(c *Coordinator) { c.logger = logger }
}

// NewCoordinator はCoordinatorを生成する。timeoutはストア操作ごとの上限時間。
func NewCoordinator(evaluator Evaluator, store CredentialStore, timeout time.Duration, opts ...Option) *Coordinator {
	c := &Coordinator{
		evaluator: evaluator,
		store:     store,
		timeout:   timeout,
		logger:    slog.Default(),
		now:       time.Now,
		newID:     uuid.NewString,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Issue は受講者にモジュールの修了証を発行する。
//
//  1. 修了判定がIncompleteならNotEligibleを返し、書き込みは行わない。
//  2. 一意制約付きで修了証をINSERTし、成功すればIssuedを返す。
//  3. 一意制約違反の場合は既存レコードをAlreadyIssuedとして返す。
//
// 判定が完了できない場合はEVALUATOR_UNAVAILABLEを返す。
func (c *Coordinator) Issue(ctx context.Context, studentID, moduleID string) (*Result, error) {
	verdict, err := c.evaluator.Evaluate(ctx, studentID, moduleID)
	if err != nil {
		return nil, asEvaluatorError(err)
	}
	c.recordVerdict(verdict)

	if verdict != model.VerdictComplete {
		c.recordIssuance(model.IssueStatusNotEligible)
		return &Result{Status: model.IssueStatusNotEligible}, nil
	}

	credential := &model.Credential{
		ID:        c.newID(),
		StudentID: studentID,
		ModuleID:  moduleID,
		IssuedAt:  c.now().UTC(),
	}

	storeCtx, cancel := c.storeContext(ctx)
	defer cancel()

	err = c.store.Create(storeCtx, credential)
	if err == nil {
		c.recordIssuance(model.IssueStatusIssued)
		c.logger.Info("credential issued",
			slog.String("credential_id", credential.ID),
			slog.String("student_id", studentID),
			slog.String("module_id", moduleID),
		)
		return &Result{Status: model.IssueStatusIssued, Credential: credential}, nil
	}
	if !errors.Is(err, repository.ErrDuplicate) {
		return nil, model.NewStoreUnavailableError(fmt.Errorf("create credential: %w", err))
	}

	existing, err := c.store.FindByStudentAndModule(storeCtx, studentID, moduleID)
	if err != nil {
		return nil, model.NewStoreUnavailableError(fmt.Errorf("find existing credential: %w", err))
	}
	if existing == nil {
		// 一意制約違反の直後に行が見えない場合はレプリカ遅延などの一時障害として扱う
		return nil, model.NewStoreUnavailableError(errors.New("existing credential not visible after duplicate insert"))
	}

	c.recordIssuance(model.IssueStatusAlreadyIssued)
	return &Result{Status: model.IssueStatusAlreadyIssued, Credential: existing}, nil
}

func (c *Coordinator) storeContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, c.timeout)
}

func (c *Coordinator) recordVerdict(v model.Verdict) {
	if c.recorder != nil {
		c.recorder.RecordVerdict(v)
	}
}

func (c *Coordinator) recordIssuance(s model.IssueStatus) {
	if c.recorder != nil {
		c.recorder.RecordIssuance(s)
	}
}

// asEvaluatorError は判定エラーを呼び出し元向けに正規化する。
// モジュール起因の業務エラーはそのまま返し、それ以外はEVALUATOR_UNAVAILABLEにする。
func asEvaluatorError(err error) error {
	var apiErr *model.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.Code {
		case model.ErrCodeModuleNotFound, model.ErrCodeModuleHasNoUnits, model.ErrCodeEvaluatorUnavailable:
			return apiErr
		}
	}
	return model.NewEvaluatorUnavailableError(err)
}
