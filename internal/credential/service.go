// Package credential は発行済み修了証の参照・ダウンロード・PDF添付を扱う。
package credential

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/hitoshi/certforge/internal/model"
	"github.com/hitoshi/certforge/internal/repository"
)

// ArtifactFetcher は修了証PDFを取得するためのアーティファクトリポジトリの操作。
type ArtifactFetcher interface {
	CreateAccessGrant(ctx context.Context, path string, ttl time.Duration) (*model.AccessGrant, error)
	FetchViaGrant(ctx context.Context, grant *model.AccessGrant) (io.ReadCloser, error)
}

// Service は修了証のサービス層。
// 所有者以外の参照は管理者のみ許可する。
type Service struct {
	credentialRepo repository.CredentialRepository
	artifacts      ArtifactFetcher
	dbTimeout      time.Duration
	downloadTTL    time.Duration
}

// NewService はServiceの新しいインスタンスを生成する。
func NewService(credentialRepo repository.CredentialRepository, artifacts ArtifactFetcher, dbTimeout, downloadTTL time.Duration) *Service {
	return &Service{
		credentialRepo: credentialRepo,
		artifacts:      artifacts,
		dbTimeout:      dbTimeout,
		downloadTTL:    downloadTTL,
	}
}

// List は受講者の修了証を新しい順に返す。
// studentIDが空の場合は呼び出し元自身の修了証を返す。
func (s *Service) List(ctx context.Context, caller *model.Principal, studentID string) ([]*model.Credential, error) {
	if caller == nil {
		return nil, model.NewUnauthenticatedError()
	}
	if studentID == "" {
		studentID = caller.ID
	}
	if studentID != caller.ID && !caller.IsAdmin() {
		return nil, model.NewForbiddenError()
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	credentials, err := s.credentialRepo.ListByStudentID(ctx, studentID)
	if err != nil {
		return nil, model.NewStoreUnavailableError(fmt.Errorf("list credentials: %w", err))
	}
	if credentials == nil {
		credentials = []*model.Credential{}
	}
	return credentials, nil
}

// Get は修了証を1件返す。所有者または管理者のみ参照できる。
func (s *Service) Get(ctx context.Context, caller *model.Principal, id string) (*model.Credential, error) {
	if caller == nil {
		return nil, model.NewUnauthenticatedError()
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	c, err := s.credentialRepo.FindByID(ctx, id)
	if err != nil {
		return nil, model.NewStoreUnavailableError(fmt.Errorf("find credential: %w", err))
	}
	if c == nil {
		return nil, model.NewCredentialNotFoundError(id)
	}
	if c.StudentID != caller.ID && !caller.IsAdmin() {
		return nil, model.NewForbiddenError()
	}
	return c, nil
}

// Download は修了証PDFの内容を返す。呼び出し元は返却したReadCloserを必ずCloseすること。
// PDFが未添付の場合はCREDENTIAL_PENDINGを返す。
func (s *Service) Download(ctx context.Context, caller *model.Principal, id string) (io.ReadCloser, *model.Credential, error) {
	c, err := s.Get(ctx, caller, id)
	if err != nil {
		return nil, nil, err
	}
	if c.Pending() {
		return nil, nil, model.NewCredentialPendingError()
	}

	grant, err := s.artifacts.CreateAccessGrant(ctx, c.ArtifactPath, s.downloadTTL)
	if err != nil {
		return nil, nil, err
	}
	rc, err := s.artifacts.FetchViaGrant(ctx, grant)
	if err != nil {
		return nil, nil, err
	}
	return rc, c, nil
}

// AttachArtifact はpendingの修了証にレンダリング済みPDFのパスを設定する。
// 一度設定したパスは変更できない。
func (s *Service) AttachArtifact(ctx context.Context, id, path string) (*model.Credential, error) {
	if !model.IsCredentialPath(path) {
		return nil, model.NewInvalidArtifactPathError(path)
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	attached, err := s.credentialRepo.AttachArtifact(ctx, id, path)
	if err != nil {
		return nil, model.NewStoreUnavailableError(fmt.Errorf("attach artifact: %w", err))
	}

	c, err := s.credentialRepo.FindByID(ctx, id)
	if err != nil {
		return nil, model.NewStoreUnavailableError(fmt.Errorf("find credential: %w", err))
	}
	if c == nil {
		return nil, model.NewCredentialNotFoundError(id)
	}
	if !attached {
		return nil, model.NewArtifactAlreadyAttachedError()
	}

	slog.Info("artifact attached",
		slog.String("credential_id", id),
		slog.String("path", path),
	)
	return c, nil
}

func (s *Service) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.dbTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.dbTimeout)
}
