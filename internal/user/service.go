// Package user はPrincipalの参照とロール変更のドメインロジックを提供する。
package user

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/hitoshi/certforge/internal/model"
	"github.com/hitoshi/certforge/internal/repository"
)

// Service はユーザー管理のサービス層。
// ロールはこのサービスの UpdateRole を通してのみ変更する。
type Service struct {
	userRepo repository.UserRepository
	timeout  time.Duration
}

// NewService はServiceの新しいインスタンスを生成する。
func NewService(userRepo repository.UserRepository, timeout time.Duration) *Service {
	return &Service{
		userRepo: userRepo,
		timeout:  timeout,
	}
}

// Get は指定IDのPrincipalを返す。存在しない場合はUSER_NOT_FOUND。
func (s *Service) Get(ctx context.Context, id string) (*model.Principal, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	p, err := s.userRepo.FindByID(ctx, id)
	if err != nil {
		return nil, model.NewStoreUnavailableError(fmt.Errorf("find user: %w", err))
	}
	if p == nil {
		return nil, model.NewUserNotFoundError()
	}
	return p, nil
}

// UpdateRole は対象ユーザーのロールを変更する。
// 呼び出し元が管理者であることは事前にAccess Gateで確認済みであること。
func (s *Service) UpdateRole(ctx context.Context, actorID, targetID string, role model.Role) (*model.Principal, error) {
	if !role.Valid() {
		return nil, model.NewInvalidRoleError(string(role))
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	p, err := s.userRepo.UpdateRole(ctx, targetID, role)
	if err != nil {
		return nil, model.NewStoreUnavailableError(fmt.Errorf("update role: %w", err))
	}
	if p == nil {
		return nil, model.NewUserNotFoundError()
	}

	slog.Info("role updated",
		slog.String("actor_id", actorID),
		slog.String("user_id", targetID),
		slog.String("role", string(role)),
	)
	return p, nil
}

func (s *Service) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.timeout)
}
