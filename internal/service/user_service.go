package service

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"tradeboard/internal/config"
	"tradeboard/internal/model"

	"gorm.io/gorm"
)

var (
	phonePattern  = regexp.MustCompile(`^1[3-9]\d{9}$`)
	wechatPattern = regexp.MustCompile(`^[a-zA-Z0-9_-]{6,20}$`)
)

// UserService 注册入账和后台用户管理，短信验证由外部完成
type UserService struct {
	*core
}

func NewUserService(db *gorm.DB, cfg *config.Config, opts Options) *UserService {
	return &UserService{core: newCore(db, cfg, opts)}
}

type CreateUserRequest struct {
	Phone     string `json:"phone"`
	WechatID  string `json:"wechat_id"`
	InviterID *int64 `json:"inviter_id,string"`
}

// CreateUser 创建用户并发放注册积分，邀请奖励在同一事务内入账
func (s *UserService) CreateUser(ctx context.Context, req *CreateUserRequest) (*model.User, error) {
	if req == nil {
		return nil, newValidationError("请求不能为空")
	}
	phone := strings.TrimSpace(req.Phone)
	wechatID := strings.TrimSpace(req.WechatID)
	if !phonePattern.MatchString(phone) {
		return nil, newValidationError("手机号格式不正确")
	}
	if !wechatPattern.MatchString(wechatID) {
		return nil, newValidationError("微信号格式不正确")
	}

	user := &model.User{
		Phone:     phone,
		WechatID:  wechatID,
		InviterID: req.InviterID,
		Points:    0,
		Status:    model.UserStatusActive,
	}

	err := s.db.Transaction(func(tx *gorm.DB) error {
		exists, err := s.userRepo.ExistsByPhoneOrWechat(ctx, tx, phone, wechatID)
		if err != nil {
			return fmt.Errorf("检查用户唯一性失败: %w", err)
		}
		if exists {
			return newValidationError("手机号或微信号已被注册")
		}

		if req.InviterID != nil {
			inviter, err := s.userRepo.GetByID(ctx, tx, *req.InviterID)
			if err != nil {
				return translateRepoErr(err, *req.InviterID)
			}
			if inviter.Status != model.UserStatusActive {
				return newValidationError("邀请人状态异常")
			}
		}

		if err := s.userRepo.Create(ctx, tx, user); err != nil {
			return fmt.Errorf("创建用户失败: %w", err)
		}

		if bonus := s.biz.SignupBonus; bonus > 0 {
			if err := s.userRepo.Increase(ctx, tx, user.ID, bonus); err != nil {
				return translateRepoErr(err, user.ID)
			}
			if _, err := s.appendLedger(ctx, tx, user.ID, model.ChangeTypeInvitedBonus, bonus, nil, "注册奖励"); err != nil {
				return err
			}
			user.Points = bonus
		}

		if req.InviterID != nil && s.biz.InviteBonus > 0 {
			if err := s.userRepo.Increase(ctx, tx, *req.InviterID, s.biz.InviteBonus); err != nil {
				return translateRepoErr(err, *req.InviterID)
			}
			if _, err := s.appendLedger(ctx, tx, *req.InviterID, model.ChangeTypeInviteBonus, s.biz.InviteBonus, int64Ptr(user.ID), "邀请奖励"); err != nil {
				return err
			}
		}

		return s.emit(ctx, tx, s.topics.UserEvent, model.EventUserCreated, map[string]interface{}{
			"user_id":    user.ID,
			"inviter_id": req.InviterID,
			"points":     user.Points,
		})
	})
	if err != nil {
		return nil, err
	}

	s.log.Info("用户注册", slog.Int64("user_id", user.ID), slog.Int64("amount", user.Points))
	return user, nil
}

func (s *UserService) GetUser(ctx context.Context, userID int64) (*model.User, error) {
	user, err := s.userRepo.GetByID(ctx, nil, userID)
	if err != nil {
		return nil, translateRepoErr(err, userID)
	}
	return user, nil
}

// UpdateUserStatus 后台封禁/解封
func (s *UserService) UpdateUserStatus(ctx context.Context, actor Actor, userID int64, status string) (*model.User, error) {
	if err := s.requireAdmin(actor); err != nil {
		return nil, err
	}
	if !model.IsValidUserStatus(status) {
		return nil, newValidationError("用户状态不合法: %s", status)
	}

	var user *model.User
	err := s.db.Transaction(func(tx *gorm.DB) error {
		current, err := s.userRepo.GetByIDForUpdate(ctx, tx, userID)
		if err != nil {
			return translateRepoErr(err, userID)
		}
		user = current
		if current.Status == status {
			return nil
		}
		from := current.Status

		if err := s.userRepo.UpdateStatus(ctx, tx, userID, status); err != nil {
			return translateRepoErr(err, userID)
		}
		user.Status = status

		return s.emit(ctx, tx, s.topics.UserEvent, model.EventUserStatusChanged, map[string]interface{}{
			"user_id":     userID,
			"from":        from,
			"to":          status,
			"operator_id": actor.UserID,
		})
	})
	if err != nil {
		return nil, err
	}

	s.log.Info("用户状态变更", slog.Int64("user_id", userID), slog.String("status", status))
	return user, nil
}
