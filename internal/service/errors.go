package service

import (
	"errors"
	"fmt"
)

// 错误分类，handler 按这些哨兵错误决定返回码
var (
	ErrValidation         = errors.New("参数校验失败")
	ErrInsufficientPoints = errors.New("积分不足")
	ErrNotFound           = errors.New("资源不存在")
	ErrConflict           = errors.New("系统繁忙，请稍后重试")
	ErrInternal           = errors.New("服务器内部错误")
)

// ValidationError 输入不合法或业务规则不满足，未发生任何写入
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string { return e.Message }

func (e *ValidationError) Unwrap() error { return ErrValidation }

func newValidationError(format string, args ...interface{}) *ValidationError {
	return &ValidationError{Message: fmt.Sprintf(format, args...)}
}

// InsufficientPointsError 余额不足，带上需要和可用的积分便于前端提示充值
type InsufficientPointsError struct {
	UserID    int64
	Required  int64
	Available int64
}

func (e *InsufficientPointsError) Error() string {
	return fmt.Sprintf("积分不足: 需要 %d, 当前 %d", e.Required, e.Available)
}

func (e *InsufficientPointsError) Unwrap() error { return ErrInsufficientPoints }

type NotFoundError struct {
	Resource string
	ID       int64
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s不存在: %d", e.Resource, e.ID)
}

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

func IsValidation(err error) bool { return errors.Is(err, ErrValidation) }

func IsInsufficientPoints(err error) bool { return errors.Is(err, ErrInsufficientPoints) }

func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

func IsConflict(err error) bool { return errors.Is(err, ErrConflict) }
