package service

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorKinds_UnwrapToSentinel(t *testing.T) {
	tests := []struct {
		name  string
		err   error
		check func(error) bool
	}{
		{"validation", newValidationError("标题不能为空"), IsValidation},
		{"insufficient", &InsufficientPointsError{UserID: 1, Required: 10, Available: 9}, IsInsufficientPoints},
		{"not found", &NotFoundError{Resource: "交易信息", ID: 7}, IsNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			wrapped := fmt.Errorf("外层: %w", tt.err)
			assert.True(t, tt.check(tt.err))
			assert.True(t, tt.check(wrapped))
		})
	}
}

func TestInsufficientPointsError_FieldsSurviveWrapping(t *testing.T) {
	err := fmt.Errorf("发布失败: %w", &InsufficientPointsError{UserID: 3, Required: 10, Available: 9})

	var ipe *InsufficientPointsError
	assert.True(t, errors.As(err, &ipe))
	assert.Equal(t, int64(10), ipe.Required)
	assert.Equal(t, int64(9), ipe.Available)
	assert.False(t, IsValidation(err))
	assert.Contains(t, err.Error(), "需要 10")
}
