package chat

import (
	"errors"
	"fmt"
)

var (
	ErrSessionNotFound = errors.New("聊天会话不存在")
	ErrSessionClosed   = errors.New("聊天会话已结束")
	ErrSessionExists   = errors.New("聊天会话已存在")
	ErrEmptyReply      = errors.New("回复内容为空")
	ErrMessageNotFound = errors.New("消息不存在")
	ErrStoreFailed     = errors.New("会话存储操作失败")
)

// SessionError 带申请ID和操作名的会话错误
type SessionError struct {
	ApplicationID string
	Op            string
	BaseErr       error
	Detail        string
}

func (e *SessionError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s (操作:%s, 申请:%s): %s", e.BaseErr, e.Op, e.ApplicationID, e.Detail)
	}
	return fmt.Sprintf("%s (操作:%s, 申请:%s)", e.BaseErr, e.Op, e.ApplicationID)
}

func (e *SessionError) Unwrap() error {
	return e.BaseErr
}

// Is 支持 errors.Is 比较
func (e *SessionError) Is(target error) bool {
	return errors.Is(e.BaseErr, target)
}

func newStoreError(applicationID, op string, err error) error {
	return &SessionError{ApplicationID: applicationID, Op: op, BaseErr: ErrStoreFailed, Detail: err.Error()}
}

func newSessionError(applicationID, op string, base error) error {
	return &SessionError{ApplicationID: applicationID, Op: op, BaseErr: base}
}
