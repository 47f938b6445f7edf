package analysis

import (
	"errors"
	"fmt"
)

var (
	ErrApplicationNotFound = errors.New("申请不存在")
	ErrLoadFailed          = errors.New("读取申请数据失败")
	ErrPersistFailed       = errors.New("保存分析结果失败")
)

// AnalysisError 一次分析运行中的失败
type AnalysisError struct {
	ApplicationID string
	Op            string
	BaseErr       error
	Detail        string
}

func (e *AnalysisError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s (操作:%s, 申请:%s): %s", e.BaseErr, e.Op, e.ApplicationID, e.Detail)
	}
	return fmt.Sprintf("%s (操作:%s, 申请:%s)", e.BaseErr, e.Op, e.ApplicationID)
}

func (e *AnalysisError) Unwrap() error {
	return e.BaseErr
}

func (e *AnalysisError) Is(target error) bool {
	return errors.Is(e.BaseErr, target)
}

func newAnalysisError(applicationID, op string, base, cause error) error {
	ae := &AnalysisError{ApplicationID: applicationID, Op: op, BaseErr: base}
	if cause != nil {
		ae.Detail = cause.Error()
	}
	return ae
}
