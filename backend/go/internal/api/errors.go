package api

import (
	"net/http"

	"Foreman/backend/go/internal/apperror"

	"github.com/gin-gonic/gin"
)

var statusByCode = map[string]int{
	apperror.CodeTaskNotFound:                http.StatusNotFound,
	apperror.CodeEventNotFound:               http.StatusNotFound,
	apperror.CodeHandlerNotFound:             http.StatusNotFound,
	apperror.CodeForbiddenEmit:               http.StatusForbidden,
	apperror.CodeSubjectScopeInvalid:         http.StatusForbidden,
	apperror.CodeInvalidEvent:                http.StatusBadRequest,
	apperror.CodeInvalidTaskInput:            http.StatusBadRequest,
	apperror.CodeTaskInvalidTransition:       http.StatusConflict,
	apperror.CodeServerlessWorkerUnavailable: http.StatusServiceUnavailable,
	apperror.CodeStoreUnavailable:            http.StatusServiceUnavailable,
	apperror.CodeQueueUnavailable:            http.StatusServiceUnavailable,
}

// httpStatus 把错误码映射到 HTTP 状态码。未列出的瞬时错误视为 503，其余为 500。
func httpStatus(e *apperror.Error) int {
	if s, ok := statusByCode[e.Code]; ok {
		return s
	}
	if e.IsTransient() {
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// abortWithFault 写出错误响应。运维调用方拿到完整信封，其他调用方只看到错误码和消息。
func abortWithFault(c *gin.Context, err error) {
	fault := apperror.From(err)
	_ = c.Error(fault)
	body := gin.H{"error": fault.Message, "code": fault.Code}
	if isOperator(c) {
		body["envelope"] = fault.ToEnvelope()
	}
	if fault.Retry {
		body["retryAfterMs"] = fault.RetryDelay.Milliseconds()
	}
	c.AbortWithStatusJSON(httpStatus(fault), body)
}

func badRequest(c *gin.Context, msg string) {
	c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": msg})
}
