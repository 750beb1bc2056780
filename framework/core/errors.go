// Package core предоставляет систему ошибок и базовые контракты компонентов.
package core

import (
	"errors"
	"fmt"
)

// Коды ошибок
const (
	ErrNotFound             = "NOT_FOUND"
	ErrInvalidConfig        = "INVALID_CONFIG"
	ErrInitializationFailed = "INITIALIZATION_FAILED"
	ErrTransport            = "TRANSPORT_ERROR"
	ErrInvalidState         = "INVALID_STATE"
	ErrNotConfigured        = "NOT_CONFIGURED"
)

// FrameworkError ошибка с кодом и причиной
type FrameworkError struct {
	Code    string
	Message string
	Cause   error
}

// Error реализует интерфейс error
func (e *FrameworkError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap возвращает причину ошибки
func (e *FrameworkError) Unwrap() error {
	return e.Cause
}

// Is сравнивает ошибки по коду
func (e *FrameworkError) Is(target error) bool {
	var t *FrameworkError
	if errors.As(target, &t) {
		return e.Code == t.Code
	}
	return false
}

// WithContext добавляет контекст к сообщению
func (e *FrameworkError) WithContext(context string) *FrameworkError {
	return &FrameworkError{
		Code:    e.Code,
		Message: fmt.Sprintf("%s: %s", context, e.Message),
		Cause:   e.Cause,
	}
}

// NewError создает новую ошибку
func NewError(code, message string) *FrameworkError {
	return &FrameworkError{Code: code, Message: message}
}

// Wrap оборачивает существующую ошибку. Для nil возвращает nil.
func Wrap(err error, code, message string) error {
	if err == nil {
		return nil
	}
	return &FrameworkError{Code: code, Message: message, Cause: err}
}

// HasCode проверяет, есть ли в цепочке ошибка с указанным кодом
func HasCode(err error, code string) bool {
	var fe *FrameworkError
	for err != nil {
		if errors.As(err, &fe) {
			if fe.Code == code {
				return true
			}
			err = fe.Cause
			continue
		}
		return false
	}
	return false
}
