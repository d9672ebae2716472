package vm

import (
	"errors"
	"fmt"
)

// 异常类名
const (
	NoMethodError    = "NoMethodError"
	ArgumentError    = "ArgumentError"
	NameError        = "NameError"
	TypeError        = "TypeError"
	RangeError       = "RangeError"
	FrozenError      = "FrozenError"
	SystemStackError = "SystemStackError"
	ZeroDivisionErr  = "ZeroDivisionError"
)

// ErrNoEntry 程序没有入口方法
var ErrNoEntry = errors.New("entry method not found")

// RuntimeError 解释执行时抛出的语言层异常
type RuntimeError struct {
	Class   string // 异常类名
	Message string
	Method  string // 抛出异常的方法
	PC      int    // 抛出位置（字节码下标），原生方法为 -1
}

func (e *RuntimeError) Error() string {
	if e.Method == "" {
		return fmt.Sprintf("%s: %s", e.Class, e.Message)
	}
	if e.PC < 0 {
		return fmt.Sprintf("%s: %s (in %s)", e.Class, e.Message, e.Method)
	}
	return fmt.Sprintf("%s: %s (in %s at %04d)", e.Class, e.Message, e.Method, e.PC)
}

func newError(class, format string, args ...interface{}) *RuntimeError {
	return &RuntimeError{Class: class, Message: fmt.Sprintf(format, args...), PC: -1}
}

// IsRuntimeError 判断错误是否为指定类的语言层异常
func IsRuntimeError(err error, class string) bool {
	var re *RuntimeError
	return errors.As(err, &re) && re.Class == class
}
