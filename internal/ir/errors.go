package ir

import (
	"fmt"

	"github.com/pkg/errors"
)

// ErrUnknownOpcode 严格模式下遇到翻译器不支持的操作码
var ErrUnknownOpcode = errors.New("unknown opcode")

// InvariantError 翻译器内部不变量被破坏
// 以 panic 的形式抛出，表示输入畸形或编译器自身有缺陷
type InvariantError struct {
	err error
}

func (e *InvariantError) Error() string {
	return "internal invariant violated: " + e.err.Error()
}

func (e *InvariantError) Unwrap() error {
	return e.err
}

// Format 支持 %+v 打印调用栈
func (e *InvariantError) Format(s fmt.State, verb rune) {
	if verb == 'v' && s.Flag('+') {
		fmt.Fprintf(s, "internal invariant violated: %+v", e.err)
		return
	}
	fmt.Fprint(s, e.Error())
}

func invariantf(format string, args ...interface{}) {
	panic(&InvariantError{err: errors.Errorf(format, args...)})
}
