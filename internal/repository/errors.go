package repository

import (
	"errors"

	"github.com/lib/pq"
)

// ErrDuplicate は一意制約違反により挿入が拒否されたことを示す。
var ErrDuplicate = errors.New("duplicate record")

// SQLSTATE unique_violation
const uniqueViolationCode = pq.ErrorCode("23505")

// isUniqueViolation はerrが指定制約の一意制約違反かどうかを返す。
// constraintが空の場合は制約名を問わない。
func isUniqueViolation(err error, constraint string) bool {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return false
	}
	if pqErr.Code != uniqueViolationCode {
		return false
	}
	return constraint == "" || pqErr.Constraint == constraint
}
