package repository

import (
	"errors"
	"strings"

	"gorm.io/gorm"
)

// normalizeDuplicate folds driver specific unique violations into gorm.ErrDuplicatedKey
// for dialects that do not translate them.
func normalizeDuplicate(err error) error {
	if err == nil || errors.Is(err, gorm.ErrDuplicatedKey) {
		return err
	}

	message := strings.ToLower(err.Error())
	if strings.Contains(message, "unique constraint failed") || strings.Contains(message, "duplicate key value") {
		return gorm.ErrDuplicatedKey
	}

	return err
}
