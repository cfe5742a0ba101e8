package db

import (
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"gorm.io/gorm"
)

func TestIsDuplicateKeyErr(t *testing.T) {
	assert.False(t, IsDuplicateKeyErr(nil))
	assert.False(t, IsDuplicateKeyErr(errors.New("boom")))
	assert.True(t, IsDuplicateKeyErr(gorm.ErrDuplicatedKey))
	assert.True(t, IsDuplicateKeyErr(fmt.Errorf("insert: %w", &pgconn.PgError{Code: "23505"})))
	assert.True(t, IsDuplicateKeyErr(&pq.Error{Code: "23505"}))
	assert.True(t, IsDuplicateKeyErr(errors.New("UNIQUE constraint failed: payments.provider_reference")))
}

func TestIsLockTimeout(t *testing.T) {
	assert.True(t, IsLockTimeout(&pgconn.PgError{Code: "55P03"}))
	assert.False(t, IsLockTimeout(&pgconn.PgError{Code: "23505"}))
	assert.True(t, IsSerializationFailure(&pq.Error{Code: "40001"}))
}
