package errors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/go-sql-driver/mysql"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func TestClassifyDBError_Nil(t *testing.T) {
	assert.Nil(t, ClassifyDBError(nil))
}

func TestClassifyDBError_NotFound(t *testing.T) {
	dbErr := ClassifyDBError(gorm.ErrRecordNotFound)
	require.NotNil(t, dbErr)
	assert.Equal(t, ErrorTypeNotFound, dbErr.Type)
}

func TestClassifyDBError_WrappedNotFound(t *testing.T) {
	wrapped := fmt.Errorf("failed to load record: %w", gorm.ErrRecordNotFound)
	dbErr := ClassifyDBError(wrapped)
	assert.Equal(t, ErrorTypeNotFound, dbErr.Type)
}

func TestClassifyDBError_MySQLCodes(t *testing.T) {
	tests := []struct {
		number uint16
		want   DatabaseErrorType
	}{
		{1062, ErrorTypeDuplicateKey},
		{1406, ErrorTypeDataTooLong},
		{1213, ErrorTypeDeadlock},
		{1048, ErrorTypeInvalidValue},
		{1366, ErrorTypeInvalidValue},
		{9999, ErrorTypeUnknown},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("mysql_%d", tt.number), func(t *testing.T) {
			err := &mysql.MySQLError{Number: tt.number, Message: "boom"}
			dbErr := ClassifyDBError(err)
			assert.Equal(t, tt.want, dbErr.Type)
			assert.Equal(t, tt.number, dbErr.MySQLErrCode)
		})
	}
}

func TestClassifyDBError_Connection(t *testing.T) {
	dbErr := ClassifyDBError(errors.New("dial tcp 127.0.0.1:3306: connection refused"))
	assert.Equal(t, ErrorTypeConnectionError, dbErr.Type)
}

func TestClassifyDBError_Unknown(t *testing.T) {
	dbErr := ClassifyDBError(errors.New("something odd"))
	assert.Equal(t, ErrorTypeUnknown, dbErr.Type)
}

func TestDatabaseError_ErrorAndUnwrap(t *testing.T) {
	orig := &mysql.MySQLError{Number: 1062, Message: "dup"}
	dbErr := ClassifyDBError(orig)

	assert.Contains(t, dbErr.Error(), "1062")
	assert.ErrorIs(t, dbErr, orig)
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, IsRetryable(&mysql.MySQLError{Number: 1213}))
	assert.True(t, IsRetryable(errors.New("driver: bad connection")))
	assert.False(t, IsRetryable(&mysql.MySQLError{Number: 1062}))
	assert.False(t, IsRetryable(nil))
}
