package apperror

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsMatchesByKind(t *testing.T) {
	err := Newf(KindSessionNotOpen, "session %s is closed", "reg-1")
	wrapped := fmt.Errorf("record sale: %w", err)

	assert.True(t, errors.Is(wrapped, ErrSessionNotOpen))
	assert.False(t, errors.Is(wrapped, ErrSessionAlreadyOpen))
	assert.Equal(t, KindSessionNotOpen, KindOf(wrapped))
}

func TestInsufficientStockCarriesDetails(t *testing.T) {
	err := fmt.Errorf("commit: %w", InsufficientStock("prod-1", 2))

	require.True(t, errors.Is(err, ErrInsufficientStock))
	te := As(err)
	require.NotNil(t, te)
	assert.Equal(t, "prod-1", te.ProductID())
	assert.Equal(t, 2, te.Shortfall())
}

func TestWrapKeepsCause(t *testing.T) {
	err := Wrap(KindPersistenceTimeout, context.DeadlineExceeded, "append movement")

	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	assert.True(t, errors.Is(err, ErrPersistenceTimeout))
	assert.True(t, IsRetryable(err))
	assert.Contains(t, err.Error(), "append movement")
}

func TestMetadataDefaultsToInternal(t *testing.T) {
	assert.Equal(t, http.StatusInternalServerError, MetadataFor(Kind("nope")).HTTPStatus)
	assert.Equal(t, KindInternal, KindOf(errors.New("boom")))
	assert.False(t, IsRetryable(errors.New("boom")))
	assert.Equal(t, http.StatusConflict, MetadataFor(KindInsufficientStock).HTTPStatus)
}
