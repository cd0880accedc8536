package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDetailedErrorMatchesSentinel(t *testing.T) {
	err := Newf(KindNotFound, "order %s not found", "o-1")

	assert.ErrorIs(t, err, ErrNotFound)
	assert.NotErrorIs(t, err, ErrForbidden)
	assert.Equal(t, "order o-1 not found", err.Error())
}

func TestWrappedErrorKeepsKindAndCause(t *testing.T) {
	cause := errors.New("connection reset")
	err := fmt.Errorf("checkout: %w", Wrap(KindGatewayDeclined, cause, "authorize payment"))

	assert.ErrorIs(t, err, ErrGatewayDeclined)
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, KindGatewayDeclined, KindOf(err))
}

func TestStockErrorNamesProduct(t *testing.T) {
	err := InsufficientStock("prod-9", 5, 2)

	assert.ErrorIs(t, err, ErrInsufficientStock)
	assert.NotErrorIs(t, err, ErrOutOfStock)
	assert.Contains(t, err.Error(), "prod-9")

	var stockErr *StockError
	require.ErrorAs(t, fmt.Errorf("wrapped: %w", err), &stockErr)
	assert.Equal(t, "prod-9", stockErr.ProductID)
	assert.Equal(t, 5, stockErr.Requested)
	assert.Equal(t, 2, stockErr.Available)
}

func TestOutOfStockKind(t *testing.T) {
	err := OutOfStock("prod-1", 3, 0)
	assert.ErrorIs(t, err, ErrOutOfStock)
	assert.Equal(t, KindOutOfStock, KindOf(err))
}

func TestKindOfPlainError(t *testing.T) {
	assert.Equal(t, KindInternal, KindOf(errors.New("boom")))
	assert.Equal(t, KindInternal, KindOf(nil))
}

func TestMetadataFor(t *testing.T) {
	assert.Equal(t, http.StatusConflict, MetadataFor(KindAlreadyPaid).HTTPStatus)
	assert.Equal(t, http.StatusForbidden, MetadataFor(KindForbidden).HTTPStatus)
	assert.Equal(t, http.StatusInternalServerError, MetadataFor("SOMETHING_ELSE").HTTPStatus)
	assert.False(t, MetadataFor(KindInternal).ShowMessage)
}
