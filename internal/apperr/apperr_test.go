package apperr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKindOfWrapped(t *testing.T) {
	base := E(InsufficientFunds, "ledger.apply", "account %s below floor", "a1")
	wrapped := fmt.Errorf("deposit: %w", base)

	assert.Equal(t, InsufficientFunds, KindOf(wrapped))
	assert.True(t, Is(wrapped, InsufficientFunds))
	assert.False(t, Is(wrapped, Overflow))
}

func TestKindOfUntypedAndNil(t *testing.T) {
	assert.Equal(t, Internal, KindOf(errors.New("boom")))
	assert.Equal(t, Kind(""), KindOf(nil))
	assert.False(t, Is(nil, Internal))
}

func TestWrapKeepsExistingKind(t *testing.T) {
	inner := E(NotFound, "contracts.get", "no contract")
	err := Wrap(Internal, "outer", inner)
	require.Error(t, err)
	assert.Equal(t, NotFound, KindOf(err))

	assert.Nil(t, Wrap(Internal, "outer", nil))

	cause := errors.New("disk full")
	err = Wrap(Internal, "store.save", cause)
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, "store.save: INTERNAL: disk full", err.Error())
}
