package fault

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindOf(t *testing.T) {
	base := errors.New("boom")

	assert.Equal(t, KindTransient, KindOf(Transient(base)))
	assert.Equal(t, KindSchema, KindOf(Schema(base)))
	assert.Equal(t, KindConflict, KindOf(Conflict(base)))
	assert.Equal(t, KindPermanent, KindOf(Permanent(base)))
	assert.Equal(t, KindValidation, KindOf(Validation("bad group_id %q", "")))

	// Unclassified errors default to transient.
	assert.Equal(t, KindTransient, KindOf(base))
}

func TestKindSurvivesWrapping(t *testing.T) {
	inner := Permanent(errors.New("group deleted"))
	wrapped := fmt.Errorf("persist episode: %w", inner)

	assert.Equal(t, KindPermanent, KindOf(wrapped))
	assert.True(t, Is(wrapped, KindPermanent))
	assert.False(t, Is(wrapped, KindTransient))
}

func TestRoutingHelpers(t *testing.T) {
	assert.True(t, IsTransient(Transient(errors.New("timeout"))))
	assert.True(t, IsTransient(Conflict(errors.New("cas"))))
	assert.False(t, IsTransient(Schema(errors.New("no entities field"))))

	assert.True(t, IsDeadLetter(Schema(errors.New("invalid"))))
	assert.True(t, IsDeadLetter(Permanent(errors.New("gone"))))
	assert.True(t, IsDeadLetter(Validation("empty payload")))
	assert.False(t, IsDeadLetter(Transient(errors.New("5xx"))))
}

func TestWrapNil(t *testing.T) {
	assert.NoError(t, Transient(nil))
	assert.NoError(t, Wrap(KindPermanent, nil))
}

func TestErrorString(t *testing.T) {
	err := Conflict(errors.New("txn aborted"))
	assert.Equal(t, "conflict: txn aborted", err.Error())
}
