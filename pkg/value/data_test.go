package value_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/tombee/fleetbroker/pkg/value"
)

func TestDataOkAndErr(t *testing.T) {
	ok := value.DataOk(value.Integer(42))
	assert.True(t, ok.IsOk())
	assert.Equal(t, int64(42), ok.Val.Integer)

	failed := value.DataErr(value.Missing())
	assert.False(t, failed.IsOk())
	assert.Equal(t, value.ErrMissing, failed.Err.Kind)
	assert.Equal(t, "missing", failed.Err.Error())
}

func TestCounterErrors(t *testing.T) {
	assert.Equal(t, value.ErrCounterPending, value.CounterPending().Kind)
	assert.Equal(t, value.ErrCounterOverflow, value.CounterOverflow().Kind)
}

func TestOptionAndResultHelpers(t *testing.T) {
	none := value.None()
	assert.False(t, none.OptionPresent)

	some := value.Some(value.String("x"))
	assert.True(t, some.OptionPresent)
	assert.Equal(t, "x", some.Option.String)

	okResult := value.Ok(value.Boolean(true))
	assert.True(t, okResult.ResultOK)
	assert.True(t, okResult.ResultVal.Boolean)
}
