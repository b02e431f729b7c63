package fleet

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckTransition(t *testing.T) {
	allowed := []struct{ from, to Status }{
		{StatusPending, StatusConfiguring},
		{StatusPending, StatusError},
		{StatusConfiguring, StatusOnline},
		{StatusConfiguring, StatusError},
		{StatusOnline, StatusBusy},
		{StatusOnline, StatusOffline},
		{StatusBusy, StatusOnline},
		{StatusBusy, StatusOffline},
		{StatusOffline, StatusOnline},
		{StatusOffline, StatusConfiguring},
		{StatusError, StatusConfiguring},
		{StatusError, StatusRemoving},
		{StatusOnline, StatusRemoving},
		{StatusBusy, StatusRemoving},
	}
	for _, tt := range allowed {
		assert.NoError(t, CheckTransition(tt.from, tt.to), "%s -> %s", tt.from, tt.to)
	}

	rejected := []struct{ from, to Status }{
		{StatusPending, StatusOnline},
		{StatusPending, StatusBusy},
		{StatusConfiguring, StatusBusy},
		{StatusOnline, StatusPending},
		{StatusBusy, StatusConfiguring},
		{StatusRemoving, StatusOnline},
		{StatusRemoving, StatusPending},
		{StatusError, StatusOnline},
	}
	for _, tt := range rejected {
		err := CheckTransition(tt.from, tt.to)
		require.Error(t, err, "%s -> %s", tt.from, tt.to)
		assert.ErrorIs(t, err, ErrInvalidTransition)
	}
}

func TestCheckTransition_SelfTransitionAlwaysAllowed(t *testing.T) {
	for s := range transitions {
		assert.NoError(t, CheckTransition(s, s))
	}
}

func TestStatusValid(t *testing.T) {
	for s := range transitions {
		assert.True(t, s.Valid())
	}
	assert.False(t, Status("deleted").Valid())
	assert.False(t, Status("").Valid())
}

func TestActiveStatuses(t *testing.T) {
	active := ActiveStatuses()
	assert.ElementsMatch(t,
		[]Status{StatusPending, StatusConfiguring, StatusOnline, StatusBusy},
		active,
	)
	for _, s := range active {
		assert.False(t, s.IsTerminal())
	}
	assert.True(t, StatusRemoving.IsTerminal())
}

func TestPoolValidate(t *testing.T) {
	base := func() *Pool {
		return &Pool{
			Name:        "p",
			Isolation:   IsolationContainer,
			MinRunners:  1,
			WarmRunners: 2,
			MaxRunners:  3,
		}
	}

	assert.NoError(t, base().Validate())

	p := base()
	p.MinRunners = 3
	assert.Error(t, p.Validate())

	p = base()
	p.WarmRunners = 5
	assert.Error(t, p.Validate())

	p = base()
	p.MaxRunners = -1
	assert.Error(t, p.Validate())

	p = base()
	p.Isolation = "chroot"
	assert.Error(t, p.Validate())
}
