package callback

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingCallback struct {
	Base
	name  string
	err   error
	calls *[]string
}

func (r *recordingCallback) Name() string { return r.name }

func (r *recordingCallback) OnLog(_ *RunArgs, _ *TrainerState, control *TrainerControl, logs Logs) error {
	*r.calls = append(*r.calls, r.name)
	if _, ok := logs["stop"]; ok {
		control.ShouldTrainingStop = true
	}
	return r.err
}

func TestChain_RegisterOrdersBySlot(t *testing.T) {
	var calls []string
	chain := NewChain(nil)

	require.NoError(t, chain.Register(SlotCustom, &recordingCallback{name: "custom", calls: &calls}))
	require.NoError(t, chain.Register(SlotTracker, &recordingCallback{name: "tracker", calls: &calls}))
	require.NoError(t, chain.Register(SlotLogging, &recordingCallback{name: "file", calls: &calls}))
	require.NoError(t, chain.Register(SlotController, &recordingCallback{name: "controller", calls: &calls}))
	require.NoError(t, chain.Register(SlotCustom, &recordingCallback{name: "custom-2", calls: &calls}))

	assert.Equal(t, []string{"file", "controller", "tracker", "custom", "custom-2"}, chain.Names())
	assert.Equal(t, 5, chain.Len())
}

func TestChain_RegisterNilAndUnknownSlot(t *testing.T) {
	chain := NewChain(nil)

	assert.NoError(t, chain.Register(SlotController, nil))
	assert.Equal(t, 0, chain.Len())

	var calls []string
	err := chain.Register(Slot("bogus"), &recordingCallback{name: "x", calls: &calls})
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "unknown callback slot")
}

func TestChain_DispatchReachesEveryCallback(t *testing.T) {
	var calls []string
	chain := NewChain(nil)
	require.NoError(t, chain.Register(SlotLogging, &recordingCallback{name: "first", err: errors.New("disk full"), calls: &calls}))
	require.NoError(t, chain.Register(SlotTracker, &recordingCallback{name: "second", calls: &calls}))

	control := &TrainerControl{}
	err := chain.OnLog(&RunArgs{}, &TrainerState{}, control, Logs{"loss": 1, "stop": 1})

	assert.Equal(t, []string{"first", "second"}, calls)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
	assert.True(t, control.ShouldTrainingStop)
}

func TestLogs_Get(t *testing.T) {
	var nilLogs Logs
	_, ok := nilLogs.Get("loss")
	assert.False(t, ok)

	v, ok := Logs{"loss": 0.5}.Get("loss")
	assert.True(t, ok)
	assert.Equal(t, 0.5, v)
}
