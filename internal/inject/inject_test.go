package inject

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/neuroplastio/keysync/internal/devices"
	"github.com/neuroplastio/keysync/internal/devices/devicestest"
	"github.com/neuroplastio/keysync/keyapi"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func startInjector(t *testing.T) (*Injector, *devicestest.Sink, context.CancelFunc, chan error) {
	t.Helper()
	sink := devicestest.NewSink(devices.VirtualDeviceName, nil)
	inj := New(zaptest.NewLogger(t), sink)
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() {
		errc <- inj.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-errc
	})
	return inj, sink, cancel, errc
}

func action(code keyapi.Code, tr keyapi.Transition) keyapi.KeyAction {
	return keyapi.NewKeyAction(code, tr, time.Now())
}

func TestInjectorPreservesOrder(t *testing.T) {
	inj, sink, _, _ := startInjector(t)
	ctx := context.Background()

	// Rapid presses of the same key are written one by one.
	submitted := []keyapi.KeyAction{
		action(42, keyapi.Pressed),
		action(30, keyapi.Pressed),
		action(30, keyapi.Released),
		action(30, keyapi.Pressed),
		action(30, keyapi.Repeated),
		action(30, keyapi.Released),
		action(42, keyapi.Released),
	}
	for _, a := range submitted {
		require.NoError(t, inj.Submit(ctx, a))
	}
	written := sink.WaitFor(len(submitted), time.Second)
	require.Len(t, written, len(submitted))
	for i := range submitted {
		assert.Equal(t, submitted[i].Code, written[i].Code)
		assert.Equal(t, submitted[i].Transition, written[i].Transition)
	}
}

func TestInjectorReleaseAll(t *testing.T) {
	inj, sink, _, _ := startInjector(t)
	ctx := context.Background()

	require.NoError(t, inj.Submit(ctx, action(29, keyapi.Pressed)))
	require.NoError(t, inj.Submit(ctx, action(46, keyapi.Pressed)))
	require.NoError(t, inj.Submit(ctx, action(46, keyapi.Released)))
	require.NoError(t, inj.ReleaseAll(ctx))

	written := sink.Actions()
	require.Len(t, written, 4)
	assert.Equal(t, keyapi.Code(29), written[3].Code)
	assert.Equal(t, keyapi.Released, written[3].Transition)

	// Nothing left to release.
	require.NoError(t, inj.ReleaseAll(ctx))
	assert.Len(t, sink.Actions(), 4)
}

func TestInjectorReleasesOnShutdown(t *testing.T) {
	inj, sink, cancel, errc := startInjector(t)
	require.NoError(t, inj.Submit(context.Background(), action(56, keyapi.Pressed)))
	require.Len(t, sink.WaitFor(1, time.Second), 1)

	cancel()
	require.NoError(t, <-errc)
	errc <- nil

	written := sink.Actions()
	require.Len(t, written, 2)
	assert.Equal(t, keyapi.KeyAction{Code: 56, Transition: keyapi.Released}, written[1])

	assert.ErrorIs(t, inj.Submit(context.Background(), action(1, keyapi.Pressed)), ErrStopped)
}

func TestInjectorSinkFailure(t *testing.T) {
	inj, sink, _, errc := startInjector(t)
	sink.Fail(errors.New("uinput gone"))

	require.NoError(t, inj.Submit(context.Background(), action(1, keyapi.Pressed)))
	err := <-errc
	errc <- err
	var derr *devices.DeviceError
	assert.ErrorAs(t, err, &derr)
}
