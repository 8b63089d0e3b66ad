// Package e2e exercises complete federations end to end: value transfer,
// broker data links, filters, and iterative exec entry, all over an
// in-process core so the tests stay hermetic.
package e2e

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marmos91/fedcore/pkg/broker"
	"github.com/marmos91/fedcore/pkg/federate"
	"github.com/marmos91/fedcore/pkg/fedtime"
	"github.com/marmos91/fedcore/pkg/filter"
)

func newCore() *broker.Core {
	return broker.NewCore(broker.NewRegistry(), nil, nil)
}

func newFederate(t *testing.T, core *broker.Core, name string) *federate.Federate {
	t.Helper()
	f, err := federate.New(core, federate.Config{
		Name:      name,
		Period:    fedtime.FromSeconds(1),
		GrantWait: 10 * time.Second,
	})
	require.NoError(t, err)
	return f
}

// enterExecAll drives every federate into exec mode concurrently, as the
// negotiation requires.
func enterExecAll(t *testing.T, feds ...*federate.Federate) {
	t.Helper()
	var wg sync.WaitGroup
	errs := make([]error, len(feds))
	for i, f := range feds {
		wg.Add(1)
		go func(i int, f *federate.Federate) {
			defer wg.Done()
			errs[i] = f.EnterExecutingMode()
		}(i, f)
	}
	wg.Wait()
	for i, err := range errs {
		require.NoError(t, err, "federate %s exec entry", feds[i].Name())
	}
}

// requestAll advances every federate to t concurrently and returns the
// granted times in order.
func requestAll(t *testing.T, to fedtime.Time, feds ...*federate.Federate) []fedtime.Time {
	t.Helper()
	granted := make([]fedtime.Time, len(feds))
	errs := make([]error, len(feds))
	var wg sync.WaitGroup
	for i, f := range feds {
		wg.Add(1)
		go func(i int, f *federate.Federate) {
			defer wg.Done()
			granted[i], errs[i] = f.RequestTime(to)
		}(i, f)
	}
	wg.Wait()
	for i, err := range errs {
		require.NoError(t, err, "federate %s request", feds[i].Name())
	}
	return granted
}

func TestSingleFederatePublishSubscribe(t *testing.T) {
	core := newCore()
	f1 := newFederate(t, core, "fed1")

	pub, err := f1.RegisterGlobalPublication("pub1", "string", "")
	require.NoError(t, err)
	sub, err := f1.RegisterSubscription("pub1", "")
	require.NoError(t, err)

	require.NoError(t, f1.EnterExecutingMode())
	require.NoError(t, f1.PublishString(pub, "string1"))

	granted, err := f1.RequestTime(fedtime.FromSeconds(1))
	require.NoError(t, err)
	assert.Equal(t, fedtime.FromSeconds(1), granted)

	v, err := f1.GetString(sub)
	require.NoError(t, err)
	assert.Equal(t, "string1", v)

	require.NoError(t, f1.PublishString(pub, "string2"))
	v, err = f1.GetString(sub)
	require.NoError(t, err)
	assert.Equal(t, "string1", v, "new value must stay invisible until the next grant")

	granted, err = f1.RequestTime(fedtime.FromSeconds(2))
	require.NoError(t, err)
	assert.Equal(t, fedtime.FromSeconds(2), granted)

	v, err = f1.GetString(sub)
	require.NoError(t, err)
	assert.Equal(t, "string2", v)

	require.NoError(t, f1.Finalize())
}

func TestDualTransfer(t *testing.T) {
	core := newCore()
	f1 := newFederate(t, core, "fed1")
	f2 := newFederate(t, core, "fed2")

	pub, err := f1.RegisterGlobalPublication("pub1", "string", "")
	require.NoError(t, err)
	sub, err := f2.RegisterSubscription("pub1", "")
	require.NoError(t, err)

	enterExecAll(t, f1, f2)
	require.NoError(t, f1.PublishString(pub, "string1"))

	granted := requestAll(t, fedtime.FromSeconds(1), f1, f2)
	assert.Equal(t, fedtime.FromSeconds(1), granted[0])
	assert.Equal(t, fedtime.FromSeconds(1), granted[1])

	v, err := f2.GetString(sub)
	require.NoError(t, err)
	assert.Equal(t, "string1", v)

	require.NoError(t, f1.PublishString(pub, "string2"))
	v, err = f2.GetString(sub)
	require.NoError(t, err)
	assert.Equal(t, "string1", v, "value published at t=1 stays hidden until granted past it")

	granted = requestAll(t, fedtime.FromSeconds(2), f1, f2)
	assert.Equal(t, fedtime.FromSeconds(2), granted[0])
	assert.Equal(t, fedtime.FromSeconds(2), granted[1])

	v, err = f2.GetString(sub)
	require.NoError(t, err)
	assert.Equal(t, "string2", v)
}

func TestInitializationPublish(t *testing.T) {
	core := newCore()
	f1 := newFederate(t, core, "fed1")

	pub, err := f1.RegisterGlobalPublication("pub1", "double", "")
	require.NoError(t, err)
	sub, err := f1.RegisterSubscription("pub1", "")
	require.NoError(t, err)

	f1.EnterInitializingMode()
	require.NoError(t, f1.PublishDouble(pub, 1.0))
	require.NoError(t, f1.EnterExecutingMode())

	v, err := f1.GetDouble(sub)
	require.NoError(t, err)
	assert.Equal(t, 1.0, v, "initialization value readable before the first requestTime")
}

func TestBrokerDataLink(t *testing.T) {
	core := newCore()

	// The link is installed before either interface exists.
	core.Registry().DataLink("pub1", "inp1")

	f1 := newFederate(t, core, "fed1")
	f2 := newFederate(t, core, "fed2")

	pub, err := f1.RegisterGlobalPublication("pub1", "string", "")
	require.NoError(t, err)
	inp, err := f2.RegisterGlobalInput("inp1", "string")
	require.NoError(t, err)

	enterExecAll(t, f1, f2)
	require.NoError(t, f1.PublishString(pub, "string1"))

	requestAll(t, fedtime.FromSeconds(1), f1, f2)
	v, err := f2.GetString(inp)
	require.NoError(t, err)
	assert.Equal(t, "string1", v)

	require.NoError(t, f1.PublishString(pub, "string2"))
	requestAll(t, fedtime.FromSeconds(2), f1, f2)
	v, err = f2.GetString(inp)
	require.NoError(t, err)
	assert.Equal(t, "string2", v)
}

func TestDelayFilterAcrossFederates(t *testing.T) {
	core := newCore()
	f1 := newFederate(t, core, "fed1")
	f2 := newFederate(t, core, "fed2")

	ep1, err := f1.RegisterEndpoint("ep1", "")
	require.NoError(t, err)
	ep2, err := f2.RegisterEndpoint("ep2", "")
	require.NoError(t, err)

	delay := filter.New(filter.KindDelay, "delay1")
	require.NoError(t, delay.Set("delay", 0.5))
	require.NoError(t, f1.RegisterFilter(ep1, delay, false))

	enterExecAll(t, f1, f2)

	// Advance the sender to t=1 and send; the filter retimes to t=1.5.
	granted, err := f1.RequestTime(fedtime.FromSeconds(1))
	require.NoError(t, err)
	require.Equal(t, fedtime.FromSeconds(1), granted)
	require.NoError(t, f1.SendMessage(ep1, "ep2", []byte("delayed")))

	granted, err = f2.RequestTime(fedtime.FromSeconds(1))
	require.NoError(t, err)
	require.Equal(t, fedtime.FromSeconds(1), granted)
	assert.False(t, f2.HasMessage(ep2), "message must not appear before its delivery time")

	granted, err = f2.RequestTime(fedtime.FromSeconds(2))
	require.NoError(t, err)
	require.Equal(t, fedtime.FromSeconds(2), granted)
	require.True(t, f2.HasMessage(ep2))

	msg, err := f2.ReceiveMessage(ep2)
	require.NoError(t, err)
	assert.Equal(t, []byte("delayed"), msg.Payload)
	assert.Equal(t, fedtime.FromSeconds(1.5), msg.Time)
}

func TestIteratingExecEntry(t *testing.T) {
	core := newCore()
	f1 := newFederate(t, core, "fed1")
	f2 := newFederate(t, core, "fed2")
	f3 := newFederate(t, core, "fed3")

	// Dependency ring: f2 waits on f1, f3 on f2, f1 on f3.
	p1, err := f1.RegisterGlobalPublication("p1", "double", "")
	require.NoError(t, err)
	p2, err := f2.RegisterGlobalPublication("p2", "double", "")
	require.NoError(t, err)
	p3, err := f3.RegisterGlobalPublication("p3", "double", "")
	require.NoError(t, err)
	_, _, _ = p1, p2, p3
	_, err = f2.RegisterSubscription("p1", "")
	require.NoError(t, err)
	_, err = f3.RegisterSubscription("p2", "")
	require.NoError(t, err)
	_, err = f1.RegisterSubscription("p3", "")
	require.NoError(t, err)

	var wg sync.WaitGroup
	errs := make([]error, 3)
	wg.Add(3)
	go func() { defer wg.Done(); errs[0] = f1.EnterExecutingModeIterative() }()
	go func() { defer wg.Done(); errs[1] = f2.EnterExecutingMode() }()
	go func() { defer wg.Done(); errs[2] = f3.EnterExecutingMode() }()
	wg.Wait()
	for i, err := range errs {
		require.NoError(t, err, "federate %d", i+1)
	}

	// Every federate converged at time zero despite the iteration round.
	assert.Equal(t, fedtime.Zero, f1.GrantedTime())
	assert.Equal(t, fedtime.Zero, f2.GrantedTime())
	assert.Equal(t, fedtime.Zero, f3.GrantedTime())

	// The ring still advances time after the iterated entry.
	granted := requestAll(t, fedtime.FromSeconds(1), f1, f2, f3)
	for i, g := range granted {
		assert.Equal(t, fedtime.FromSeconds(1), g, "federate %d", i+1)
	}
}

func TestGrantedTimeMonotonicAcrossFederation(t *testing.T) {
	core := newCore()
	f1 := newFederate(t, core, "fed1")
	f2 := newFederate(t, core, "fed2")

	pub, err := f1.RegisterGlobalPublication("pub1", "int64", "")
	require.NoError(t, err)
	_, err = f2.RegisterSubscription("pub1", "")
	require.NoError(t, err)

	enterExecAll(t, f1, f2)

	prev1, prev2 := f1.GrantedTime(), f2.GrantedTime()
	for i := 1; i <= 10; i++ {
		require.NoError(t, f1.PublishInt64(pub, int64(i)))
		granted := requestAll(t, fedtime.FromSeconds(float64(i)), f1, f2)
		require.GreaterOrEqual(t, granted[0], prev1, "federate 1 grant went backwards")
		require.GreaterOrEqual(t, granted[1], prev2, "federate 2 grant went backwards")
		prev1, prev2 = granted[0], granted[1]
	}
}
