package eventbus

import (
	"errors"
	"testing"
)

type testEvent struct{ Value int }
type otherEvent struct{ Value string }

func TestBus_PublishDispatchesInRegistrationOrder(t *testing.T) {
	b := New(nil)
	var order []int

	Subscribe(b, func(e testEvent) { order = append(order, 1) })
	Subscribe(b, func(e testEvent) { order = append(order, 2) })
	Subscribe(b, func(e testEvent) { order = append(order, 3) })

	b.Publish(testEvent{Value: 42})

	if len(order) != 3 || order[0] != 1 || order[1] != 2 || order[2] != 3 {
		t.Fatalf("handlers ran out of order: %v", order)
	}
}

func TestBus_PublishOnlyDispatchesMatchingType(t *testing.T) {
	b := New(nil)
	var gotTest, gotOther bool

	Subscribe(b, func(e testEvent) { gotTest = true })
	Subscribe(b, func(e otherEvent) { gotOther = true })

	b.Publish(testEvent{Value: 1})

	if !gotTest {
		t.Error("testEvent subscriber was not invoked")
	}
	if gotOther {
		t.Error("otherEvent subscriber was invoked for a testEvent publish")
	}
}

func TestBus_UnsubscribeRemovesHandler(t *testing.T) {
	b := New(nil)
	called := false
	id := Subscribe(b, func(e testEvent) { called = true })

	b.Unsubscribe(id)
	b.Publish(testEvent{Value: 1})

	if called {
		t.Error("handler ran after Unsubscribe")
	}
}

func TestBus_PanicInOneHandlerDoesNotStopOthers(t *testing.T) {
	b := New(nil)
	secondRan := false

	Subscribe(b, func(e testEvent) { panic(errors.New("boom")) })
	Subscribe(b, func(e testEvent) { secondRan = true })

	b.Publish(testEvent{Value: 1})

	if !secondRan {
		t.Error("second handler did not run after first handler panicked")
	}
}

func TestBus_ShutdownStopsFurtherDispatch(t *testing.T) {
	b := New(nil)
	called := false
	Subscribe(b, func(e testEvent) { called = true })

	b.Shutdown()
	b.Publish(testEvent{Value: 1})

	if called {
		t.Error("handler ran after Shutdown")
	}
}

func TestBus_SubscriberCount(t *testing.T) {
	b := New(nil)
	Subscribe(b, func(e testEvent) {})
	Subscribe(b, func(e testEvent) {})

	if got := b.SubscriberCount(TypeOf[testEvent]()); got != 2 {
		t.Errorf("SubscriberCount() = %d, want 2", got)
	}
}
