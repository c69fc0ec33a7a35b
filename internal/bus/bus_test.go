package bus

import (
	"reflect"
	"testing"
)

func TestTopic_PublishInSubscriptionOrder(t *testing.T) {
	topic := NewTopic[int]("test")
	var got []string

	topic.Subscribe("b", func(v int) { got = append(got, "b") })
	topic.Subscribe("a", func(v int) { got = append(got, "a") })
	topic.Publish(1)

	if want := []string{"b", "a"}; !reflect.DeepEqual(got, want) {
		t.Errorf("order = %v, want %v", got, want)
	}
}

func TestTopic_ResubscribeReplaces(t *testing.T) {
	var topic Topic[string]
	var got []string

	topic.Subscribe("x", func(v string) { got = append(got, "old:"+v) })
	topic.Subscribe("x", func(v string) { got = append(got, "new:"+v) })
	topic.Publish("v")

	if topic.Len() != 1 {
		t.Errorf("Len = %d, want 1", topic.Len())
	}
	if want := []string{"new:v"}; !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestTopic_Unsubscribe(t *testing.T) {
	topic := NewTopic[int]("test")
	calls := 0
	topic.Subscribe("a", func(int) { calls++ })
	topic.Unsubscribe("a")
	topic.Unsubscribe("missing")
	topic.Publish(1)

	if calls != 0 {
		t.Errorf("calls = %d, want 0", calls)
	}
}

func TestTopic_PanickingSubscriberIsolated(t *testing.T) {
	topic := NewTopic[int]("test")
	delivered := false
	topic.Subscribe("bad", func(int) { panic("boom") })
	topic.Subscribe("good", func(int) { delivered = true })
	topic.Publish(1)

	if !delivered {
		t.Error("second subscriber should still receive the value")
	}
}

func TestTopic_SubscribeFromHandler(t *testing.T) {
	topic := NewTopic[int]("test")
	topic.Subscribe("a", func(int) {
		topic.Subscribe("late", func(int) {})
	})
	topic.Publish(1) // must not deadlock
	if topic.Len() != 2 {
		t.Errorf("Len = %d, want 2", topic.Len())
	}
}
