package topic

import (
	"bytes"
	"slices"
	"strings"
	"testing"
)

func TestNewTrie(t *testing.T) {
	trie := NewTrie[string]()
	if trie == nil {
		t.Fatal("NewTrie() should return a non-nil trie")
	}
	if trie.root == nil {
		t.Fatal("trie root should not be nil")
	}
}

func TestTrieSubscribe(t *testing.T) {
	trie := NewTrie[string]()
	if err := trie.Subscribe("test/topic", "c1", 1); err != nil {
		t.Fatal(err)
	}
	got := trie.Match("test/topic")
	if qos, ok := got["c1"]; !ok || qos != 1 {
		t.Errorf("Match: got=%v", got)
	}
	if len(trie.Match("test/other")) != 0 {
		t.Error("should not match other topic")
	}
}

func TestTrieSubscribeInvalid(t *testing.T) {
	trie := NewTrie[string]()
	for _, f := range []string{"", "a/#/b", "a+"} {
		if err := trie.Subscribe(f, "c1", 0); err == nil {
			t.Errorf("Subscribe(%q) should fail", f)
		}
	}
}

func TestTrieUnsubscribe(t *testing.T) {
	trie := NewTrie[string]()
	_ = trie.Subscribe("test/topic", "c1", 0)
	_ = trie.Subscribe("test/topic", "c2", 0)

	if !trie.Unsubscribe("test/topic", "c1") {
		t.Error("Unsubscribe should report an existing subscription")
	}
	if trie.Unsubscribe("test/topic", "c1") {
		t.Error("second Unsubscribe should report false")
	}
	got := trie.Match("test/topic")
	if _, ok := got["c1"]; ok {
		t.Error("should not find unsubscribed key")
	}
	if _, ok := got["c2"]; !ok {
		t.Error("other key should keep its subscription")
	}

	trie.Unsubscribe("test/topic", "c2")
	if len(trie.root.next) != 0 {
		t.Errorf("empty branches should be pruned, got %v", trie.root.paths())
	}
}

func TestTrieWildcardPlus(t *testing.T) {
	trie := NewTrie[string]()
	_ = trie.Subscribe("test/+/data", "c1", 0)

	if len(trie.Match("test/device1/data")) != 1 {
		t.Error("+ wildcard should match single level")
	}
	if len(trie.Match("test/device1/sensor/data")) != 0 {
		t.Error("+ wildcard should not match multiple levels")
	}
	if len(trie.Match("test//data")) != 1 {
		t.Error("+ wildcard should match an empty level")
	}
}

func TestTrieWildcardHash(t *testing.T) {
	trie := NewTrie[string]()
	_ = trie.Subscribe("test/#", "c1", 2)

	for _, name := range []string{"test", "test/device1/data", "test/device1/sensor/temperature"} {
		if len(trie.Match(name)) != 1 {
			t.Errorf("# wildcard should match %q", name)
		}
	}
	if len(trie.Match("other/device")) != 0 {
		t.Error("# wildcard should not match other roots")
	}
}

func TestTrieDollarTopics(t *testing.T) {
	trie := NewTrie[string]()
	_ = trie.Subscribe("#", "all", 0)
	_ = trie.Subscribe("$SYS/#", "sys", 0)

	got := trie.Match("$SYS/broker/log/E")
	if _, ok := got["all"]; ok {
		t.Error("# should not match $ topics")
	}
	if _, ok := got["sys"]; !ok {
		t.Error("$SYS/# should match $SYS topics")
	}
}

func TestTrieHighestQoS(t *testing.T) {
	trie := NewTrie[string]()
	_ = trie.Subscribe("a/+", "c1", 0)
	_ = trie.Subscribe("a/#", "c1", 2)
	_ = trie.Subscribe("a/b", "c1", 1)

	if qos := trie.Match("a/b")["c1"]; qos != 2 {
		t.Errorf("overlapping filters should grant max qos, got %d", qos)
	}
}

func TestTrieFiltersAndUnsubscribeAll(t *testing.T) {
	trie := NewTrie[string]()
	topics := []string{"test/topic1", "device/+/status", "sensor/#"}
	for i, f := range topics {
		_ = trie.Subscribe(f, "c1", byte(i))
	}
	_ = trie.Subscribe("sensor/#", "c2", 0)

	filters := trie.Filters("c1")
	if len(filters) != len(topics) {
		t.Fatalf("Filters: got=%v", filters)
	}
	if filters["device/+/status"] != 1 {
		t.Errorf("Filters should carry qos, got %v", filters)
	}

	removed := trie.UnsubscribeAll("c1")
	slices.Sort(topics)
	if !slices.Equal(removed, topics) {
		t.Errorf("UnsubscribeAll = %v, want %v", removed, topics)
	}
	if len(trie.Filters("c1")) != 0 {
		t.Error("c1 should have no filters left")
	}
	if len(trie.Match("sensor/x")) != 1 {
		t.Error("c2 subscription should survive")
	}
}

func TestTriePrint(t *testing.T) {
	trie := NewTrie[string]()
	_ = trie.Subscribe("home/+/temperature", "c1", 0)

	var buf bytes.Buffer
	trie.Print(&buf)
	out := buf.String()
	for _, want := range []string{`path="home"`, `path="+"`, `path="temperature", subs=1`} {
		if !strings.Contains(out, want) {
			t.Errorf("Print output missing %s:\n%s", want, out)
		}
	}
}
