package blocklist

import (
	"context"
	"errors"
	"testing"

	"github.com/pedrosland/chatkit/internal/transport"
	"go.uber.org/zap"
)

// fakeLists records the privacy list protocol calls in order.
type fakeLists struct {
	lists map[string]transport.PrivacyList
	def   string
	ops   []string
}

func newFakeLists() *fakeLists {
	return &fakeLists{lists: make(map[string]transport.PrivacyList)}
}

func (f *fakeLists) GetNames(context.Context) (transport.PrivacyListNames, error) {
	f.ops = append(f.ops, "names")
	names := transport.PrivacyListNames{Default: f.def}
	for name := range f.lists {
		names.Names = append(names.Names, name)
	}
	return names, nil
}

func (f *fakeLists) GetList(_ context.Context, name string) (transport.PrivacyList, error) {
	f.ops = append(f.ops, "get:"+name)
	list, ok := f.lists[name]
	if !ok {
		return transport.PrivacyList{}, transport.ErrNotFound
	}
	return list, nil
}

func (f *fakeLists) Create(_ context.Context, list transport.PrivacyList) error {
	f.ops = append(f.ops, "create:"+list.Name)
	f.lists[list.Name] = list
	return nil
}

func (f *fakeLists) Update(_ context.Context, list transport.PrivacyList) error {
	f.ops = append(f.ops, "update:"+list.Name)
	stored := f.lists[list.Name]
	for _, item := range list.Items {
		if item.Action == transport.ActionDeny {
			stored.Items = append(stored.Items, item)
		} else {
			next := stored.Items[:0:0]
			for _, existing := range stored.Items {
				if existing.UserID != item.UserID {
					next = append(next, existing)
				}
			}
			stored.Items = next
		}
	}
	f.lists[list.Name] = stored
	return nil
}

func (f *fakeLists) SetAsDefault(_ context.Context, name string) error {
	f.ops = append(f.ops, "default:"+name)
	f.def = name
	return nil
}

func connected() bool    { return true }
func disconnected() bool { return false }

func TestBlockCreatesListOnFirstUse(t *testing.T) {
	lists := newFakeLists()
	m := New(lists, connected, zap.NewNop())

	if err := m.Block(context.Background(), 42); err != nil {
		t.Fatal(err)
	}

	if !m.IsBlocked(42) {
		t.Error("user 42 should be blocked")
	}
	want := []string{"create:" + ListName, "default:" + ListName}
	if len(lists.ops) != 2 || lists.ops[0] != want[0] || lists.ops[1] != want[1] {
		t.Errorf("ops = %v, want %v", lists.ops, want)
	}
	if lists.def != ListName {
		t.Errorf("default = %q, want %q", lists.def, ListName)
	}
}

func TestBlockAfterHydrateUsesDeactivateUpdateReactivate(t *testing.T) {
	lists := newFakeLists()
	lists.lists[ListName] = transport.PrivacyList{
		Name:  ListName,
		Items: []transport.PrivacyItem{{UserID: 7, Action: transport.ActionDeny}},
	}
	lists.def = ListName

	m := New(lists, connected, zap.NewNop())
	if err := m.Hydrate(context.Background()); err != nil {
		t.Fatal(err)
	}
	if !m.IsBlocked(7) {
		t.Fatal("hydrate should import user 7")
	}

	lists.ops = nil
	if err := m.Block(context.Background(), 8); err != nil {
		t.Fatal(err)
	}

	// Active lists cannot be edited: deactivate, update, reactivate.
	want := []string{"default:", "update:" + ListName, "default:" + ListName}
	if len(lists.ops) != 3 || lists.ops[0] != want[0] || lists.ops[1] != want[1] || lists.ops[2] != want[2] {
		t.Errorf("ops = %v, want %v", lists.ops, want)
	}
}

func TestUnblockLastUserLeavesListInactive(t *testing.T) {
	lists := newFakeLists()
	lists.lists[ListName] = transport.PrivacyList{
		Name:  ListName,
		Items: []transport.PrivacyItem{{UserID: 7, Action: transport.ActionDeny}},
	}
	lists.def = ListName

	m := New(lists, connected, zap.NewNop())
	if err := m.Hydrate(context.Background()); err != nil {
		t.Fatal(err)
	}

	lists.ops = nil
	if err := m.Unblock(context.Background(), 7); err != nil {
		t.Fatal(err)
	}

	if m.IsBlocked(7) {
		t.Error("user 7 should be unblocked")
	}
	// Empty list: no reactivation after the update.
	want := []string{"default:", "update:" + ListName}
	if len(lists.ops) != 2 || lists.ops[0] != want[0] || lists.ops[1] != want[1] {
		t.Errorf("ops = %v, want %v", lists.ops, want)
	}
	if lists.def != "" {
		t.Errorf("default = %q, want empty (inactive)", lists.def)
	}
}

func TestRedundantOperationsAreNoops(t *testing.T) {
	lists := newFakeLists()
	m := New(lists, connected, zap.NewNop())

	if err := m.Unblock(context.Background(), 5); err != nil {
		t.Errorf("unblock of unblocked user should be a no-op, got %v", err)
	}
	if len(lists.ops) != 0 {
		t.Errorf("ops = %v, want none", lists.ops)
	}

	if err := m.Block(context.Background(), 5); err != nil {
		t.Fatal(err)
	}
	opCount := len(lists.ops)
	if err := m.Block(context.Background(), 5); err != nil {
		t.Errorf("block of blocked user should be a no-op, got %v", err)
	}
	if len(lists.ops) != opCount {
		t.Errorf("ops grew on redundant block: %v", lists.ops)
	}
}

func TestMutationsRequireConnection(t *testing.T) {
	m := New(newFakeLists(), disconnected, zap.NewNop())

	err := m.Block(context.Background(), 5)
	if !errors.Is(err, transport.ErrNotConnected) {
		t.Errorf("err = %v, want ErrNotConnected", err)
	}
	if m.IsBlocked(5) {
		t.Error("offline block should not apply")
	}
}

func TestHydrateIgnoresForeignDefaultList(t *testing.T) {
	lists := newFakeLists()
	lists.lists["SomeOtherList"] = transport.PrivacyList{Name: "SomeOtherList"}
	lists.def = "SomeOtherList"

	m := New(lists, connected, zap.NewNop())
	if err := m.Hydrate(context.Background()); err != nil {
		t.Fatal(err)
	}
	if got := m.BlockedUsers(); len(got) != 0 {
		t.Errorf("blocked = %v, want empty", got)
	}
}

func TestBlockedUsersSorted(t *testing.T) {
	lists := newFakeLists()
	m := New(lists, connected, zap.NewNop())

	for _, id := range []int{30, 10, 20} {
		if err := m.Block(context.Background(), id); err != nil {
			t.Fatal(err)
		}
	}
	got := m.BlockedUsers()
	if len(got) != 3 || got[0] != 10 || got[1] != 20 || got[2] != 30 {
		t.Errorf("blocked = %v, want [10 20 30]", got)
	}
}
