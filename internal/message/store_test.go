package message

import (
	"bytes"
	"context"
	"path/filepath"
	"sort"
	"testing"
	"time"

	"github.com/pedrosland/chatkit/internal/bus"
	"github.com/pedrosland/chatkit/internal/model"
	"github.com/pedrosland/chatkit/internal/store"
	"github.com/pedrosland/chatkit/internal/transport"
	"go.uber.org/zap"
)

// fakeDialogs is a minimal DialogView with scripted selection state.
type fakeDialogs struct {
	dialogs    map[string]model.Dialog
	selectedID string

	lastApplied []applyCall
	decrements  []string
}

type applyCall struct {
	DialogID  string
	Body      string
	Increment bool
}

func newFakeDialogs(dialogs ...model.Dialog) *fakeDialogs {
	f := &fakeDialogs{dialogs: make(map[string]model.Dialog)}
	for _, d := range dialogs {
		f.dialogs[d.ID] = d
	}
	return f
}

func (f *fakeDialogs) Selected() (model.Dialog, bool) {
	d, ok := f.dialogs[f.selectedID]
	return d, ok
}

func (f *fakeDialogs) Dialog(id string) (model.Dialog, bool) {
	d, ok := f.dialogs[id]
	return d, ok
}

func (f *fakeDialogs) SelectedID() string { return f.selectedID }

func (f *fakeDialogs) OpponentID(d *model.Dialog) (int, error) {
	for _, id := range d.OccupantIDs {
		if id != 1 {
			return id, nil
		}
	}
	return 0, nil
}

func (f *fakeDialogs) ApplyLastMessage(dialogID, body string, _ int, _ int64, incrementUnread bool) {
	f.lastApplied = append(f.lastApplied, applyCall{DialogID: dialogID, Body: body, Increment: incrementUnread})
}

func (f *fakeDialogs) DecrementUnread(dialogID string) {
	f.decrements = append(f.decrements, dialogID)
}

func privateDialog(id string) model.Dialog {
	return model.Dialog{ID: id, Type: model.Private, OccupantIDs: []int{1, 2}}
}

func testStore(t *testing.T, dialogs *fakeDialogs) (*Store, *transport.Loopback, *bus.Bus) {
	t.Helper()
	lb := transport.NewLoopback()
	if err := lb.Connect(context.Background(), transport.Credentials{UserID: 1, Password: "pw"}); err != nil {
		t.Fatal(err)
	}
	b := bus.New()
	s := New(lb, lb, dialogs, nil, b, func() int { return 1 }, zap.NewNop())
	return s, lb, b
}

func TestSendAppendsPendingMessage(t *testing.T) {
	d := privateDialog("d1")
	s, _, _ := testStore(t, newFakeDialogs(d))

	msg, err := s.Send("hello", &d)
	if err != nil {
		t.Fatal(err)
	}
	if msg.Status != model.StatusPending {
		t.Errorf("status = %s, want pending", msg.Status)
	}
	if msg.SenderID != 1 || msg.RecipientID != 2 {
		t.Errorf("sender/recipient = %d/%d, want 1/2", msg.SenderID, msg.RecipientID)
	}
	if len(msg.ReadIDs) != 1 || msg.ReadIDs[0] != 1 {
		t.Errorf("read ids = %v, want [1]", msg.ReadIDs)
	}

	got := s.Messages("d1")
	if len(got) != 1 || got[0].ID != msg.ID {
		t.Fatalf("collection = %+v, want the sent message", got)
	}
	// The optimistic record stays Pending until a delivery acknowledgment.
	if got[0].Status != model.StatusPending {
		t.Errorf("stored status = %s, want pending", got[0].Status)
	}
}

// instantAckTransport acknowledges delivery synchronously, before Send
// returns, the way a fast transport can.
type instantAckTransport struct {
	*transport.Loopback
	ack func(transport.DeliveryStatus)
}

func (tr *instantAckTransport) Send(target transport.Target, p transport.MessageParams) (string, error) {
	id, err := tr.Loopback.Send(target, p)
	if err == nil {
		tr.ack(transport.DeliveryStatus{MessageID: id, DialogID: p.DialogID})
	}
	return id, err
}

func TestSendSurvivesImmediateAck(t *testing.T) {
	d := privateDialog("d1")
	lb := transport.NewLoopback()
	if err := lb.Connect(context.Background(), transport.Credentials{UserID: 1, Password: "pw"}); err != nil {
		t.Fatal(err)
	}
	tr := &instantAckTransport{Loopback: lb}
	s := New(tr, lb, newFakeDialogs(d), nil, bus.New(), func() int { return 1 }, zap.NewNop())
	tr.ack = s.HandleDelivery

	msg, err := s.Send("hello", &d)
	if err != nil {
		t.Fatal(err)
	}

	got, ok := s.Message("d1", msg.ID)
	if !ok {
		t.Fatal("message missing from the collection")
	}
	if got.Status != model.StatusSent {
		t.Errorf("status = %s, want sent when the ack beats Send's return", got.Status)
	}
}

func TestSendWithoutDialogFails(t *testing.T) {
	s, _, _ := testStore(t, newFakeDialogs())
	if _, err := s.Send("hello", nil); err != ErrNoDialog {
		t.Errorf("err = %v, want ErrNoDialog", err)
	}
}

func TestMessagesKeepTotalOrder(t *testing.T) {
	d := privateDialog("d1")
	dialogs := newFakeDialogs(d)
	dialogs.selectedID = "d1"
	s, _, _ := testStore(t, dialogs)

	// Deliver out of order, including a same-timestamp pair.
	incoming := []transport.IncomingMessage{
		{ID: "c", DialogID: "d1", Type: transport.MessageTypeChat, Body: "third", DateSent: 300},
		{ID: "a", DialogID: "d1", Type: transport.MessageTypeChat, Body: "first", DateSent: 100},
		{ID: "b2", DialogID: "d1", Type: transport.MessageTypeChat, Body: "tie-late", DateSent: 200},
		{ID: "b1", DialogID: "d1", Type: transport.MessageTypeChat, Body: "tie-early", DateSent: 200},
	}
	for _, im := range incoming {
		s.HandleIncoming(2, im)
	}

	got := s.Messages("d1")
	if len(got) != 4 {
		t.Fatalf("collection = %d messages, want 4", len(got))
	}
	if !sort.SliceIsSorted(got, func(i, j int) bool {
		if got[i].DateSent != got[j].DateSent {
			return got[i].DateSent < got[j].DateSent
		}
		return got[i].ID < got[j].ID
	}) {
		t.Errorf("collection not in (date_sent, id) order: %+v", got)
	}
	if got[1].ID != "b1" || got[2].ID != "b2" {
		t.Errorf("tie order = %s, %s, want b1, b2", got[1].ID, got[2].ID)
	}
}

// countingTransport tracks how many history fetches hit the transport.
type countingTransport struct {
	*transport.Loopback
	listCalls int
}

func (tr *countingTransport) ListMessages(ctx context.Context, p transport.MessageListParams) (transport.MessagePage, error) {
	tr.listCalls++
	return tr.Loopback.ListMessages(ctx, p)
}

func TestGetMessagesDeletedDialogIsEmptyNotError(t *testing.T) {
	lb := transport.NewLoopback()
	if err := lb.Connect(context.Background(), transport.Credentials{UserID: 1, Password: "pw"}); err != nil {
		t.Fatal(err)
	}
	tr := &countingTransport{Loopback: lb}
	s := New(tr, lb, newFakeDialogs(), nil, bus.New(), func() int { return 1 }, zap.NewNop())

	// The loopback has never seen this dialog, so the listing is a not-found.
	got, err := s.GetMessages(context.Background(), "gone")
	if err != nil {
		t.Fatalf("err = %v, want nil for a dialog deleted server-side", err)
	}
	if got != nil {
		t.Errorf("messages = %+v, want nil", got)
	}

	// The dialog counts as loaded; selecting it does not refetch.
	if err := s.EnsureLoaded(context.Background(), "gone"); err != nil {
		t.Fatal(err)
	}
	if tr.listCalls != 1 {
		t.Errorf("history fetches = %d, want 1", tr.listCalls)
	}
}

func testCache(t *testing.T) *store.DB {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "cache.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	return db
}

func TestEnsureLoadedSeedsFromCache(t *testing.T) {
	db := testCache(t)
	cached := []model.Message{
		{ID: "m1", DialogID: "d1", SenderID: 2, Body: "old one", DateSent: 100, Status: model.StatusSent, ReadIDs: []int{2}},
		{ID: "m2", DialogID: "d1", SenderID: 1, Body: "old two", DateSent: 200, Status: model.StatusSent, ReadIDs: []int{1}},
	}
	for i := range cached {
		if err := db.UpsertMessage(&cached[i]); err != nil {
			t.Fatal(err)
		}
	}

	lb := transport.NewLoopback()
	if err := lb.Connect(context.Background(), transport.Credentials{UserID: 1, Password: "pw"}); err != nil {
		t.Fatal(err)
	}
	s := New(lb, lb, newFakeDialogs(), db, bus.New(), func() int { return 1 }, zap.NewNop())

	// The server knows nothing about the dialog; history comes from the cache.
	if err := s.EnsureLoaded(context.Background(), "d1"); err != nil {
		t.Fatal(err)
	}

	got := s.Messages("d1")
	if len(got) != 2 || got[0].ID != "m1" || got[1].ID != "m2" {
		t.Fatalf("messages = %+v, want the two cached ones in order", got)
	}
}

func TestHandleIncomingDropsSelfAndDelayed(t *testing.T) {
	d := privateDialog("d1")
	s, _, _ := testStore(t, newFakeDialogs(d))

	// Echo of the current user's own send (another device).
	s.HandleIncoming(1, transport.IncomingMessage{ID: "m1", DialogID: "d1", Type: transport.MessageTypeChat, DateSent: 1})
	// Offline replay of a private message.
	s.HandleIncoming(2, transport.IncomingMessage{ID: "m2", DialogID: "d1", Type: transport.MessageTypeChat, DateSent: 2, Delayed: true})

	if got := s.Messages("d1"); len(got) != 0 {
		t.Errorf("collection = %+v, want empty", got)
	}
}

func TestHandleIncomingDeduplicates(t *testing.T) {
	d := privateDialog("d1")
	dialogs := newFakeDialogs(d)
	s, _, _ := testStore(t, dialogs)

	im := transport.IncomingMessage{ID: "m1", DialogID: "d1", Type: transport.MessageTypeChat, Body: "hi", DateSent: 1}
	s.HandleIncoming(2, im)
	s.HandleIncoming(2, im)

	if got := s.Messages("d1"); len(got) != 1 {
		t.Errorf("collection = %d messages, want 1", len(got))
	}
	if len(dialogs.lastApplied) != 1 {
		t.Errorf("last-message applied %d times, want 1", len(dialogs.lastApplied))
	}
}

func TestHandleIncomingUnreadDependsOnSelection(t *testing.T) {
	d := privateDialog("d1")
	dialogs := newFakeDialogs(d)
	s, _, _ := testStore(t, dialogs)

	// Not selected: counts as unread.
	s.HandleIncoming(2, transport.IncomingMessage{ID: "m1", DialogID: "d1", Type: transport.MessageTypeChat, DateSent: 1})
	// Selected: already being read.
	dialogs.selectedID = "d1"
	s.HandleIncoming(2, transport.IncomingMessage{ID: "m2", DialogID: "d1", Type: transport.MessageTypeChat, DateSent: 2})

	if len(dialogs.lastApplied) != 2 {
		t.Fatalf("applied = %d, want 2", len(dialogs.lastApplied))
	}
	if !dialogs.lastApplied[0].Increment {
		t.Error("unselected dialog should increment unread")
	}
	if dialogs.lastApplied[1].Increment {
		t.Error("selected dialog should not increment unread")
	}
}

func TestHandleDeliveryConfirmsPending(t *testing.T) {
	d := privateDialog("d1")
	s, _, b := testStore(t, newFakeDialogs(d))

	ch, unsub := b.Subscribe(bus.KindHookMessageSent, 10)
	defer unsub()

	msg, err := s.Send("hello", &d)
	if err != nil {
		t.Fatal(err)
	}

	s.HandleDelivery(transport.DeliveryStatus{MessageID: msg.ID, DialogID: "d1"})

	got, _ := s.Message("d1", msg.ID)
	if got.Status != model.StatusSent {
		t.Errorf("status = %s, want sent", got.Status)
	}
	select {
	case evt := <-ch:
		if evt.Kind != bus.KindHookMessageSent {
			t.Errorf("event = %q, want sent hook", evt.Kind)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for sent hook")
	}
}

func TestLostIsTerminal(t *testing.T) {
	d := privateDialog("d1")
	s, _, _ := testStore(t, newFakeDialogs(d))

	msg, err := s.Send("hello", &d)
	if err != nil {
		t.Fatal(err)
	}

	s.HandleDelivery(transport.DeliveryStatus{MessageID: msg.ID, DialogID: "d1", Lost: true})
	// A late confirmation must not resurrect the message.
	s.HandleDelivery(transport.DeliveryStatus{MessageID: msg.ID, DialogID: "d1"})

	got, _ := s.Message("d1", msg.ID)
	if got.Status != model.StatusLost {
		t.Errorf("status = %s, want lost (terminal)", got.Status)
	}

	// A read receipt marks it read but keeps the Lost status.
	s.HandleReadStatus(msg.ID, "d1", 2)
	got, _ = s.Message("d1", msg.ID)
	if !got.Read {
		t.Error("message should be marked read")
	}
	if got.Status != model.StatusLost {
		t.Errorf("status after read = %s, want lost", got.Status)
	}
}

func TestMarkPendingLost(t *testing.T) {
	d := privateDialog("d1")
	s, _, b := testStore(t, newFakeDialogs(d))

	ch, unsub := b.Subscribe(bus.KindHookMessageError, 10)
	defer unsub()

	first, _ := s.Send("one", &d)
	second, _ := s.Send("two", &d)
	s.HandleDelivery(transport.DeliveryStatus{MessageID: first.ID, DialogID: "d1"})

	s.MarkPendingLost()

	confirmed, _ := s.Message("d1", first.ID)
	if confirmed.Status != model.StatusSent {
		t.Errorf("confirmed message = %s, want sent (untouched)", confirmed.Status)
	}
	pending, _ := s.Message("d1", second.ID)
	if pending.Status != model.StatusLost {
		t.Errorf("pending message = %s, want lost", pending.Status)
	}

	select {
	case evt := <-ch:
		lost, ok := evt.Payload.(model.Message)
		if !ok || lost.ID != second.ID {
			t.Errorf("error hook payload = %+v, want message %s", evt.Payload, second.ID)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for error hook")
	}
}

func TestHandleReadStatusDropsSelf(t *testing.T) {
	d := privateDialog("d1")
	s, _, _ := testStore(t, newFakeDialogs(d))

	msg, _ := s.Send("hello", &d)
	s.HandleReadStatus(msg.ID, "d1", 1)

	got, _ := s.Message("d1", msg.ID)
	if got.Read {
		t.Error("receipt from the current user's own device should be dropped")
	}
}

func TestReadMessageDecrementsUnreadOnce(t *testing.T) {
	d := privateDialog("d1")
	dialogs := newFakeDialogs(d)
	s, _, _ := testStore(t, dialogs)

	s.HandleIncoming(2, transport.IncomingMessage{ID: "m1", DialogID: "d1", Type: transport.MessageTypeChat, Body: "hi", DateSent: 1})

	if err := s.ReadMessage("m1", 1, "d1"); err != nil {
		t.Fatal(err)
	}
	if len(dialogs.decrements) != 1 {
		t.Fatalf("decrements = %d, want 1", len(dialogs.decrements))
	}

	// Reading an already-read message is a no-op on the counter.
	if err := s.ReadMessage("m1", 1, "d1"); err != nil {
		t.Fatal(err)
	}
	if len(dialogs.decrements) != 1 {
		t.Errorf("decrements = %d after repeat, want 1", len(dialogs.decrements))
	}
}

func TestSendWithAttachmentPromotesInPlace(t *testing.T) {
	d := privateDialog("d1")
	s, _, _ := testStore(t, newFakeDialogs(d))

	// An earlier message so the promoted one has a fixed position to keep.
	s.HandleIncoming(2, transport.IncomingMessage{ID: "m0", DialogID: "d1", Type: transport.MessageTypeChat, DateSent: 1})

	files := []AttachmentInput{{
		Name:        "photo.png",
		ContentType: "image/png",
		Size:        4,
		Data:        bytes.NewReader([]byte("data")),
		LocalURL:    "file:///tmp/photo.png",
	}}
	msg, err := s.SendWithAttachment(context.Background(), files, &d)
	if err != nil {
		t.Fatal(err)
	}

	if msg.IsLoading {
		t.Error("promoted message still loading")
	}
	if msg.LocalID == "" {
		t.Error("promoted message lost its temporary ID")
	}
	if msg.ID == msg.LocalID {
		t.Error("message ID was not promoted to the server-assigned one")
	}
	if len(msg.Attachments) != 1 || msg.Attachments[0].UID == "" {
		t.Fatalf("attachments = %+v, want one resolved", msg.Attachments)
	}
	if msg.Attachments[0].URL == "file:///tmp/photo.png" {
		t.Error("attachment still points at the local preview URL")
	}

	got := s.Messages("d1")
	if len(got) != 2 {
		t.Fatalf("collection = %d messages, want 2", len(got))
	}
	if got[1].ID != msg.ID {
		t.Errorf("promoted message moved: tail = %s, want %s", got[1].ID, msg.ID)
	}
}

func TestHandleTypingExpires(t *testing.T) {
	d := privateDialog("d1")
	s, _, _ := testStore(t, newFakeDialogs(d))
	s.typingTimeout = 30 * time.Millisecond

	s.HandleTyping(true, 2, "d1")
	if status := s.TypingStatus(); !status["d1"][2] {
		t.Fatal("user 2 should be typing")
	}

	deadline := time.After(time.Second)
	for {
		if len(s.TypingStatus()) == 0 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("typing indicator never expired")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestHandleTypingExplicitStopAndSelfDrop(t *testing.T) {
	d := privateDialog("d1")
	s, _, _ := testStore(t, newFakeDialogs(d))

	// Signals from the current user are dropped.
	s.HandleTyping(true, 1, "d1")
	if len(s.TypingStatus()) != 0 {
		t.Error("own typing signal should be dropped")
	}

	s.HandleTyping(true, 2, "d1")
	s.HandleTyping(false, 2, "d1")
	if len(s.TypingStatus()) != 0 {
		t.Error("explicit stop should clear the indicator")
	}
}

func TestResetSessionClearsTyping(t *testing.T) {
	d := privateDialog("d1")
	s, _, _ := testStore(t, newFakeDialogs(d))

	s.Send("hello", &d)
	s.HandleTyping(true, 2, "d1")

	s.ResetSession()
	if len(s.TypingStatus()) != 0 {
		t.Error("typing state should be cleared")
	}
	// Message history itself survives the reset.
	if len(s.Messages("d1")) != 1 {
		t.Error("history should survive a session reset")
	}
}
