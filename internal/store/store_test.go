package store

import (
	"path/filepath"
	"testing"

	"github.com/pedrosland/chatkit/internal/model"
)

func testDB(t *testing.T) *DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestMigrateIsIdempotent(t *testing.T) {
	db := testDB(t)

	// testDB already ran Migrate; a second run must be a no-op.
	result, err := db.Migrate()
	if err != nil {
		t.Fatal(err)
	}
	if result.Changed {
		t.Error("second Migrate() should report Changed=false")
	}
	if result.Version != 1 {
		t.Errorf("version = %d, want 1", result.Version)
	}
}

func TestUpsertAndListDialogs(t *testing.T) {
	db := testDB(t)

	older := model.Dialog{
		ID: "d1", Type: model.Private, OccupantIDs: []int{1, 2},
		LastMessage: "hi", LastMessageDateSent: 1000,
	}
	newer := model.Dialog{
		ID: "d2", Type: model.Group, Name: "Team", OccupantIDs: []int{1, 2, 3},
		LastMessage: "yo", LastMessageDateSent: 2000, UnreadCount: 3,
	}
	for _, d := range []model.Dialog{older, newer} {
		if err := db.UpsertDialog(&d); err != nil {
			t.Fatal(err)
		}
	}

	dialogs, err := db.ListDialogs()
	if err != nil {
		t.Fatal(err)
	}
	if len(dialogs) != 2 {
		t.Fatalf("got %d dialogs, want 2", len(dialogs))
	}
	if dialogs[0].ID != "d2" {
		t.Errorf("first dialog = %s, want d2 (newest first)", dialogs[0].ID)
	}
	if dialogs[0].UnreadCount != 3 {
		t.Errorf("unread = %d, want 3", dialogs[0].UnreadCount)
	}
	if got := dialogs[1].OccupantIDs; len(got) != 2 || got[0] != 1 || got[1] != 2 {
		t.Errorf("occupants = %v, want [1 2]", got)
	}

	// Upsert with the same ID updates in place.
	older.LastMessage = "updated"
	if err := db.UpsertDialog(&older); err != nil {
		t.Fatal(err)
	}
	dialogs, _ = db.ListDialogs()
	if len(dialogs) != 2 {
		t.Fatalf("got %d dialogs after re-upsert, want 2", len(dialogs))
	}
}

func TestDeleteDialogRemovesMessages(t *testing.T) {
	db := testDB(t)

	if err := db.UpsertDialog(&model.Dialog{ID: "d1", Type: model.Private}); err != nil {
		t.Fatal(err)
	}
	if err := db.UpsertMessage(&model.Message{ID: "m1", DialogID: "d1", Body: "hi", DateSent: 1}); err != nil {
		t.Fatal(err)
	}

	if err := db.DeleteDialog("d1"); err != nil {
		t.Fatal(err)
	}

	dialogs, _ := db.ListDialogs()
	if len(dialogs) != 0 {
		t.Errorf("got %d dialogs, want 0", len(dialogs))
	}
	msgs, _ := db.ListMessages("d1", 10)
	if len(msgs) != 0 {
		t.Errorf("got %d messages, want 0", len(msgs))
	}
}

func TestUpsertAndListMessages(t *testing.T) {
	db := testDB(t)

	msgs := []model.Message{
		{ID: "m2", DialogID: "d1", SenderID: 2, Body: "second", DateSent: 200, Status: model.StatusSent},
		{ID: "m1", DialogID: "d1", SenderID: 1, Body: "first", DateSent: 100, ReadIDs: []int{1, 2}, Read: true, Status: model.StatusRead},
	}
	for _, m := range msgs {
		if err := db.UpsertMessage(&m); err != nil {
			t.Fatal(err)
		}
	}

	got, err := db.ListMessages("d1", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d messages, want 2", len(got))
	}
	if got[0].ID != "m1" || got[1].ID != "m2" {
		t.Errorf("order = [%s %s], want [m1 m2]", got[0].ID, got[1].ID)
	}
	if !got[0].Read || got[0].Status != model.StatusRead {
		t.Errorf("m1 read state = %v/%s, want true/read", got[0].Read, got[0].Status)
	}
	if rids := got[0].ReadIDs; len(rids) != 2 || rids[0] != 1 || rids[1] != 2 {
		t.Errorf("m1 read ids = %v, want [1 2]", rids)
	}
}

func TestMessageAttachmentsRoundTrip(t *testing.T) {
	db := testDB(t)

	m := model.Message{
		ID: "m1", DialogID: "d1", Body: "Attachment", DateSent: 1,
		Attachments: []model.Attachment{{UID: "u1", ContentType: "image/png", URL: "https://x/u1"}},
	}
	if err := db.UpsertMessage(&m); err != nil {
		t.Fatal(err)
	}

	got, err := db.ListMessages("d1", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || len(got[0].Attachments) != 1 {
		t.Fatalf("attachments = %+v, want 1", got)
	}
	if a := got[0].Attachments[0]; a.UID != "u1" || a.ContentType != "image/png" {
		t.Errorf("attachment = %+v", a)
	}
}

func TestRenameMessage(t *testing.T) {
	db := testDB(t)

	if err := db.UpsertMessage(&model.Message{ID: "temp-1", DialogID: "d1", Body: "hi", DateSent: 1}); err != nil {
		t.Fatal(err)
	}
	if err := db.RenameMessage("d1", "temp-1", "server-1"); err != nil {
		t.Fatal(err)
	}

	got, err := db.ListMessages("d1", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 {
		t.Fatalf("got %d messages, want 1", len(got))
	}
	if got[0].ID != "server-1" {
		t.Errorf("id = %s, want server-1", got[0].ID)
	}
	if got[0].LocalID != "temp-1" {
		t.Errorf("local id = %s, want temp-1", got[0].LocalID)
	}
}
