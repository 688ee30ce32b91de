package messages

import (
	"context"
	"errors"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
)

type fakeMessageDB struct {
	execErr  error
	sqls     []string
	execArgs [][]any
}

func (f *fakeMessageDB) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	f.sqls = append(f.sqls, sql)
	f.execArgs = append(f.execArgs, append([]any(nil), args...))
	return pgconn.NewCommandTag("INSERT 0 1"), f.execErr
}

func TestSaveWritesMessageFields(t *testing.T) {
	db := &fakeMessageDB{}
	s := &Store{DB: db}
	msg := Message{
		MessageID:       "m1",
		ConversationID:  "c1",
		ParentMessageID: NoParent,
		UserID:          "u1",
		Sender:          SenderUser,
		Text:            "hello",
		IsCreatedByUser: true,
	}
	saved, err := s.Save(context.Background(), msg, "deny - user message")
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	if saved != msg {
		t.Fatalf("saved message changed: %+v", saved)
	}
	if len(db.execArgs) != 1 {
		t.Fatalf("expected 1 exec, got %d", len(db.execArgs))
	}
	args := db.execArgs[0]
	if args[0] != "m1" || args[1] != "c1" || args[2] != NoParent {
		t.Fatalf("id args: %v", args[:3])
	}
	if args[4] != SenderUser || args[5] != "hello" {
		t.Fatalf("content args: %v", args)
	}
	if args[6] != true || args[7] != false {
		t.Fatalf("flag args: %v", args)
	}
	if args[8] != nil || args[9] != nil {
		t.Fatalf("expected nil model/endpoint, got %v %v", args[8], args[9])
	}
	if args[10] != "deny - user message" {
		t.Fatalf("context label: %v", args[10])
	}
}

func TestSavePropagatesError(t *testing.T) {
	db := &fakeMessageDB{execErr: errors.New("connection reset")}
	s := &Store{DB: db}
	if _, err := s.Save(context.Background(), Message{MessageID: "m1"}, "test"); err == nil {
		t.Fatal("expected error")
	}
}

func TestIsFirstTurn(t *testing.T) {
	if !IsFirstTurn("") || !IsFirstTurn(NoParent) {
		t.Fatal("empty and NoParent must be first turns")
	}
	if IsFirstTurn("some-parent-id") {
		t.Fatal("real parent must not be a first turn")
	}
}
