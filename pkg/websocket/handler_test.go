package websocket

import (
	"context"
	"errors"
	"testing"
)

func TestDispatcher_Dispatch(t *testing.T) {
	d := NewDispatcher()
	d.RegisterFunc(TypeGetSessions, func(ctx context.Context, msg *Message) (*Message, error) {
		return NewSessionsList([]string{})
	})

	resp, err := d.Dispatch(context.Background(), &Message{Type: TypeGetSessions})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Type != TypeSessionsList {
		t.Errorf("expected sessions_list, got %s", resp.Type)
	}
}

func TestDispatcher_UnknownType(t *testing.T) {
	d := NewDispatcher()

	resp, err := d.Dispatch(context.Background(), &Message{Type: "bogus", ID: "req-1"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Type != TypeError {
		t.Errorf("expected error message, got %s", resp.Type)
	}
	if resp.Code != ErrorCodeUnknownType {
		t.Errorf("expected unknown type code, got %s", resp.Code)
	}
	if resp.ID != "req-1" {
		t.Errorf("expected request id echoed, got %q", resp.ID)
	}
}

func TestDispatcher_HandlerError(t *testing.T) {
	d := NewDispatcher()
	want := errors.New("backend down")
	d.RegisterFunc(TypeGetCapabilities, func(ctx context.Context, msg *Message) (*Message, error) {
		return nil, want
	})

	_, err := d.Dispatch(context.Background(), &Message{Type: TypeGetCapabilities})
	if !errors.Is(err, want) {
		t.Errorf("expected handler error, got %v", err)
	}
}

func TestDispatcher_HasHandler(t *testing.T) {
	d := NewDispatcher()
	if d.HasHandler(TypePing) {
		t.Error("expected no handler before registration")
	}
	d.RegisterFunc(TypePing, func(ctx context.Context, msg *Message) (*Message, error) {
		return NewPong(), nil
	})
	if !d.HasHandler(TypePing) {
		t.Error("expected handler after registration")
	}
}
