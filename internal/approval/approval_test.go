package approval

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestCreateRespondAwait(t *testing.T) {
	dir := t.TempDir()
	req, err := Create(dir, "d-1", "limit_raise", "raise max_turns 10 -> 15", map[string]any{"limit": "max_turns"})
	if err != nil {
		t.Fatal(err)
	}

	done := make(chan *Response, 1)
	go func() {
		resp, err := Await(context.Background(), dir, req.ID, 10*time.Second)
		if err != nil {
			t.Errorf("Await: %v", err)
		}
		done <- resp
	}()

	// Give the waiter a poll cycle before answering.
	time.Sleep(100 * time.Millisecond)
	if _, err := Respond(dir, req.ID, true, "go ahead"); err != nil {
		t.Fatal(err)
	}

	select {
	case resp := <-done:
		if resp == nil || !resp.Approved || resp.Message != "go ahead" {
			t.Fatalf("response = %+v", resp)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("waiter never observed response")
	}
}

func TestAwaitTimeout(t *testing.T) {
	dir := t.TempDir()
	req, _ := Create(dir, "d-1", "risk", "confirm", nil)
	if _, err := Await(context.Background(), dir, req.ID, 50*time.Millisecond); !errors.Is(err, ErrTimeout) {
		t.Fatalf("err = %v, want ErrTimeout", err)
	}
}

func TestRespondIsOneShot(t *testing.T) {
	dir := t.TempDir()
	req, _ := Create(dir, "d-1", "risk", "confirm", nil)
	if _, err := Respond(dir, req.ID, false, "no"); err != nil {
		t.Fatal(err)
	}
	if _, err := Respond(dir, req.ID, true, "yes"); !errors.Is(err, ErrAlreadyAnswered) {
		t.Fatalf("second answer = %v, want ErrAlreadyAnswered", err)
	}
	resp, err := Load(dir, req.ID)
	if err != nil || resp.Approved {
		t.Fatalf("first answer lost: %+v, %v", resp, err)
	}
}

func TestRespondUnknownRequest(t *testing.T) {
	if _, err := Respond(t.TempDir(), "ghost", true, ""); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestPendingExcludesAnswered(t *testing.T) {
	dir := t.TempDir()
	a, _ := Create(dir, "d-1", "risk", "first", nil)
	b, _ := Create(dir, "d-1", "risk", "second", nil)
	Respond(dir, a.ID, true, "")

	pending, err := Pending(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 1 || pending[0].ID != b.ID {
		t.Fatalf("pending = %+v", pending)
	}
}

func TestAwaitHonorsContext(t *testing.T) {
	dir := t.TempDir()
	req, _ := Create(dir, "d-1", "risk", "confirm", nil)
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()
	if _, err := Await(ctx, dir, req.ID, time.Minute); !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}
