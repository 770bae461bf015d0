package bot

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestNewChatNotifier_Validation(t *testing.T) {
	if _, err := NewChatNotifier(ChatNotifierOpts{AdminChannel: "a"}); err == nil || !strings.Contains(err.Error(), "adapter is required") {
		t.Errorf("err = %v", err)
	}
	if _, err := NewChatNotifier(ChatNotifierOpts{Adapter: NewMockAdapter()}); err == nil || !strings.Contains(err.Error(), "admin channel is required") {
		t.Errorf("err = %v", err)
	}
}

func newTestNotifier(t *testing.T, platform string) (*ChatNotifier, *MockAdapter) {
	t.Helper()
	m := NewMockAdapter()
	m.Connect(context.Background())
	n, err := NewChatNotifier(ChatNotifierOpts{
		Adapter:      m,
		Platform:     platform,
		AdminChannel: "C-ADMIN",
		Interval:     time.Microsecond,
	})
	if err != nil {
		t.Fatalf("NewChatNotifier: %v", err)
	}
	return n, m
}

func TestChatNotifier_Routing(t *testing.T) {
	n, m := newTestNotifier(t, "slack")
	ctx := context.Background()

	id, _ := AuthorID("slack", "U024BE7LH")
	if err := n.SendToAuthor(ctx, id, "hi author"); err != nil {
		t.Fatalf("SendToAuthor: %v", err)
	}
	if err := n.SendToAdmin(ctx, "hi admins"); err != nil {
		t.Fatalf("SendToAdmin: %v", err)
	}
	if err := n.UpdatePresence(ctx, "Pending: [1] Queued: []"); err != nil {
		t.Fatalf("UpdatePresence: %v", err)
	}

	sent := m.AllSent()
	if len(sent) != 2 {
		t.Fatalf("sent %d, want 2", len(sent))
	}
	if sent[0].UserID != "U024BE7LH" || sent[0].Text != "hi author" {
		t.Errorf("author message = %+v", sent[0])
	}
	if sent[1].ChannelID != "C-ADMIN" || sent[1].UserID != "" {
		t.Errorf("admin message = %+v", sent[1])
	}
	if p := m.Presence(); len(p) != 1 || p[0] != "Pending: [1] Queued: []" {
		t.Errorf("presence = %v", p)
	}
}

type plainAdapter struct{ Adapter }

func TestChatNotifier_PresenceUnsupported(t *testing.T) {
	n, err := NewChatNotifier(ChatNotifierOpts{Adapter: plainAdapter{NewMockAdapter()}, AdminChannel: "a"})
	if err != nil {
		t.Fatalf("NewChatNotifier: %v", err)
	}
	if err := n.UpdatePresence(context.Background(), "x"); err != nil {
		t.Errorf("UpdatePresence = %v, want nil", err)
	}
}

func TestChatNotifier_SendError(t *testing.T) {
	n, m := newTestNotifier(t, "discord")
	m.SetSendError(errors.New("boom"))
	if err := n.SendToAdmin(context.Background(), "x"); err == nil || err.Error() != "boom" {
		t.Errorf("err = %v, want boom", err)
	}
}

func TestChatNotifier_CancelledWait(t *testing.T) {
	m := NewMockAdapter()
	m.Connect(context.Background())
	n, _ := NewChatNotifier(ChatNotifierOpts{Adapter: m, AdminChannel: "a", Interval: time.Hour})

	if err := n.SendToAdmin(context.Background(), "first"); err != nil {
		t.Fatalf("first send: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := n.SendToAdmin(ctx, "second"); err == nil {
		t.Error("second send should fail while the limiter waits")
	}
	if m.SentCount() != 1 {
		t.Errorf("SentCount = %d, want 1", m.SentCount())
	}
}

func TestChatNotifier_AnnounceSubmission(t *testing.T) {
	n, m := newTestNotifier(t, "discord")
	if err := n.AnnounceSubmission(context.Background(), 12, "New submission #12"); err != nil {
		t.Fatalf("AnnounceSubmission: %v", err)
	}
	msg, ok := m.LastSent()
	if !ok || msg.ChannelID != "C-ADMIN" || len(msg.Submissions) != 1 || msg.Submissions[0] != 12 {
		t.Errorf("notice = %+v", msg)
	}
}
