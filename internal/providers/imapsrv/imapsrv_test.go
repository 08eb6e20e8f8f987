package imapsrv

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/fluxdesk/fluxdesk/internal/providers"
	"github.com/fluxdesk/fluxdesk/pkg/models"
)

type fakeSession struct {
	loginErr   error
	gotLogin   [2]string
	mailboxes  []string
	selected   string
	selectErr  error
	uids       []uint32
	messages   []fetchedMessage
	moves      map[uint32]string
	deleted    []uint32
	loggedOut  bool
	lastSearch time.Time
}

func (f *fakeSession) Login(username, password string) error {
	f.gotLogin = [2]string{username, password}
	return f.loginErr
}

func (f *fakeSession) ListMailboxes() ([]string, error) { return f.mailboxes, nil }

func (f *fakeSession) Select(mailbox string) error {
	f.selected = mailbox
	return f.selectErr
}

func (f *fakeSession) SearchSince(since time.Time) ([]uint32, error) {
	f.lastSearch = since
	return f.uids, nil
}

func (f *fakeSession) FetchMessages(uids []uint32) ([]fetchedMessage, error) {
	return f.messages, nil
}

func (f *fakeSession) Move(uid uint32, mailbox string) error {
	if f.moves == nil {
		f.moves = make(map[uint32]string)
	}
	f.moves[uid] = mailbox
	return nil
}

func (f *fakeSession) Delete(uid uint32) error {
	f.deleted = append(f.deleted, uid)
	return nil
}

func (f *fakeSession) Logout() error {
	f.loggedOut = true
	return nil
}

func testProvider(sess *fakeSession, dialErr error) *Provider {
	p := New(Config{})
	p.dial = func(ctx context.Context, host string, port int) (session, error) {
		if dialErr != nil {
			return nil, dialErr
		}
		return sess, nil
	}
	return p
}

func cred() *models.Credential {
	return &models.Credential{
		Host:     "imap.example.com",
		Port:     993,
		Username: "support@example.com",
		Password: "hunter2",
	}
}

func TestTestConnectionLogsInAndOut(t *testing.T) {
	sess := &fakeSession{}
	p := testProvider(sess, nil)

	if err := p.TestConnection(context.Background(), cred()); err != nil {
		t.Fatalf("TestConnection: %v", err)
	}
	if sess.gotLogin != [2]string{"support@example.com", "hunter2"} {
		t.Errorf("login = %v", sess.gotLogin)
	}
	if !sess.loggedOut {
		t.Error("session was not logged out")
	}
}

func TestTestConnectionRejectsBadLogin(t *testing.T) {
	sess := &fakeSession{loginErr: errors.New("NO LOGIN failed")}
	p := testProvider(sess, nil)

	err := p.TestConnection(context.Background(), cred())
	if providers.GetErrorCode(err) != providers.ErrCodeAuthorization {
		t.Fatalf("expected authorization error, got %v", err)
	}
	if !sess.loggedOut {
		t.Error("failed login must still close the session")
	}
}

func TestTestConnectionMapsDialFailure(t *testing.T) {
	p := testProvider(nil, errors.New("connection refused"))

	err := p.TestConnection(context.Background(), cred())
	if providers.GetErrorCode(err) != providers.ErrCodeConnection {
		t.Fatalf("expected connection error, got %v", err)
	}
}

func TestTestConnectionRequiresCompleteCredentials(t *testing.T) {
	p := testProvider(&fakeSession{}, nil)

	err := p.TestConnection(context.Background(), &models.Credential{Host: "imap.example.com"})
	if providers.GetErrorCode(err) != providers.ErrCodeInvalidInput {
		t.Fatalf("expected invalid input error, got %v", err)
	}
}

func TestListTargetsReturnsMailboxes(t *testing.T) {
	sess := &fakeSession{mailboxes: []string{"INBOX", "Archive", "Spam"}}
	p := testProvider(sess, nil)

	targets, err := p.ListTargets(context.Background(), cred())
	if err != nil {
		t.Fatalf("ListTargets: %v", err)
	}
	if len(targets) != 3 || targets[0].ID != "INBOX" || targets[1].Name != "Archive" {
		t.Errorf("targets = %+v", targets)
	}
}

func TestFetchSinceFiltersOrdersAndLimits(t *testing.T) {
	since := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	sess := &fakeSession{
		uids: []uint32{11, 12, 13, 14},
		messages: []fetchedMessage{
			// Same calendar day but before the exact instant: the
			// date-granular SINCE answer includes it, the provider
			// must drop it.
			{UID: 11, MessageID: "<m-11@x>", InternalDate: since.Add(-time.Hour)},
			{UID: 13, MessageID: "<m-13@x>", Subject: "later", InternalDate: since.Add(2 * time.Hour),
				FromAddress: "b@example.com"},
			{UID: 12, MessageID: "<m-12@x>", Subject: "sooner", InternalDate: since.Add(time.Hour),
				FromAddress: "a@example.com", FromName: "Ana", Body: "need help"},
			{UID: 14, MessageID: "<m-14@x>", InternalDate: since.Add(3 * time.Hour)},
		},
	}
	p := testProvider(sess, nil)

	messages, err := p.FetchSince(context.Background(), cred(), "INBOX", since, 2)
	if err != nil {
		t.Fatalf("FetchSince: %v", err)
	}
	if sess.selected != "INBOX" {
		t.Errorf("selected mailbox = %q", sess.selected)
	}
	if !sess.lastSearch.Equal(since) {
		t.Errorf("search since = %v, want %v", sess.lastSearch, since)
	}
	if len(messages) != 2 {
		t.Fatalf("expected 2 messages (limit applied after filtering), got %d", len(messages))
	}
	first := messages[0]
	if first.ExternalID != "<m-12@x>" || first.ProviderRef != "12" {
		t.Errorf("first message = %+v", first)
	}
	if first.Sender.Address != "a@example.com" || first.Sender.DisplayName != "Ana" {
		t.Errorf("sender = %+v", first.Sender)
	}
	if first.Folder != "INBOX" || first.Body != "need help" {
		t.Errorf("first message = %+v", first)
	}
	if messages[1].ExternalID != "<m-13@x>" {
		t.Errorf("second message = %+v", messages[1])
	}
}

func TestFetchSinceFallsBackToUIDExternalID(t *testing.T) {
	since := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	sess := &fakeSession{
		uids:     []uint32{7},
		messages: []fetchedMessage{{UID: 7, InternalDate: since.Add(time.Minute)}},
	}
	p := testProvider(sess, nil)

	messages, err := p.FetchSince(context.Background(), cred(), "INBOX", since, 0)
	if err != nil {
		t.Fatalf("FetchSince: %v", err)
	}
	if len(messages) != 1 || messages[0].ExternalID != "imap-uid-7" {
		t.Errorf("messages = %+v", messages)
	}
}

func TestFetchSinceEmptyMailbox(t *testing.T) {
	sess := &fakeSession{}
	p := testProvider(sess, nil)

	messages, err := p.FetchSince(context.Background(), cred(), "INBOX", time.Now(), 10)
	if err != nil {
		t.Fatalf("FetchSince: %v", err)
	}
	if messages != nil {
		t.Errorf("expected no messages, got %+v", messages)
	}
}

func TestDisposeMoveAndDelete(t *testing.T) {
	sess := &fakeSession{}
	p := testProvider(sess, nil)
	msg := &models.InboundMessage{ExternalID: "<m-12@x>", ProviderRef: "12", Folder: "INBOX"}

	if err := p.Dispose(context.Background(), cred(), msg, models.PostProcessMove, "Archive"); err != nil {
		t.Fatalf("Dispose move: %v", err)
	}
	if sess.moves[12] != "Archive" || sess.selected != "INBOX" {
		t.Errorf("moves = %v selected = %q", sess.moves, sess.selected)
	}

	if err := p.Dispose(context.Background(), cred(), msg, models.PostProcessDelete, ""); err != nil {
		t.Fatalf("Dispose delete: %v", err)
	}
	if len(sess.deleted) != 1 || sess.deleted[0] != 12 {
		t.Errorf("deleted = %v", sess.deleted)
	}
}

func TestDisposeLeaveNeverDials(t *testing.T) {
	p := testProvider(nil, errors.New("must not dial"))
	msg := &models.InboundMessage{ExternalID: "<m-12@x>", ProviderRef: "12", Folder: "INBOX"}

	if err := p.Dispose(context.Background(), cred(), msg, models.PostProcessLeave, ""); err != nil {
		t.Fatalf("Dispose leave: %v", err)
	}
}

func TestDisposeRejectsMissingUID(t *testing.T) {
	p := testProvider(&fakeSession{}, nil)
	msg := &models.InboundMessage{ExternalID: "<m-12@x>", Folder: "INBOX"}

	err := p.Dispose(context.Background(), cred(), msg, models.PostProcessDelete, "")
	if providers.GetErrorCode(err) != providers.ErrCodeInvalidInput {
		t.Fatalf("expected invalid input error, got %v", err)
	}
}

func TestCapabilitiesDeclarePollWithoutOAuth(t *testing.T) {
	p := New(Config{})
	caps := p.Capabilities()
	if caps.RequiresOAuth || caps.Transport != providers.TransportPoll {
		t.Errorf("capabilities = %+v", caps)
	}
	// Replies ride SMTP; the IMAP provider must not claim Sender.
	if _, ok := interface{}(p).(providers.Sender); ok {
		t.Error("imap provider must not implement Sender")
	}
}
