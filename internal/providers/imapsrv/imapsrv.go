// Package imapsrv provides the generic IMAP mailbox provider. It is the one
// non-OAuth provider: the operator supplies host, port, username, and
// password at channel creation, and the credentials are verified before the
// channel is persisted.
//
// The provider deliberately does not implement Sender. Outbound email rides
// SMTP, not IMAP, and pretending otherwise would silently drop replies; the
// registry's fail-closed capability lookup surfaces the gap instead.
package imapsrv

import (
	"context"
	"fmt"
	"net"
	"sort"
	"strconv"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"

	"github.com/fluxdesk/fluxdesk/internal/providers"
	"github.com/fluxdesk/fluxdesk/pkg/models"
)

// Name is the stable provider identifier.
const Name = "imap"

const (
	defaultPort        = 993
	defaultDialTimeout = 15 * time.Second
)

// session is one authenticated IMAP connection. The production
// implementation wraps go-imap's client; tests substitute a fake.
type session interface {
	Login(username, password string) error
	ListMailboxes() ([]string, error)
	Select(mailbox string) error
	SearchSince(since time.Time) ([]uint32, error)
	FetchMessages(uids []uint32) ([]fetchedMessage, error)
	Move(uid uint32, mailbox string) error
	Delete(uid uint32) error
	Logout() error
}

// fetchedMessage is the subset of an IMAP fetch response the provider
// normalizes into an InboundMessage.
type fetchedMessage struct {
	UID          uint32
	MessageID    string
	Subject      string
	FromAddress  string
	FromName     string
	Body         string
	InternalDate time.Time
}

type dialFunc func(ctx context.Context, host string, port int) (session, error)

// Config holds IMAP provider settings.
type Config struct {
	// DialTimeout bounds connection establishment.
	DialTimeout time.Duration
}

// Provider implements poll-based email ingestion over IMAP.
type Provider struct {
	dial        dialFunc
	dialTimeout time.Duration
}

// New creates the IMAP provider.
func New(cfg Config) *Provider {
	timeout := cfg.DialTimeout
	if timeout <= 0 {
		timeout = defaultDialTimeout
	}
	return &Provider{dial: dialIMAP, dialTimeout: timeout}
}

func (p *Provider) Name() string { return Name }

func (p *Provider) Capabilities() providers.Capabilities {
	return providers.Capabilities{
		RequiresOAuth: false,
		Transport:     providers.TransportPoll,
		Kind:          models.ChannelKindEmail,
	}
}

// connect dials and authenticates, returning the live session. The caller
// must Logout.
func (p *Provider) connect(ctx context.Context, cred *models.Credential) (session, error) {
	if cred.Host == "" || cred.Username == "" || cred.Password == "" {
		return nil, providers.ErrInvalidInput("imap credentials require host, username, and password", nil)
	}
	port := cred.Port
	if port == 0 {
		port = defaultPort
	}
	dialCtx, cancel := context.WithTimeout(ctx, p.dialTimeout)
	defer cancel()
	sess, err := p.dial(dialCtx, cred.Host, port)
	if err != nil {
		return nil, providers.ErrConnection(fmt.Sprintf("imap dial %s:%d failed", cred.Host, port), err)
	}
	if err := sess.Login(cred.Username, cred.Password); err != nil {
		sess.Logout()
		return nil, providers.ErrAuthorization("imap login rejected", err)
	}
	return sess, nil
}

// TestConnection dials, authenticates, and disconnects.
func (p *Provider) TestConnection(ctx context.Context, cred *models.Credential) error {
	sess, err := p.connect(ctx, cred)
	if err != nil {
		return err
	}
	return sess.Logout()
}

// ListTargets lists the mailboxes on the server.
func (p *Provider) ListTargets(ctx context.Context, cred *models.Credential) ([]providers.Target, error) {
	sess, err := p.connect(ctx, cred)
	if err != nil {
		return nil, err
	}
	defer sess.Logout()

	names, err := sess.ListMailboxes()
	if err != nil {
		return nil, providers.ErrSync("list mailboxes failed", err)
	}
	targets := make([]providers.Target, 0, len(names))
	for _, name := range names {
		targets = append(targets, providers.Target{ID: name, Name: name})
	}
	return targets, nil
}

// FetchSince returns messages newer than since from the given mailbox,
// oldest first. The IMAP SINCE criterion is date-granular, so the server's
// answer is re-filtered against the exact instant client-side.
func (p *Provider) FetchSince(ctx context.Context, cred *models.Credential, folder string, since time.Time, limit int) ([]*models.InboundMessage, error) {
	sess, err := p.connect(ctx, cred)
	if err != nil {
		return nil, err
	}
	defer sess.Logout()

	if err := sess.Select(folder); err != nil {
		return nil, providers.ErrSync(fmt.Sprintf("select mailbox %q failed", folder), err)
	}
	uids, err := sess.SearchSince(since)
	if err != nil {
		return nil, providers.ErrSync("uid search failed", err)
	}
	if len(uids) == 0 {
		return nil, nil
	}
	fetched, err := sess.FetchMessages(uids)
	if err != nil {
		return nil, providers.ErrSync("fetch failed", err)
	}

	sort.Slice(fetched, func(i, j int) bool {
		return fetched[i].InternalDate.Before(fetched[j].InternalDate)
	})

	var messages []*models.InboundMessage
	for _, m := range fetched {
		if !m.InternalDate.After(since) {
			continue
		}
		if limit > 0 && len(messages) >= limit {
			break
		}
		externalID := m.MessageID
		if externalID == "" {
			externalID = fmt.Sprintf("imap-uid-%d", m.UID)
		}
		messages = append(messages, &models.InboundMessage{
			ExternalID:  externalID,
			ProviderRef: strconv.FormatUint(uint64(m.UID), 10),
			Folder:      folder,
			Sender:      models.Sender{Address: m.FromAddress, DisplayName: m.FromName},
			Subject:     m.Subject,
			Body:        m.Body,
			ReceivedAt:  m.InternalDate.UTC(),
		})
	}
	return messages, nil
}

// Dispose applies the post-processing action to a fetched message. The
// message's ProviderRef carries the IMAP UID assigned at fetch time.
func (p *Provider) Dispose(ctx context.Context, cred *models.Credential, msg *models.InboundMessage, action models.PostProcessAction, target string) error {
	if action == models.PostProcessLeave {
		return nil
	}
	uid64, err := strconv.ParseUint(msg.ProviderRef, 10, 32)
	if err != nil {
		return providers.ErrInvalidInput(fmt.Sprintf("message %s carries no imap uid", msg.ExternalID), err)
	}
	uid := uint32(uid64)

	sess, err := p.connect(ctx, cred)
	if err != nil {
		return err
	}
	defer sess.Logout()

	if err := sess.Select(msg.Folder); err != nil {
		return providers.ErrSync(fmt.Sprintf("select mailbox %q failed", msg.Folder), err)
	}
	switch action {
	case models.PostProcessMove:
		if err := sess.Move(uid, target); err != nil {
			return providers.ErrSync(fmt.Sprintf("move uid %d to %q failed", uid, target), err)
		}
	case models.PostProcessDelete:
		if err := sess.Delete(uid); err != nil {
			return providers.ErrSync(fmt.Sprintf("delete uid %d failed", uid), err)
		}
	}
	return nil
}

// imapSession adapts go-imap's client to the session interface.
type imapSession struct {
	client *imapclient.Client
}

func dialIMAP(ctx context.Context, host string, port int) (session, error) {
	addr := net.JoinHostPort(host, strconv.Itoa(port))
	var client *imapclient.Client
	var err error
	// Port 143 is the plaintext port upgraded via STARTTLS; everything
	// else is implicit TLS.
	if port == 143 {
		client, err = imapclient.DialStartTLS(addr, nil)
	} else {
		client, err = imapclient.DialTLS(addr, nil)
	}
	if err != nil {
		return nil, err
	}
	return &imapSession{client: client}, nil
}

func (s *imapSession) Login(username, password string) error {
	return s.client.Login(username, password).Wait()
}

func (s *imapSession) ListMailboxes() ([]string, error) {
	boxes, err := s.client.List("", "*", nil).Collect()
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(boxes))
	for _, box := range boxes {
		names = append(names, box.Mailbox)
	}
	return names, nil
}

func (s *imapSession) Select(mailbox string) error {
	_, err := s.client.Select(mailbox, nil).Wait()
	return err
}

func (s *imapSession) SearchSince(since time.Time) ([]uint32, error) {
	data, err := s.client.UIDSearch(&imap.SearchCriteria{Since: since}, nil).Wait()
	if err != nil {
		return nil, err
	}
	var uids []uint32
	for _, uid := range data.AllUIDs() {
		uids = append(uids, uint32(uid))
	}
	return uids, nil
}

func (s *imapSession) FetchMessages(uids []uint32) ([]fetchedMessage, error) {
	var set imap.UIDSet
	for _, uid := range uids {
		set.AddNum(imap.UID(uid))
	}
	section := &imap.FetchItemBodySection{Specifier: imap.PartSpecifierText}
	options := &imap.FetchOptions{
		UID:          true,
		Envelope:     true,
		InternalDate: true,
		BodySection:  []*imap.FetchItemBodySection{section},
	}
	bufs, err := s.client.Fetch(set, options).Collect()
	if err != nil {
		return nil, err
	}

	messages := make([]fetchedMessage, 0, len(bufs))
	for _, buf := range bufs {
		m := fetchedMessage{
			UID:          uint32(buf.UID),
			InternalDate: buf.InternalDate,
			Body:         string(buf.FindBodySection(section)),
		}
		if env := buf.Envelope; env != nil {
			m.MessageID = env.MessageID
			m.Subject = env.Subject
			if len(env.From) > 0 {
				m.FromAddress = env.From[0].Addr()
				m.FromName = env.From[0].Name
			}
		}
		messages = append(messages, m)
	}
	return messages, nil
}

func (s *imapSession) Move(uid uint32, mailbox string) error {
	_, err := s.client.Move(imap.UIDSetNum(imap.UID(uid)), mailbox).Wait()
	return err
}

func (s *imapSession) Delete(uid uint32) error {
	set := imap.UIDSetNum(imap.UID(uid))
	store := &imap.StoreFlags{
		Op:     imap.StoreFlagsAdd,
		Silent: true,
		Flags:  []imap.Flag{imap.FlagDeleted},
	}
	if err := s.client.Store(set, store, nil).Close(); err != nil {
		return err
	}
	return s.client.Expunge().Close()
}

func (s *imapSession) Logout() error {
	return s.client.Logout().Wait()
}
