// ABOUTME: Conversation sync engine: records inbound and outbound messages per tenant
// ABOUTME: Upserts the conversation summary, then appends the message to its log

package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/2389/coven-inbox/internal/chat"
	"github.com/2389/coven-inbox/internal/dedupe"
	"github.com/2389/coven-inbox/internal/docstore"
	"github.com/2389/coven-inbox/internal/notify"
)

// ErrNotFound indicates the conversation does not exist.
var ErrNotFound = errors.New("conversation not found")

// Service records messages into tenant-scoped conversations. Callers must
// serialize calls per tenant; the session worker does this.
type Service struct {
	store     docstore.Store
	dedupe    *dedupe.Cache
	publisher notify.Publisher
	logger    *slog.Logger
	now       func() time.Time
}

// New creates a Service over store.
func New(store docstore.Store, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:  store,
		logger: logger.With("component", "conversation"),
		now:    time.Now,
	}
}

// SetDedupe enables dropping redelivered inbound messages that carry a
// network message id.
func (s *Service) SetDedupe(c *dedupe.Cache) {
	s.dedupe = c
}

// SetPublisher announces every appended message on p.
func (s *Service) SetPublisher(p notify.Publisher) {
	s.publisher = p
}

// HandleInbound records a message received from the network. Self-authored
// echoes are discarded since outbound messages are recorded at send time.
func (s *Service) HandleInbound(ctx context.Context, tenantID string, msg chat.InboundMessage, contacts chat.ContactDirectory) error {
	if msg.FromSelf {
		return nil
	}
	if msg.RemoteContactID == "" {
		return errors.New("inbound message has no remote contact")
	}
	var key string
	if s.dedupe != nil && msg.ID != "" {
		key = dedupe.MessageKey(tenantID, msg.ID)
		if s.dedupe.CheckAndMark(key) {
			s.logger.Debug("dropping redelivered message",
				"tenant_id", tenantID,
				"message_id", msg.ID,
			)
			return nil
		}
	}

	name, resolved := s.resolveName(ctx, tenantID, msg, contacts)
	if _, err := s.record(ctx, tenantID, msg.RemoteContactID, DirectionInbound, msg.Text, name, resolved); err != nil {
		if key != "" {
			// Not stored, so a redelivery must not be dropped.
			s.dedupe.Forget(key)
		}
		return err
	}
	return nil
}

// RecordOutbound records a message the tenant has already sent.
func (s *Service) RecordOutbound(ctx context.Context, tenantID, remoteContactID, text string) (*Message, error) {
	return s.record(ctx, tenantID, remoteContactID, DirectionOutbound, text, remoteContactID, false)
}

// resolveName looks up the author's display name, falling back to the
// remote contact id. resolved is false when the fallback was used.
func (s *Service) resolveName(ctx context.Context, tenantID string, msg chat.InboundMessage, contacts chat.ContactDirectory) (name string, resolved bool) {
	if msg.AuthorID == "" || contacts == nil {
		return msg.RemoteContactID, false
	}
	name, err := contacts.LookupContactName(ctx, msg.AuthorID)
	if err != nil {
		s.logger.Debug("contact lookup failed, using contact id",
			"tenant_id", tenantID,
			"author_id", msg.AuthorID,
			"error", err,
		)
		return msg.RemoteContactID, false
	}
	if name == "" {
		return msg.RemoteContactID, false
	}
	return name, true
}

// record upserts the conversation summary and appends the message.
func (s *Service) record(ctx context.Context, tenantID, remoteContactID string, dir Direction, text, name string, resolved bool) (*Message, error) {
	convPath, err := docstore.ConversationPath(tenantID, remoteContactID)
	if err != nil {
		return nil, fmt.Errorf("conversation path: %w", err)
	}
	msgsPath, err := docstore.MessagesPath(tenantID, remoteContactID)
	if err != nil {
		return nil, fmt.Errorf("messages path: %w", err)
	}

	existing, err := s.store.Get(ctx, convPath)
	if err != nil && !errors.Is(err, docstore.ErrNotFound) {
		return nil, fmt.Errorf("loading conversation: %w", err)
	}

	now := s.now()
	sentAt := docstore.FormatTime(now)
	fields := docstore.Fields{
		FieldLastMessageText: text,
		FieldLastMessageAt:   sentAt,
	}
	// A fallback name never replaces one already stored.
	if existing == nil || resolved || existing.String(FieldContactName) == "" {
		fields[FieldContactName] = name
	}
	if err := s.store.SetMerge(ctx, convPath, fields); err != nil {
		return nil, fmt.Errorf("upserting conversation: %w", err)
	}

	doc, err := s.store.Append(ctx, msgsPath, docstore.Fields{
		FieldDirection: string(dir),
		FieldText:      text,
		FieldSentAt:    sentAt,
	})
	if err != nil {
		return nil, fmt.Errorf("appending message: %w", err)
	}
	msg := messageFromDoc(doc)

	s.logger.Debug("message recorded",
		"tenant_id", tenantID,
		"remote_contact_id", remoteContactID,
		"direction", dir,
		"created", existing == nil,
	)

	s.publish(ctx, tenantID, remoteContactID, msg)
	return &msg, nil
}

func (s *Service) publish(ctx context.Context, tenantID, remoteContactID string, msg Message) {
	if s.publisher == nil {
		return
	}
	err := notify.PublishMessageAppended(ctx, s.publisher, notify.MessageAppended{
		TenantID:        tenantID,
		RemoteContactID: remoteContactID,
		MessageID:       msg.ID,
		Direction:       string(msg.Direction),
		Text:            msg.Text,
		SentAt:          msg.SentAt,
	})
	if err != nil {
		s.logger.Warn("failed to publish message notification", "tenant_id", tenantID, "error", err)
	}
}

// GetConversation returns one conversation summary.
func (s *Service) GetConversation(ctx context.Context, tenantID, remoteContactID string) (*Conversation, error) {
	path, err := docstore.ConversationPath(tenantID, remoteContactID)
	if err != nil {
		return nil, fmt.Errorf("conversation path: %w", err)
	}
	doc, err := s.store.Get(ctx, path)
	if errors.Is(err, docstore.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loading conversation: %w", err)
	}
	conv := conversationFromDoc(tenantID, doc)
	return &conv, nil
}

// ListConversations returns the tenant's conversations, most recent
// activity first. A limit <= 0 means no limit.
func (s *Service) ListConversations(ctx context.Context, tenantID string, limit int) ([]Conversation, error) {
	path, err := docstore.ConversationsPath(tenantID)
	if err != nil {
		return nil, fmt.Errorf("conversations path: %w", err)
	}
	docs, err := s.store.List(ctx, path, 0)
	if err != nil {
		return nil, fmt.Errorf("listing conversations: %w", err)
	}

	out := make([]Conversation, 0, len(docs))
	for _, doc := range docs {
		out = append(out, conversationFromDoc(tenantID, doc))
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].LastMessageAt.After(out[j].LastMessageAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ListMessages returns the latest messages of a conversation in the order
// they were recorded. A limit <= 0 means all messages.
func (s *Service) ListMessages(ctx context.Context, tenantID, remoteContactID string, limit int) ([]Message, error) {
	path, err := docstore.MessagesPath(tenantID, remoteContactID)
	if err != nil {
		return nil, fmt.Errorf("messages path: %w", err)
	}
	docs, err := s.store.List(ctx, path, 0)
	if err != nil {
		return nil, fmt.Errorf("listing messages: %w", err)
	}
	if limit > 0 && len(docs) > limit {
		docs = docs[len(docs)-limit:]
	}

	out := make([]Message, 0, len(docs))
	for _, doc := range docs {
		out = append(out, messageFromDoc(doc))
	}
	return out, nil
}
