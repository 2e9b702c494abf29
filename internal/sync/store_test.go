package sync

import (
	"context"
	"fmt"
	stdsync "sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gigport/messaging-sync/internal/compress"
	"github.com/gigport/messaging-sync/internal/convid"
	"github.com/gigport/messaging-sync/internal/model"
	"github.com/gigport/messaging-sync/internal/validate"
	apperrors "github.com/gigport/messaging-sync/pkg/errors"
	"github.com/gigport/messaging-sync/pkg/logger"
)

const (
	clientID      = "11111111-1111-1111-1111-111111111111"
	freelanceID   = "22222222-2222-2222-2222-222222222222"
	outsiderID    = "33333333-3333-3333-3333-333333333333"
	convID        = "aaaaaaaa-aaaa-aaaa-aaaa-aaaaaaaaaaaa"
	convBID       = "bbbbbbbb-bbbb-bbbb-bbbb-bbbbbbbbbbbb"
	orderID       = "99999999-9999-9999-9999-999999999999"
	createdConvID = "cccccccc-cccc-cccc-cccc-cccccccccccc"
)

func orderThread() string { return convid.OrderThreadID(orderID) }

type createdConversation struct {
	participantIDs []string
	content        string
	senderID       string
}

// fakeGateway is an in-memory Gateway. Messages are keyed by thread id
// in the same form the conversation list uses.
type fakeGateway struct {
	mu stdsync.Mutex

	pingErr   error
	listErr   error
	insertErr error
	markErr   error
	markByErr error

	roles    map[string]model.Role
	profiles map[string]model.UserProfile
	convs    []model.Conversation
	parts    map[string][]model.Participant
	msgs     map[string][]model.Message
	orders   []model.OrderSummary

	beforeListMessages func(ref convid.ParentRef)

	incrementRefs  []convid.ParentRef
	markReadRefs   []convid.ParentRef
	markedByID     [][]string
	lastMsgUpdates []string
	created        *createdConversation
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		roles: map[string]model.Role{
			clientID:    model.RoleClient,
			freelanceID: model.RoleFreelance,
			outsiderID:  model.RoleClient,
		},
		profiles: map[string]model.UserProfile{
			clientID:    {ID: clientID, Username: "claire", Role: model.RoleClient},
			freelanceID: {ID: freelanceID, Username: "felix", Role: model.RoleFreelance},
			outsiderID:  {ID: outsiderID, Username: "otto", Role: model.RoleClient},
		},
		parts: map[string][]model.Participant{},
		msgs:  map[string][]model.Message{},
	}
}

func (g *fakeGateway) Ping(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.pingErr
}

func (g *fakeGateway) GetUserRole(ctx context.Context, userID string) (model.Role, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	role, ok := g.roles[userID]
	if !ok {
		return "", fmt.Errorf("unknown user %s", userID)
	}
	return role, nil
}

func (g *fakeGateway) GetUserProfile(ctx context.Context, userID string) (*model.UserProfile, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	p, ok := g.profiles[userID]
	if !ok {
		return nil, nil
	}
	out := p
	return &out, nil
}

func (g *fakeGateway) ListConversationsForUser(ctx context.Context, userID string) ([]model.Conversation, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.listErr != nil {
		return nil, g.listErr
	}
	var out []model.Conversation
	for _, c := range g.convs {
		for _, p := range g.parts[c.ID] {
			if p.ID == userID {
				out = append(out, c)
				break
			}
		}
	}
	return out, nil
}

func (g *fakeGateway) ListParticipants(ctx context.Context, conversationIDs []string) (map[string][]model.Participant, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := map[string][]model.Participant{}
	for _, id := range conversationIDs {
		out[id] = append([]model.Participant(nil), g.parts[id]...)
	}
	return out, nil
}

func (g *fakeGateway) GetMessage(ctx context.Context, messageID string) (*model.Message, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, msgs := range g.msgs {
		for _, m := range msgs {
			if m.ID == messageID {
				out := m
				return &out, nil
			}
		}
	}
	return nil, nil
}

func (g *fakeGateway) ListMessagesByParent(ctx context.Context, ref convid.ParentRef) ([]model.Message, error) {
	g.mu.Lock()
	hook := g.beforeListMessages
	g.mu.Unlock()
	if hook != nil {
		hook(ref)
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]model.Message(nil), g.msgs[ref.ThreadID()]...), nil
}

func (g *fakeGateway) InsertMessage(ctx context.Context, msg *model.Message) (*model.Message, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.insertErr != nil {
		return nil, g.insertErr
	}
	stored := *msg
	key := convid.ForMessage(&stored).ThreadID()
	g.msgs[key] = append(g.msgs[key], stored)
	out := stored
	return &out, nil
}

func (g *fakeGateway) UpdateConversationLastMessage(ctx context.Context, conversationID, messageID string, at time.Time) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.lastMsgUpdates = append(g.lastMsgUpdates, conversationID)
	for i := range g.convs {
		if g.convs[i].ID == conversationID {
			g.convs[i].LastMessageID = messageID
			g.convs[i].LastMessageAt = at
		}
	}
	return nil
}

func (g *fakeGateway) IncrementUnread(ctx context.Context, ref convid.ParentRef, senderID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.incrementRefs = append(g.incrementRefs, ref)
	return nil
}

func (g *fakeGateway) MarkMessagesRead(ctx context.Context, ref convid.ParentRef, userID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.markErr != nil {
		return g.markErr
	}
	g.markReadRefs = append(g.markReadRefs, ref)
	key := ref.ThreadID()
	for i := range g.msgs[key] {
		if g.msgs[key][i].SenderID != userID {
			g.msgs[key][i].Read = true
		}
	}
	for i, p := range g.parts[ref.ThreadID()] {
		if p.ID == userID {
			g.parts[ref.ThreadID()][i].UnreadCount = 0
		}
	}
	return nil
}

func (g *fakeGateway) MarkMessagesReadByID(ctx context.Context, ref convid.ParentRef, userID string, messageIDs []string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.markByErr != nil {
		return g.markByErr
	}
	g.markedByID = append(g.markedByID, append([]string(nil), messageIDs...))
	wanted := map[string]bool{}
	for _, id := range messageIDs {
		wanted[id] = true
	}
	key := ref.ThreadID()
	for i := range g.msgs[key] {
		if wanted[g.msgs[key][i].ID] && g.msgs[key][i].SenderID != userID {
			g.msgs[key][i].Read = true
		}
	}
	return nil
}

func (g *fakeGateway) CreateConversationWithMessage(ctx context.Context, participantIDs []string, content, senderID string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.created = &createdConversation{
		participantIDs: append([]string(nil), participantIDs...),
		content:        content,
		senderID:       senderID,
	}
	return createdConvID, nil
}

func (g *fakeGateway) ListOrdersForParty(ctx context.Context, userID string, role model.Role) ([]model.OrderSummary, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []model.OrderSummary
	for _, o := range g.orders {
		if role == model.RoleFreelance && o.FreelancerID == userID {
			out = append(out, o)
		}
		if role == model.RoleClient && o.ClientID == userID {
			out = append(out, o)
		}
	}
	return out, nil
}

func (g *fakeGateway) GetOrder(ctx context.Context, id string) (*model.OrderSummary, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, o := range g.orders {
		if o.ID == id {
			out := o
			return &out, nil
		}
	}
	return nil, nil
}

func (g *fakeGateway) CountUnreadForOrder(ctx context.Context, id, userID string) (int, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	count := 0
	for _, m := range g.msgs[convid.OrderThreadID(id)] {
		if m.SenderID != userID && !m.Read {
			count++
		}
	}
	return count, nil
}

func (g *fakeGateway) LatestMessageForOrder(ctx context.Context, id string) (*model.Message, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	msgs := g.msgs[convid.OrderThreadID(id)]
	if len(msgs) == 0 {
		return nil, nil
	}
	out := msgs[len(msgs)-1]
	return &out, nil
}

type fakeTyping struct {
	mu     stdsync.Mutex
	events []model.TypingEvent
}

func (f *fakeTyping) PublishTyping(ctx context.Context, ev model.TypingEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, ev)
	return nil
}

func (f *fakeTyping) published() []model.TypingEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]model.TypingEvent(nil), f.events...)
}

func newTestStore(t *testing.T, userID string, gw *fakeGateway, opts ...Option) (*Store, *fakeTyping) {
	t.Helper()
	typing := &fakeTyping{}
	s := NewStore(userID, gw, typing, validate.New(), logger.Nop(), opts...)
	t.Cleanup(s.Close)
	return s, typing
}

// participant builds a participant row from a known profile.
func (g *fakeGateway) participant(userID string, unread int) model.Participant {
	return model.Participant{UserProfile: g.profiles[userID], UnreadCount: unread}
}

func (g *fakeGateway) addExplicitConversation(id string, unreadByUser map[string]int) {
	g.convs = append(g.convs, model.Conversation{ID: id, Kind: model.KindExplicit, CreatedAt: time.Now()})
	for userID, unread := range unreadByUser {
		g.parts[id] = append(g.parts[id], g.participant(userID, unread))
	}
}

func (g *fakeGateway) addOrder(title string) {
	g.orders = append(g.orders, model.OrderSummary{
		ID:           orderID,
		Title:        title,
		ClientID:     clientID,
		FreelancerID: freelanceID,
		CreatedAt:    time.Now(),
		UpdatedAt:    time.Now(),
	})
}

func (g *fakeGateway) addOrderMessage(id, senderID, content string, read bool) {
	key := convid.OrderThreadID(orderID)
	g.msgs[key] = append(g.msgs[key], model.Message{
		ID:        id,
		OrderID:   orderID,
		SenderID:  senderID,
		Content:   content,
		Read:      read,
		CreatedAt: time.Now(),
	})
}

func findConv(convs []model.Conversation, id string) *model.Conversation {
	for i := range convs {
		if convs[i].ID == id {
			return &convs[i]
		}
	}
	return nil
}

func TestFetchConversationsMergesOrderThreads(t *testing.T) {
	gw := newFakeGateway()
	gw.addOrder("Logo design")
	gw.addOrderMessage("m1", freelanceID, "Bonjour", false)

	s, _ := newTestStore(t, clientID, gw)
	if err := s.FetchConversations(context.Background(), clientID); err != nil {
		t.Fatalf("FetchConversations: %v", err)
	}

	state := s.Snapshot()
	conv := findConv(state.Conversations, orderThread())
	if conv == nil {
		t.Fatalf("order thread %s missing from %v", orderThread(), state.Conversations)
	}
	if conv.Kind != model.KindOrder {
		t.Errorf("kind = %s, want %s", conv.Kind, model.KindOrder)
	}
	if conv.OrderTitle != "Logo design" {
		t.Errorf("order title = %q", conv.OrderTitle)
	}
	if len(conv.Participants) != 1 || conv.Participants[0].ID != freelanceID {
		t.Fatalf("participants = %+v, want single counterpart %s", conv.Participants, freelanceID)
	}
	// The counterpart row carries the caller's unread count.
	if got := conv.Participants[0].UnreadCount; got != 1 {
		t.Errorf("unread = %d, want 1", got)
	}
	if conv.LastMessage == nil || conv.LastMessage.Content != "Bonjour" {
		t.Errorf("last message = %+v, want Bonjour", conv.LastMessage)
	}
}

func TestFetchConversationsClientRoleFilter(t *testing.T) {
	gw := newFakeGateway()
	gw.addExplicitConversation(convID, map[string]int{clientID: 0, freelanceID: 0})
	gw.addExplicitConversation(convBID, map[string]int{clientID: 0, outsiderID: 0})

	s, _ := newTestStore(t, clientID, gw)
	if err := s.FetchConversations(context.Background(), clientID); err != nil {
		t.Fatalf("FetchConversations: %v", err)
	}

	state := s.Snapshot()
	if findConv(state.Conversations, convID) == nil {
		t.Errorf("conversation with freelancer counterpart was filtered out")
	}
	if findConv(state.Conversations, convBID) != nil {
		t.Errorf("client-to-client conversation should not be visible to a client")
	}

	// A freelancer sees everything they participate in.
	fs, _ := newTestStore(t, freelanceID, gw)
	if err := fs.FetchConversations(context.Background(), freelanceID); err != nil {
		t.Fatalf("FetchConversations: %v", err)
	}
	if findConv(fs.Snapshot().Conversations, convID) == nil {
		t.Errorf("freelancer cannot see their own conversation")
	}
}

func TestFetchConversationsRejectsOtherUser(t *testing.T) {
	gw := newFakeGateway()
	s, _ := newTestStore(t, clientID, gw)

	err := s.FetchConversations(context.Background(), freelanceID)
	if !apperrors.Is(err, apperrors.CodePermissionDenied) {
		t.Fatalf("err = %v, want %s", err, apperrors.CodePermissionDenied)
	}
	if s.Snapshot().Err == "" {
		t.Errorf("state error not set")
	}
}

func TestFetchConversationsFailureResetsList(t *testing.T) {
	gw := newFakeGateway()
	gw.addExplicitConversation(convID, map[string]int{clientID: 0, freelanceID: 0})

	s, _ := newTestStore(t, clientID, gw)
	if err := s.FetchConversations(context.Background(), clientID); err != nil {
		t.Fatalf("FetchConversations: %v", err)
	}
	if len(s.Snapshot().Conversations) != 1 {
		t.Fatalf("setup fetch did not populate list")
	}

	gw.mu.Lock()
	gw.pingErr = fmt.Errorf("connection refused")
	gw.mu.Unlock()

	err := s.FetchConversations(context.Background(), clientID)
	if !apperrors.Is(err, apperrors.CodePersistenceError) {
		t.Fatalf("err = %v, want %s", err, apperrors.CodePersistenceError)
	}

	state := s.Snapshot()
	if len(state.Conversations) != 0 {
		t.Errorf("conversations = %d entries, want reset to empty", len(state.Conversations))
	}
	if state.Err == "" {
		t.Errorf("state error not set")
	}
	if state.IsLoading {
		t.Errorf("still loading after failure")
	}
}

func TestFetchConversationsCompressesLargeLists(t *testing.T) {
	gw := newFakeGateway()
	for i := 0; i <= compress.ConversationThreshold; i++ {
		id := fmt.Sprintf("dddddddd-dddd-dddd-dddd-%012d", i)
		gw.addExplicitConversation(id, map[string]int{freelanceID: 3, clientID: 0})
	}

	s, _ := newTestStore(t, freelanceID, gw)
	if err := s.FetchConversations(context.Background(), freelanceID); err != nil {
		t.Fatalf("FetchConversations: %v", err)
	}

	state := s.Snapshot()
	if len(state.Conversations) != compress.ConversationThreshold+1 {
		t.Fatalf("len = %d, want %d", len(state.Conversations), compress.ConversationThreshold+1)
	}
	for _, c := range state.Conversations {
		if !c.Compressed {
			t.Fatalf("conversation %s not compressed", c.ID)
		}
		for _, p := range c.Participants {
			if p.Role != "" {
				t.Errorf("compressed participant kept role %q", p.Role)
			}
			if p.ID == freelanceID && p.UnreadCount != 3 {
				t.Errorf("unread count lost in compression: %d", p.UnreadCount)
			}
		}
	}
}

func TestFetchMessagesCompressesLargeThreads(t *testing.T) {
	gw := newFakeGateway()
	gw.addOrder("Logo design")
	for i := 0; i <= compress.MessageThreshold; i++ {
		gw.addOrderMessage(fmt.Sprintf("m%d", i), clientID, fmt.Sprintf("msg %d", i), true)
	}

	s, _ := newTestStore(t, freelanceID, gw)
	if err := s.FetchMessages(context.Background(), orderThread()); err != nil {
		t.Fatalf("FetchMessages: %v", err)
	}

	state := s.Snapshot()
	if len(state.Messages) != compress.MessageThreshold+1 {
		t.Fatalf("len = %d, want %d: compression must not drop messages", len(state.Messages), compress.MessageThreshold+1)
	}
	for _, m := range state.Messages {
		if m.Content == "" {
			t.Errorf("message %s lost content", m.ID)
		}
	}
}

func TestAppendPastThresholdCompresses(t *testing.T) {
	gw := newFakeGateway()
	gw.addOrder("Logo design")
	key := orderThread()
	for i := 0; i < compress.MessageThreshold; i++ {
		gw.msgs[key] = append(gw.msgs[key], model.Message{
			ID:       fmt.Sprintf("m%d", i),
			OrderID:  orderID,
			SenderID: clientID,
			Content:  fmt.Sprintf("msg %d", i),
			Read:     true,
			Sender:   &model.UserProfile{ID: clientID, Username: "claire", Role: model.RoleClient},
		})
	}

	s, _ := newTestStore(t, freelanceID, gw)
	if err := s.FetchMessages(context.Background(), key); err != nil {
		t.Fatalf("FetchMessages: %v", err)
	}

	// Exactly at the threshold nothing is compressed yet.
	state := s.Snapshot()
	if len(state.Messages) != compress.MessageThreshold {
		t.Fatalf("len = %d, want %d", len(state.Messages), compress.MessageThreshold)
	}
	if state.Messages[0].Sender == nil || state.Messages[0].Sender.Role != model.RoleClient {
		t.Fatalf("sender snapshot reduced below the threshold")
	}

	// A feed-merged insert pushes the thread past the threshold: the
	// whole slice must hold the reduced projection, not 31 full objects.
	echo := model.Message{
		ID:       "m30",
		OrderID:  orderID,
		SenderID: clientID,
		Content:  "one more",
		Sender:   &model.UserProfile{ID: clientID, Username: "claire", Role: model.RoleClient},
	}
	s.OnMessageEvent(model.MessageEvent{Op: model.RowOpInsert, Message: &echo})

	state = s.Snapshot()
	if len(state.Messages) != compress.MessageThreshold+1 {
		t.Fatalf("len = %d, want %d", len(state.Messages), compress.MessageThreshold+1)
	}
	for _, m := range state.Messages {
		if m.Sender != nil && m.Sender.Role != "" {
			t.Fatalf("message %s kept full sender snapshot past the threshold", m.ID)
		}
	}

	// The optimistic append on send stays compressed too.
	if err := s.SendMessage(context.Background(), key, freelanceID, "and another", nil); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	state = s.Snapshot()
	if len(state.Messages) != compress.MessageThreshold+2 {
		t.Fatalf("len = %d, want %d", len(state.Messages), compress.MessageThreshold+2)
	}
	for _, m := range state.Messages {
		if m.Sender != nil && m.Sender.Role != "" {
			t.Fatalf("message %s kept full sender snapshot past the threshold", m.ID)
		}
	}
}

func TestSnapshotIsolatedFromLaterCommits(t *testing.T) {
	gw := newFakeGateway()
	gw.addExplicitConversation(convID, map[string]int{clientID: 2, freelanceID: 0})

	s, _ := newTestStore(t, clientID, gw)
	if err := s.FetchConversations(context.Background(), clientID); err != nil {
		t.Fatalf("FetchConversations: %v", err)
	}

	snap := s.Snapshot()
	unreadIn := func(st State) int {
		conv := findConv(st.Conversations, convID)
		for _, p := range conv.Participants {
			if p.ID == clientID {
				return p.UnreadCount
			}
		}
		return -1
	}
	if got := unreadIn(snap); got != 2 {
		t.Fatalf("snapshot unread = %d, want 2", got)
	}

	// The mark-read reducer writes participant rows; a snapshot taken
	// earlier must not observe that write.
	if err := s.MarkAsRead(context.Background(), convID, clientID); err != nil {
		t.Fatalf("MarkAsRead: %v", err)
	}
	if got := unreadIn(snap); got != 2 {
		t.Errorf("earlier snapshot mutated by later commit: unread = %d", got)
	}
	if got := unreadIn(s.Snapshot()); got != 0 {
		t.Errorf("current unread = %d, want 0", got)
	}
}

func TestSupersededCommitNotApplied(t *testing.T) {
	s, _ := newTestStore(t, clientID, newFakeGateway())

	s.mu.Lock()
	s.generation++
	gen := s.generation
	s.mu.Unlock()

	// A newer fetch takes over after the older one captured its
	// generation but before it commits.
	s.mu.Lock()
	s.generation++
	current := s.generation
	s.mu.Unlock()

	if s.commitIfCurrent(gen, func(st *State) { st.Err = "stale result" }) {
		t.Fatalf("superseded commit was applied")
	}
	if got := s.Snapshot().Err; got != "" {
		t.Errorf("state error = %q, want untouched", got)
	}

	if !s.commitIfCurrent(current, func(st *State) { st.Err = "current result" }) {
		t.Fatalf("current-generation commit refused")
	}
	if got := s.Snapshot().Err; got != "current result" {
		t.Errorf("state error = %q, want %q", got, "current result")
	}
}

func TestFetchMessagesUnauthorizedLeavesMessages(t *testing.T) {
	gw := newFakeGateway()
	gw.addOrder("Logo design")
	gw.addOrderMessage("m1", clientID, "hello", false)
	gw.addExplicitConversation(convID, map[string]int{clientID: 0, outsiderID: 0})

	s, _ := newTestStore(t, freelanceID, gw)
	if err := s.FetchMessages(context.Background(), orderThread()); err != nil {
		t.Fatalf("FetchMessages: %v", err)
	}
	if len(s.Snapshot().Messages) != 1 {
		t.Fatalf("setup fetch did not populate messages")
	}

	// Not a participant of convID.
	err := s.FetchMessages(context.Background(), convID)
	if !apperrors.Is(err, apperrors.CodePermissionDenied) {
		t.Fatalf("err = %v, want %s", err, apperrors.CodePermissionDenied)
	}

	state := s.Snapshot()
	if len(state.Messages) != 1 || state.Messages[0].ID != "m1" {
		t.Errorf("unauthorized fetch disturbed message state: %+v", state.Messages)
	}
	if state.Err == "" {
		t.Errorf("state error not set")
	}
}

func TestFetchMessagesUnknownOrder(t *testing.T) {
	gw := newFakeGateway()
	s, _ := newTestStore(t, freelanceID, gw)

	err := s.FetchMessages(context.Background(), orderThread())
	if !apperrors.Is(err, apperrors.CodeNotFound) {
		t.Fatalf("err = %v, want %s", err, apperrors.CodeNotFound)
	}
}

func TestFetchMessagesSynthesizesOrderThread(t *testing.T) {
	gw := newFakeGateway()
	gw.addOrder("Logo design")
	gw.addOrderMessage("m1", clientID, "hello", false)

	// No prior FetchConversations: the active conversation must be
	// synthesized on the spot.
	s, _ := newTestStore(t, freelanceID, gw)
	if err := s.FetchMessages(context.Background(), orderThread()); err != nil {
		t.Fatalf("FetchMessages: %v", err)
	}

	state := s.Snapshot()
	if state.ActiveConversation == nil {
		t.Fatalf("no active conversation")
	}
	if state.ActiveConversation.Kind != model.KindOrder || state.ActiveConversation.OrderID != orderID {
		t.Errorf("active = %+v, want synthesized order thread", state.ActiveConversation)
	}
	if state.ActiveConversation.LastMessage == nil || state.ActiveConversation.LastMessage.Content != "hello" {
		t.Errorf("last message not derived from thread tail: %+v", state.ActiveConversation.LastMessage)
	}
	if len(state.ActiveConversation.Participants) != 1 || state.ActiveConversation.Participants[0].ID != clientID {
		t.Errorf("participants = %+v, want the client counterpart", state.ActiveConversation.Participants)
	}
}

func TestFetchMessagesStaleFetchDiscarded(t *testing.T) {
	gw := newFakeGateway()
	gw.addExplicitConversation(convID, map[string]int{clientID: 0, freelanceID: 0})
	gw.addExplicitConversation(convBID, map[string]int{clientID: 0, freelanceID: 0})
	gw.msgs[convID] = []model.Message{{ID: "a1", ConversationID: convID, SenderID: freelanceID, Content: "old"}}
	gw.msgs[convBID] = []model.Message{{ID: "b1", ConversationID: convBID, SenderID: freelanceID, Content: "new"}}

	entered := make(chan struct{})
	release := make(chan struct{})
	var calls int32
	gw.beforeListMessages = func(ref convid.ParentRef) {
		if atomic.AddInt32(&calls, 1) == 1 {
			close(entered)
			<-release
		}
	}

	s, _ := newTestStore(t, clientID, gw)

	done := make(chan error, 1)
	go func() { done <- s.FetchMessages(context.Background(), convID) }()
	<-entered

	// A second fetch supersedes the first while it is blocked.
	if err := s.FetchMessages(context.Background(), convBID); err != nil {
		t.Fatalf("FetchMessages: %v", err)
	}
	close(release)
	if err := <-done; err != nil {
		t.Fatalf("superseded fetch returned error: %v", err)
	}

	state := s.Snapshot()
	if state.ActiveConversation == nil || state.ActiveConversation.ID != convBID {
		t.Fatalf("active = %+v, want %s", state.ActiveConversation, convBID)
	}
	if len(state.Messages) != 1 || state.Messages[0].ID != "b1" {
		t.Errorf("stale fetch result overwrote the newer one: %+v", state.Messages)
	}
}

func TestSendMessageAppendsOnceWithFeedEcho(t *testing.T) {
	gw := newFakeGateway()
	gw.addExplicitConversation(convID, map[string]int{clientID: 0, freelanceID: 0})

	s, _ := newTestStore(t, clientID, gw)
	if err := s.FetchMessages(context.Background(), convID); err != nil {
		t.Fatalf("FetchMessages: %v", err)
	}
	if err := s.SendMessage(context.Background(), convID, clientID, "hi there", nil); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}

	state := s.Snapshot()
	if len(state.Messages) != 1 || state.Messages[0].Content != "hi there" {
		t.Fatalf("messages = %+v, want single optimistic append", state.Messages)
	}

	// The change feed echoes the insert back; it must not duplicate.
	sent := state.Messages[0]
	s.OnMessageEvent(model.MessageEvent{Op: model.RowOpInsert, Message: &sent})

	state = s.Snapshot()
	if len(state.Messages) != 1 {
		t.Errorf("feed echo duplicated the message: %d entries", len(state.Messages))
	}
}

func TestSendMessageFailureKeepsLocalState(t *testing.T) {
	gw := newFakeGateway()
	gw.addExplicitConversation(convID, map[string]int{clientID: 0, freelanceID: 0})
	gw.msgs[convID] = []model.Message{{ID: "m1", ConversationID: convID, SenderID: freelanceID, Content: "prior"}}

	s, _ := newTestStore(t, clientID, gw)
	if err := s.FetchMessages(context.Background(), convID); err != nil {
		t.Fatalf("FetchMessages: %v", err)
	}

	gw.mu.Lock()
	gw.insertErr = fmt.Errorf("disk full")
	gw.mu.Unlock()

	err := s.SendMessage(context.Background(), convID, clientID, "doomed", nil)
	if !apperrors.Is(err, apperrors.CodePersistenceError) {
		t.Fatalf("err = %v, want %s", err, apperrors.CodePersistenceError)
	}

	state := s.Snapshot()
	if len(state.Messages) != 1 || state.Messages[0].ID != "m1" {
		t.Errorf("failed send left optimistic state: %+v", state.Messages)
	}
	if state.Err == "" {
		t.Errorf("state error not set")
	}
}

func TestSendMessageRoutesByThreadKind(t *testing.T) {
	gw := newFakeGateway()
	gw.addOrder("Logo design")
	gw.addExplicitConversation(convID, map[string]int{freelanceID: 0, clientID: 0})

	s, _ := newTestStore(t, freelanceID, gw)

	if err := s.SendMessage(context.Background(), orderThread(), freelanceID, "Bonjour", nil); err != nil {
		t.Fatalf("SendMessage(order): %v", err)
	}
	if err := s.SendMessage(context.Background(), convID, freelanceID, "hello", nil); err != nil {
		t.Fatalf("SendMessage(explicit): %v", err)
	}

	gw.mu.Lock()
	defer gw.mu.Unlock()

	if len(gw.msgs[orderThread()]) != 1 || gw.msgs[orderThread()][0].OrderID != orderID {
		t.Errorf("order send stored wrong parent: %+v", gw.msgs[orderThread()])
	}
	if len(gw.msgs[convID]) != 1 || gw.msgs[convID][0].ConversationID != convID {
		t.Errorf("explicit send stored wrong parent: %+v", gw.msgs[convID])
	}

	// Only explicit conversations carry a last-message pointer to move.
	if len(gw.lastMsgUpdates) != 1 || gw.lastMsgUpdates[0] != convID {
		t.Errorf("last-message updates = %v, want only %s", gw.lastMsgUpdates, convID)
	}
	if len(gw.incrementRefs) != 2 {
		t.Fatalf("increment calls = %d, want 2", len(gw.incrementRefs))
	}
	if gw.incrementRefs[0].Kind != model.KindOrder || gw.incrementRefs[1].Kind != model.KindExplicit {
		t.Errorf("increment refs = %+v", gw.incrementRefs)
	}
}

func TestOrderUnreadVisibleToCounterpart(t *testing.T) {
	gw := newFakeGateway()
	gw.addOrder("Logo design")

	// Freelancer sends into the order thread, then the client syncs.
	fs, _ := newTestStore(t, freelanceID, gw)
	if err := fs.SendMessage(context.Background(), orderThread(), freelanceID, "Bonjour", nil); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}

	cs, _ := newTestStore(t, clientID, gw)
	if err := cs.FetchConversations(context.Background(), clientID); err != nil {
		t.Fatalf("FetchConversations: %v", err)
	}

	conv := findConv(cs.Snapshot().Conversations, orderThread())
	if conv == nil {
		t.Fatalf("client does not see the order thread")
	}
	if got := conv.Participants[0].UnreadCount; got != 1 {
		t.Errorf("client unread = %d, want 1", got)
	}
	if conv.LastMessage == nil || conv.LastMessage.Content != "Bonjour" {
		t.Errorf("last message = %+v", conv.LastMessage)
	}

	// Reading the thread zeroes the derived counter on the next sync.
	if err := cs.FetchMessages(context.Background(), orderThread()); err != nil {
		t.Fatalf("FetchMessages: %v", err)
	}
	if err := cs.MarkAsRead(context.Background(), orderThread(), clientID); err != nil {
		t.Fatalf("MarkAsRead: %v", err)
	}
	if err := cs.FetchConversations(context.Background(), clientID); err != nil {
		t.Fatalf("FetchConversations: %v", err)
	}
	conv = findConv(cs.Snapshot().Conversations, orderThread())
	if got := conv.Participants[0].UnreadCount; got != 0 {
		t.Errorf("unread after read = %d, want 0", got)
	}
}

func TestMarkAsReadIdempotent(t *testing.T) {
	gw := newFakeGateway()
	gw.addExplicitConversation(convID, map[string]int{clientID: 2, freelanceID: 0})
	gw.msgs[convID] = []model.Message{
		{ID: "m1", ConversationID: convID, SenderID: freelanceID, Content: "one"},
		{ID: "m2", ConversationID: convID, SenderID: freelanceID, Content: "two"},
	}

	s, _ := newTestStore(t, clientID, gw)
	if err := s.FetchConversations(context.Background(), clientID); err != nil {
		t.Fatalf("FetchConversations: %v", err)
	}
	if err := s.FetchMessages(context.Background(), convID); err != nil {
		t.Fatalf("FetchMessages: %v", err)
	}

	check := func() {
		t.Helper()
		state := s.Snapshot()
		conv := findConv(state.Conversations, convID)
		for _, p := range conv.Participants {
			if p.ID == clientID && p.UnreadCount != 0 {
				t.Errorf("unread = %d, want 0", p.UnreadCount)
			}
		}
		for _, m := range state.Messages {
			if m.SenderID != clientID && !m.Read {
				t.Errorf("message %s still unread", m.ID)
			}
		}
	}

	if err := s.MarkAsRead(context.Background(), convID, clientID); err != nil {
		t.Fatalf("MarkAsRead: %v", err)
	}
	check()

	// Second call must observe the exact same state.
	if err := s.MarkAsRead(context.Background(), convID, clientID); err != nil {
		t.Fatalf("MarkAsRead (repeat): %v", err)
	}
	check()
}

func TestMarkSpecificMessagesDerivesCounter(t *testing.T) {
	gw := newFakeGateway()
	gw.addExplicitConversation(convID, map[string]int{clientID: 3, freelanceID: 0})
	gw.msgs[convID] = []model.Message{
		{ID: "m1", ConversationID: convID, SenderID: freelanceID, Content: "one"},
		{ID: "m2", ConversationID: convID, SenderID: freelanceID, Content: "two"},
		{ID: "m3", ConversationID: convID, SenderID: freelanceID, Content: "three"},
		{ID: "m4", ConversationID: convID, SenderID: clientID, Content: "mine"},
	}

	s, _ := newTestStore(t, clientID, gw)
	if err := s.FetchConversations(context.Background(), clientID); err != nil {
		t.Fatalf("FetchConversations: %v", err)
	}
	if err := s.FetchMessages(context.Background(), convID); err != nil {
		t.Fatalf("FetchMessages: %v", err)
	}

	// m4 is the caller's own message: it must never be flipped or sent
	// to the gateway.
	if err := s.MarkSpecificMessagesAsRead(context.Background(), convID, clientID, []string{"m1", "m2", "m4"}); err != nil {
		t.Fatalf("MarkSpecificMessagesAsRead: %v", err)
	}

	state := s.Snapshot()
	conv := findConv(state.Conversations, convID)
	for _, p := range conv.Participants {
		if p.ID == clientID && p.UnreadCount != 1 {
			t.Errorf("derived unread = %d, want 1", p.UnreadCount)
		}
	}
	for _, m := range state.Messages {
		switch m.ID {
		case "m1", "m2":
			if !m.Read {
				t.Errorf("message %s not marked", m.ID)
			}
		case "m3":
			if m.Read {
				t.Errorf("message m3 marked without being requested")
			}
		}
	}

	gw.mu.Lock()
	defer gw.mu.Unlock()
	if len(gw.markedByID) != 1 {
		t.Fatalf("gateway calls = %d, want 1", len(gw.markedByID))
	}
	if got := gw.markedByID[0]; len(got) != 2 || got[0] != "m1" || got[1] != "m2" {
		t.Errorf("gateway received ids %v, want [m1 m2]", got)
	}
}

func TestCreateConversationValidation(t *testing.T) {
	tests := []struct {
		name         string
		participants []string
		message      string
		wantCode     string
	}{
		{
			name:         "empty initial message",
			participants: []string{clientID, freelanceID},
			message:      "   ",
			wantCode:     apperrors.CodeValidationFailed,
		},
		{
			name:         "single participant",
			participants: []string{clientID},
			message:      "hello",
			wantCode:     apperrors.CodeValidationFailed,
		},
		{
			name:         "duplicate participants collapse",
			participants: []string{clientID, clientID},
			message:      "hello",
			wantCode:     apperrors.CodeValidationFailed,
		},
		{
			name:         "caller not included",
			participants: []string{freelanceID, outsiderID},
			message:      "hello",
			wantCode:     apperrors.CodePermissionDenied,
		},
		{
			name:         "malformed participant id",
			participants: []string{clientID, "not-a-uuid"},
			message:      "hello",
			wantCode:     apperrors.CodeValidationFailed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gw := newFakeGateway()
			s, _ := newTestStore(t, clientID, gw)

			id, err := s.CreateConversation(context.Background(), tt.participants, tt.message)
			if id != "" {
				t.Errorf("id = %q, want empty on failure", id)
			}
			if !apperrors.Is(err, tt.wantCode) {
				t.Errorf("err = %v, want %s", err, tt.wantCode)
			}
			gw.mu.Lock()
			created := gw.created
			gw.mu.Unlock()
			if created != nil {
				t.Errorf("gateway write happened despite validation failure")
			}
		})
	}
}

func TestCreateConversationCensorsContent(t *testing.T) {
	gw := newFakeGateway()
	s, _ := newTestStore(t, clientID, gw)

	id, err := s.CreateConversation(context.Background(), []string{clientID, freelanceID}, "get free money now")
	if err != nil {
		t.Fatalf("CreateConversation: %v", err)
	}
	if id != createdConvID {
		t.Errorf("id = %q, want %q", id, createdConvID)
	}

	gw.mu.Lock()
	defer gw.mu.Unlock()
	if gw.created == nil {
		t.Fatalf("no gateway write")
	}
	want := "get ********** now [moderated]"
	if gw.created.content != want {
		t.Errorf("stored content = %q, want %q", gw.created.content, want)
	}
	if gw.created.senderID != clientID {
		t.Errorf("sender = %q", gw.created.senderID)
	}
}

func TestSetIsTypingPublishesAndResets(t *testing.T) {
	gw := newFakeGateway()
	s, typing := newTestStore(t, clientID, gw, WithTypingResetDelay(20*time.Millisecond))

	s.SetIsTyping(context.Background(), convID, clientID, true)
	if !s.Snapshot().IsTyping[clientID] {
		t.Fatalf("local typing flag not set")
	}

	events := typing.published()
	if len(events) != 1 || events[0].ConversationID != convID || !events[0].IsTyping {
		t.Fatalf("published = %+v", events)
	}

	s.SetIsTyping(context.Background(), convID, clientID, false)
	if s.Snapshot().IsTyping[clientID] {
		t.Errorf("typing flag still set after stop")
	}

	// The safety reset re-broadcasts the stop signal in case the first
	// one was lost in transit.
	deadline := time.After(time.Second)
	for len(typing.published()) < 3 {
		select {
		case <-deadline:
			t.Fatalf("stop broadcast never resent: %+v", typing.published())
		case <-time.After(5 * time.Millisecond):
		}
	}
	events = typing.published()
	last := events[len(events)-1]
	if last.IsTyping || last.ConversationID != convID || last.UserID != clientID {
		t.Errorf("resent broadcast = %+v, want stop signal for %s", last, convID)
	}
}

func TestOnTypingFiltersAndExpires(t *testing.T) {
	gw := newFakeGateway()
	gw.addExplicitConversation(convID, map[string]int{clientID: 0, freelanceID: 0})

	s, _ := newTestStore(t, clientID, gw, WithTypingTTL(30*time.Millisecond))
	if err := s.FetchMessages(context.Background(), convID); err != nil {
		t.Fatalf("FetchMessages: %v", err)
	}

	// Own echo on the shared channel is ignored.
	s.OnTyping(model.TypingEvent{ConversationID: convID, UserID: clientID, IsTyping: true})
	if s.Snapshot().IsTyping[clientID] {
		t.Errorf("own echo set the typing flag")
	}

	// Another conversation's signal is dropped.
	s.OnTyping(model.TypingEvent{ConversationID: convBID, UserID: freelanceID, IsTyping: true})
	if s.Snapshot().IsTyping[freelanceID] {
		t.Errorf("cross-conversation signal leaked in")
	}

	// A matching signal sets the flag, and the TTL clears it when no
	// stop signal ever arrives.
	s.OnTyping(model.TypingEvent{ConversationID: convID, UserID: freelanceID, IsTyping: true})
	if !s.Snapshot().IsTyping[freelanceID] {
		t.Fatalf("typing flag not set")
	}

	deadline := time.After(time.Second)
	for s.Snapshot().IsTyping[freelanceID] {
		select {
		case <-deadline:
			t.Fatalf("typing flag never expired")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestSubscribeObservesCommits(t *testing.T) {
	gw := newFakeGateway()
	gw.addExplicitConversation(convID, map[string]int{clientID: 0, freelanceID: 0})

	s, _ := newTestStore(t, clientID, gw)

	var mu stdsync.Mutex
	var seen []int
	unsubscribe := s.Subscribe(func(st State) {
		mu.Lock()
		seen = append(seen, len(st.Conversations))
		mu.Unlock()
	})

	if err := s.FetchConversations(context.Background(), clientID); err != nil {
		t.Fatalf("FetchConversations: %v", err)
	}

	mu.Lock()
	got := len(seen)
	final := 0
	if got > 0 {
		final = seen[got-1]
	}
	mu.Unlock()
	if got == 0 {
		t.Fatalf("listener never fired")
	}
	if final != 1 {
		t.Errorf("final observed list size = %d, want 1", final)
	}

	unsubscribe()
	if err := s.FetchConversations(context.Background(), clientID); err != nil {
		t.Fatalf("FetchConversations: %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(seen) != got {
		t.Errorf("listener fired after unsubscribe")
	}
}
