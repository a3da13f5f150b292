package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/admp/relay/internal/envelope"
)

// MemStore is an in-process Store for tests and single-process dev use,
// grounded on the mutex-guarded map pattern the teacher's in-memory queue
// uses (internal/engine.Queue): one global mutex, per-agent FIFO order
// enforced by scanning all messages and picking the earliest CreatedAt
// rather than keeping a separate index.
// Concurrent pulls for a single recipient are serialized by the same lock
// that guards everything else — acceptable at the in-memory backend's
// scale (§4.1: "the in-memory backend uses a per-agent mutex").
type MemStore struct {
	mu sync.Mutex

	agents   map[string]*Agent
	messages map[string]*envelope.Record // by message id
	byIdem   map[string]string           // "recipient\x00idemKey" -> message id
	groups   map[string]*Group
	members  map[string]map[string]Member // groupID -> agentID -> Member
	history  map[string][]GroupHistoryEntry
	webhooks map[string]*WebhookAttempt // "messageID\x00agentID" -> attempt
}

// NewMemStore creates an empty MemStore.
func NewMemStore() *MemStore {
	return &MemStore{
		agents:   make(map[string]*Agent),
		messages: make(map[string]*envelope.Record),
		byIdem:   make(map[string]string),
		groups:   make(map[string]*Group),
		members:  make(map[string]map[string]Member),
		history:  make(map[string][]GroupHistoryEntry),
		webhooks: make(map[string]*WebhookAttempt),
	}
}

func idemKey(recipient, key string) string { return recipient + "\x00" + key }
func whKey(messageID, agentID string) string { return messageID + "\x00" + agentID }

func cloneAgent(a *Agent) *Agent {
	cp := *a
	cp.Keys = append([]KeyEntry(nil), a.Keys...)
	if a.Webhook != nil {
		wh := *a.Webhook
		cp.Webhook = &wh
	}
	if a.Policy != nil {
		p := *a.Policy
		p.TrustedSenders = append([]string(nil), a.Policy.TrustedSenders...)
		p.AllowedSubjects = append([]string(nil), a.Policy.AllowedSubjects...)
		cp.Policy = &p
	}
	cp.Metadata = make(map[string]string, len(a.Metadata))
	for k, v := range a.Metadata {
		cp.Metadata[k] = v
	}
	return &cp
}

func cloneRecord(r *envelope.Record) *envelope.Record {
	cp := *r
	return &cp
}

// CreateAgent inserts a new agent, failing with ErrConflict if the id exists.
func (m *MemStore) CreateAgent(ctx context.Context, a *Agent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.agents[a.ID]; ok {
		return ErrConflict
	}
	m.agents[a.ID] = cloneAgent(a)
	return nil
}

func (m *MemStore) GetAgent(ctx context.Context, id string) (*Agent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.agents[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneAgent(a), nil
}

func (m *MemStore) ListAgents(ctx context.Context) ([]*Agent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Agent, 0, len(m.agents))
	for _, a := range m.agents {
		out = append(out, cloneAgent(a))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemStore) UpdateHeartbeat(ctx context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.agents[id]
	if !ok {
		return ErrNotFound
	}
	a.LastHeartbeat = at
	return nil
}

func (m *MemStore) SetWebhook(ctx context.Context, id string, wh *WebhookConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.agents[id]
	if !ok {
		return ErrNotFound
	}
	a.Webhook = wh
	return nil
}

func (m *MemStore) SetPolicy(ctx context.Context, id string, p *Policy) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.agents[id]
	if !ok {
		return ErrNotFound
	}
	a.Policy = p
	return nil
}

func (m *MemStore) ApproveAgent(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.agents[id]
	if !ok {
		return ErrNotFound
	}
	a.Approved = true
	return nil
}

func (m *MemStore) DeregisterAgent(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.agents[id]; !ok {
		return ErrNotFound
	}
	delete(m.agents, id)
	return nil
}

func (m *MemStore) MarkOffline(ctx context.Context, ids []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range ids {
		if a, ok := m.agents[id]; ok {
			if a.Metadata == nil {
				a.Metadata = make(map[string]string)
			}
			a.Metadata["online"] = "false"
		}
	}
	return nil
}

func (m *MemStore) AppendKey(ctx context.Context, agentID string, k KeyEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.agents[agentID]
	if !ok {
		return ErrNotFound
	}
	a.Keys = append(a.Keys, k)
	return nil
}

func (m *MemStore) DeactivateKey(ctx context.Context, agentID string, publicKey []byte, deactivateAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.agents[agentID]
	if !ok {
		return ErrNotFound
	}
	for i := range a.Keys {
		if string(a.Keys[i].PublicKey) == string(publicKey) {
			a.Keys[i].Active = false
			a.Keys[i].DeactivateAt = deactivateAt
		}
	}
	return nil
}

func (m *MemStore) ActiveKeys(ctx context.Context, agentID string, at time.Time) ([]KeyEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.agents[agentID]
	if !ok {
		return nil, ErrNotFound
	}
	var out []KeyEntry
	for _, k := range a.Keys {
		if k.IsUsable(at) {
			out = append(out, k)
		}
	}
	return out, nil
}

// EnqueueMessage implements the atomic insert + idempotency check (§4.1).
func (m *MemStore) EnqueueMessage(ctx context.Context, rec *envelope.Record) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if rec.IdempotencyKey != "" {
		key := idemKey(rec.Recipient, rec.IdempotencyKey)
		if existingID, ok := m.byIdem[key]; ok {
			rec.ID = existingID
			existing := m.messages[existingID]
			*rec = *cloneRecord(existing)
			return true, nil
		}
	}
	if _, exists := m.messages[rec.ID]; exists {
		return false, ErrConflict
	}

	stored := cloneRecord(rec)
	m.messages[rec.ID] = stored
	if rec.IdempotencyKey != "" {
		m.byIdem[idemKey(rec.Recipient, rec.IdempotencyKey)] = rec.ID
	}
	return false, nil
}

func (m *MemStore) CountInbox(ctx context.Context, recipient string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, r := range m.messages {
		if r.Recipient == recipient && !r.Status.Terminal() {
			n++
		}
	}
	return n, nil
}

// PullLease atomically selects the oldest delivered, visible record for
// recipient and leases it. FIFO is by CreatedAt among candidates (§4.1,
// §4.4.2).
func (m *MemStore) PullLease(ctx context.Context, recipient string, visibilityTimeout time.Duration, now time.Time) (*envelope.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var best *envelope.Record
	for _, r := range m.messages {
		if r.Recipient != recipient || r.Status != envelope.StatusDelivered {
			continue
		}
		if !r.VisibleAt.IsZero() && r.VisibleAt.After(now) {
			continue
		}
		if best == nil || r.CreatedAt.Before(best.CreatedAt) {
			best = r
		}
	}
	if best == nil {
		return nil, nil
	}
	best.Status = envelope.StatusLeased
	best.LeasedBy = recipient
	best.LeaseUntil = now.Add(visibilityTimeout)
	return cloneRecord(best), nil
}

func (m *MemStore) Ack(ctx context.Context, recipient, messageID string, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.messages[messageID]
	if !ok {
		return ErrNotFound
	}
	if r.Recipient != recipient || r.Status != envelope.StatusLeased {
		return ErrWrongLeaseState
	}
	r.Status = envelope.StatusAcked
	r.AckedAt = now
	if r.Ephemeral {
		r.Body = nil
		r.Purged = true
	}
	return nil
}

func (m *MemStore) Nack(ctx context.Context, recipient, messageID string, opts NackOptions, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.messages[messageID]
	if !ok {
		return ErrNotFound
	}
	if r.Recipient != recipient || r.Status != envelope.StatusLeased {
		return ErrWrongLeaseState
	}
	if opts.DeadLetter {
		r.Status = envelope.StatusDead
		r.LastError = "dead_lettered_by_nack"
		return nil
	}
	r.Attempts++
	if opts.MaxAttempts > 0 && r.Attempts >= opts.MaxAttempts {
		r.Status = envelope.StatusDead
		r.LastError = "max_attempts_exceeded"
		return nil
	}
	r.Status = envelope.StatusDelivered
	r.LeasedBy = ""
	r.LeaseUntil = time.Time{}
	r.VisibleAt = now.Add(opts.Delay)
	return nil
}

func (m *MemStore) GetMessage(ctx context.Context, messageID string) (*envelope.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.messages[messageID]
	if !ok {
		return nil, ErrNotFound
	}
	if r.Purged && r.Status != envelope.StatusAcked {
		return cloneRecord(r), ErrGone
	}
	return cloneRecord(r), nil
}

// MarkWebhookFailed records that a webhook has exhausted its retry budget
// for a message (§4.6: "the record is marked failed with last_error"). The
// message itself stays in the inbox regardless — this only annotates it.
func (m *MemStore) MarkWebhookFailed(ctx context.Context, messageID, lastError string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.messages[messageID]
	if !ok {
		return ErrNotFound
	}
	r.LastError = lastError
	return nil
}

func (m *MemStore) Stats(ctx context.Context, agentID string, now time.Time) (Stats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := Stats{Counts: make(map[envelope.Status]int)}
	var oldest time.Time
	for _, r := range m.messages {
		if r.Recipient != agentID {
			continue
		}
		st.Counts[r.Status]++
		st.Total++
		if !r.Status.Terminal() && (oldest.IsZero() || r.CreatedAt.Before(oldest)) {
			oldest = r.CreatedAt
		}
	}
	if !oldest.IsZero() {
		st.OldestPendingAge = now.Sub(oldest)
	}
	return st, nil
}

// ReclaimExpiredLeases implements §4.4.6: leased+expired records past their
// lease either return to delivered with attempts++, or move to dead.
func (m *MemStore) ReclaimExpiredLeases(ctx context.Context, now time.Time, maxAttempts, batch int) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, r := range m.messages {
		if batch > 0 && n >= batch {
			break
		}
		if r.Status != envelope.StatusLeased || r.LeaseUntil.IsZero() || !r.LeaseUntil.Before(now) {
			continue
		}
		if r.Attempts+1 >= maxAttempts {
			r.Status = envelope.StatusDead
			r.LastError = "max_lease_attempts_exceeded"
		} else {
			r.Attempts++
			r.Status = envelope.StatusDelivered
			r.LeasedBy = ""
			r.LeaseUntil = time.Time{}
		}
		n++
	}
	return n, nil
}

// ExpireTTL implements §4.4.7.
func (m *MemStore) ExpireTTL(ctx context.Context, now time.Time, batch int) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, r := range m.messages {
		if batch > 0 && n >= batch {
			break
		}
		if r.Status.Terminal() {
			continue
		}
		if !r.IsExpired(now) {
			continue
		}
		r.Status = envelope.StatusExpired
		if r.Ephemeral {
			r.Body = nil
			r.Purged = true
		}
		n++
	}
	return n, nil
}

func (m *MemStore) CreateGroup(ctx context.Context, g *Group, creator Member) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.groups[g.ID]; ok {
		return ErrConflict
	}
	cp := *g
	m.groups[g.ID] = &cp
	m.members[g.ID] = map[string]Member{creator.AgentID: creator}
	return nil
}

func (m *MemStore) GetGroup(ctx context.Context, id string) (*Group, []Member, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.groups[id]
	if !ok {
		return nil, nil, ErrNotFound
	}
	cp := *g
	members := make([]Member, 0, len(m.members[id]))
	for _, mem := range m.members[id] {
		members = append(members, mem)
	}
	sort.Slice(members, func(i, j int) bool { return members[i].AgentID < members[j].AgentID })
	return &cp, members, nil
}

func (m *MemStore) AddMember(ctx context.Context, groupID string, mem Member) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.groups[groupID]
	if !ok {
		return ErrNotFound
	}
	members := m.members[groupID]
	if _, exists := members[mem.AgentID]; exists {
		return ErrAlreadyMember
	}
	if g.MaxMembers > 0 && len(members) >= g.MaxMembers {
		return ErrGroupFull
	}
	members[mem.AgentID] = mem
	return nil
}

func (m *MemStore) RemoveMember(ctx context.Context, groupID, agentID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	members, ok := m.members[groupID]
	if !ok {
		return ErrNotFound
	}
	if _, exists := members[agentID]; !exists {
		return ErrNotMember
	}
	delete(members, agentID)
	return nil
}

func (m *MemStore) IsMember(ctx context.Context, groupID, agentID string) (Member, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	members, ok := m.members[groupID]
	if !ok {
		return Member{}, false, ErrNotFound
	}
	mem, exists := members[agentID]
	return mem, exists, nil
}

// ListMemberAgentIDs returns the membership snapshot for fan-out (§4.5
// "Posting reads the membership snapshot once at post time").
func (m *MemStore) ListMemberAgentIDs(ctx context.Context, groupID string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	members := m.members[groupID]
	out := make([]string, 0, len(members))
	for id := range members {
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}

func (m *MemStore) AppendGroupHistory(ctx context.Context, e GroupHistoryEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.history[e.GroupID] = append(m.history[e.GroupID], e)
	return nil
}

func (m *MemStore) ListGroupHistory(ctx context.Context, groupID string, limit int) ([]GroupHistoryEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h := m.history[groupID]
	if limit <= 0 || limit > len(h) {
		limit = len(h)
	}
	out := make([]GroupHistoryEntry, limit)
	copy(out, h[len(h)-limit:])
	return out, nil
}

func (m *MemStore) EnqueueWebhookAttempt(ctx context.Context, a WebhookAttempt) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := a
	m.webhooks[whKey(a.MessageID, a.AgentID)] = &cp
	return nil
}

func (m *MemStore) ListDueWebhookAttempts(ctx context.Context, now time.Time, batch int) ([]WebhookAttempt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []WebhookAttempt
	for _, a := range m.webhooks {
		if batch > 0 && len(out) >= batch {
			break
		}
		if a.NextTry.After(now) {
			continue
		}
		out = append(out, *a)
	}
	return out, nil
}

func (m *MemStore) ListWebhookAttemptsForAgent(ctx context.Context, agentID string) ([]WebhookAttempt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []WebhookAttempt
	for _, a := range m.webhooks {
		if a.AgentID == agentID {
			out = append(out, *a)
		}
	}
	return out, nil
}

func (m *MemStore) UpdateWebhookAttempt(ctx context.Context, a WebhookAttempt) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := a
	m.webhooks[whKey(a.MessageID, a.AgentID)] = &cp
	return nil
}

func (m *MemStore) DeleteWebhookAttempt(ctx context.Context, messageID, agentID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.webhooks, whKey(messageID, agentID))
	return nil
}

func (m *MemStore) Close() error { return nil }
