package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/admp/relay/internal/envelope"
)

// Bucket names, following the teacher's internal/store/bolt.go convention
// of one top-level bucket per entity plus secondary-index buckets for
// lookups that aren't by primary key.
var (
	bucketAgents   = []byte("agents")
	bucketMessages = []byte("messages")
	bucketIdem     = []byte("idempotency") // "recipient\x00key" -> messageID
	bucketGroups   = []byte("groups")
	bucketMembers  = []byte("group_members") // "groupID\x00agentID" -> Member
	bucketHistory  = []byte("group_history")  // "groupID::RFC3339Nano::msgID" -> GroupHistoryEntry
	bucketWebhooks = []byte("webhook_attempts")
)

var allBuckets = [][]byte{bucketAgents, bucketMessages, bucketIdem, bucketGroups, bucketMembers, bucketHistory, bucketWebhooks}

// BoltStore is the durable Store backend, a single bbolt file. A bbolt
// write transaction is process-exclusive, which gives the pull-lease scan
// the same single-winner guarantee a "FOR UPDATE SKIP LOCKED" row lock
// gives a SQL backend (§4.1, §6.6) without a second process.
type BoltStore struct {
	db *bolt.DB
}

// OpenBolt opens (creating if absent) the bbolt file at path and ensures
// all buckets exist.
func OpenBolt(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt store: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range allBuckets {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("init bolt buckets: %w", err)
	}
	return &BoltStore{db: db}, nil
}

func (s *BoltStore) Close() error { return s.db.Close() }

func getJSON(tx *bolt.Tx, bucket []byte, key string, v interface{}) (bool, error) {
	data := tx.Bucket(bucket).Get([]byte(key))
	if data == nil {
		return false, nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("decode %s/%s: %w", bucket, key, err)
	}
	return true, nil
}

func putJSON(tx *bolt.Tx, bucket []byte, key string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s/%s: %w", bucket, key, err)
	}
	return tx.Bucket(bucket).Put([]byte(key), data)
}

func (s *BoltStore) CreateAgent(ctx context.Context, a *Agent) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		var existing Agent
		if ok, err := getJSON(tx, bucketAgents, a.ID, &existing); err != nil {
			return err
		} else if ok {
			return ErrConflict
		}
		return putJSON(tx, bucketAgents, a.ID, a)
	})
}

func (s *BoltStore) GetAgent(ctx context.Context, id string) (*Agent, error) {
	var a Agent
	err := s.db.View(func(tx *bolt.Tx) error {
		ok, err := getJSON(tx, bucketAgents, id, &a)
		if err != nil {
			return err
		}
		if !ok {
			return ErrNotFound
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (s *BoltStore) ListAgents(ctx context.Context) ([]*Agent, error) {
	var out []*Agent
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketAgents).ForEach(func(k, v []byte) error {
			var a Agent
			if err := json.Unmarshal(v, &a); err != nil {
				return err
			}
			out = append(out, &a)
			return nil
		})
	})
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, err
}

func (s *BoltStore) mutateAgent(id string, fn func(a *Agent) error) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		var a Agent
		ok, err := getJSON(tx, bucketAgents, id, &a)
		if err != nil {
			return err
		}
		if !ok {
			return ErrNotFound
		}
		if err := fn(&a); err != nil {
			return err
		}
		return putJSON(tx, bucketAgents, id, &a)
	})
}

func (s *BoltStore) UpdateHeartbeat(ctx context.Context, id string, at time.Time) error {
	return s.mutateAgent(id, func(a *Agent) error { a.LastHeartbeat = at; return nil })
}

func (s *BoltStore) SetWebhook(ctx context.Context, id string, wh *WebhookConfig) error {
	return s.mutateAgent(id, func(a *Agent) error { a.Webhook = wh; return nil })
}

func (s *BoltStore) SetPolicy(ctx context.Context, id string, p *Policy) error {
	return s.mutateAgent(id, func(a *Agent) error { a.Policy = p; return nil })
}

func (s *BoltStore) ApproveAgent(ctx context.Context, id string) error {
	return s.mutateAgent(id, func(a *Agent) error { a.Approved = true; return nil })
}

func (s *BoltStore) DeregisterAgent(ctx context.Context, id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketAgents)
		if b.Get([]byte(id)) == nil {
			return ErrNotFound
		}
		return b.Delete([]byte(id))
	})
}

func (s *BoltStore) MarkOffline(ctx context.Context, ids []string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		for _, id := range ids {
			var a Agent
			ok, err := getJSON(tx, bucketAgents, id, &a)
			if err != nil {
				return err
			}
			if !ok {
				continue
			}
			if a.Metadata == nil {
				a.Metadata = make(map[string]string)
			}
			a.Metadata["online"] = "false"
			if err := putJSON(tx, bucketAgents, id, &a); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *BoltStore) AppendKey(ctx context.Context, agentID string, k KeyEntry) error {
	return s.mutateAgent(agentID, func(a *Agent) error {
		a.Keys = append(a.Keys, k)
		return nil
	})
}

func (s *BoltStore) DeactivateKey(ctx context.Context, agentID string, publicKey []byte, deactivateAt time.Time) error {
	return s.mutateAgent(agentID, func(a *Agent) error {
		for i := range a.Keys {
			if string(a.Keys[i].PublicKey) == string(publicKey) {
				a.Keys[i].Active = false
				a.Keys[i].DeactivateAt = deactivateAt
			}
		}
		return nil
	})
}

func (s *BoltStore) ActiveKeys(ctx context.Context, agentID string, at time.Time) ([]KeyEntry, error) {
	a, err := s.GetAgent(ctx, agentID)
	if err != nil {
		return nil, err
	}
	var out []KeyEntry
	for _, k := range a.Keys {
		if k.IsUsable(at) {
			out = append(out, k)
		}
	}
	return out, nil
}

func (s *BoltStore) EnqueueMessage(ctx context.Context, rec *envelope.Record) (bool, error) {
	var deduped bool
	err := s.db.Update(func(tx *bolt.Tx) error {
		if rec.IdempotencyKey != "" {
			idxKey := idemKey(rec.Recipient, rec.IdempotencyKey)
			if existingID := tx.Bucket(bucketIdem).Get([]byte(idxKey)); existingID != nil {
				var existing envelope.Record
				if ok, err := getJSON(tx, bucketMessages, string(existingID), &existing); err != nil {
					return err
				} else if ok {
					*rec = existing
					deduped = true
					return nil
				}
			}
		}
		if data := tx.Bucket(bucketMessages).Get([]byte(rec.ID)); data != nil {
			return ErrConflict
		}
		if err := putJSON(tx, bucketMessages, rec.ID, rec); err != nil {
			return err
		}
		if rec.IdempotencyKey != "" {
			if err := tx.Bucket(bucketIdem).Put([]byte(idemKey(rec.Recipient, rec.IdempotencyKey)), []byte(rec.ID)); err != nil {
				return err
			}
		}
		return nil
	})
	return deduped, err
}

func (s *BoltStore) CountInbox(ctx context.Context, recipient string) (int, error) {
	n := 0
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketMessages).ForEach(func(k, v []byte) error {
			var r envelope.Record
			if err := json.Unmarshal(v, &r); err != nil {
				return err
			}
			if r.Recipient == recipient && !r.Status.Terminal() {
				n++
			}
			return nil
		})
	})
	return n, err
}

// PullLease scans every message record looking for the oldest delivered,
// visible record for recipient. O(n) in total message count — acceptable
// for the single-file embedded store this spec targets; a SQL backend
// would instead use the `(recipient, status, visible_at)` index named in
// §6.6. The whole scan-and-update runs inside one bbolt write transaction,
// so no other pull can interleave (§4.1's single-winner requirement).
func (s *BoltStore) PullLease(ctx context.Context, recipient string, visibilityTimeout time.Duration, now time.Time) (*envelope.Record, error) {
	var result *envelope.Record
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketMessages)
		var bestID string
		var best envelope.Record
		err := b.ForEach(func(k, v []byte) error {
			var r envelope.Record
			if err := json.Unmarshal(v, &r); err != nil {
				return err
			}
			if r.Recipient != recipient || r.Status != envelope.StatusDelivered {
				return nil
			}
			if !r.VisibleAt.IsZero() && r.VisibleAt.After(now) {
				return nil
			}
			if bestID == "" || r.CreatedAt.Before(best.CreatedAt) {
				bestID = string(k)
				best = r
			}
			return nil
		})
		if err != nil {
			return err
		}
		if bestID == "" {
			return nil
		}
		best.Status = envelope.StatusLeased
		best.LeasedBy = recipient
		best.LeaseUntil = now.Add(visibilityTimeout)
		if err := putJSON(tx, bucketMessages, bestID, &best); err != nil {
			return err
		}
		result = &best
		return nil
	})
	return result, err
}

func (s *BoltStore) Ack(ctx context.Context, recipient, messageID string, now time.Time) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		var r envelope.Record
		ok, err := getJSON(tx, bucketMessages, messageID, &r)
		if err != nil {
			return err
		}
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
		return putJSON(tx, bucketMessages, messageID, &r)
	})
}

func (s *BoltStore) Nack(ctx context.Context, recipient, messageID string, opts NackOptions, now time.Time) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		var r envelope.Record
		ok, err := getJSON(tx, bucketMessages, messageID, &r)
		if err != nil {
			return err
		}
		if !ok {
			return ErrNotFound
		}
		if r.Recipient != recipient || r.Status != envelope.StatusLeased {
			return ErrWrongLeaseState
		}
		if opts.DeadLetter {
			r.Status = envelope.StatusDead
			r.LastError = "dead_lettered_by_nack"
			return putJSON(tx, bucketMessages, messageID, &r)
		}
		r.Attempts++
		if opts.MaxAttempts > 0 && r.Attempts >= opts.MaxAttempts {
			r.Status = envelope.StatusDead
			r.LastError = "max_attempts_exceeded"
			return putJSON(tx, bucketMessages, messageID, &r)
		}
		r.Status = envelope.StatusDelivered
		r.LeasedBy = ""
		r.LeaseUntil = time.Time{}
		r.VisibleAt = now.Add(opts.Delay)
		return putJSON(tx, bucketMessages, messageID, &r)
	})
}

func (s *BoltStore) GetMessage(ctx context.Context, messageID string) (*envelope.Record, error) {
	var r envelope.Record
	err := s.db.View(func(tx *bolt.Tx) error {
		ok, err := getJSON(tx, bucketMessages, messageID, &r)
		if err != nil {
			return err
		}
		if !ok {
			return ErrNotFound
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if r.Purged && r.Status != envelope.StatusAcked {
		return &r, ErrGone
	}
	return &r, nil
}

// MarkWebhookFailed records that a webhook has exhausted its retry budget
// for a message (§4.6). The message's own status is untouched.
func (s *BoltStore) MarkWebhookFailed(ctx context.Context, messageID, lastError string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		var r envelope.Record
		ok, err := getJSON(tx, bucketMessages, messageID, &r)
		if err != nil {
			return err
		}
		if !ok {
			return ErrNotFound
		}
		r.LastError = lastError
		return putJSON(tx, bucketMessages, messageID, &r)
	})
}

func (s *BoltStore) Stats(ctx context.Context, agentID string, now time.Time) (Stats, error) {
	st := Stats{Counts: make(map[envelope.Status]int)}
	var oldest time.Time
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketMessages).ForEach(func(k, v []byte) error {
			var r envelope.Record
			if err := json.Unmarshal(v, &r); err != nil {
				return err
			}
			if r.Recipient != agentID {
				return nil
			}
			st.Counts[r.Status]++
			st.Total++
			if !r.Status.Terminal() && (oldest.IsZero() || r.CreatedAt.Before(oldest)) {
				oldest = r.CreatedAt
			}
			return nil
		})
	})
	if !oldest.IsZero() {
		st.OldestPendingAge = now.Sub(oldest)
	}
	return st, err
}

func (s *BoltStore) ReclaimExpiredLeases(ctx context.Context, now time.Time, maxAttempts, batch int) (int, error) {
	n := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketMessages)
		type kv struct {
			key string
			rec envelope.Record
		}
		var candidates []kv
		err := b.ForEach(func(k, v []byte) error {
			if batch > 0 && len(candidates) >= batch {
				return nil
			}
			var r envelope.Record
			if err := json.Unmarshal(v, &r); err != nil {
				return err
			}
			if r.Status == envelope.StatusLeased && !r.LeaseUntil.IsZero() && r.LeaseUntil.Before(now) {
				candidates = append(candidates, kv{string(k), r})
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, c := range candidates {
			r := c.rec
			if r.Attempts+1 >= maxAttempts {
				r.Status = envelope.StatusDead
				r.LastError = "max_lease_attempts_exceeded"
			} else {
				r.Attempts++
				r.Status = envelope.StatusDelivered
				r.LeasedBy = ""
				r.LeaseUntil = time.Time{}
			}
			if err := putJSON(tx, bucketMessages, c.key, &r); err != nil {
				return err
			}
			n++
		}
		return nil
	})
	return n, err
}

func (s *BoltStore) ExpireTTL(ctx context.Context, now time.Time, batch int) (int, error) {
	n := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketMessages)
		type kv struct {
			key string
			rec envelope.Record
		}
		var candidates []kv
		err := b.ForEach(func(k, v []byte) error {
			if batch > 0 && len(candidates) >= batch {
				return nil
			}
			var r envelope.Record
			if err := json.Unmarshal(v, &r); err != nil {
				return err
			}
			if !r.Status.Terminal() && r.IsExpired(now) {
				candidates = append(candidates, kv{string(k), r})
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, c := range candidates {
			r := c.rec
			r.Status = envelope.StatusExpired
			if r.Ephemeral {
				r.Body = nil
				r.Purged = true
			}
			if err := putJSON(tx, bucketMessages, c.key, &r); err != nil {
				return err
			}
			n++
		}
		return nil
	})
	return n, err
}

func (s *BoltStore) CreateGroup(ctx context.Context, g *Group, creator Member) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if tx.Bucket(bucketGroups).Get([]byte(g.ID)) != nil {
			return ErrConflict
		}
		if err := putJSON(tx, bucketGroups, g.ID, g); err != nil {
			return err
		}
		return putJSON(tx, bucketMembers, memberKey(g.ID, creator.AgentID), &creator)
	})
}

func memberKey(groupID, agentID string) string { return groupID + "\x00" + agentID }

func (s *BoltStore) GetGroup(ctx context.Context, id string) (*Group, []Member, error) {
	var g Group
	var members []Member
	err := s.db.View(func(tx *bolt.Tx) error {
		ok, err := getJSON(tx, bucketGroups, id, &g)
		if err != nil {
			return err
		}
		if !ok {
			return ErrNotFound
		}
		prefix := []byte(id + "\x00")
		c := tx.Bucket(bucketMembers).Cursor()
		for k, v := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = c.Next() {
			var m Member
			if err := json.Unmarshal(v, &m); err != nil {
				return err
			}
			members = append(members, m)
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	sort.Slice(members, func(i, j int) bool { return members[i].AgentID < members[j].AgentID })
	return &g, members, nil
}

func hasPrefix(b, prefix []byte) bool {
	return len(b) >= len(prefix) && string(b[:len(prefix)]) == string(prefix)
}

func (s *BoltStore) AddMember(ctx context.Context, groupID string, mem Member) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		var g Group
		ok, err := getJSON(tx, bucketGroups, groupID, &g)
		if err != nil {
			return err
		}
		if !ok {
			return ErrNotFound
		}
		key := memberKey(groupID, mem.AgentID)
		if tx.Bucket(bucketMembers).Get([]byte(key)) != nil {
			return ErrAlreadyMember
		}
		if g.MaxMembers > 0 {
			count := 0
			prefix := []byte(groupID + "\x00")
			c := tx.Bucket(bucketMembers).Cursor()
			for k, _ := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, _ = c.Next() {
				count++
			}
			if count >= g.MaxMembers {
				return ErrGroupFull
			}
		}
		return putJSON(tx, bucketMembers, key, &mem)
	})
}

func (s *BoltStore) RemoveMember(ctx context.Context, groupID, agentID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		key := memberKey(groupID, agentID)
		if tx.Bucket(bucketMembers).Get([]byte(key)) == nil {
			return ErrNotMember
		}
		return tx.Bucket(bucketMembers).Delete([]byte(key))
	})
}

func (s *BoltStore) IsMember(ctx context.Context, groupID, agentID string) (Member, bool, error) {
	var m Member
	var found bool
	err := s.db.View(func(tx *bolt.Tx) error {
		ok, err := getJSON(tx, bucketMembers, memberKey(groupID, agentID), &m)
		if err != nil {
			return err
		}
		found = ok
		return nil
	})
	return m, found, err
}

// ListMemberAgentIDs returns the membership snapshot for fan-out.
func (s *BoltStore) ListMemberAgentIDs(ctx context.Context, groupID string) ([]string, error) {
	var out []string
	err := s.db.View(func(tx *bolt.Tx) error {
		prefix := []byte(groupID + "\x00")
		c := tx.Bucket(bucketMembers).Cursor()
		for k, v := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = c.Next() {
			var m Member
			if err := json.Unmarshal(v, &m); err != nil {
				return err
			}
			out = append(out, m.AgentID)
		}
		return nil
	})
	sort.Strings(out)
	return out, err
}

func (s *BoltStore) AppendGroupHistory(ctx context.Context, e GroupHistoryEntry) error {
	key := e.GroupID + "::" + e.CreatedAt.UTC().Format(time.RFC3339Nano) + "::" + e.MessageID
	return s.db.Update(func(tx *bolt.Tx) error {
		return putJSON(tx, bucketHistory, key, &e)
	})
}

func (s *BoltStore) ListGroupHistory(ctx context.Context, groupID string, limit int) ([]GroupHistoryEntry, error) {
	var out []GroupHistoryEntry
	err := s.db.View(func(tx *bolt.Tx) error {
		prefix := []byte(groupID + "::")
		c := tx.Bucket(bucketHistory).Cursor()
		for k, v := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = c.Next() {
			var e GroupHistoryEntry
			if err := json.Unmarshal(v, &e); err != nil {
				return err
			}
			out = append(out, e)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if limit > 0 && limit < len(out) {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (s *BoltStore) EnqueueWebhookAttempt(ctx context.Context, a WebhookAttempt) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return putJSON(tx, bucketWebhooks, whKey(a.MessageID, a.AgentID), &a)
	})
}

func (s *BoltStore) ListDueWebhookAttempts(ctx context.Context, now time.Time, batch int) ([]WebhookAttempt, error) {
	var out []WebhookAttempt
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketWebhooks).ForEach(func(k, v []byte) error {
			if batch > 0 && len(out) >= batch {
				return nil
			}
			var a WebhookAttempt
			if err := json.Unmarshal(v, &a); err != nil {
				return err
			}
			if a.NextTry.After(now) {
				return nil
			}
			out = append(out, a)
			return nil
		})
	})
	return out, err
}

func (s *BoltStore) ListWebhookAttemptsForAgent(ctx context.Context, agentID string) ([]WebhookAttempt, error) {
	var out []WebhookAttempt
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketWebhooks).ForEach(func(k, v []byte) error {
			var a WebhookAttempt
			if err := json.Unmarshal(v, &a); err != nil {
				return err
			}
			if a.AgentID == agentID {
				out = append(out, a)
			}
			return nil
		})
	})
	return out, err
}

func (s *BoltStore) UpdateWebhookAttempt(ctx context.Context, a WebhookAttempt) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return putJSON(tx, bucketWebhooks, whKey(a.MessageID, a.AgentID), &a)
	})
}

func (s *BoltStore) DeleteWebhookAttempt(ctx context.Context, messageID, agentID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketWebhooks).Delete([]byte(whKey(messageID, agentID)))
	})
}
