// Package storetest provides an in-memory store with the same transition rules as the
// Postgres store, for tests of the dispatcher, worker and HTTP layer.
package storetest

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/Mutter0815/CampaignMailer/internal/campaign"
)

type MemStore struct {
	mu         sync.Mutex
	nextID     int64
	campaigns  map[int64]*campaign.Campaign
	recipients map[int64][]*campaign.Recipient
	heartbeat  map[int64]time.Time
	settings   map[string]string

	// Fail forces the named method to return the error once.
	Fail map[string]error
	// Marks records every MarkRecipient call in order.
	Marks []int64
}

func New() *MemStore {
	return &MemStore{
		campaigns:  make(map[int64]*campaign.Campaign),
		recipients: make(map[int64][]*campaign.Recipient),
		heartbeat:  make(map[int64]time.Time),
		settings:   make(map[string]string),
		Fail:       make(map[string]error),
	}
}

func (m *MemStore) fail(op string) error {
	if err, ok := m.Fail[op]; ok {
		delete(m.Fail, op)
		return err
	}
	return nil
}

func (m *MemStore) transition(id int64, to campaign.Status) error {
	c, ok := m.campaigns[id]
	if !ok {
		return campaign.ErrNotFound
	}
	return &campaign.TransitionError{ID: id, From: c.Status, To: to}
}

// Seed inserts a campaign in an arbitrary status, bypassing the submission flow.
func (m *MemStore) Seed(c campaign.Campaign, leads ...campaign.Lead) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	c.ID = m.nextID
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now()
	}
	m.campaigns[c.ID] = &c
	m.addRecipients(c.ID, leads)
	return c.ID
}

func (m *MemStore) addRecipients(id int64, leads []campaign.Lead) {
	for _, l := range leads {
		m.nextID++
		m.recipients[id] = append(m.recipients[id], &campaign.Recipient{
			ID: m.nextID, CampaignID: id, Name: l.Name, Email: l.Email, Status: campaign.RecipientAwaiting,
		})
	}
}

func (m *MemStore) SetSettings(kv map[string]string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, v := range kv {
		m.settings[k] = v
	}
}

func (m *MemStore) LoadSettings(context.Context) (map[string]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("LoadSettings"); err != nil {
		return nil, err
	}
	out := make(map[string]string, len(m.settings))
	for k, v := range m.settings {
		out[k] = v
	}
	return out, nil
}

func (m *MemStore) CreateCampaign(_ context.Context, content campaign.Content, owner *int64, leads []campaign.Lead) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(leads) == 0 {
		return 0, &campaign.ValidationError{Field: "recipients", Reason: "at least one recipient is required"}
	}
	if err := m.fail("CreateCampaign"); err != nil {
		return 0, err
	}
	m.nextID++
	now := time.Now()
	c := &campaign.Campaign{
		ID: m.nextID, Subject: content.Subject, Theme: content.Theme, CTAURL: content.CTAURL,
		GeneratedHTML: content.HTML, Status: campaign.StatusDraft, CreatedBy: owner,
		CreatedAt: now, UpdatedAt: now,
	}
	m.campaigns[c.ID] = c
	m.addRecipients(c.ID, leads)
	return c.ID, nil
}

func (m *MemStore) GetCampaign(_ context.Context, id int64) (campaign.Campaign, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("GetCampaign"); err != nil {
		return campaign.Campaign{}, err
	}
	c, ok := m.campaigns[id]
	if !ok {
		return campaign.Campaign{}, campaign.ErrNotFound
	}
	return *c, nil
}

func (m *MemStore) MarkSubmitted(_ context.Context, id int64, to campaign.Status, jobID int64, scheduledAt *time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("MarkSubmitted"); err != nil {
		return err
	}
	c, ok := m.campaigns[id]
	if !ok || c.Status != campaign.StatusDraft || !to.HasJob() {
		return m.transition(id, to)
	}
	c.Status, c.JobID, c.ScheduledAt = to, &jobID, scheduledAt
	return nil
}

func (m *MemStore) MarkQueueError(_ context.Context, id int64, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("MarkQueueError"); err != nil {
		return err
	}
	c, ok := m.campaigns[id]
	if !ok || (c.Status != campaign.StatusDraft && c.Status != campaign.StatusScheduled) {
		return m.transition(id, campaign.StatusQueueError)
	}
	c.Status, c.JobID, c.FailureReason = campaign.StatusQueueError, nil, reason
	for _, r := range m.recipients[id] {
		if r.Status == campaign.RecipientAwaiting {
			r.Status, r.FailureReason = campaign.RecipientFailed, campaign.ReasonFailedToQueue
		}
	}
	return nil
}

func (m *MemStore) CancelScheduled(_ context.Context, id int64, to campaign.Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("CancelScheduled"); err != nil {
		return err
	}
	c, ok := m.campaigns[id]
	if !ok || c.Status != campaign.StatusScheduled ||
		(to != campaign.StatusCancelled && to != campaign.StatusCancelledMissingJob) {
		return m.transition(id, to)
	}
	c.Status, c.JobID = to, nil
	return nil
}

func (m *MemStore) RescheduleNow(_ context.Context, id, newJobID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("RescheduleNow"); err != nil {
		return err
	}
	c, ok := m.campaigns[id]
	if !ok || c.Status != campaign.StatusScheduled {
		return m.transition(id, campaign.StatusQueued)
	}
	c.Status, c.JobID, c.ScheduledAt = campaign.StatusQueued, &newJobID, nil
	return nil
}

func (m *MemStore) ClaimCampaign(_ context.Context, id int64) (campaign.Campaign, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("ClaimCampaign"); err != nil {
		return campaign.Campaign{}, err
	}
	c, ok := m.campaigns[id]
	if !ok || !c.Status.HasJob() {
		return campaign.Campaign{}, m.transition(id, campaign.StatusSending)
	}
	c.Status, c.JobID = campaign.StatusSending, nil
	m.heartbeat[id] = time.Now()
	return *c, nil
}

func (m *MemStore) CompleteCampaign(_ context.Context, id int64) (int, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("CompleteCampaign"); err != nil {
		return 0, 0, err
	}
	c, ok := m.campaigns[id]
	if !ok || c.Status != campaign.StatusSending {
		return 0, 0, m.transition(id, campaign.StatusCompleted)
	}
	st := m.stats(id)
	c.Status, c.SuccessCount, c.FailCount = campaign.StatusCompleted, st.Sent, st.Failed
	return st.Sent, st.Failed, nil
}

func (m *MemStore) FailCampaign(_ context.Context, id int64, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("FailCampaign"); err != nil {
		return err
	}
	c, ok := m.campaigns[id]
	if !ok || c.Status != campaign.StatusSending {
		return m.transition(id, campaign.StatusFailed)
	}
	c.Status, c.FailureReason = campaign.StatusFailed, reason
	return nil
}

func (m *MemStore) ListRecipients(_ context.Context, id int64) ([]campaign.Recipient, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("ListRecipients"); err != nil {
		return nil, err
	}
	out := make([]campaign.Recipient, 0, len(m.recipients[id]))
	for _, r := range m.recipients[id] {
		out = append(out, *r)
	}
	return out, nil
}

func (m *MemStore) MarkRecipient(_ context.Context, campaignID, recipientID int64, status campaign.RecipientStatus, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("MarkRecipient"); err != nil {
		return err
	}
	if c := m.campaigns[campaignID]; c == nil || c.Status != campaign.StatusSending {
		return campaign.ErrLeaseLost
	}
	for _, r := range m.recipients[campaignID] {
		if r.ID != recipientID {
			continue
		}
		if r.Status.Terminal() {
			return campaign.ErrRecipientTerminal
		}
		r.Status, r.FailureReason = status, reason
		m.Marks = append(m.Marks, recipientID)
		m.heartbeat[campaignID] = time.Now()
		return nil
	}
	return campaign.ErrNotFound
}

func (m *MemStore) stats(id int64) campaign.Stats {
	var st campaign.Stats
	for _, r := range m.recipients[id] {
		st.Total++
		switch r.Status {
		case campaign.RecipientAwaiting:
			st.Awaiting++
		case campaign.RecipientSent:
			st.Sent++
		case campaign.RecipientFailed:
			st.Failed++
		}
	}
	return st
}

func (m *MemStore) GetCampaignStats(_ context.Context, id int64) (campaign.Stats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stats(id), nil
}

func (m *MemStore) ListCampaigns(_ context.Context, limit, offset int) ([]campaign.Campaign, []campaign.Stats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]int64, 0, len(m.campaigns))
	for id := range m.campaigns {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] > ids[j] })
	if limit <= 0 {
		limit = 20
	}
	var cs []campaign.Campaign
	var sts []campaign.Stats
	for i := offset; i < len(ids) && len(cs) < limit; i++ {
		cs = append(cs, *m.campaigns[ids[i]])
		sts = append(sts, m.stats(ids[i]))
	}
	return cs, sts, nil
}

// SetRecipientStatus overwrites one ledger row, for tests that start from a half-sent campaign.
func (m *MemStore) SetRecipientStatus(campaignID, recipientID int64, status campaign.RecipientStatus) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.recipients[campaignID] {
		if r.ID == recipientID {
			r.Status = status
		}
	}
}

// SetHeartbeat backdates the lease of a sending campaign.
func (m *MemStore) SetHeartbeat(id int64, at time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.heartbeat[id] = at
}

func (m *MemStore) ExpireStaleSending(_ context.Context, before time.Time) ([]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []int64
	for id, c := range m.campaigns {
		if c.Status == campaign.StatusSending && m.heartbeat[id].Before(before) {
			c.Status, c.FailureReason = campaign.StatusFailed, campaign.ReasonLeaseExpired
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (m *MemStore) ExpireStaleDrafts(_ context.Context, before time.Time) ([]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []int64
	for id, c := range m.campaigns {
		if c.Status == campaign.StatusDraft && c.CreatedAt.Before(before) {
			c.Status, c.FailureReason = campaign.StatusQueueError, campaign.ReasonDraftAbandoned
			for _, r := range m.recipients[id] {
				if r.Status == campaign.RecipientAwaiting {
					r.Status, r.FailureReason = campaign.RecipientFailed, campaign.ReasonFailedToQueue
				}
			}
			ids = append(ids, id)
		}
	}
	return ids, nil
}

// CheckInvariants verifies the job-id and body rules on every stored campaign.
func (m *MemStore) CheckInvariants() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, c := range m.campaigns {
		if (c.JobID != nil) != c.Status.HasJob() {
			return fmt.Errorf("campaign %d: job_id=%v with status %s", id, c.JobID, c.Status)
		}
		if c.Status != campaign.StatusDraft && c.GeneratedHTML == "" {
			return fmt.Errorf("campaign %d: no body in status %s", id, c.Status)
		}
		if c.Status == campaign.StatusCompleted {
			st := m.stats(id)
			if st.Awaiting != 0 || c.SuccessCount+c.FailCount != st.Total {
				return fmt.Errorf("campaign %d: completed with %+v, counts %d/%d", id, st, c.SuccessCount, c.FailCount)
			}
		}
	}
	return nil
}
