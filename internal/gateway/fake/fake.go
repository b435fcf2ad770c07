// Package fake provides in-memory gateways for tests.
package fake

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/angelmondragon/membergate-backend/internal/gateway"
	"github.com/angelmondragon/membergate-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/membergate-backend/pkg/errors"
)

// Invite records one CreateSingleUseInvite call.
type Invite struct {
	Name      string
	ExpiresAt time.Time
	Link      string
}

// Membership is an in-memory group. Unknown accounts are absent.
type Membership struct {
	mu        sync.Mutex
	statuses  map[int64]enums.MembershipStatus
	lookupErr map[int64]error
	banErr    map[int64]error
	bans      map[int64]int
	inviteErr error
	invites   []Invite
}

var _ gateway.MembershipGateway = (*Membership)(nil)

func NewMembership() *Membership {
	return &Membership{
		statuses:  map[int64]enums.MembershipStatus{},
		lookupErr: map[int64]error{},
		banErr:    map[int64]error{},
		bans:      map[int64]int{},
	}
}

// Set places the account in the group with the given status.
func (m *Membership) Set(accountID int64, status enums.MembershipStatus) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.statuses[accountID] = status
}

// FailLookup makes GetMembershipStatus return err for the account; nil clears it.
func (m *Membership) FailLookup(accountID int64, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lookupErr[accountID] = err
}

// FailBan makes BanThenUnban return err for the account; nil clears it.
func (m *Membership) FailBan(accountID int64, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.banErr[accountID] = err
}

// FailInvites makes CreateSingleUseInvite return err; nil clears it.
func (m *Membership) FailInvites(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.inviteErr = err
}

func (m *Membership) Status(accountID int64) enums.MembershipStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	if status, ok := m.statuses[accountID]; ok {
		return status
	}
	return enums.MembershipStatusAbsent
}

// BanCount reports how many removals were attempted for the account.
func (m *Membership) BanCount(accountID int64) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.bans[accountID]
}

func (m *Membership) Invites() []Invite {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Invite, len(m.invites))
	copy(out, m.invites)
	return out
}

func (m *Membership) GetMembershipStatus(_ context.Context, accountID int64) (enums.MembershipStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.lookupErr[accountID]; err != nil {
		return "", err
	}
	if status, ok := m.statuses[accountID]; ok {
		return status, nil
	}
	return enums.MembershipStatusAbsent, nil
}

// BanThenUnban mirrors the remote rules: privileged members cannot be
// banned, and removing an absent account succeeds.
func (m *Membership) BanThenUnban(_ context.Context, accountID int64, _ time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bans[accountID]++
	if err := m.banErr[accountID]; err != nil {
		return err
	}
	if m.statuses[accountID].IsPrivileged() {
		return pkgerrors.New(pkgerrors.CodeForbidden, "can't remove chat owner or administrator")
	}
	m.statuses[accountID] = enums.MembershipStatusAbsent
	return nil
}

func (m *Membership) CreateSingleUseInvite(_ context.Context, name string, expiresAt time.Time) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.inviteErr != nil {
		return "", m.inviteErr
	}
	link := fmt.Sprintf("https://t.me/+invite-%d", len(m.invites)+1)
	m.invites = append(m.invites, Invite{Name: name, ExpiresAt: expiresAt, Link: link})
	return link, nil
}

// Outcome scripts the result of the next CreateCharge call. Err fails the
// call before the provider records anything; LoseReply records the charge
// and then times out.
type Outcome struct {
	Status    enums.PaymentStatus
	Err       error
	LoseReply bool
}

// Payments is an in-memory payment provider. Without a scripted outcome,
// checkouts start pending and saved-instrument charges succeed.
type Payments struct {
	mu       sync.Mutex
	charges  map[string]gateway.Charge
	requests map[string]gateway.ChargeRequest
	byKey    map[string]string
	outcomes []Outcome
	calls    []gateway.ChargeRequest
	seq      int
	getErr   error

	Now      func() time.Time
	PageSize int
}

var _ gateway.PaymentGateway = (*Payments)(nil)

func NewPayments() *Payments {
	return &Payments{
		charges:  map[string]gateway.Charge{},
		requests: map[string]gateway.ChargeRequest{},
		byKey:    map[string]string{},
		Now:      time.Now,
		PageSize: 2,
	}
}

func (p *Payments) Name() string { return "fake" }

// Script queues outcomes for upcoming CreateCharge calls.
func (p *Payments) Script(outcomes ...Outcome) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.outcomes = append(p.outcomes, outcomes...)
}

// FailGet makes GetCharge return err; nil clears it.
func (p *Payments) FailGet(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.getErr = err
}

// Calls returns every CreateCharge request seen, including failed ones.
func (p *Payments) Calls() []gateway.ChargeRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]gateway.ChargeRequest, len(p.calls))
	copy(out, p.calls)
	return out
}

// Add injects a charge made outside the service, e.g. for resync tests.
func (p *Payments) Add(charge gateway.Charge) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.charges[charge.ID] = charge
}

// SetStatus moves a charge to a new status, as the provider would after the
// payer acts.
func (p *Payments) SetStatus(id string, status enums.PaymentStatus) {
	p.mu.Lock()
	defer p.mu.Unlock()
	charge, ok := p.charges[id]
	if !ok {
		return
	}
	charge.Status = status
	if status == enums.PaymentStatusSucceeded {
		if req := p.requests[id]; req.SaveInstrument {
			charge.SavedInstrumentRef = instrumentFor(charge.AccountID)
		}
	}
	p.charges[id] = charge
}

func (p *Payments) CreateCharge(_ context.Context, req gateway.ChargeRequest) (gateway.Charge, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, req)

	var next Outcome
	if len(p.outcomes) > 0 && (p.outcomes[0].Err != nil || p.outcomes[0].LoseReply) {
		next = p.outcomes[0]
		p.outcomes = p.outcomes[1:]
	}
	if next.Err != nil {
		return gateway.Charge{}, next.Err
	}
	if req.IdempotencyKey != "" {
		if id, ok := p.byKey[req.IdempotencyKey]; ok {
			if next.LoseReply {
				return gateway.Charge{}, context.DeadlineExceeded
			}
			return p.charges[id], nil
		}
	}

	status := enums.PaymentStatusPending
	if req.SavedInstrumentRef != "" {
		status = enums.PaymentStatusSucceeded
	}
	if !next.LoseReply && len(p.outcomes) > 0 {
		status = p.outcomes[0].Status
		p.outcomes = p.outcomes[1:]
	}

	p.seq++
	id := fmt.Sprintf("pay-%03d", p.seq)
	charge := gateway.Charge{
		ID:          id,
		AccountID:   req.AccountID,
		Status:      status,
		AmountMinor: req.AmountMinor,
		Currency:    req.Currency,
		CreatedAt:   p.Now().UTC(),
	}
	if req.SavedInstrumentRef == "" {
		charge.ConfirmationURL = "https://pay.test/confirm/" + id
	} else {
		charge.SavedInstrumentRef = req.SavedInstrumentRef
	}
	if status == enums.PaymentStatusSucceeded && req.SaveInstrument {
		charge.SavedInstrumentRef = instrumentFor(req.AccountID)
	}

	p.charges[id] = charge
	p.requests[id] = req
	if req.IdempotencyKey != "" {
		p.byKey[req.IdempotencyKey] = id
	}
	if next.LoseReply {
		return gateway.Charge{}, context.DeadlineExceeded
	}
	return charge, nil
}

// Charges returns every charge the provider holds, ordered by id.
func (p *Payments) Charges() []gateway.Charge {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]gateway.Charge, 0, len(p.charges))
	for _, charge := range p.charges {
		out = append(out, charge)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (p *Payments) GetCharge(_ context.Context, id string) (gateway.Charge, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.getErr != nil {
		return gateway.Charge{}, p.getErr
	}
	charge, ok := p.charges[id]
	if !ok {
		return gateway.Charge{}, pkgerrors.New(pkgerrors.CodeNotFound, "payment not found")
	}
	return charge, nil
}

// ListSucceededCharges pages through succeeded charges ordered by id; the
// cursor is the offset of the next page.
func (p *Payments) ListSucceededCharges(_ context.Context, cursor string) (gateway.ChargePage, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var succeeded []gateway.Charge
	for _, charge := range p.charges {
		if charge.Status == enums.PaymentStatusSucceeded {
			succeeded = append(succeeded, charge)
		}
	}
	sort.Slice(succeeded, func(i, j int) bool { return succeeded[i].ID < succeeded[j].ID })

	offset := 0
	if cursor != "" {
		n, err := strconv.Atoi(cursor)
		if err != nil {
			return gateway.ChargePage{}, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "bad cursor")
		}
		offset = n
	}
	size := p.PageSize
	if size <= 0 {
		size = len(succeeded) + 1
	}
	if offset > len(succeeded) {
		offset = len(succeeded)
	}
	end := offset + size
	page := gateway.ChargePage{}
	if end < len(succeeded) {
		page.NextCursor = strconv.Itoa(end)
	} else {
		end = len(succeeded)
	}
	page.Charges = append(page.Charges, succeeded[offset:end]...)
	return page, nil
}

func instrumentFor(accountID int64) string {
	return fmt.Sprintf("pm-%d", accountID)
}

// Message is one delivered notification.
type Message struct {
	AccountID int64
	Text      string
}

// Notifier records messages instead of sending them.
type Notifier struct {
	mu       sync.Mutex
	messages []Message
	err      error
}

var _ gateway.Notifier = (*Notifier)(nil)

func NewNotifier() *Notifier { return &Notifier{} }

// Fail makes every Notify call return err; nil clears it.
func (n *Notifier) Fail(err error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.err = err
}

func (n *Notifier) Notify(_ context.Context, accountID int64, text string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.err != nil {
		return n.err
	}
	n.messages = append(n.messages, Message{AccountID: accountID, Text: text})
	return nil
}

// For returns the messages sent to one account, oldest first.
func (n *Notifier) For(accountID int64) []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []string
	for _, msg := range n.messages {
		if msg.AccountID == accountID {
			out = append(out, msg.Text)
		}
	}
	return out
}
