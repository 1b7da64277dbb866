package escrow

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/kaamkart/escrow/internal/money"
)

// recordingNotifier captures transition events for assertions.
type recordingNotifier struct {
	mu     sync.Mutex
	events []string
}

func (n *recordingNotifier) PaymentTransition(ctx context.Context, event string, p *Payment) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, event)
}

func (n *recordingNotifier) count(event string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	c := 0
	for _, e := range n.events {
		if e == event {
			c++
		}
	}
	return c
}

func newTestService(t *testing.T, engStatus EngagementStatus) (*Service, *MemoryStore, *recordingNotifier) {
	t.Helper()
	store := NewMemoryStore()
	store.PutEngagement(&Engagement{
		ID:         "eng_1",
		ClientID:   "usr_client",
		ProviderID: "usr_provider",
		Status:     engStatus,
	})
	notifier := &recordingNotifier{}
	return NewService(store).WithNotifier(notifier), store, notifier
}

func heldPayment(t *testing.T, svc *Service, amount money.Amount) *Payment {
	t.Helper()
	ctx := context.Background()
	p, err := svc.CreatePendingEscrow(ctx, "eng_1", amount)
	if err != nil {
		t.Fatalf("create pending escrow: %v", err)
	}
	p, err = svc.MarkHeld(ctx, p.ID, "gwpay_1", "sig")
	if err != nil {
		t.Fatalf("mark held: %v", err)
	}
	return p
}

func TestCreatePendingEscrow(t *testing.T) {
	svc, _, notifier := newTestService(t, EngagementInProgress)
	ctx := context.Background()

	p, err := svc.CreatePendingEscrow(ctx, "eng_1", 50000)
	if err != nil {
		t.Fatalf("create pending escrow: %v", err)
	}
	if p.Status != StatusPendingPayment {
		t.Errorf("expected status %s, got %s", StatusPendingPayment, p.Status)
	}
	if p.PayerID != "usr_client" || p.PayeeID != "usr_provider" {
		t.Errorf("payer/payee not taken from engagement: %s/%s", p.PayerID, p.PayeeID)
	}
	if p.Currency != money.DefaultCurrency {
		t.Errorf("expected currency %s, got %s", money.DefaultCurrency, p.Currency)
	}
	if p.GatewayOrderID == "" {
		t.Error("expected a gateway order id")
	}
	if notifier.count("escrow.pending") != 1 {
		t.Errorf("expected 1 escrow.pending notification, got %d", notifier.count("escrow.pending"))
	}
}

func TestCreatePendingEscrow_Validation(t *testing.T) {
	svc, _, _ := newTestService(t, EngagementInProgress)
	ctx := context.Background()

	if _, err := svc.CreatePendingEscrow(ctx, "eng_1", 0); !errors.Is(err, ErrInvalidAmount) {
		t.Errorf("zero amount: expected ErrInvalidAmount, got %v", err)
	}
	if _, err := svc.CreatePendingEscrow(ctx, "eng_1", -500); !errors.Is(err, ErrInvalidAmount) {
		t.Errorf("negative amount: expected ErrInvalidAmount, got %v", err)
	}
	if _, err := svc.CreatePendingEscrow(ctx, "eng_missing", 500); !errors.Is(err, ErrEngagementNotFound) {
		t.Errorf("unknown engagement: expected ErrEngagementNotFound, got %v", err)
	}
}

func TestCreatePendingEscrow_OneActivePerEngagement(t *testing.T) {
	svc, _, _ := newTestService(t, EngagementInProgress)
	ctx := context.Background()

	if _, err := svc.CreatePendingEscrow(ctx, "eng_1", 50000); err != nil {
		t.Fatalf("first create: %v", err)
	}
	if _, err := svc.CreatePendingEscrow(ctx, "eng_1", 50000); !errors.Is(err, ErrActiveExists) {
		t.Fatalf("second create: expected ErrActiveExists, got %v", err)
	}
}

func TestCreatePendingEscrow_AllowedAfterFailure(t *testing.T) {
	svc, _, _ := newTestService(t, EngagementInProgress)
	ctx := context.Background()

	p, err := svc.CreatePendingEscrow(ctx, "eng_1", 50000)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := svc.MarkFailed(ctx, p.ID, "card declined"); err != nil {
		t.Fatalf("mark failed: %v", err)
	}

	// A failed attempt is terminal; the client may retry with a new payment.
	if _, err := svc.CreatePendingEscrow(ctx, "eng_1", 50000); err != nil {
		t.Fatalf("create after failure: %v", err)
	}
}

func TestMarkHeld_SetsAutoRelease(t *testing.T) {
	svc, _, notifier := newTestService(t, EngagementInProgress)
	ctx := context.Background()

	p, err := svc.CreatePendingEscrow(ctx, "eng_1", 50000)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	before := time.Now()
	held, err := svc.MarkHeld(ctx, p.ID, "gwpay_1", "sig")
	if err != nil {
		t.Fatalf("mark held: %v", err)
	}

	if held.Status != StatusEscrowHeld {
		t.Fatalf("expected status %s, got %s", StatusEscrowHeld, held.Status)
	}
	if held.EscrowHeldAt == nil {
		t.Fatal("expected escrowHeldAt to be set")
	}
	if held.AutoReleaseAt == nil {
		t.Fatal("expected autoReleaseAt to be set")
	}
	want := before.Add(DefaultHoldPeriod)
	if diff := held.AutoReleaseAt.Sub(want); diff < -time.Second || diff > time.Second {
		t.Errorf("autoReleaseAt %v not within 1s of held-at + 7 days", held.AutoReleaseAt)
	}
	if notifier.count("escrow.held") != 1 {
		t.Errorf("expected 1 escrow.held notification, got %d", notifier.count("escrow.held"))
	}
}

func TestMarkHeld_Idempotent(t *testing.T) {
	svc, _, notifier := newTestService(t, EngagementInProgress)
	ctx := context.Background()

	p := heldPayment(t, svc, 50000)
	firstRelease := *p.AutoReleaseAt

	again, err := svc.MarkHeld(ctx, p.ID, "gwpay_1", "sig")
	if err != nil {
		t.Fatalf("second mark held: %v", err)
	}
	if again.Status != StatusEscrowHeld {
		t.Fatalf("expected status %s, got %s", StatusEscrowHeld, again.Status)
	}
	if !again.AutoReleaseAt.Equal(firstRelease) {
		t.Errorf("replay moved autoReleaseAt: %v -> %v", firstRelease, again.AutoReleaseAt)
	}
	if notifier.count("escrow.held") != 1 {
		t.Errorf("expected exactly 1 escrow.held notification, got %d", notifier.count("escrow.held"))
	}
}

func TestMarkHeld_RejectedFromTerminal(t *testing.T) {
	svc, _, _ := newTestService(t, EngagementInProgress)
	ctx := context.Background()

	p, err := svc.CreatePendingEscrow(ctx, "eng_1", 50000)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := svc.MarkFailed(ctx, p.ID, "card declined"); err != nil {
		t.Fatalf("mark failed: %v", err)
	}

	if _, err := svc.MarkHeld(ctx, p.ID, "gwpay_1", "sig"); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState, got %v", err)
	}
}

func TestManualRelease_RequiresCompletedEngagement(t *testing.T) {
	svc, store, notifier := newTestService(t, EngagementInProgress)
	ctx := context.Background()

	p := heldPayment(t, svc, 50000)

	_, err := svc.Release(ctx, p.ID, "adm_1", false)
	if !errors.Is(err, ErrInvalidState) {
		t.Fatalf("release on IN_PROGRESS engagement: expected ErrInvalidState, got %v", err)
	}

	// The rejected release must not mutate anything.
	got, err := svc.GetPayment(ctx, p.ID)
	if err != nil {
		t.Fatalf("get payment: %v", err)
	}
	if got.Status != StatusEscrowHeld || got.ReleasedToPayee || got.EscrowReleasedAt != nil {
		t.Fatalf("rejected release mutated payment: %+v", got)
	}
	if notifier.count("escrow.released") != 0 {
		t.Fatal("rejected release sent a notification")
	}

	// After completion the same call succeeds.
	store.SetEngagementStatus("eng_1", EngagementCompleted)
	released, err := svc.Release(ctx, p.ID, "adm_1", false)
	if err != nil {
		t.Fatalf("release after completion: %v", err)
	}
	if released.Status != StatusEscrowReleased {
		t.Fatalf("expected status %s, got %s", StatusEscrowReleased, released.Status)
	}
	if !released.ReleasedToPayee || released.EscrowReleasedAt == nil {
		t.Fatalf("release did not stamp payout fields: %+v", released)
	}
	if released.ReleasedBy != "adm_1" {
		t.Errorf("expected releasedBy adm_1, got %q", released.ReleasedBy)
	}
	// The auto-release deadline only exists while funds are held.
	if released.AutoReleaseAt != nil {
		t.Errorf("release left autoReleaseAt set: %v", released.AutoReleaseAt)
	}
}

func TestRelease_Idempotent(t *testing.T) {
	svc, _, notifier := newTestService(t, EngagementCompleted)
	ctx := context.Background()

	p := heldPayment(t, svc, 50000)

	if _, err := svc.Release(ctx, p.ID, "adm_1", false); err != nil {
		t.Fatalf("first release: %v", err)
	}
	again, err := svc.Release(ctx, p.ID, "adm_2", false)
	if err != nil {
		t.Fatalf("repeat release: %v", err)
	}
	if again.ReleasedBy != "adm_1" {
		t.Errorf("repeat release overwrote releasedBy: %q", again.ReleasedBy)
	}
	if notifier.count("escrow.released") != 1 {
		t.Fatalf("expected exactly 1 escrow.released notification, got %d",
			notifier.count("escrow.released"))
	}
}

func TestRelease_ConcurrentSingleWinner(t *testing.T) {
	svc, _, notifier := newTestService(t, EngagementCompleted)
	ctx := context.Background()

	p := heldPayment(t, svc, 50000)

	const n = 10
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = svc.Release(ctx, p.ID, "adm_1", false)
		}()
	}
	wg.Wait()

	if got := notifier.count("escrow.released"); got != 1 {
		t.Fatalf("expected exactly 1 release under contention, got %d", got)
	}
}

func TestReleaseByEngagement(t *testing.T) {
	svc, _, _ := newTestService(t, EngagementCompleted)
	ctx := context.Background()

	p := heldPayment(t, svc, 50000)

	released, err := svc.ReleaseByEngagement(ctx, "eng_1", "adm_1")
	if err != nil {
		t.Fatalf("release by engagement: %v", err)
	}
	if released.ID != p.ID {
		t.Fatalf("released wrong payment: %s", released.ID)
	}
	if released.Status != StatusEscrowReleased {
		t.Fatalf("expected status %s, got %s", StatusEscrowReleased, released.Status)
	}
}

func TestRaiseDispute_SuspendsAutoRelease(t *testing.T) {
	svc, _, notifier := newTestService(t, EngagementInProgress)
	ctx := context.Background()

	p := heldPayment(t, svc, 50000)
	if p.AutoReleaseAt == nil {
		t.Fatal("precondition: autoReleaseAt set")
	}

	d, err := svc.RaiseDispute(ctx, "eng_1", "usr_client", "deliverable missing")
	if err != nil {
		t.Fatalf("raise dispute: %v", err)
	}
	if d.Status != DisputeOpen {
		t.Fatalf("expected dispute status %s, got %s", DisputeOpen, d.Status)
	}

	got, err := svc.GetPayment(ctx, p.ID)
	if err != nil {
		t.Fatalf("get payment: %v", err)
	}
	if got.AutoReleaseAt != nil {
		t.Fatal("dispute did not clear autoReleaseAt")
	}
	if got.DisputeID != d.ID {
		t.Fatalf("payment not linked to dispute: %q", got.DisputeID)
	}
	if notifier.count("escrow.disputed") != 1 {
		t.Errorf("expected 1 escrow.disputed notification, got %d", notifier.count("escrow.disputed"))
	}
}

func TestRaiseDispute_OneOpenPerPayment(t *testing.T) {
	svc, _, _ := newTestService(t, EngagementInProgress)
	ctx := context.Background()

	heldPayment(t, svc, 50000)

	if _, err := svc.RaiseDispute(ctx, "eng_1", "usr_client", "first"); err != nil {
		t.Fatalf("first dispute: %v", err)
	}
	if _, err := svc.RaiseDispute(ctx, "eng_1", "usr_provider", "second"); !errors.Is(err, ErrActiveExists) {
		t.Fatalf("second dispute: expected ErrActiveExists, got %v", err)
	}
}

func TestRaiseDispute_RequiresHeldFunds(t *testing.T) {
	svc, _, _ := newTestService(t, EngagementInProgress)
	ctx := context.Background()

	if _, err := svc.CreatePendingEscrow(ctx, "eng_1", 50000); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := svc.RaiseDispute(ctx, "eng_1", "usr_client", "too early"); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("dispute on pending payment: expected ErrInvalidState, got %v", err)
	}
}

func TestResolveDispute_PartialRefund(t *testing.T) {
	svc, _, notifier := newTestService(t, EngagementInProgress)
	ctx := context.Background()

	p := heldPayment(t, svc, 50000)
	d, err := svc.RaiseDispute(ctx, "eng_1", "usr_client", "half delivered")
	if err != nil {
		t.Fatalf("raise dispute: %v", err)
	}

	resolved, pay, err := svc.ResolveDispute(ctx, d.ID, ResolutionPartialRefund, 50, "split evenly", "adm_1")
	if err != nil {
		t.Fatalf("resolve dispute: %v", err)
	}

	if resolved.Status != DisputeResolved {
		t.Fatalf("expected dispute status %s, got %s", DisputeResolved, resolved.Status)
	}
	if resolved.ResolvedBy != "adm_1" || resolved.ResolvedAt == nil {
		t.Fatalf("resolution not stamped: %+v", resolved)
	}

	if pay.Status != StatusPartiallyRefunded {
		t.Fatalf("expected payment status %s, got %s", StatusPartiallyRefunded, pay.Status)
	}
	if pay.RefundAmount != 25000 {
		t.Errorf("expected refund 25000, got %d", pay.RefundAmount)
	}
	if pay.PayeeAmount() != 25000 {
		t.Errorf("expected payee share 25000, got %d", pay.PayeeAmount())
	}
	if pay.RefundAmount+pay.PayeeAmount() != pay.Amount {
		t.Errorf("conservation violated: %d + %d != %d",
			pay.RefundAmount, pay.PayeeAmount(), pay.Amount)
	}
	if pay.ID != p.ID {
		t.Fatalf("resolved wrong payment: %s", pay.ID)
	}
	if notifier.count("escrow.resolved") != 1 {
		t.Errorf("expected 1 escrow.resolved notification, got %d", notifier.count("escrow.resolved"))
	}
}

func TestResolveDispute_Outcomes(t *testing.T) {
	tests := []struct {
		name           string
		resolution     Resolution
		percent        int
		wantStatus     Status
		wantRefund     money.Amount
		wantReleasedBy string
	}{
		{"release to payee", ResolutionReleaseToPayee, 0, StatusEscrowReleased, 0, "adm_1"},
		{"no refund", ResolutionNoRefund, 0, StatusEscrowReleased, 0, "adm_1"},
		{"full refund", ResolutionFullRefund, 0, StatusRefunded, 50000, ""},
		{"partial at 0 collapses to release", ResolutionPartialRefund, 0, StatusEscrowReleased, 0, "adm_1"},
		{"partial at 100 collapses to refund", ResolutionPartialRefund, 100, StatusRefunded, 50000, ""},
		{"partial at 33 rounds half up", ResolutionPartialRefund, 33, StatusPartiallyRefunded, 16500, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, _, _ := newTestService(t, EngagementInProgress)
			ctx := context.Background()

			heldPayment(t, svc, 50000)
			d, err := svc.RaiseDispute(ctx, "eng_1", "usr_client", "contested")
			if err != nil {
				t.Fatalf("raise dispute: %v", err)
			}

			_, pay, err := svc.ResolveDispute(ctx, d.ID, tt.resolution, tt.percent, "", "adm_1")
			if err != nil {
				t.Fatalf("resolve: %v", err)
			}
			if pay.Status != tt.wantStatus {
				t.Errorf("expected status %s, got %s", tt.wantStatus, pay.Status)
			}
			if pay.RefundAmount != tt.wantRefund {
				t.Errorf("expected refund %d, got %d", tt.wantRefund, pay.RefundAmount)
			}
			if !pay.Status.Terminal() {
				t.Errorf("resolution left payment in non-terminal status %s", pay.Status)
			}
			// releasedBy names who moved funds to the payee; refund
			// outcomes keep it empty.
			if pay.ReleasedBy != tt.wantReleasedBy {
				t.Errorf("expected releasedBy %q, got %q", tt.wantReleasedBy, pay.ReleasedBy)
			}
			if pay.AutoReleaseAt != nil {
				t.Errorf("resolution left autoReleaseAt set: %v", pay.AutoReleaseAt)
			}
		})
	}
}

func TestResolveDispute_RejectsBadInput(t *testing.T) {
	svc, _, _ := newTestService(t, EngagementInProgress)
	ctx := context.Background()

	heldPayment(t, svc, 50000)
	d, err := svc.RaiseDispute(ctx, "eng_1", "usr_client", "contested")
	if err != nil {
		t.Fatalf("raise dispute: %v", err)
	}

	if _, _, err := svc.ResolveDispute(ctx, d.ID, "split_the_difference", 50, "", "adm_1"); !errors.Is(err, ErrInvalidResolution) {
		t.Errorf("unknown resolution: expected ErrInvalidResolution, got %v", err)
	}
	if _, _, err := svc.ResolveDispute(ctx, d.ID, ResolutionPartialRefund, 101, "", "adm_1"); !errors.Is(err, money.ErrInvalidPercentage) {
		t.Errorf("percent 101: expected ErrInvalidPercentage, got %v", err)
	}
	if _, _, err := svc.ResolveDispute(ctx, d.ID, ResolutionPartialRefund, -1, "", "adm_1"); !errors.Is(err, money.ErrInvalidPercentage) {
		t.Errorf("percent -1: expected ErrInvalidPercentage, got %v", err)
	}

	// Bad input must leave the dispute open and resolvable.
	_, pay, err := svc.ResolveDispute(ctx, d.ID, ResolutionFullRefund, 0, "", "adm_1")
	if err != nil {
		t.Fatalf("resolve after rejected attempts: %v", err)
	}
	if pay.Status != StatusRefunded {
		t.Fatalf("expected status %s, got %s", StatusRefunded, pay.Status)
	}
}

func TestResolveDispute_SecondResolutionRejected(t *testing.T) {
	svc, _, _ := newTestService(t, EngagementInProgress)
	ctx := context.Background()

	heldPayment(t, svc, 50000)
	d, err := svc.RaiseDispute(ctx, "eng_1", "usr_client", "contested")
	if err != nil {
		t.Fatalf("raise dispute: %v", err)
	}

	if _, _, err := svc.ResolveDispute(ctx, d.ID, ResolutionFullRefund, 0, "", "adm_1"); err != nil {
		t.Fatalf("first resolve: %v", err)
	}
	if _, _, err := svc.ResolveDispute(ctx, d.ID, ResolutionReleaseToPayee, 0, "", "adm_2"); !errors.Is(err, ErrDisputeClosed) {
		t.Fatalf("second resolve: expected ErrDisputeClosed, got %v", err)
	}

	// The first resolution's money split must stand.
	got, err := svc.GetDispute(ctx, d.ID)
	if err != nil {
		t.Fatalf("get dispute: %v", err)
	}
	if got.Resolution != ResolutionFullRefund {
		t.Fatalf("second resolve overwrote resolution: %s", got.Resolution)
	}
}

func TestTerminalStatuses(t *testing.T) {
	terminal := []Status{StatusEscrowReleased, StatusRefunded, StatusPartiallyRefunded, StatusFailed}
	for _, s := range terminal {
		if !s.Terminal() {
			t.Errorf("%s should be terminal", s)
		}
	}
	active := []Status{StatusPendingPayment, StatusProcessing, StatusEscrowHeld}
	for _, s := range active {
		if s.Terminal() {
			t.Errorf("%s should not be terminal", s)
		}
	}
}

// pickID returns a random element, or "" when the slice is empty.
func pickID(rng *rand.Rand, ids []string) string {
	if len(ids) == 0 {
		return ""
	}
	return ids[rng.Intn(len(ids))]
}

// TestStateMachine_RandomOperationSequences throws random operation sequences
// at the service and checks the structural invariants after every step: a
// transition only ever follows a declared edge, the auto-release deadline
// exists only while funds are held, at most one payment per engagement is
// non-terminal, and terminal rows account for every paisa.
func TestStateMachine_RandomOperationSequences(t *testing.T) {
	legal := map[Status][]Status{
		StatusPendingPayment: {StatusProcessing, StatusEscrowHeld, StatusFailed},
		StatusProcessing:     {StatusEscrowHeld, StatusFailed},
		StatusEscrowHeld:     {StatusEscrowReleased, StatusRefunded, StatusPartiallyRefunded},
	}
	allowedEdge := func(from, to Status) bool {
		if from == to {
			return true
		}
		for _, s := range legal[from] {
			if s == to {
				return true
			}
		}
		return false
	}
	resolutions := []Resolution{
		ResolutionReleaseToPayee, ResolutionFullRefund,
		ResolutionPartialRefund, ResolutionNoRefund,
	}

	rng := rand.New(rand.NewSource(1))
	const sequences = 100
	const steps = 30

	for seq := 0; seq < sequences; seq++ {
		svc, store, _ := newTestService(t, EngagementInProgress)
		ctx := context.Background()

		var paymentIDs, disputeIDs []string
		lastStatus := map[string]Status{}
		completed := false

		for step := 0; step < steps; step++ {
			switch rng.Intn(8) {
			case 0: // fund the engagement
				if p, err := svc.CreatePendingEscrow(ctx, "eng_1", money.Amount(1000+rng.Intn(100000))); err == nil {
					paymentIDs = append(paymentIDs, p.ID)
					lastStatus[p.ID] = p.Status
				}
			case 1: // gateway capture
				if id := pickID(rng, paymentIDs); id != "" {
					_, _ = svc.MarkHeld(ctx, id, "gwpay_rand", "sig")
				}
			case 2: // gateway failure
				if id := pickID(rng, paymentIDs); id != "" {
					_, _ = svc.MarkFailed(ctx, id, "card declined")
				}
			case 3: // manual admin release
				if id := pickID(rng, paymentIDs); id != "" {
					_, _ = svc.Release(ctx, id, "adm_1", false)
				}
			case 4: // scheduler release
				if id := pickID(rng, paymentIDs); id != "" {
					_, _ = svc.Release(ctx, id, ActorSystem, true)
				}
			case 5: // raise dispute
				if d, err := svc.RaiseDispute(ctx, "eng_1", "usr_client", "contested"); err == nil {
					disputeIDs = append(disputeIDs, d.ID)
				}
			case 6: // resolve a dispute
				if id := pickID(rng, disputeIDs); id != "" {
					res := resolutions[rng.Intn(len(resolutions))]
					_, _, _ = svc.ResolveDispute(ctx, id, res, rng.Intn(101), "", "adm_1")
				}
			case 7: // flip engagement completion
				completed = !completed
				status := EngagementInProgress
				if completed {
					status = EngagementCompleted
				}
				store.SetEngagementStatus("eng_1", status)
			}

			active := 0
			for _, id := range paymentIDs {
				p, err := svc.GetPayment(ctx, id)
				if err != nil {
					t.Fatalf("seq %d step %d: get %s: %v", seq, step, id, err)
				}
				if !allowedEdge(lastStatus[id], p.Status) {
					t.Fatalf("seq %d step %d: illegal transition %s -> %s on %s",
						seq, step, lastStatus[id], p.Status, id)
				}
				lastStatus[id] = p.Status

				if p.AutoReleaseAt != nil && p.Status != StatusEscrowHeld {
					t.Fatalf("seq %d step %d: autoReleaseAt set while %s on %s",
						seq, step, p.Status, id)
				}
				if !p.Status.Terminal() {
					active++
				}
				switch p.Status {
				case StatusEscrowReleased:
					if !p.ReleasedToPayee || p.EscrowReleasedAt == nil {
						t.Fatalf("seq %d step %d: released without payout stamps on %s", seq, step, id)
					}
				case StatusFailed, StatusPendingPayment, StatusProcessing:
					if p.ReleasedToPayee || p.EscrowReleasedAt != nil {
						t.Fatalf("seq %d step %d: payout stamps on %s payment %s", seq, step, p.Status, id)
					}
				}
				if p.Status.Terminal() && p.Status != StatusFailed {
					if p.RefundAmount+p.PayeeAmount() != p.Amount {
						t.Fatalf("seq %d step %d: refund %d + payee %d != amount %d on %s",
							seq, step, p.RefundAmount, p.PayeeAmount(), p.Amount, id)
					}
				}
			}
			if active > 1 {
				t.Fatalf("seq %d step %d: %d concurrent non-terminal payments on one engagement",
					seq, step, active)
			}
		}
	}
}
