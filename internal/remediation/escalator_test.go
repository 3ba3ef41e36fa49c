package remediation

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"metricwatch/internal/alerting"
	"metricwatch/internal/model"
)

type recordingTarget struct {
	mu      sync.Mutex
	applied []Action
	err     error
	panics  bool
}

func (r *recordingTarget) Apply(_ context.Context, action Action, _ string, _ alerting.Alert) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.panics {
		panic("target exploded")
	}
	r.applied = append(r.applied, action)
	return r.err
}

func (r *recordingTarget) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.applied)
}

type fakeNow struct {
	mu sync.Mutex
	t  time.Time
}

func (f *fakeNow) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.t
}

func (f *fakeNow) Advance(d time.Duration) {
	f.mu.Lock()
	f.t = f.t.Add(d)
	f.mu.Unlock()
}

func paymentPolicy(t *testing.T) *Policy {
	t.Helper()
	p, err := NewPolicy(DefaultRules(model.KindPayment))
	require.NoError(t, err)
	return p
}

func repeatedFailures() alerting.Alert {
	return alerting.NewAlert(model.KindPayment, alerting.TypeRepeatedFailures, "user-1", alerting.SeverityHigh, map[string]any{"count": 3}, time.Unix(100, 0))
}

func TestEscalateTwiceAppliesOnce(t *testing.T) {
	target := &recordingTarget{}
	clock := &fakeNow{t: time.Unix(1000, 0)}
	e := NewEscalator("payments", paymentPolicy(t), target, Options{Window: time.Minute, Now: clock.Now}, nil, zerolog.Nop())

	alert := repeatedFailures()
	first := e.Escalate(context.Background(), "user-1", alert)
	second := e.Escalate(context.Background(), "user-1", alert)

	assert.Equal(t, ActionRequireVerification, first.Action)
	assert.True(t, first.Applied())
	assert.Equal(t, ResultDuplicate, second.Result)
	assert.Equal(t, 1, target.count())
}

func TestEscalateConcurrentCallsApplyOnce(t *testing.T) {
	target := &recordingTarget{}
	e := NewEscalator("payments", paymentPolicy(t), target, Options{Window: time.Hour}, nil, zerolog.Nop())

	alert := repeatedFailures()
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			e.Escalate(context.Background(), "user-1", alert)
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, target.count())
}

func TestEscalateAfterWindowAppliesAgain(t *testing.T) {
	target := &recordingTarget{}
	clock := &fakeNow{t: time.Unix(1000, 0)}
	e := NewEscalator("payments", paymentPolicy(t), target, Options{Window: time.Minute, Now: clock.Now}, nil, zerolog.Nop())

	e.Escalate(context.Background(), "user-1", repeatedFailures())
	clock.Advance(time.Minute)
	out := e.Escalate(context.Background(), "user-1", repeatedFailures())

	assert.True(t, out.Applied())
	assert.Equal(t, 2, target.count())
}

func TestEscalateIsScopedByEntityAndAction(t *testing.T) {
	target := &recordingTarget{}
	e := NewEscalator("payments", paymentPolicy(t), target, Options{}, nil, zerolog.Nop())

	e.Escalate(context.Background(), "user-1", repeatedFailures())
	e.Escalate(context.Background(), "user-2", repeatedFailures())

	risky := alerting.NewAlert(model.KindPayment, alerting.TypeRiskEscalation, "user-1", alerting.SeverityCritical, nil, time.Unix(100, 0))
	out := e.Escalate(context.Background(), "user-1", risky)

	assert.Equal(t, ActionSuspendBilling, out.Action)
	assert.Equal(t, []Action{ActionRequireVerification, ActionRequireVerification, ActionSuspendBilling}, target.applied)
}

func TestEscalateNoopSkipsTarget(t *testing.T) {
	target := &recordingTarget{}
	e := NewEscalator("payments", paymentPolicy(t), target, Options{}, nil, zerolog.Nop())

	warning := alerting.NewAlert(model.KindPayment, alerting.TypeThresholdWarning, "user-1", alerting.SeverityMedium, nil, time.Unix(100, 0))
	out := e.Escalate(context.Background(), "user-1", warning)

	assert.Equal(t, ActionNoop, out.Action)
	assert.Equal(t, ResultNoop, out.Result)
	assert.Zero(t, target.count())
}

func TestEscalateRecoversTargetFailures(t *testing.T) {
	e := NewEscalator("payments", paymentPolicy(t), &recordingTarget{panics: true}, Options{}, nil, zerolog.Nop())
	out := e.Escalate(context.Background(), "user-1", repeatedFailures())
	assert.Equal(t, ResultFailed, out.Result)
	assert.ErrorContains(t, out.Err, "panic")

	failing := NewEscalator("payments", paymentPolicy(t), &recordingTarget{err: errors.New("denied")}, Options{}, nil, zerolog.Nop())
	out = failing.Escalate(context.Background(), "user-1", repeatedFailures())
	assert.Equal(t, ResultFailed, out.Result)
	assert.Equal(t, ResultDuplicate, failing.Escalate(context.Background(), "user-1", repeatedFailures()).Result)
}

func TestClaimRecordsAttemptBeforeApply(t *testing.T) {
	target := &recordingTarget{}
	e := NewEscalator("payments", paymentPolicy(t), target, Options{Window: time.Hour}, nil, zerolog.Nop())

	action, ok := e.Claim("user-1", repeatedFailures())
	require.True(t, ok)
	assert.Equal(t, ActionRequireVerification, action)
	assert.Zero(t, target.count(), "claim does not touch the target")

	_, again := e.Claim("user-1", repeatedFailures())
	assert.False(t, again, "claimed action is a duplicate until the window passes")

	warning := alerting.NewAlert(model.KindPayment, alerting.TypeThresholdWarning, "user-1", alerting.SeverityMedium, nil, time.Unix(100, 0))
	noop, ok := e.Claim("user-1", warning)
	assert.False(t, ok)
	assert.Equal(t, ActionNoop, noop)

	out := e.Apply(context.Background(), "user-1", action, repeatedFailures())
	assert.True(t, out.Applied())
	assert.Equal(t, 1, target.count())
}

func TestPrune(t *testing.T) {
	clock := &fakeNow{t: time.Unix(1000, 0)}
	e := NewEscalator("payments", paymentPolicy(t), &recordingTarget{}, Options{Window: time.Minute, Now: clock.Now}, nil, zerolog.Nop())
	e.Escalate(context.Background(), "user-1", repeatedFailures())

	assert.Zero(t, e.Prune())
	clock.Advance(2 * time.Minute)
	assert.Equal(t, 1, e.Prune())
}

func TestPolicy(t *testing.T) {
	_, err := NewPolicy([]Rule{{Type: "*", Action: "explode"}})
	assert.Error(t, err)

	p, err := NewPolicy([]Rule{
		{Type: alerting.TypeStaleMetric, Action: "SENDNOTIFICATION"},
		{Type: "*", MinSeverity: "critical", Action: ActionAttemptRecovery},
	})
	require.NoError(t, err)

	stale := alerting.NewAlert(model.KindHealth, alerting.TypeStaleMetric, "api", alerting.SeverityMedium, nil, time.Unix(0, 0))
	crit := alerting.NewAlert(model.KindHealth, alerting.TypeThresholdCritical, "api", alerting.SeverityCritical, nil, time.Unix(0, 0))
	warn := alerting.NewAlert(model.KindHealth, alerting.TypeThresholdWarning, "api", alerting.SeverityMedium, nil, time.Unix(0, 0))

	assert.Equal(t, ActionSendNotification, p.Decide(stale))
	assert.Equal(t, ActionAttemptRecovery, p.Decide(crit))
	assert.Equal(t, ActionNoop, p.Decide(warn))

	var nilPolicy *Policy
	assert.Equal(t, ActionNoop, nilPolicy.Decide(crit))
}

func TestHTTPTarget(t *testing.T) {
	var got actionRequest
	var key string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key = r.Header.Get("Idempotency-Key")
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	target := NewHTTPTarget(srv.URL, "", time.Second, zerolog.Nop())
	require.NoError(t, target.Apply(context.Background(), ActionRestrictAccount, "user-1", repeatedFailures()))
	assert.Equal(t, ActionRestrictAccount, got.Action)
	assert.Equal(t, "user-1", got.EntityID)
	assert.Equal(t, "user-1:restrictAccount", key)

	failing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusConflict)
	}))
	defer failing.Close()
	err := NewHTTPTarget(failing.URL, "t", time.Second, zerolog.Nop()).Apply(context.Background(), ActionRestrictAccount, "user-1", repeatedFailures())
	assert.ErrorContains(t, err, "409")
}
