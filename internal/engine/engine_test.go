package engine_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"actiongate/internal/config"
	"actiongate/internal/db"
	"actiongate/internal/domain"
	"actiongate/internal/engine"
	"actiongate/internal/executor"
	"actiongate/internal/logging"
	"actiongate/internal/migrate"
	"actiongate/internal/observability"
)

var (
	human = domain.Principal{Kind: domain.PrincipalHuman, ID: "alice"}
	agent = domain.Principal{Kind: domain.PrincipalAgent, ID: "crm-bot"}
)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
	Calls  *atomic.Int32
	// Exec is what the stub executor does for every action type.
	Exec *atomic.Value
}

type execFn func(ctx context.Context, req executor.Request) (json.RawMessage, error)

func newTestEnv(t *testing.T, tweak ...func(*config.Config)) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if _, err := migrate.Migrate(conn, db.DialectSQLite); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default()
	cfg.Tenants = []config.TenantConfig{{ID: "org1", Name: "Org One"}}
	for _, fn := range tweak {
		fn(cfg)
	}
	eng, err := engine.New(conn, db.DialectSQLite, cfg)
	if err != nil {
		t.Fatalf("engine: %v", err)
	}
	eng.Now = func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }
	eng.Logger = logging.Discard()

	calls := &atomic.Int32{}
	exec := &atomic.Value{}
	exec.Store(execFn(func(context.Context, executor.Request) (json.RawMessage, error) {
		return json.RawMessage(`{"sent":1}`), nil
	}))
	reg := executor.NewRegistry()
	for _, a := range domain.ActionTypes {
		reg.Register(a, executor.Func(func(ctx context.Context, req executor.Request) (json.RawMessage, error) {
			calls.Add(1)
			return exec.Load().(execFn)(ctx, req)
		}))
	}
	eng.Executors = reg

	ctx := context.Background()
	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := eng.Repo.UpsertTenantTx(ctx, tx, domain.Tenant{ID: "org1", Name: "Org One", CreatedAt: "2024-01-01T00:00:00.000000Z"}); err != nil {
		t.Fatalf("seed tenant: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}
	return testEnv{Engine: eng, Ctx: ctx, Calls: calls, Exec: exec}
}

func (env testEnv) create(t *testing.T, risk string, mod ...func(*engine.CreateInput)) domain.Proposal {
	t.Helper()
	in := engine.CreateInput{
		OrganizationID: "org1",
		ActionType:     string(domain.ActionSendLeadsGHL),
		AgentID:        "lead-agent",
		DashboardID:    "dash-1",
		Summary:        "Push 3 hot leads",
		Payload:        json.RawMessage(`{"leads":[{"name":"a","score":90}]}`),
		RiskLevel:      risk,
		Principal:      agent,
	}
	for _, fn := range mod {
		fn(&in)
	}
	p, err := env.Engine.CreateProposal(env.Ctx, in)
	if err != nil {
		t.Fatalf("create proposal: %v", err)
	}
	return p
}

func boolPtr(b bool) *bool { return &b }

func TestCreateAppliesPolicyDefaults(t *testing.T) {
	env := newTestEnv(t)

	low := env.create(t, "low")
	if !low.PolicyAutoApproved || low.ApprovalRequired {
		t.Fatalf("low risk: auto=%v required=%v", low.PolicyAutoApproved, low.ApprovalRequired)
	}
	if low.Status != domain.StatusProposed {
		t.Fatalf("expected proposed, got %s", low.Status)
	}

	high := env.create(t, "high")
	if high.PolicyAutoApproved || !high.ApprovalRequired {
		t.Fatalf("high risk: auto=%v required=%v", high.PolicyAutoApproved, high.ApprovalRequired)
	}

	odd := env.create(t, "extreme", func(in *engine.CreateInput) {
		in.Priority = "P9"
		in.ExpectedImpact = ""
	})
	if odd.RiskLevel != domain.RiskMedium || odd.Priority != domain.PriorityP2 || odd.ExpectedImpact != domain.ImpactMedium {
		t.Fatalf("defaults not applied: %+v", odd)
	}

	override := env.create(t, "low", func(in *engine.CreateInput) { in.ApprovalRequired = boolPtr(true) })
	if !override.PolicyAutoApproved || !override.ApprovalRequired {
		t.Fatalf("override ignored: auto=%v required=%v", override.PolicyAutoApproved, override.ApprovalRequired)
	}

	stored, err := env.Engine.GetProposal(env.Ctx, low.ID)
	if err != nil {
		t.Fatal(err)
	}
	if stored.Summary != low.Summary || string(stored.Payload) != string(low.Payload) {
		t.Fatalf("stored proposal differs: %+v", stored)
	}
}

func TestCreateRejectsInvalidInput(t *testing.T) {
	env := newTestEnv(t, func(c *config.Config) {
		c.Actions["send_leads_ghl"] = config.ActionConfig{PayloadSchema: `{"type":"object","required":["leads"]}`}
	})
	base := engine.CreateInput{
		OrganizationID: "org1",
		ActionType:     "send_leads_ghl",
		AgentID:        "a",
		DashboardID:    "d",
		Summary:        "s",
		Payload:        json.RawMessage(`{"leads":[]}`),
	}

	in := base
	in.ActionType = "launch_rockets"
	_, err := env.Engine.CreateProposal(env.Ctx, in)
	var enumErr domain.InvalidEnumError
	if !errors.As(err, &enumErr) || enumErr.Field != "actionType" {
		t.Fatalf("expected invalid action type, got %v", err)
	}

	in = base
	in.Summary = " "
	_, err = env.Engine.CreateProposal(env.Ctx, in)
	var verr engine.ValidationError
	if !errors.As(err, &verr) || verr.Field != "summary" {
		t.Fatalf("expected summary validation error, got %v", err)
	}

	in = base
	in.OrganizationID = "ghost"
	_, err = env.Engine.CreateProposal(env.Ctx, in)
	if !errors.As(err, &verr) || verr.Field != "organizationId" {
		t.Fatalf("expected unknown organization, got %v", err)
	}

	in = base
	in.Payload = json.RawMessage(`{"other":1}`)
	_, err = env.Engine.CreateProposal(env.Ctx, in)
	var perr executor.PayloadError
	if !errors.As(err, &perr) {
		t.Fatalf("expected payload error, got %v", err)
	}

	res, err := env.Engine.ListProposals(env.Ctx, engine.ListInput{OrganizationID: "org1"})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Items) != 0 {
		t.Fatalf("rejected input was persisted: %d rows", len(res.Items))
	}
}

func TestHumanApprovalAutoExecutes(t *testing.T) {
	env := newTestEnv(t)
	p := env.create(t, "low")

	rep, err := env.Engine.DecideAndDispatch(env.Ctx, engine.DecideInput{
		ProposalID: p.ID,
		Decision:   "approved",
		Principal:  human,
	}, nil)
	if err != nil {
		t.Fatalf("decide: %v", err)
	}
	if rep.AutoExecution == nil || !rep.AutoExecution.Triggered || !rep.AutoExecution.OK {
		t.Fatalf("auto execution did not succeed: %+v", rep.AutoExecution)
	}
	if rep.Proposal.Status != domain.StatusExecuted {
		t.Fatalf("expected executed, got %s", rep.Proposal.Status)
	}
	if rep.Proposal.DecidedBy == nil || *rep.Proposal.DecidedBy != "user:alice" {
		t.Fatalf("decidedBy not recorded: %v", rep.Proposal.DecidedBy)
	}
	if rep.Proposal.ExecutedAt == nil || rep.Proposal.ExecutionStartedBy == nil {
		t.Fatalf("execution metadata missing: %+v", rep.Proposal)
	}
	if string(rep.Proposal.ExecutionResult) != `{"sent":1}` {
		t.Fatalf("unexpected result %s", rep.Proposal.ExecutionResult)
	}
	if env.Calls.Load() != 1 {
		t.Fatalf("expected one executor call, got %d", env.Calls.Load())
	}
}

func TestExecuteOnApproveFalseSkipsExecution(t *testing.T) {
	env := newTestEnv(t)
	p := env.create(t, "low")
	rep, err := env.Engine.DecideAndDispatch(env.Ctx, engine.DecideInput{ProposalID: p.ID, Decision: "approved", Principal: human}, boolPtr(false))
	if err != nil {
		t.Fatal(err)
	}
	if rep.AutoExecution != nil || rep.Proposal.Status != domain.StatusApproved || env.Calls.Load() != 0 {
		t.Fatalf("unexpected execution: %+v calls=%d", rep, env.Calls.Load())
	}
}

func TestAutoExecuteRequiresAllowList(t *testing.T) {
	env := newTestEnv(t)
	p := env.create(t, "low", func(in *engine.CreateInput) { in.ActionType = string(domain.ActionPublishAds) })
	rep, err := env.Engine.DecideAndDispatch(env.Ctx, engine.DecideInput{ProposalID: p.ID, Decision: "approved", Principal: human}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if rep.AutoExecution != nil || env.Calls.Load() != 0 {
		t.Fatalf("publish_ads is not auto-executable")
	}
}

func TestExecuteBeforeDecision(t *testing.T) {
	env := newTestEnv(t)
	p := env.create(t, "high")
	if !p.ApprovalRequired {
		t.Fatalf("high risk must require approval")
	}
	_, err := env.Engine.Execute(env.Ctx, engine.ExecuteInput{ProposalID: p.ID, Principal: human})
	var notApproved engine.NotApprovedError
	if !errors.As(err, &notApproved) || notApproved.Status != domain.StatusProposed {
		t.Fatalf("expected NotApprovedError(proposed), got %v", err)
	}
	stored, _ := env.Engine.GetProposal(env.Ctx, p.ID)
	if stored.Status != domain.StatusProposed || stored.ExecutionStartedAt != nil {
		t.Fatalf("proposal was touched: %+v", stored)
	}
	if env.Calls.Load() != 0 {
		t.Fatalf("executor must not run")
	}
}

func TestTimeoutThenRetry(t *testing.T) {
	env := newTestEnv(t, func(c *config.Config) { c.Execution.Timeout = 20 * time.Millisecond })
	env.Exec.Store(execFn(func(ctx context.Context, _ executor.Request) (json.RawMessage, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}))
	p := env.create(t, "high")

	rep, err := env.Engine.DecideAndDispatch(env.Ctx, engine.DecideInput{ProposalID: p.ID, Decision: "approved", Principal: human}, nil)
	if err != nil {
		t.Fatalf("approval must succeed even when execution fails: %v", err)
	}
	if rep.AutoExecution == nil || rep.AutoExecution.OK || rep.AutoExecution.Error == "" {
		t.Fatalf("expected failed auto execution: %+v", rep.AutoExecution)
	}
	if rep.Proposal.Status != domain.StatusFailed || rep.Proposal.ExecutionError == nil {
		t.Fatalf("expected failed with error, got %+v", rep.Proposal)
	}
	if rep.Proposal.DecidedAt == nil {
		t.Fatalf("approval must stay recorded")
	}

	env.Exec.Store(execFn(func(context.Context, executor.Request) (json.RawMessage, error) {
		return json.RawMessage(`{"ok":true}`), nil
	}))
	res, err := env.Engine.Execute(env.Ctx, engine.ExecuteInput{ProposalID: p.ID, Principal: human})
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if res.Proposal.Status != domain.StatusExecuted || res.Attempt != 2 || res.Proposal.ExecutionAttempts != 2 {
		t.Fatalf("unexpected retry outcome: %+v", res)
	}

	_, err = env.Engine.Execute(env.Ctx, engine.ExecuteInput{ProposalID: p.ID, Principal: human})
	var notApproved engine.NotApprovedError
	if !errors.As(err, &notApproved) || notApproved.Status != domain.StatusExecuted {
		t.Fatalf("executed is terminal, got %v", err)
	}
}

func TestExecutorErrorIsReturned(t *testing.T) {
	env := newTestEnv(t)
	env.Exec.Store(execFn(func(context.Context, executor.Request) (json.RawMessage, error) {
		return nil, errors.New("crm down")
	}))
	p := env.create(t, "high")
	if _, err := env.Engine.Decide(env.Ctx, engine.DecideInput{ProposalID: p.ID, Decision: "approved", Principal: human}); err != nil {
		t.Fatal(err)
	}
	rep, err := env.Engine.Execute(env.Ctx, engine.ExecuteInput{ProposalID: p.ID, Principal: human})
	var failed engine.ExecutionFailedError
	if !errors.As(err, &failed) || failed.Err.Error() != "crm down" {
		t.Fatalf("expected ExecutionFailedError, got %v", err)
	}
	if rep.Proposal.Status != domain.StatusFailed || *rep.Proposal.ExecutionError != "crm down" {
		t.Fatalf("failure not stored: %+v", rep.Proposal)
	}
	if rep.Proposal.ExecutionLeaseUntil != nil {
		t.Fatalf("lease must be released")
	}
}

func TestAgentApprovalNeverAutoExecutes(t *testing.T) {
	env := newTestEnv(t)
	p := env.create(t, "low")
	rep, err := env.Engine.DecideAndDispatch(env.Ctx, engine.DecideInput{ProposalID: p.ID, Decision: "approved", Principal: agent}, boolPtr(true))
	if err != nil {
		t.Fatal(err)
	}
	if rep.AutoExecution != nil {
		t.Fatalf("agent approval must not auto execute")
	}
	if rep.Proposal.Status != domain.StatusApproved || env.Calls.Load() != 0 {
		t.Fatalf("expected approved and no calls, got %s calls=%d", rep.Proposal.Status, env.Calls.Load())
	}
}

func TestDecideNotFoundAndNotActionable(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.Decide(env.Ctx, engine.DecideInput{ProposalID: "missing", Decision: "approved", Principal: human})
	if !errors.Is(err, engine.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}

	p := env.create(t, "high")
	if _, err := env.Engine.Decide(env.Ctx, engine.DecideInput{ProposalID: p.ID, Decision: "rejected", Principal: human, Note: "no"}); err != nil {
		t.Fatal(err)
	}
	_, err = env.Engine.Decide(env.Ctx, engine.DecideInput{ProposalID: p.ID, Decision: "approved", Principal: human})
	var notActionable engine.NotActionableError
	if !errors.As(err, &notActionable) || notActionable.Status != domain.StatusRejected {
		t.Fatalf("expected not actionable, got %v", err)
	}

	_, err = env.Engine.Decide(env.Ctx, engine.DecideInput{ProposalID: p.ID, Decision: "maybe", Principal: human})
	var enumErr domain.InvalidEnumError
	if !errors.As(err, &enumErr) {
		t.Fatalf("expected invalid decision, got %v", err)
	}
	_, err = env.Engine.Execute(env.Ctx, engine.ExecuteInput{ProposalID: p.ID, Principal: human})
	var notApproved engine.NotApprovedError
	if !errors.As(err, &notApproved) {
		t.Fatalf("rejected proposals never execute, got %v", err)
	}
}

func TestApprovalWithEditedPayload(t *testing.T) {
	env := newTestEnv(t)
	var seen json.RawMessage
	env.Exec.Store(execFn(func(_ context.Context, req executor.Request) (json.RawMessage, error) {
		seen = req.Payload
		return nil, nil
	}))
	p := env.create(t, "high")
	edited := json.RawMessage(`{"leads":[{"name":"b","score":99}]}`)
	approved, err := env.Engine.Decide(env.Ctx, engine.DecideInput{ProposalID: p.ID, Decision: "approved", Principal: human, Payload: edited})
	if err != nil {
		t.Fatal(err)
	}
	if string(approved.Payload) != string(edited) || approved.PayloadDigest == nil {
		t.Fatalf("edited payload not stored: %s digest=%v", approved.Payload, approved.PayloadDigest)
	}
	if _, err := env.Engine.Execute(env.Ctx, engine.ExecuteInput{ProposalID: p.ID, Principal: human}); err != nil {
		t.Fatal(err)
	}
	if string(seen) != string(edited) {
		t.Fatalf("executor saw %s", seen)
	}

	rejected := env.create(t, "high")
	out, err := env.Engine.Decide(env.Ctx, engine.DecideInput{ProposalID: rejected.ID, Decision: "rejected", Principal: human, Payload: edited})
	if err != nil {
		t.Fatal(err)
	}
	if string(out.Payload) != string(rejected.Payload) {
		t.Fatalf("reject must not edit payload")
	}
}

func TestTamperedPayloadFailsExecution(t *testing.T) {
	env := newTestEnv(t)
	p := env.create(t, "high")
	if _, err := env.Engine.Decide(env.Ctx, engine.DecideInput{ProposalID: p.ID, Decision: "approved", Principal: human}); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.DB.Exec(`UPDATE proposals SET payload_json='{"leads":[{"score":1}]}' WHERE id=?`, p.ID); err != nil {
		t.Fatal(err)
	}
	_, err := env.Engine.Execute(env.Ctx, engine.ExecuteInput{ProposalID: p.ID, Principal: human})
	if !errors.Is(err, engine.ErrPayloadTampered) {
		t.Fatalf("expected tamper detection, got %v", err)
	}
	if env.Calls.Load() != 0 {
		t.Fatalf("executor must not run on tampered payload")
	}
}

func TestConcurrentExecuteRunsOnce(t *testing.T) {
	env := newTestEnv(t)
	release := make(chan struct{})
	entered := make(chan struct{}, 2)
	env.Exec.Store(execFn(func(context.Context, executor.Request) (json.RawMessage, error) {
		entered <- struct{}{}
		<-release
		return json.RawMessage(`{}`), nil
	}))
	p := env.create(t, "high")
	if _, err := env.Engine.Decide(env.Ctx, engine.DecideInput{ProposalID: p.ID, Decision: "approved", Principal: human}); err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	errs := make(chan error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := env.Engine.Execute(env.Ctx, engine.ExecuteInput{ProposalID: p.ID, Principal: human})
			errs <- err
		}()
	}
	<-entered
	// the loser has either been rejected already or fails once we release
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()
	close(errs)

	var okCount, rejected int
	for err := range errs {
		var notApproved engine.NotApprovedError
		switch {
		case err == nil:
			okCount++
		case errors.Is(err, engine.ErrExecutionInProgress), errors.As(err, &notApproved):
			rejected++
		default:
			t.Fatalf("unexpected error %v", err)
		}
	}
	if okCount != 1 || rejected != 1 {
		t.Fatalf("expected one success and one rejection, got ok=%d rejected=%d", okCount, rejected)
	}
	if env.Calls.Load() != 1 {
		t.Fatalf("executor ran %d times", env.Calls.Load())
	}
}

func TestMaxAttempts(t *testing.T) {
	env := newTestEnv(t, func(c *config.Config) { c.Execution.MaxAttempts = 1 })
	env.Exec.Store(execFn(func(context.Context, executor.Request) (json.RawMessage, error) {
		return nil, errors.New("nope")
	}))
	p := env.create(t, "high")
	if _, err := env.Engine.Decide(env.Ctx, engine.DecideInput{ProposalID: p.ID, Decision: "approved", Principal: human}); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.Execute(env.Ctx, engine.ExecuteInput{ProposalID: p.ID, Principal: human}); err == nil {
		t.Fatal("expected failure")
	}
	_, err := env.Engine.Execute(env.Ctx, engine.ExecuteInput{ProposalID: p.ID, Principal: human})
	if !errors.Is(err, engine.ErrAttemptsExhausted) {
		t.Fatalf("expected attempts exhausted, got %v", err)
	}
}

func TestPolicyAutoDecide(t *testing.T) {
	env := newTestEnv(t, func(c *config.Config) { c.Policy.AutoDecide = true })
	p := env.create(t, "low")
	if p.Status != domain.StatusApproved || p.DecidedBy == nil || *p.DecidedBy != "policy:auto" {
		t.Fatalf("expected policy approval, got %s by %v", p.Status, p.DecidedBy)
	}
	if env.Calls.Load() != 0 {
		t.Fatalf("policy approval must not execute")
	}
	high := env.create(t, "high")
	if high.Status != domain.StatusProposed {
		t.Fatalf("high risk must wait for a human, got %s", high.Status)
	}
}

func TestListProposalsFiltersAndPages(t *testing.T) {
	env := newTestEnv(t)
	clock := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	env.Engine.Now = func() time.Time {
		clock = clock.Add(time.Second)
		return clock
	}
	var ids []string
	for i := 0; i < 5; i++ {
		ids = append(ids, env.create(t, "high").ID)
	}
	if _, err := env.Engine.Decide(env.Ctx, engine.DecideInput{ProposalID: ids[0], Decision: "rejected", Principal: human}); err != nil {
		t.Fatal(err)
	}

	page, err := env.Engine.ListProposals(env.Ctx, engine.ListInput{OrganizationID: "org1", Status: "all", Limit: 2})
	if err != nil {
		t.Fatal(err)
	}
	if len(page.Items) != 2 || page.Items[0].ID != ids[4] || page.NextCursor == "" {
		t.Fatalf("unexpected first page: %d items, cursor %q", len(page.Items), page.NextCursor)
	}
	seen := len(page.Items)
	for page.NextCursor != "" {
		page, err = env.Engine.ListProposals(env.Ctx, engine.ListInput{OrganizationID: "org1", Limit: 2, Cursor: page.NextCursor})
		if err != nil {
			t.Fatal(err)
		}
		seen += len(page.Items)
	}
	if seen != 5 {
		t.Fatalf("paging saw %d proposals", seen)
	}

	rejected, err := env.Engine.ListProposals(env.Ctx, engine.ListInput{OrganizationID: "org1", Status: "rejected"})
	if err != nil {
		t.Fatal(err)
	}
	if len(rejected.Items) != 1 || rejected.Items[0].ID != ids[0] {
		t.Fatalf("status filter failed: %+v", rejected.Items)
	}
	if _, err := env.Engine.ListProposals(env.Ctx, engine.ListInput{OrganizationID: "org1", Status: "bogus"}); err == nil {
		t.Fatal("expected invalid status error")
	}
	other, err := env.Engine.ListProposals(env.Ctx, engine.ListInput{OrganizationID: "org2"})
	if err != nil || len(other.Items) != 0 {
		t.Fatalf("tenant isolation broken: %v %d", err, len(other.Items))
	}
}

func TestLifecycleEventsRecorded(t *testing.T) {
	env := newTestEnv(t)
	p := env.create(t, "low")
	if _, err := env.Engine.DecideAndDispatch(env.Ctx, engine.DecideInput{ProposalID: p.ID, Decision: "approved", Principal: human}, nil); err != nil {
		t.Fatal(err)
	}
	evts, err := env.Engine.ListEvents(env.Ctx, engine.EventsInput{ProposalID: p.ID})
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"proposal.executed", "proposal.execution_started", "proposal.approved", "proposal.created"}
	if len(evts) != len(want) {
		t.Fatalf("expected %d events, got %d", len(want), len(evts))
	}
	for i, w := range want {
		if evts[i].Type != w {
			t.Fatalf("event %d: want %s got %s", i, w, evts[i].Type)
		}
	}
}

func TestTransitionTable(t *testing.T) {
	allowed := map[[2]domain.Status]bool{
		{domain.StatusProposed, domain.StatusApproved}: true,
		{domain.StatusProposed, domain.StatusRejected}: true,
		{domain.StatusApproved, domain.StatusExecuted}: true,
		{domain.StatusApproved, domain.StatusFailed}:   true,
		{domain.StatusFailed, domain.StatusExecuted}:   true,
		{domain.StatusFailed, domain.StatusFailed}:     true,
	}
	for _, from := range domain.Statuses {
		for _, to := range domain.Statuses {
			if got := engine.CanTransition(from, to); got != allowed[[2]domain.Status{from, to}] {
				t.Fatalf("%s -> %s: got %v", from, to, got)
			}
		}
	}
}

func TestPayloadDigestIsCanonical(t *testing.T) {
	a, err := engine.PayloadDigest(json.RawMessage(`{"b":1,"a":[1,2]}`))
	if err != nil {
		t.Fatal(err)
	}
	b, err := engine.PayloadDigest(json.RawMessage(`{ "a": [1, 2], "b": 1.0 }`))
	if err != nil {
		t.Fatal(err)
	}
	if a != b {
		t.Fatalf("digests differ: %s vs %s", a, b)
	}
}

func TestExecuteEmitsSpans(t *testing.T) {
	env := newTestEnv(t)
	exp := tracetest.NewInMemoryExporter()
	tp, err := observability.NewTracerProvider(exp, "test")
	if err != nil {
		t.Fatal(err)
	}
	env.Engine.Tracer = tp.Tracer("actiongate")

	p := env.create(t, "low")
	if _, err := env.Engine.Decide(env.Ctx, engine.DecideInput{ProposalID: p.ID, Decision: "approved", Principal: human}); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.Execute(env.Ctx, engine.ExecuteInput{ProposalID: p.ID, Principal: human}); err != nil {
		t.Fatal(err)
	}
	names := map[string]bool{}
	for _, s := range exp.GetSpans() {
		names[s.Name] = true
	}
	for _, want := range []string{"proposal.execute", "executor.dispatch"} {
		if !names[want] {
			t.Fatalf("missing span %s, got %v", want, names)
		}
	}
	if err := tp.Shutdown(context.Background()); err != nil {
		t.Fatal(err)
	}
}

func TestEventTimestampsFollowEngineClock(t *testing.T) {
	env := newTestEnv(t)
	p := env.create(t, "low")
	if _, err := env.Engine.DecideAndDispatch(env.Ctx, engine.DecideInput{ProposalID: p.ID, Decision: "approved", Principal: human}, nil); err != nil {
		t.Fatal(err)
	}
	evts, err := env.Engine.ListEvents(env.Ctx, engine.EventsInput{ProposalID: p.ID})
	if err != nil {
		t.Fatal(err)
	}
	if len(evts) == 0 {
		t.Fatal("expected events")
	}
	want := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC).Format(domain.TimeLayout)
	for _, evt := range evts {
		if evt.TS != want {
			t.Fatalf("%s stamped %s, want %s", evt.Type, evt.TS, want)
		}
	}
}

type publishFunc func(ctx context.Context, evt domain.Event) error

func (f publishFunc) Publish(ctx context.Context, evt domain.Event) error { return f(ctx, evt) }

func TestPolicyAutoDecideFailureKeepsProposal(t *testing.T) {
	env := newTestEnv(t, func(c *config.Config) { c.Policy.AutoDecide = true })
	// freeze the proposals table once the create commits so the policy decision fails
	env.Engine.Publisher = publishFunc(func(ctx context.Context, evt domain.Event) error {
		if evt.Type != "proposal.created" {
			return nil
		}
		_, err := env.Engine.DB.ExecContext(ctx, `CREATE TRIGGER freeze_proposals BEFORE UPDATE ON proposals BEGIN SELECT RAISE(ABORT, 'frozen'); END`)
		return err
	})

	p := env.create(t, "low")
	if p.ID == "" || p.Status != domain.StatusProposed {
		t.Fatalf("expected committed proposed proposal, got %s", p.Status)
	}
	stored, err := env.Engine.GetProposal(env.Ctx, p.ID)
	if err != nil {
		t.Fatal(err)
	}
	if stored.Status != domain.StatusProposed || stored.DecidedBy != nil {
		t.Fatalf("expected proposal left for a manual decision, got %s", stored.Status)
	}
}
