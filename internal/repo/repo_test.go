package repo

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"

	"actiongate/internal/db"
	"actiongate/internal/domain"
)

func newMockRepo(t *testing.T) (Repo, sqlmock.Sqlmock) {
	t.Helper()
	conn, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return Repo{DB: conn, Dialect: db.DialectPostgres}, mock
}

func TestNormalizeLimit(t *testing.T) {
	cases := map[int]int{-1: 50, 0: 50, 1: 1, 200: 200, 201: 200}
	for in, want := range cases {
		if got := NormalizeLimit(in); got != want {
			t.Fatalf("NormalizeLimit(%d) = %d, want %d", in, got, want)
		}
	}
}

func TestMarkExecutionStartRebindsAndBoundsAttempts(t *testing.T) {
	r, mock := newMockRepo(t)
	ctx := context.Background()
	at := "2026-01-02T03:04:05.000Z"
	lease := "2026-01-02T03:05:05.000Z"

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`WHERE id=$5 AND status IN ($6,$7) AND (execution_lease_until IS NULL OR execution_lease_until < $8) AND execution_attempts < $9`)).
		WithArgs(at, "user:ana", lease, at, "prop_1", "approved", "failed", at, 3).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT execution_attempts FROM proposals WHERE id=$1`)).
		WithArgs("prop_1").
		WillReturnRows(sqlmock.NewRows([]string{"execution_attempts"}).AddRow(2))
	mock.ExpectCommit()

	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	attempt, err := r.MarkExecutionStartTx(ctx, tx, ExecutionStart{ID: "prop_1", StartedBy: "user:ana", At: at, LeaseUntil: lease, MaxAttempts: 3})
	if err != nil {
		t.Fatalf("mark start: %v", err)
	}
	if attempt != 2 {
		t.Fatalf("expected attempt 2, got %d", attempt)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestMarkExecutionStartConflictWhenLeaseHeld(t *testing.T) {
	r, mock := newMockRepo(t)
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE proposals`)).
		WillReturnResult(sqlmock.NewResult(0, 0))

	_, err := r.MarkExecutionStartTx(context.Background(), nil, ExecutionStart{ID: "prop_1", At: "t", LeaseUntil: "t2"})
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestApplyDecisionOnlyMatchesProposed(t *testing.T) {
	r, mock := newMockRepo(t)
	mock.ExpectExec(regexp.QuoteMeta(`WHERE id=$8 AND status=$9`)).
		WithArgs("rejected", "agent:bot", nil, "t", nil, nil, "t", "prop_1", "proposed").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := r.ApplyDecisionTx(context.Background(), nil, DecisionUpdate{
		ID:        "prop_1",
		Status:    domain.StatusRejected,
		DecidedBy: "agent:bot",
		At:        "t",
	})
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestGetProposalMissing(t *testing.T) {
	r, mock := newMockRepo(t)
	mock.ExpectQuery(regexp.QuoteMeta(`FROM proposals WHERE id=$1`)).
		WithArgs("nope").
		WillReturnError(sql.ErrNoRows)

	if _, err := r.GetProposal(context.Background(), "nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestCountProposalsByStatus(t *testing.T) {
	r, mock := newMockRepo(t)
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT status, COUNT(*) FROM proposals WHERE organization_id=$1 GROUP BY status`)).
		WithArgs("org1").
		WillReturnRows(sqlmock.NewRows([]string{"status", "count"}).AddRow("proposed", 4).AddRow("executed", 1))

	counts, err := r.CountProposalsByStatus(context.Background(), "org1")
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if counts[domain.StatusProposed] != 4 || counts[domain.StatusExecuted] != 1 || counts[domain.StatusFailed] != 0 {
		t.Fatalf("unexpected counts: %v", counts)
	}
}

func TestRevokeAgentKeyMissing(t *testing.T) {
	r, mock := newMockRepo(t)
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE agent_keys SET revoked_at=$1 WHERE tenant_id=$2 AND id=$3 AND revoked_at IS NULL`)).
		WithArgs("t", "org1", "key_9").
		WillReturnResult(sqlmock.NewResult(0, 0))

	if err := r.RevokeAgentKey(context.Background(), "org1", "key_9", "t"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestHashAgentKeyTrims(t *testing.T) {
	if HashAgentKey(" agk_1\n") != HashAgentKey("agk_1") {
		t.Fatalf("expected surrounding whitespace to be ignored")
	}
	if len(HashAgentKey("agk_1")) != 64 {
		t.Fatalf("expected hex sha256")
	}
}
