package ledger_test

import (
	"context"
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/erazemk/custody/internal/db"
	"github.com/erazemk/custody/internal/ledger"
	"github.com/erazemk/custody/internal/model"
	"github.com/erazemk/custody/internal/store"
)

func (s *LedgerSuite) children(n int) []int64 {
	ids := make([]int64, n)
	for i := range ids {
		ids[i] = s.item("S", &s.p1.ID).ID
	}
	return ids
}

func (s *LedgerSuite) TestRetireForSplit() {
	s.seedAtVault()
	kids := s.children(3)

	recs, err := s.ledger.RetireForSplit(s.ctx, s.p1.ID, kids, s.vault.ID)
	s.Require().NoError(err)
	s.Require().Len(recs, 3)

	splitter, err := store.GetSplitHolder(s.ctx, s.db)
	s.Require().NoError(err)

	for i, id := range kids {
		s.Equal(id, recs[i].ItemID)
		s.Equal(splitter.ID, recs[i].FromHolderID)
		s.Equal(1, s.activeCount(id))
		s.assertLocation(id, s.vault.ID, model.StatusUnconfirmed)
	}

	s.Equal(0, s.activeCount(s.p1.ID), "retired parent has no active record")

	_, err = s.ledger.CurrentLocation(s.ctx, s.p1.ID)
	s.ErrorIs(err, ledger.ErrItemRetired)
	s.ErrorIs(s.ledger.CanCreateTransfer(s.ctx, s.p1.ID, s.vault.ID, s.grader.ID), ledger.ErrItemRetired)
	_, err = s.ledger.InitiateTransfer(s.ctx, s.p1.ID, s.vault.ID, s.grader.ID, s.vault.ID, "")
	s.ErrorIs(err, ledger.ErrItemRetired)
	_, err = s.ledger.ConfirmReceived(s.ctx, s.p1.ID)
	s.ErrorIs(err, ledger.ErrItemRetired)
	_, err = s.ledger.RetireForSplit(s.ctx, s.p1.ID, s.children(1), s.vault.ID)
	s.ErrorIs(err, ledger.ErrItemRetired)

	// The audit trail of the parent survives.
	last, err := s.ledger.MostRecentTransfer(s.ctx, s.p1.ID)
	s.Require().NoError(err)
	s.Equal(s.vault.ID, last.ToHolderID)
	s.False(last.Active)
}

func (s *LedgerSuite) TestSplitChildrenStartTheirOwnChain() {
	s.seedAtVault()
	kids := s.children(2)
	_, err := s.ledger.RetireForSplit(s.ctx, s.p1.ID, kids, s.vault.ID)
	s.Require().NoError(err)

	_, err = s.ledger.InitiateTransfer(s.ctx, kids[0], s.vault.ID, s.grader.ID, s.vault.ID, "")
	s.ErrorIs(err, ledger.ErrTransferPending)

	_, err = s.ledger.ConfirmReceivedBy(s.ctx, kids[0], s.vault.ID)
	s.Require().NoError(err)
	_, err = s.ledger.InitiateTransfer(s.ctx, kids[0], s.vault.ID, s.grader.ID, s.vault.ID, "")
	s.Require().NoError(err)

	s.assertLocation(kids[0], s.grader.ID, model.StatusUnconfirmed)
	s.assertLocation(kids[1], s.vault.ID, model.StatusUnconfirmed)
}

func (s *LedgerSuite) TestSplitWhileInTransit() {
	s.seedAtVault()
	_, err := s.ledger.InitiateTransfer(s.ctx, s.p1.ID, s.vault.ID, s.grader.ID, s.vault.ID, "")
	s.Require().NoError(err)

	_, err = s.ledger.RetireForSplit(s.ctx, s.p1.ID, s.children(2), s.vault.ID)
	s.ErrorIs(err, ledger.ErrTransferPending)
	s.assertLocation(s.p1.ID, s.grader.ID, model.StatusUnconfirmed)
}

func (s *LedgerSuite) TestSplitUntrackedParent() {
	_, err := s.ledger.RetireForSplit(s.ctx, s.p1.ID, s.children(1), s.admin.ID)
	s.ErrorIs(err, ledger.ErrNotTracked)
}

func (s *LedgerSuite) TestSplitRejectsInvalidChildren() {
	s.seedAtVault()
	kids := s.children(2)
	stranger := s.item("unrelated", nil)

	tests := []struct {
		name  string
		child []int64
		want  error
	}{
		{"no children", nil, ledger.ErrInvalidSplit},
		{"duplicate child", []int64{kids[0], kids[0]}, ledger.ErrInvalidSplit},
		{"parent as child", []int64{s.p1.ID}, ledger.ErrInvalidSplit},
		{"not a child of the parent", []int64{kids[0], stranger.ID}, ledger.ErrInvalidSplit},
		{"unknown child", []int64{kids[0], 9999}, ledger.ErrItemNotFound},
	}
	for _, tt := range tests {
		s.Run(tt.name, func() {
			_, err := s.ledger.RetireForSplit(s.ctx, s.p1.ID, tt.child, s.vault.ID)
			s.ErrorIs(err, tt.want)
		})
	}

	s.assertLocation(s.p1.ID, s.vault.ID, model.StatusConfirmed)
	for _, id := range kids {
		s.Equal(0, s.activeCount(id))
	}
}

func (s *LedgerSuite) TestSplitWithTrackedChildChangesNothing() {
	s.seedAtVault()
	kids := s.children(3)
	_, err := s.ledger.SeedInitialCustody(s.ctx, kids[1], s.admin.ID, s.grader.ID, s.admin.ID)
	s.Require().NoError(err)

	_, err = s.ledger.RetireForSplit(s.ctx, s.p1.ID, kids, s.vault.ID)
	s.ErrorIs(err, ledger.ErrAlreadyTracked)

	var le *ledger.Error
	s.Require().ErrorAs(err, &le)
	s.Equal(kids[1], le.ItemID)

	s.assertSplitRolledBack(kids[0], kids[2])
}

// A failure while the children are being seeded, after the parent has
// already been retired in the same transaction, must undo the retirement.
func (s *LedgerSuite) TestSplitFailureMidwayRollsBack() {
	s.seedAtVault()
	kids := s.children(3)

	// SQLite triggers cannot take bound parameters.
	_, err := s.db.ExecContext(s.ctx, fmt.Sprintf(`CREATE TRIGGER fail_third_child BEFORE INSERT ON transfers
		WHEN NEW.item_id = %d BEGIN SELECT RAISE(ABORT, 'injected failure'); END`, kids[2]))
	s.Require().NoError(err)

	_, err = s.ledger.RetireForSplit(s.ctx, s.p1.ID, kids, s.vault.ID)
	s.Require().Error(err)
	s.Contains(err.Error(), "injected failure")

	s.assertSplitRolledBack(kids...)
}

func (s *LedgerSuite) assertSplitRolledBack(untouched ...int64) {
	parent, err := store.GetItem(s.ctx, s.db, s.p1.ID)
	s.Require().NoError(err)
	s.False(parent.Retired(), "parent must not be retired")
	s.Equal(1, s.activeCount(s.p1.ID))
	s.assertLocation(s.p1.ID, s.vault.ID, model.StatusConfirmed)

	for _, id := range untouched {
		has, err := store.HasTransfers(s.ctx, s.db, id)
		s.Require().NoError(err)
		s.False(has, "child %d must have no custody record", id)
	}
}

func (s *LedgerSuite) TestSplitInsideOuterTransactionCountsOnlyOnCommit() {
	s.seedAtVault()
	kids := s.children(2)
	abort := errors.New("outer rollback")

	err := s.db.InTx(s.ctx, func(ctx context.Context, _ *db.Tx) error {
		if _, err := s.ledger.RetireForSplit(ctx, s.p1.ID, kids, s.vault.ID); err != nil {
			return err
		}
		return abort
	})
	s.Require().ErrorIs(err, abort)
	s.Zero(testutil.ToFloat64(s.metrics.SplitChildren), "rolled back split is not counted")
	s.Equal(1, s.activeCount(s.p1.ID))

	err = s.db.InTx(s.ctx, func(ctx context.Context, _ *db.Tx) error {
		_, err := s.ledger.RetireForSplit(ctx, s.p1.ID, kids, s.vault.ID)
		return err
	})
	s.Require().NoError(err)
	s.Equal(2.0, testutil.ToFloat64(s.metrics.SplitChildren))
}
