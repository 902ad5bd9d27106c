// Package escrow reserves a payer's funds against a work item and pays them out one slot
// at a time, refunding whatever is left when the work is cancelled.
package escrow

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/Windi-Fikriyansyah/earn_ledger/internal/apperrors"
	"github.com/Windi-Fikriyansyah/earn_ledger/internal/metrics"
	"github.com/Windi-Fikriyansyah/earn_ledger/internal/models"
	"github.com/Windi-Fikriyansyah/earn_ledger/internal/services/wallet"
	"github.com/Windi-Fikriyansyah/earn_ledger/internal/store"
)

type EscrowService struct {
	Store   store.Store
	Wallets *wallet.WalletService
	Log     logrus.FieldLogger
	Metrics *metrics.Metrics
}

func NewEscrowService(st store.Store, wallets *wallet.WalletService, log logrus.FieldLogger, m *metrics.Metrics) *EscrowService {
	return &EscrowService{Store: st, Wallets: wallets, Log: log, Metrics: m}
}

type HoldRequest struct {
	PayerID         uuid.UUID       `json:"payer_id"`
	WorkItemID      string          `json:"work_item_id"`
	TotalAmount     decimal.Decimal `json:"total_amount"`
	TotalSlots      int             `json:"total_slots"`
	PlatformFeeRate decimal.Decimal `json:"platform_fee_rate"`
}

type ReleaseRequest struct {
	WorkItemID string    `json:"work_item_id"`
	PayeeID    uuid.UUID `json:"payee_id"`
	// SubmissionID identifies the approved unit of work; it is recorded on both entries.
	SubmissionID string `json:"submission_id"`
}

type ReleaseResult struct {
	Escrow    *models.Escrow            `json:"escrow"`
	ReleaseID uuid.UUID                 `json:"release_id"`
	Release   *models.WalletTransaction `json:"release"`
	Earning   *models.WalletTransaction `json:"earning"`
}

// Split returns the platform fee and the per-slot payout for a hold. The fee is rounded
// to cents; the per-slot amount is rounded down so slots never pay out more than was held.
func Split(total decimal.Decimal, slots int, rate decimal.Decimal) (fee, perSlot decimal.Decimal) {
	fee = total.Mul(rate).Round(2)
	perSlot = total.Sub(fee).Div(decimal.NewFromInt(int64(slots))).RoundFloor(2)
	return fee, perSlot
}

// Hold moves TotalAmount from the payer's available balance into escrow and records the
// escrow for the work item.
func (s *EscrowService) Hold(ctx context.Context, req HoldRequest) (*models.Escrow, error) {
	const op = "escrow.Hold"
	req.WorkItemID = strings.TrimSpace(req.WorkItemID)

	if req.WorkItemID == "" {
		return nil, apperrors.New(apperrors.InvalidEscrowParameters, op, "work item id is required")
	}
	if req.TotalSlots <= 0 {
		return nil, apperrors.New(apperrors.InvalidEscrowParameters, op, "total slots must be greater than zero")
	}
	if !req.TotalAmount.IsPositive() {
		return nil, apperrors.New(apperrors.InvalidEscrowParameters, op, "total amount must be greater than zero")
	}
	if !req.TotalAmount.Equal(req.TotalAmount.Truncate(2)) {
		return nil, apperrors.New(apperrors.InvalidEscrowParameters, op, "total amount has more than two decimal places")
	}
	if req.PlatformFeeRate.IsNegative() || req.PlatformFeeRate.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return nil, apperrors.New(apperrors.InvalidEscrowParameters, op, "platform fee rate must be in [0, 1)")
	}
	fee, perSlot := Split(req.TotalAmount, req.TotalSlots, req.PlatformFeeRate)
	if !perSlot.IsPositive() {
		return nil, apperrors.New(apperrors.InvalidEscrowParameters, op, "amount per slot rounds to zero")
	}

	var (
		e  *models.Escrow
		pw *models.Wallet
	)
	err := s.Store.Atomic(ctx, func(tx store.Tx) error {
		if _, err := tx.GetEscrow(ctx, req.WorkItemID); err == nil {
			return apperrors.New(apperrors.EscrowExists, op, fmt.Sprintf("escrow already exists for %s", req.WorkItemID))
		} else if !errors.Is(err, store.ErrNotFound) {
			return apperrors.NewInternal(op, err)
		}

		w, err := wallet.LockWallet(ctx, tx, op, req.PayerID)
		if err != nil {
			return err
		}

		e = &models.Escrow{
			ID:              uuid.New(),
			PayerID:         req.PayerID,
			WorkItemID:      req.WorkItemID,
			TotalAmount:     req.TotalAmount,
			PlatformFeeRate: req.PlatformFeeRate,
			PlatformFee:     fee,
			AmountPerSlot:   perSlot,
			TotalSlots:      req.TotalSlots,
			Status:          models.EscrowHeld,
		}
		if _, err := wallet.ApplyEntry(ctx, tx, w, wallet.Entry{
			Type:          models.WalletTrxEscrowFund,
			Amount:        req.TotalAmount.Neg(),
			Description:   fmt.Sprintf("Escrow hold for %s", req.WorkItemID),
			ReferenceID:   req.WorkItemID,
			ReferenceType: models.RefTypeEscrow,
			Metadata: map[string]interface{}{
				"escrow_id":       e.ID.String(),
				"total_slots":     req.TotalSlots,
				"amount_per_slot": perSlot.String(),
				"platform_fee":    fee.String(),
			},
		}); err != nil {
			return err
		}

		if err := tx.CreateEscrow(ctx, e); err != nil {
			if errors.Is(err, store.ErrDuplicate) {
				return apperrors.New(apperrors.EscrowExists, op, fmt.Sprintf("escrow already exists for %s", req.WorkItemID))
			}
			return apperrors.NewInternal(op, err)
		}
		pw = w
		return nil
	})
	s.observe("hold", err)
	if err != nil {
		return nil, err
	}

	s.log().WithFields(logrus.Fields{
		"work_item_id":    e.WorkItemID,
		"payer_id":        e.PayerID,
		"total_amount":    e.TotalAmount,
		"amount_per_slot": e.AmountPerSlot,
	}).Info("escrow held")
	s.Wallets.Notify(ctx, pw)
	return e, nil
}

// ReleaseOne pays one slot to the payee. The escrow row, the payer's escrow bucket and the
// payee's credit are written in one unit of work; both ledger entries share a release id.
// On the last slot the residue left in the bucket is taken as platform fee.
func (s *EscrowService) ReleaseOne(ctx context.Context, req ReleaseRequest) (*ReleaseResult, error) {
	const op = "escrow.ReleaseOne"
	if req.PayeeID == uuid.Nil {
		return nil, apperrors.New(apperrors.InvalidInput, op, "payee id is required")
	}

	res := &ReleaseResult{ReleaseID: uuid.New()}
	var payer, payee *models.Wallet
	err := s.Store.Atomic(ctx, func(tx store.Tx) error {
		e, err := s.lockOpen(ctx, tx, op, req.WorkItemID)
		if err != nil {
			return err
		}
		if e.ReleasedSlots >= e.TotalSlots {
			return apperrors.New(apperrors.EscrowAlreadyTerminal, op, "all slots already released")
		}

		// Lock both wallets in a fixed order so concurrent releases cannot deadlock.
		ids := []uuid.UUID{e.PayerID, req.PayeeID}
		sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })
		locked := map[uuid.UUID]*models.Wallet{}
		for _, id := range ids {
			if _, ok := locked[id]; ok {
				continue
			}
			w, err := wallet.LockWallet(ctx, tx, op, id)
			if err != nil {
				return err
			}
			locked[id] = w
		}
		payer = locked[e.PayerID]

		meta := map[string]interface{}{
			"release_id": res.ReleaseID.String(),
			"escrow_id":  e.ID.String(),
			"payee_id":   req.PayeeID.String(),
		}
		if req.SubmissionID != "" {
			meta["submission_id"] = req.SubmissionID
		}

		res.Release, err = wallet.ApplyEntry(ctx, tx, payer, wallet.Entry{
			Bucket:        models.BucketEscrow,
			Type:          models.WalletTrxEscrowRelease,
			Amount:        e.AmountPerSlot.Neg(),
			Description:   fmt.Sprintf("Escrow release for %s", e.WorkItemID),
			ReferenceID:   e.WorkItemID,
			ReferenceType: models.RefTypeEscrow,
			Metadata:      meta,
		})
		if err != nil {
			return err
		}

		e.ReleasedSlots++
		if e.ReleasedSlots == e.TotalSlots {
			residue := e.TotalAmount.Sub(e.AmountPerSlot.Mul(decimal.NewFromInt(int64(e.TotalSlots))))
			if residue.IsPositive() {
				if _, err := wallet.ApplyEntry(ctx, tx, payer, wallet.Entry{
					Bucket:        models.BucketEscrow,
					Type:          models.WalletTrxPlatformFee,
					Amount:        residue.Neg(),
					Description:   fmt.Sprintf("Platform fee for %s", e.WorkItemID),
					ReferenceID:   e.WorkItemID,
					ReferenceType: models.RefTypeEscrow,
					Metadata:      map[string]interface{}{"escrow_id": e.ID.String()},
				}); err != nil {
					return err
				}
			}
			now := time.Now()
			e.PlatformFeeTaken = e.PlatformFeeTaken.Add(residue)
			e.Status = models.EscrowReleased
			e.ReleasedAt = &now
		} else {
			e.Status = models.EscrowPartiallyReleased
		}
		if err := tx.SaveEscrow(ctx, e); err != nil {
			return apperrors.NewInternal(op, err)
		}

		payee, res.Earning, err = s.Wallets.CreditTx(ctx, tx, wallet.CreditRequest{
			UserID:        req.PayeeID,
			Amount:        e.AmountPerSlot,
			Type:          models.WalletTrxTaskEarning,
			Description:   fmt.Sprintf("Task earning for %s", e.WorkItemID),
			ReferenceID:   e.WorkItemID,
			ReferenceType: models.RefTypeEscrow,
			Metadata:      meta,
		})
		if err != nil {
			return err
		}
		if req.PayeeID == e.PayerID {
			payer = payee
		}
		res.Escrow = e
		return nil
	})
	s.observe("release", err)
	if err != nil {
		return nil, err
	}

	s.log().WithFields(logrus.Fields{
		"work_item_id":   res.Escrow.WorkItemID,
		"payee_id":       req.PayeeID,
		"released_slots": res.Escrow.ReleasedSlots,
		"total_slots":    res.Escrow.TotalSlots,
		"release_id":     res.ReleaseID,
	}).Info("escrow slot released")
	s.Wallets.Notify(ctx, payer)
	if req.PayeeID != res.Escrow.PayerID {
		s.Wallets.Notify(ctx, payee)
	}
	return res, nil
}

// RefundRemainder returns the unreleased part of the escrow to the payer and closes it.
// The refund is the gross per-slot value of the unfilled slots, so the platform fee on
// released slots is kept.
func (s *EscrowService) RefundRemainder(ctx context.Context, workItemID, reason string) (decimal.Decimal, error) {
	const op = "escrow.RefundRemainder"
	var (
		refund decimal.Decimal
		payer  *models.Wallet
		e      *models.Escrow
	)
	err := s.Store.Atomic(ctx, func(tx store.Tx) error {
		var err error
		e, err = s.lockOpen(ctx, tx, op, workItemID)
		if err != nil {
			return err
		}
		outstanding := e.Outstanding()
		refund = RefundAmount(e)

		payer, err = wallet.LockWallet(ctx, tx, op, e.PayerID)
		if err != nil {
			return err
		}
		if refund.IsPositive() {
			if _, err := wallet.ApplyEntry(ctx, tx, payer, wallet.Entry{
				Type:          models.WalletTrxRefund,
				Amount:        refund,
				Description:   fmt.Sprintf("Escrow refund for %s", e.WorkItemID),
				ReferenceID:   e.WorkItemID,
				ReferenceType: models.RefTypeEscrow,
				Metadata: map[string]interface{}{
					"escrow_id":      e.ID.String(),
					"released_slots": e.ReleasedSlots,
					"reason":         reason,
				},
			}); err != nil {
				return err
			}
		}
		if retained := outstanding.Sub(refund); retained.IsPositive() {
			if _, err := wallet.ApplyEntry(ctx, tx, payer, wallet.Entry{
				Bucket:        models.BucketEscrow,
				Type:          models.WalletTrxPlatformFee,
				Amount:        retained.Neg(),
				Description:   fmt.Sprintf("Platform fee for %s", e.WorkItemID),
				ReferenceID:   e.WorkItemID,
				ReferenceType: models.RefTypeEscrow,
				Metadata:      map[string]interface{}{"escrow_id": e.ID.String()},
			}); err != nil {
				return err
			}
			e.PlatformFeeTaken = e.PlatformFeeTaken.Add(retained)
		}

		now := time.Now()
		e.RefundedAmount = refund
		e.RefundReason = reason
		e.RefundedAt = &now
		e.Status = models.EscrowRefunded
		if err := tx.SaveEscrow(ctx, e); err != nil {
			return apperrors.NewInternal(op, err)
		}
		return nil
	})
	s.observe("refund", err)
	if err != nil {
		return decimal.Zero, err
	}

	s.log().WithFields(logrus.Fields{
		"work_item_id":   e.WorkItemID,
		"payer_id":       e.PayerID,
		"refunded":       refund,
		"released_slots": e.ReleasedSlots,
		"reason":         reason,
	}).Info("escrow refunded")
	s.Wallets.Notify(ctx, payer)
	return refund, nil
}

// RefundAmount is total − releasedSlots × (total / totalSlots), clamped to what is still
// outstanding in the escrow bucket.
func RefundAmount(e *models.Escrow) decimal.Decimal {
	outstanding := e.Outstanding()
	gross := e.TotalAmount.Div(decimal.NewFromInt(int64(e.TotalSlots))).Mul(decimal.NewFromInt(int64(e.ReleasedSlots)))
	refund := e.TotalAmount.Sub(gross).Round(2)
	if refund.GreaterThan(outstanding) {
		refund = outstanding
	}
	if refund.IsNegative() {
		refund = decimal.Zero
	}
	return refund
}

func (s *EscrowService) Get(ctx context.Context, workItemID string) (*models.Escrow, error) {
	e, err := s.Store.GetEscrow(ctx, workItemID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, apperrors.New(apperrors.EscrowNotFound, "escrow.Get", "escrow not found")
	}
	if err != nil {
		return nil, apperrors.NewInternal("escrow.Get", err)
	}
	return e, nil
}

func (s *EscrowService) lockOpen(ctx context.Context, tx store.Tx, op, workItemID string) (*models.Escrow, error) {
	e, err := tx.LockEscrow(ctx, workItemID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, apperrors.New(apperrors.EscrowNotFound, op, fmt.Sprintf("escrow not found for %s", workItemID))
	}
	if err != nil {
		return nil, apperrors.NewInternal(op, err)
	}
	if e.Status.Terminal() {
		return nil, apperrors.New(apperrors.EscrowAlreadyTerminal, op, fmt.Sprintf("escrow already %s", e.Status))
	}
	return e, nil
}

func (s *EscrowService) log() logrus.FieldLogger {
	if s.Log == nil {
		return logrus.StandardLogger()
	}
	return s.Log
}

func (s *EscrowService) observe(op string, err error) {
	if s.Metrics == nil {
		return
	}
	s.Metrics.EscrowOps.WithLabelValues(op, metrics.Result(err)).Inc()
}
