package withdrawal

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"
	"github.com/sirupsen/logrus"

	"settlement-engine/pkg/models"
)

// SweepReport counts what one sweep did.
type SweepReport struct {
	Scanned     int `json:"scanned"`
	Broadcast   int `json:"broadcast"`
	StillQueued int `json:"still_queued"`
	Failed      int `json:"failed"`
	Skipped     int `json:"skipped"`
	Errors      int `json:"errors"`
}

func (r *SweepReport) add(o SweepReport) {
	r.Broadcast += o.Broadcast
	r.StillQueued += o.StillQueued
	r.Failed += o.Failed
	r.Skipped += o.Skipped
	r.Errors += o.Errors
}

// Sweep revisits RESERVED withdrawals whose last attempt is older than the
// stale window. Those with attempts left are broadcast again; the rest fail
// and release their funds. StaleAfter exceeds the broadcast timeout, so a
// row with a hand-off still in flight is never picked.
func (p *Processor) Sweep(ctx context.Context, now time.Time) (SweepReport, error) {
	cutoff := now.UTC().Add(-p.cfg.StaleAfter)

	var stale []models.Withdrawal
	err := p.store.DB().WithContext(ctx).
		Where("status = ? AND last_attempt_at < ?", models.WithdrawalStatusReserved, cutoff).
		Order("last_attempt_at").
		Limit(p.cfg.SweepBatchSize).
		Find(&stale).Error
	if err != nil {
		return SweepReport{}, fmt.Errorf("find stale withdrawals: %w", err)
	}

	report := SweepReport{Scanned: len(stale)}
	if len(stale) == 0 {
		return report, nil
	}

	pool, err := ants.NewPool(p.cfg.SweepWorkers)
	if err != nil {
		return report, fmt.Errorf("sweep pool: %w", err)
	}
	defer pool.Release()

	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)
	for i := range stale {
		w := stale[i]
		wg.Add(1)
		submitErr := pool.Submit(func() {
			defer wg.Done()
			r := p.sweepOne(ctx, w, cutoff)
			mu.Lock()
			report.add(r)
			mu.Unlock()
		})
		if submitErr != nil {
			wg.Done()
			mu.Lock()
			report.Errors++
			mu.Unlock()
		}
	}
	wg.Wait()

	p.log.WithFields(logrus.Fields{
		"scanned":      report.Scanned,
		"broadcast":    report.Broadcast,
		"still_queued": report.StillQueued,
		"failed":       report.Failed,
		"skipped":      report.Skipped,
		"errors":       report.Errors,
	}).Info("withdrawal sweep finished")
	return report, nil
}

func (p *Processor) sweepOne(ctx context.Context, w models.Withdrawal, cutoff time.Time) SweepReport {
	log := p.log.WithFields(logrus.Fields{"withdrawal_id": w.ID, "attempts": w.Attempts})

	if w.Attempts >= p.cfg.MaxAttempts {
		out, err := p.giveUp(ctx, w.ID, cutoff)
		switch {
		case errors.Is(err, errNotStale), errors.Is(err, models.ErrInvalidTransition):
			return SweepReport{Skipped: 1}
		case err != nil:
			log.WithError(err).Error("sweep could not fail withdrawal")
			return SweepReport{Errors: 1}
		case out.Status == models.WithdrawalStatusFailed:
			return SweepReport{Failed: 1}
		}
		return SweepReport{Skipped: 1}
	}

	out, err := p.broadcast(ctx, w.ID, cutoff)
	switch {
	case err == nil && out.Status == models.WithdrawalStatusBroadcast:
		return SweepReport{Broadcast: 1}
	case err == nil && out.Status == models.WithdrawalStatusFailed:
		return SweepReport{Failed: 1}
	case errors.Is(err, ErrBroadcastTimeout):
		return SweepReport{StillQueued: 1}
	case errors.Is(err, errNotStale), errors.Is(err, models.ErrInvalidTransition):
		return SweepReport{Skipped: 1}
	case err != nil:
		log.WithError(err).Error("sweep broadcast failed")
		return SweepReport{Errors: 1}
	}
	return SweepReport{Skipped: 1}
}

// ReconcileReport counts what one reconcile pass did.
type ReconcileReport struct {
	Checked   int `json:"checked"`
	Confirmed int `json:"confirmed"`
	Failed    int `json:"failed"`
	Pending   int `json:"pending"`
	Errors    int `json:"errors"`
}

// Reconcile asks the chain about BROADCAST withdrawals and settles or fails
// them accordingly.
func (p *Processor) Reconcile(ctx context.Context) (ReconcileReport, error) {
	if p.chain == nil {
		return ReconcileReport{}, errors.New("withdrawal: no chain status source configured")
	}

	var inflight []models.Withdrawal
	err := p.store.DB().WithContext(ctx).
		Where("status = ?", models.WithdrawalStatusBroadcast).
		Order("id").
		Limit(p.cfg.SweepBatchSize).
		Find(&inflight).Error
	if err != nil {
		return ReconcileReport{}, fmt.Errorf("find broadcast withdrawals: %w", err)
	}

	report := ReconcileReport{Checked: len(inflight)}
	for _, w := range inflight {
		if w.TxHash == nil {
			report.Errors++
			continue
		}
		log := p.log.WithFields(logrus.Fields{"withdrawal_id": w.ID, "tx_hash": *w.TxHash})

		status, err := p.chain.TxStatus(ctx, w.Network, *w.TxHash)
		if err != nil {
			log.WithError(err).Warn("chain status lookup failed")
			report.Errors++
			continue
		}

		switch status.State {
		case TxConfirmed:
			required, err := p.assets.RequiredConfirmations(w.Asset, w.Network)
			if err != nil {
				report.Errors++
				continue
			}
			if status.Confirmations < required {
				report.Pending++
				continue
			}
			if _, err := p.OnChainConfirmed(ctx, w.ID); err != nil {
				log.WithError(err).Error("confirm withdrawal failed")
				report.Errors++
				continue
			}
			report.Confirmed++
		case TxFailed:
			if _, err := p.OnChainFailed(ctx, w.ID, "transaction failed on chain"); err != nil {
				log.WithError(err).Error("fail withdrawal failed")
				report.Errors++
				continue
			}
			report.Failed++
		default:
			report.Pending++
		}
	}
	return report, nil
}
