// Package income отражает завершённые платежи в доходах филиалов.
package income

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/mmeshcher/laundry-payments/internal/model"
	"github.com/mmeshcher/laundry-payments/internal/repository"
)

// CategoryName задаёт категорию доходов, получаемых из платежей.
const CategoryName = "Payment Income"

// Ledger описывает операции хранилища, нужные для отражения одного платежа.
type Ledger interface {
	LockPayment(ctx context.Context, id int64) (*model.Payment, error)
	AllocationsByPayment(ctx context.Context, paymentID int64) ([]model.Allocation, error)
	IncomeCategoryID(ctx context.Context, name string) (int64, error)
	InsertIncome(ctx context.Context, rec *model.IncomeRecord) error
	SetPaymentIncomeRecord(ctx context.Context, id, incomeID int64) error
}

// Store описывает хранилище для пакетного восстановления и сверки.
type Store interface {
	ListPaymentsMissingIncome(ctx context.Context, afterID int64, limit int) ([]model.Payment, error)
	IncomeAudit(ctx context.Context) (*model.IncomeAudit, error)
	InTx(ctx context.Context, fn func(tx repository.Tx) error) error
}

// Projector создаёт записи о доходах по завершённым платежам.
type Projector struct {
	logger *zap.Logger
	now    func() time.Time
}

// NewProjector создаёт Projector.
func NewProjector(logger *zap.Logger) *Projector {
	return &Projector{logger: logger, now: time.Now}
}

// Project создаёт доход по платежу и связывает его с платежом.
// Возвращает nil без ошибки, если доход уже есть, у платежа нет филиала или сумма не положительна.
func (pr *Projector) Project(ctx context.Context, l Ledger, paymentID int64) (*model.IncomeRecord, error) {
	p, err := l.LockPayment(ctx, paymentID)
	if err != nil {
		return nil, fmt.Errorf("lock payment: %w", err)
	}
	if p.Status != model.PaymentStatusComplete {
		return nil, fmt.Errorf("%w: %s is %s", model.ErrPaymentNotComplete, p.TransactionUUID, p.Status)
	}
	if p.IncomeRecordID != nil || p.BranchID == nil {
		return nil, nil
	}

	allocations, err := l.AllocationsByPayment(ctx, p.ID)
	if err != nil {
		return nil, fmt.Errorf("load allocations: %w", err)
	}
	amount := AppliedAmount(p, allocations)
	if !amount.IsPositive() {
		return nil, nil
	}

	categoryID, err := l.IncomeCategoryID(ctx, CategoryName)
	if err != nil {
		return nil, err
	}

	received := pr.now()
	if p.ProcessedAt != nil {
		received = *p.ProcessedAt
	}

	rec := &model.IncomeRecord{
		BranchID:     *p.BranchID,
		CategoryID:   categoryID,
		Amount:       amount,
		Description:  fmt.Sprintf("Income from payment %s", p.TransactionUUID),
		DateReceived: received,
	}
	if err := l.InsertIncome(ctx, rec); err != nil {
		return nil, err
	}
	if err := l.SetPaymentIncomeRecord(ctx, p.ID, rec.ID); err != nil {
		return nil, err
	}

	pr.logger.Info("income recorded",
		zap.String("transaction_uuid", p.TransactionUUID),
		zap.Int64("branch_id", rec.BranchID),
		zap.String("amount", amount.String()))

	return rec, nil
}

// AppliedAmount возвращает сумму, признаваемую доходом: зачтённую в заказы,
// а для аванса без зачётов полную сумму платежа.
func AppliedAmount(p *model.Payment, allocations []model.Allocation) decimal.Decimal {
	if len(allocations) == 0 {
		return p.TotalAmount
	}
	return model.SumApplied(allocations)
}

// BackfillOptions управляет восстановлением доходов.
type BackfillOptions struct {
	// DryRun выполняет проверки без сохранения изменений.
	DryRun    bool
	BatchSize int
	Attempts  uint64
}

// BackfillReport содержит итог восстановления.
type BackfillReport struct {
	DryRun  bool            `json:"dry_run"`
	Scanned int             `json:"scanned"`
	Created int             `json:"created"`
	Skipped int             `json:"skipped"`
	Failed  int             `json:"failed"`
	Amount  decimal.Decimal `json:"amount"`
}

var errDryRun = errors.New("dry run")

// Backfill проходит по завершённым платежам без дохода и отражает каждый в отдельной транзакции.
// Ошибка по одному платежу не прерывает проход.
func (pr *Projector) Backfill(ctx context.Context, store Store, opts BackfillOptions) (*BackfillReport, error) {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 100
	}
	if opts.Attempts == 0 {
		opts.Attempts = 3
	}

	report := &BackfillReport{DryRun: opts.DryRun}
	var lastID int64

	for {
		batch, err := store.ListPaymentsMissingIncome(ctx, lastID, opts.BatchSize)
		if err != nil {
			return report, fmt.Errorf("list payments missing income: %w", err)
		}

		for _, p := range batch {
			lastID = p.ID
			report.Scanned++

			var rec *model.IncomeRecord
			err := repository.WithContentionRetry(ctx, opts.Attempts, 0, func(ctx context.Context) error {
				return store.InTx(ctx, func(tx repository.Tx) error {
					var err error
					rec, err = pr.Project(ctx, tx, p.ID)
					if err != nil {
						return err
					}
					if opts.DryRun {
						return errDryRun
					}
					return nil
				})
			})
			if errors.Is(err, errDryRun) {
				err = nil
			}

			switch {
			case err != nil:
				if ctx.Err() != nil {
					return report, ctx.Err()
				}
				report.Failed++
				pr.logger.Error("backfill income failed",
					zap.String("transaction_uuid", p.TransactionUUID),
					zap.Error(err))
			case rec == nil:
				report.Skipped++
			default:
				report.Created++
				report.Amount = report.Amount.Add(rec.Amount)
			}
		}

		if len(batch) < opts.BatchSize {
			break
		}
	}

	pr.logger.Info("income backfill finished",
		zap.Bool("dry_run", report.DryRun),
		zap.Int("scanned", report.Scanned),
		zap.Int("created", report.Created),
		zap.Int("skipped", report.Skipped),
		zap.Int("failed", report.Failed))

	return report, nil
}

// Audit сверяет завершённые платежи с доходами.
func (pr *Projector) Audit(ctx context.Context, store Store) (*model.IncomeAudit, error) {
	audit, err := store.IncomeAudit(ctx)
	if err != nil {
		return nil, fmt.Errorf("income audit: %w", err)
	}
	return audit, nil
}
