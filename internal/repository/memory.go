package repository

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/mmeshcher/laundry-payments/internal/model"
)

// MemoryRepository хранит данные в памяти процесса. Используется для разработки без БД и в тестах.
// InTx сериализует транзакции на мьютексе и применяет изменения только при успешном завершении fn.
// Вложенные вызовы методов репозитория внутри fn запрещены: используйте переданный Tx.
type MemoryRepository struct {
	mu    sync.Mutex
	state *memState
}

type memState struct {
	seq         int64
	payments    map[int64]model.Payment
	orders      map[uuid.UUID]model.Order
	orderSeq    map[uuid.UUID]int64
	allocations []model.Allocation
	branches    map[int64]model.Branch
	categories  map[string]int64
	incomes     map[int64]model.IncomeRecord
}

// NewMemoryRepository создаёт пустое хранилище с заданными филиалами.
func NewMemoryRepository(branches ...model.Branch) *MemoryRepository {
	s := &memState{
		payments:   make(map[int64]model.Payment),
		orders:     make(map[uuid.UUID]model.Order),
		orderSeq:   make(map[uuid.UUID]int64),
		branches:   make(map[int64]model.Branch),
		categories: make(map[string]int64),
		incomes:    make(map[int64]model.IncomeRecord),
	}
	for _, b := range branches {
		s.branches[b.ID] = b
	}
	return &MemoryRepository{state: s}
}

func (s *memState) clone() *memState {
	c := &memState{
		seq:         s.seq,
		payments:    make(map[int64]model.Payment, len(s.payments)),
		orders:      make(map[uuid.UUID]model.Order, len(s.orders)),
		orderSeq:    make(map[uuid.UUID]int64, len(s.orderSeq)),
		allocations: append([]model.Allocation(nil), s.allocations...),
		branches:    make(map[int64]model.Branch, len(s.branches)),
		categories:  make(map[string]int64, len(s.categories)),
		incomes:     make(map[int64]model.IncomeRecord, len(s.incomes)),
	}
	for k, v := range s.payments {
		c.payments[k] = v
	}
	for k, v := range s.orders {
		c.orders[k] = v
	}
	for k, v := range s.orderSeq {
		c.orderSeq[k] = v
	}
	for k, v := range s.branches {
		c.branches[k] = v
	}
	for k, v := range s.categories {
		c.categories[k] = v
	}
	for k, v := range s.incomes {
		c.incomes[k] = v
	}
	return c
}

func (s *memState) next() int64 {
	s.seq++
	return s.seq
}

// InTx выполняет fn над копией состояния и публикует её, если fn завершилась без ошибки.
func (r *MemoryRepository) InTx(ctx context.Context, fn func(tx Tx) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	draft := r.state.clone()
	if err := fn(&memTx{s: draft}); err != nil {
		return err
	}
	r.state = draft
	return nil
}

// Close ничего не делает.
func (r *MemoryRepository) Close() error {
	return nil
}

// Incomes возвращает снимок всех записей о доходах.
func (r *MemoryRepository) Incomes() []model.IncomeRecord {
	r.mu.Lock()
	defer r.mu.Unlock()

	res := make([]model.IncomeRecord, 0, len(r.state.incomes))
	for _, rec := range r.state.incomes {
		res = append(res, rec)
	}
	sort.Slice(res, func(i, j int) bool { return res[i].ID < res[j].ID })
	return res
}

func (r *MemoryRepository) direct() (*memTx, func()) {
	r.mu.Lock()
	return &memTx{s: r.state}, r.mu.Unlock
}

func (r *MemoryRepository) CreatePayment(ctx context.Context, p *model.Payment) error {
	tx, unlock := r.direct()
	defer unlock()
	return tx.CreatePayment(ctx, p)
}

func (r *MemoryRepository) PaymentByIdempotencyKey(ctx context.Context, userID int64, key string) (*model.Payment, error) {
	tx, unlock := r.direct()
	defer unlock()
	return tx.PaymentByIdempotencyKey(ctx, userID, key)
}

func (r *MemoryRepository) PaymentByTransactionUUID(ctx context.Context, txUUID string) (*model.Payment, error) {
	tx, unlock := r.direct()
	defer unlock()
	return tx.PaymentByTransactionUUID(ctx, txUUID)
}

func (r *MemoryRepository) LockPayment(ctx context.Context, id int64) (*model.Payment, error) {
	tx, unlock := r.direct()
	defer unlock()
	return tx.LockPayment(ctx, id)
}

func (r *MemoryRepository) LockPaymentByTransactionUUID(ctx context.Context, txUUID string) (*model.Payment, error) {
	tx, unlock := r.direct()
	defer unlock()
	return tx.LockPaymentByTransactionUUID(ctx, txUUID)
}

func (r *MemoryRepository) UpdatePaymentStatus(ctx context.Context, id int64, status model.PaymentStatus, transactionCode, refID *string) error {
	tx, unlock := r.direct()
	defer unlock()
	return tx.UpdatePaymentStatus(ctx, id, status, transactionCode, refID)
}

func (r *MemoryRepository) SetPaymentOrder(ctx context.Context, id int64, orderID uuid.UUID) error {
	tx, unlock := r.direct()
	defer unlock()
	return tx.SetPaymentOrder(ctx, id, orderID)
}

func (r *MemoryRepository) SetPaymentProcessed(ctx context.Context, id int64, at time.Time) error {
	tx, unlock := r.direct()
	defer unlock()
	return tx.SetPaymentProcessed(ctx, id, at)
}

func (r *MemoryRepository) SetPaymentIncomeRecord(ctx context.Context, id, incomeID int64) error {
	tx, unlock := r.direct()
	defer unlock()
	return tx.SetPaymentIncomeRecord(ctx, id, incomeID)
}

func (r *MemoryRepository) ListPayments(ctx context.Context, f model.PaymentFilter) ([]model.Payment, int, error) {
	tx, unlock := r.direct()
	defer unlock()
	return tx.ListPayments(ctx, f)
}

func (r *MemoryRepository) ListPaymentsMissingIncome(ctx context.Context, afterID int64, limit int) ([]model.Payment, error) {
	tx, unlock := r.direct()
	defer unlock()
	return tx.ListPaymentsMissingIncome(ctx, afterID, limit)
}

func (r *MemoryRepository) LockPaymentsWithUnapplied(ctx context.Context, userID int64) ([]model.Payment, error) {
	tx, unlock := r.direct()
	defer unlock()
	return tx.LockPaymentsWithUnapplied(ctx, userID)
}

func (r *MemoryRepository) CreateOrder(ctx context.Context, o *model.Order) error {
	tx, unlock := r.direct()
	defer unlock()
	return tx.CreateOrder(ctx, o)
}

func (r *MemoryRepository) OrderByID(ctx context.Context, id uuid.UUID) (*model.Order, error) {
	tx, unlock := r.direct()
	defer unlock()
	return tx.OrderByID(ctx, id)
}

func (r *MemoryRepository) LockOrder(ctx context.Context, id uuid.UUID) (*model.Order, error) {
	tx, unlock := r.direct()
	defer unlock()
	return tx.LockOrder(ctx, id)
}

func (r *MemoryRepository) LockOutstandingOrders(ctx context.Context, userID int64, branchID *int64) ([]model.Order, error) {
	tx, unlock := r.direct()
	defer unlock()
	return tx.LockOutstandingOrders(ctx, userID, branchID)
}

func (r *MemoryRepository) UpdateOrderPayment(ctx context.Context, id uuid.UUID, status model.OrderPaymentStatus, method model.PaymentMethod) error {
	tx, unlock := r.direct()
	defer unlock()
	return tx.UpdateOrderPayment(ctx, id, status, method)
}

func (r *MemoryRepository) ListOrdersByUser(ctx context.Context, userID int64) ([]model.Order, error) {
	tx, unlock := r.direct()
	defer unlock()
	return tx.ListOrdersByUser(ctx, userID)
}

func (r *MemoryRepository) InsertAllocation(ctx context.Context, a *model.Allocation) error {
	tx, unlock := r.direct()
	defer unlock()
	return tx.InsertAllocation(ctx, a)
}

func (r *MemoryRepository) AllocationsByPayment(ctx context.Context, paymentID int64) ([]model.Allocation, error) {
	tx, unlock := r.direct()
	defer unlock()
	return tx.AllocationsByPayment(ctx, paymentID)
}

func (r *MemoryRepository) AppliedToOrder(ctx context.Context, orderID uuid.UUID) (decimal.Decimal, error) {
	tx, unlock := r.direct()
	defer unlock()
	return tx.AppliedToOrder(ctx, orderID)
}

func (r *MemoryRepository) BranchByID(ctx context.Context, id int64) (*model.Branch, error) {
	tx, unlock := r.direct()
	defer unlock()
	return tx.BranchByID(ctx, id)
}

func (r *MemoryRepository) IncomeCategoryID(ctx context.Context, name string) (int64, error) {
	tx, unlock := r.direct()
	defer unlock()
	return tx.IncomeCategoryID(ctx, name)
}

func (r *MemoryRepository) InsertIncome(ctx context.Context, rec *model.IncomeRecord) error {
	tx, unlock := r.direct()
	defer unlock()
	return tx.InsertIncome(ctx, rec)
}

func (r *MemoryRepository) IncomeAudit(ctx context.Context) (*model.IncomeAudit, error) {
	tx, unlock := r.direct()
	defer unlock()
	return tx.IncomeAudit(ctx)
}

// memTx реализует Tx поверх одного снимка состояния.
type memTx struct {
	s *memState
}

func (t *memTx) CreatePayment(_ context.Context, p *model.Payment) error {
	for _, existing := range t.s.payments {
		if p.IdempotencyKey != nil && existing.IdempotencyKey != nil &&
			existing.UserID == p.UserID && *existing.IdempotencyKey == *p.IdempotencyKey {
			return ErrDuplicateIdempotencyKey
		}
		if existing.TransactionUUID == p.TransactionUUID {
			return fmt.Errorf("insert payment: transaction uuid %s already exists", p.TransactionUUID)
		}
	}
	if p.BranchID != nil {
		if _, ok := t.s.branches[*p.BranchID]; !ok {
			return fmt.Errorf("insert payment: branch %d does not exist", *p.BranchID)
		}
	}

	now := time.Now()
	p.ID = t.s.next()
	p.CreatedAt = now
	p.UpdatedAt = now
	t.s.payments[p.ID] = *p
	return nil
}

func (t *memTx) paymentWhere(match func(p *model.Payment) bool) (*model.Payment, error) {
	for _, p := range t.s.payments {
		if match(&p) {
			return &p, nil
		}
	}
	return nil, model.ErrPaymentNotFound
}

func (t *memTx) PaymentByIdempotencyKey(_ context.Context, userID int64, key string) (*model.Payment, error) {
	return t.paymentWhere(func(p *model.Payment) bool {
		return p.UserID == userID && p.IdempotencyKey != nil && *p.IdempotencyKey == key
	})
}

func (t *memTx) PaymentByTransactionUUID(_ context.Context, txUUID string) (*model.Payment, error) {
	return t.paymentWhere(func(p *model.Payment) bool { return p.TransactionUUID == txUUID })
}

func (t *memTx) LockPayment(_ context.Context, id int64) (*model.Payment, error) {
	p, ok := t.s.payments[id]
	if !ok {
		return nil, model.ErrPaymentNotFound
	}
	return &p, nil
}

func (t *memTx) LockPaymentByTransactionUUID(ctx context.Context, txUUID string) (*model.Payment, error) {
	return t.PaymentByTransactionUUID(ctx, txUUID)
}

func (t *memTx) updatePayment(id int64, fn func(p *model.Payment) error) error {
	p, ok := t.s.payments[id]
	if !ok {
		return model.ErrPaymentNotFound
	}
	if err := fn(&p); err != nil {
		return err
	}
	p.UpdatedAt = time.Now()
	t.s.payments[id] = p
	return nil
}

func (t *memTx) UpdatePaymentStatus(_ context.Context, id int64, status model.PaymentStatus, transactionCode, refID *string) error {
	return t.updatePayment(id, func(p *model.Payment) error {
		p.Status = status
		if transactionCode != nil {
			p.TransactionCode = transactionCode
		}
		if refID != nil {
			p.RefID = refID
		}
		return nil
	})
}

func (t *memTx) SetPaymentOrder(_ context.Context, id int64, orderID uuid.UUID) error {
	if _, ok := t.s.orders[orderID]; !ok {
		return model.ErrOrderNotFound
	}
	return t.updatePayment(id, func(p *model.Payment) error {
		p.OrderID = &orderID
		return nil
	})
}

func (t *memTx) SetPaymentProcessed(_ context.Context, id int64, at time.Time) error {
	return t.updatePayment(id, func(p *model.Payment) error {
		if p.ProcessedAt == nil {
			p.ProcessedAt = &at
		}
		return nil
	})
}

func (t *memTx) SetPaymentIncomeRecord(_ context.Context, id, incomeID int64) error {
	if _, ok := t.s.incomes[incomeID]; !ok {
		return fmt.Errorf("link income: income %d does not exist", incomeID)
	}
	return t.updatePayment(id, func(p *model.Payment) error {
		if p.IncomeRecordID != nil {
			return fmt.Errorf("payment %d is missing or already linked to income", id)
		}
		p.IncomeRecordID = &incomeID
		return nil
	})
}

func containsFold(s *string, sub string) bool {
	return s != nil && strings.Contains(strings.ToLower(*s), sub)
}

func (t *memTx) ListPayments(_ context.Context, f model.PaymentFilter) ([]model.Payment, int, error) {
	search := strings.ToLower(f.Search)

	var matched []model.Payment
	for _, p := range t.s.payments {
		if p.UserID != f.UserID {
			continue
		}
		if f.Status != "" && p.Status != f.Status {
			continue
		}
		if f.Method != "" && p.Method != f.Method {
			continue
		}
		if search != "" && !containsFold(&p.TransactionUUID, search) &&
			!containsFold(p.TransactionCode, search) && !containsFold(p.RefID, search) {
			continue
		}
		matched = append(matched, p)
	}

	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].CreatedAt.After(matched[j].CreatedAt)
		}
		return matched[i].ID > matched[j].ID
	})

	total := len(matched)
	limit, offset := pageBounds(f.Page, f.PageSize)
	if offset >= total {
		return nil, total, nil
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return matched[offset:end], total, nil
}

func (t *memTx) applied(pred func(a model.Allocation) bool) decimal.Decimal {
	sum := decimal.Zero
	for _, a := range t.s.allocations {
		if pred(a) {
			sum = sum.Add(a.AmountApplied)
		}
	}
	return sum
}

func (t *memTx) sortedPayments(pred func(p model.Payment) bool) []model.Payment {
	var res []model.Payment
	for _, p := range t.s.payments {
		if pred(p) {
			res = append(res, p)
		}
	}
	sort.Slice(res, func(i, j int) bool { return res[i].ID < res[j].ID })
	return res
}

func (t *memTx) ListPaymentsMissingIncome(_ context.Context, afterID int64, limit int) ([]model.Payment, error) {
	res := t.sortedPayments(func(p model.Payment) bool {
		return p.Status == model.PaymentStatusComplete && p.IncomeRecordID == nil && p.ID > afterID
	})
	if limit > 0 && len(res) > limit {
		res = res[:limit]
	}
	return res, nil
}

func (t *memTx) LockPaymentsWithUnapplied(_ context.Context, userID int64) ([]model.Payment, error) {
	res := t.sortedPayments(func(p model.Payment) bool {
		if p.UserID != userID || p.Status != model.PaymentStatusComplete || p.ProcessedAt == nil {
			return false
		}
		used := t.applied(func(a model.Allocation) bool { return a.PaymentID == p.ID })
		return p.TotalAmount.GreaterThan(used)
	})
	sort.SliceStable(res, func(i, j int) bool { return res[i].ProcessedAt.Before(*res[j].ProcessedAt) })
	return res, nil
}

func (t *memTx) CreateOrder(_ context.Context, o *model.Order) error {
	if _, ok := t.s.branches[o.BranchID]; !ok {
		return fmt.Errorf("insert order: branch %d does not exist", o.BranchID)
	}
	if o.ID == uuid.Nil {
		o.ID = uuid.New()
	}
	if _, ok := t.s.orders[o.ID]; ok {
		return fmt.Errorf("insert order: order %s already exists", o.ID)
	}
	if o.CreatedAt.IsZero() {
		o.CreatedAt = time.Now()
	}
	t.s.orders[o.ID] = *o
	t.s.orderSeq[o.ID] = t.s.next()
	return nil
}

func (t *memTx) OrderByID(_ context.Context, id uuid.UUID) (*model.Order, error) {
	o, ok := t.s.orders[id]
	if !ok {
		return nil, model.ErrOrderNotFound
	}
	return &o, nil
}

func (t *memTx) LockOrder(ctx context.Context, id uuid.UUID) (*model.Order, error) {
	return t.OrderByID(ctx, id)
}

func (t *memTx) sortedOrders(pred func(o model.Order) bool) []model.Order {
	var res []model.Order
	for _, o := range t.s.orders {
		if pred(o) {
			res = append(res, o)
		}
	}
	sort.Slice(res, func(i, j int) bool {
		if !res[i].CreatedAt.Equal(res[j].CreatedAt) {
			return res[i].CreatedAt.Before(res[j].CreatedAt)
		}
		return t.s.orderSeq[res[i].ID] < t.s.orderSeq[res[j].ID]
	})
	return res
}

func (t *memTx) LockOutstandingOrders(_ context.Context, userID int64, branchID *int64) ([]model.Order, error) {
	return t.sortedOrders(func(o model.Order) bool {
		return o.UserID == userID && o.PaymentStatus.Outstanding() && (branchID == nil || o.BranchID == *branchID)
	}), nil
}

func (t *memTx) UpdateOrderPayment(_ context.Context, id uuid.UUID, status model.OrderPaymentStatus, method model.PaymentMethod) error {
	o, ok := t.s.orders[id]
	if !ok {
		return model.ErrOrderNotFound
	}
	o.PaymentStatus = status
	o.PaymentMethod = method
	t.s.orders[id] = o
	return nil
}

func (t *memTx) ListOrdersByUser(_ context.Context, userID int64) ([]model.Order, error) {
	res := t.sortedOrders(func(o model.Order) bool { return o.UserID == userID })
	for i, j := 0, len(res)-1; i < j; i, j = i+1, j-1 {
		res[i], res[j] = res[j], res[i]
	}
	return res, nil
}

func (t *memTx) InsertAllocation(_ context.Context, a *model.Allocation) error {
	if !a.AmountApplied.IsPositive() {
		return fmt.Errorf("insert allocation: %w", model.ErrInvalidAmount)
	}
	if _, ok := t.s.orders[a.OrderID]; !ok {
		return model.ErrOrderNotFound
	}
	if _, ok := t.s.payments[a.PaymentID]; !ok {
		return model.ErrPaymentNotFound
	}
	for _, existing := range t.s.allocations {
		if existing.OrderID == a.OrderID && existing.PaymentID == a.PaymentID {
			return fmt.Errorf("insert allocation: order %s already holds payment %d", a.OrderID, a.PaymentID)
		}
	}

	a.ID = t.s.next()
	a.CreatedAt = time.Now()
	t.s.allocations = append(t.s.allocations, *a)
	return nil
}

func (t *memTx) AllocationsByPayment(_ context.Context, paymentID int64) ([]model.Allocation, error) {
	var res []model.Allocation
	for _, a := range t.s.allocations {
		if a.PaymentID == paymentID {
			res = append(res, a)
		}
	}
	return res, nil
}

func (t *memTx) AppliedToOrder(_ context.Context, orderID uuid.UUID) (decimal.Decimal, error) {
	return t.applied(func(a model.Allocation) bool { return a.OrderID == orderID }), nil
}

func (t *memTx) BranchByID(_ context.Context, id int64) (*model.Branch, error) {
	b, ok := t.s.branches[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", model.ErrBranchInactive, id)
	}
	return &b, nil
}

func (t *memTx) IncomeCategoryID(_ context.Context, name string) (int64, error) {
	if id, ok := t.s.categories[name]; ok {
		return id, nil
	}
	id := t.s.next()
	t.s.categories[name] = id
	return id, nil
}

func (t *memTx) InsertIncome(_ context.Context, rec *model.IncomeRecord) error {
	if !rec.Amount.IsPositive() {
		return fmt.Errorf("insert income: %w", model.ErrInvalidAmount)
	}
	if _, ok := t.s.branches[rec.BranchID]; !ok {
		return fmt.Errorf("insert income: branch %d does not exist", rec.BranchID)
	}

	rec.ID = t.s.next()
	rec.CreatedAt = time.Now()
	y, m, d := rec.DateReceived.Date()
	rec.DateReceived = time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
	t.s.incomes[rec.ID] = *rec
	return nil
}

func (t *memTx) IncomeAudit(_ context.Context) (*model.IncomeAudit, error) {
	audit := &model.IncomeAudit{Branches: []model.BranchIncome{}}

	byBranch := make(map[int64]*model.BranchIncome, len(t.s.branches))
	for _, b := range t.s.branches {
		byBranch[b.ID] = &model.BranchIncome{BranchID: b.ID, BranchName: b.Name}
	}

	for _, p := range t.sortedPayments(func(p model.Payment) bool { return p.Status == model.PaymentStatusComplete }) {
		audit.CompletedPayments++
		if p.IncomeRecordID != nil {
			audit.WithIncome++
		}
		if p.BranchID == nil {
			audit.WithoutBranch++
			continue
		}
		if p.IncomeRecordID == nil && len(audit.MissingIncomeUUIDs) < missingUUIDLimit {
			audit.MissingIncomeUUIDs = append(audit.MissingIncomeUUIDs, p.TransactionUUID)
		}

		bi, ok := byBranch[*p.BranchID]
		if !ok {
			continue
		}
		bi.PaymentCount++
		bi.PaymentsTotal = bi.PaymentsTotal.Add(p.TotalAmount)
		if p.IncomeRecordID != nil {
			if rec, ok := t.s.incomes[*p.IncomeRecordID]; ok {
				bi.IncomeCount++
				bi.IncomeTotal = bi.IncomeTotal.Add(rec.Amount)
			}
		}
	}
	audit.WithoutIncome = audit.CompletedPayments - audit.WithIncome

	for _, bi := range byBranch {
		audit.Branches = append(audit.Branches, *bi)
	}
	sort.Slice(audit.Branches, func(i, j int) bool { return audit.Branches[i].BranchID < audit.Branches[j].BranchID })

	return audit, nil
}
