package repository

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"github.com/shopspring/decimal"

	"github.com/mmeshcher/laundry-payments/internal/model"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const (
	idempotencyIndex = "payments_user_idempotency_key_idx"
	lockTimeout      = 5 * time.Second
	missingUUIDLimit = 100
)

// PostgresRepository предоставляет доступ к хранилищу данных в PostgreSQL.
type PostgresRepository struct {
	*queries
	pool *pgxpool.Pool
}

// NewPostgresRepository создаёт новый репозиторий и инициализирует схему БД через миграции.
func NewPostgresRepository(dsn string) (*PostgresRepository, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse pool config: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	r := &PostgresRepository{queries: &queries{db: pool}, pool: pool}

	if err := r.runMigrations(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return r, nil
}

func (r *PostgresRepository) runMigrations(ctx context.Context) error {
	db := stdlib.OpenDBFromPool(r.pool)
	defer db.Close()

	goose.SetBaseFS(migrationsFS)

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}

	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	return nil
}

// InTx выполняет fn в транзакции. Блокировки строк (FOR UPDATE) держатся до фиксации,
// ожидание чужой блокировки ограничено lock_timeout.
func (r *PostgresRepository) InTx(ctx context.Context, fn func(tx Tx) error) error {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, fmt.Sprintf("SET LOCAL lock_timeout = %d", lockTimeout.Milliseconds())); err != nil {
		return fmt.Errorf("set lock timeout: %w", err)
	}

	if err := fn(&queries{db: tx}); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}

	return nil
}

// Close закрывает пул соединений с БД.
func (r *PostgresRepository) Close() error {
	r.pool.Close()
	return nil
}

type queries struct {
	db DBTX
}

const paymentColumns = `id, transaction_uuid, user_id, amount, tax_amount, total_amount, method, status,
	transaction_code, ref_id, branch_id, idempotency_key, processed_at, income_record_id,
	order_id, order_data, created_at, updated_at`

func scanPayment(row pgx.Row) (*model.Payment, error) {
	var (
		p                  model.Payment
		amount, tax, total pgtype.Numeric
		method, status     string
		orderID            pgtype.UUID
		orderData          []byte
	)

	err := row.Scan(&p.ID, &p.TransactionUUID, &p.UserID, &amount, &tax, &total, &method, &status,
		&p.TransactionCode, &p.RefID, &p.BranchID, &p.IdempotencyKey, &p.ProcessedAt, &p.IncomeRecordID,
		&orderID, &orderData, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}

	if p.Amount, err = numericToDecimal(amount); err != nil {
		return nil, fmt.Errorf("amount: %w", err)
	}
	if p.TaxAmount, err = numericToDecimal(tax); err != nil {
		return nil, fmt.Errorf("tax_amount: %w", err)
	}
	if p.TotalAmount, err = numericToDecimal(total); err != nil {
		return nil, fmt.Errorf("total_amount: %w", err)
	}

	p.Method = model.PaymentMethod(method)
	p.Status = model.PaymentStatus(status)
	if orderID.Valid {
		id := uuid.UUID(orderID.Bytes)
		p.OrderID = &id
	}
	if len(orderData) > 0 {
		p.OrderData = orderData
	}

	return &p, nil
}

func (q *queries) paymentWhere(ctx context.Context, where string, args ...any) (*model.Payment, error) {
	row := q.db.QueryRow(ctx, `SELECT `+paymentColumns+` FROM payments WHERE `+where, args...)
	p, err := scanPayment(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, model.ErrPaymentNotFound
		}
		return nil, fmt.Errorf("select payment: %w", err)
	}
	return p, nil
}

func collectPayments(rows pgx.Rows) ([]model.Payment, error) {
	defer rows.Close()

	var res []model.Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, fmt.Errorf("scan payment: %w", err)
		}
		res = append(res, *p)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

func nullJSON(raw []byte) any {
	if len(raw) == 0 {
		return nil
	}
	return raw
}

func nullUUID(id *uuid.UUID) pgtype.UUID {
	if id == nil {
		return pgtype.UUID{}
	}
	return pgtype.UUID{Bytes: *id, Valid: true}
}

// CreatePayment сохраняет новый платёж. Нарушение уникальности ключа идемпотентности
// возвращается как ErrDuplicateIdempotencyKey.
func (q *queries) CreatePayment(ctx context.Context, p *model.Payment) error {
	err := q.db.QueryRow(ctx,
		`INSERT INTO payments (transaction_uuid, user_id, amount, tax_amount, total_amount, method, status,
			transaction_code, ref_id, branch_id, idempotency_key, order_id, order_data)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		 RETURNING id, created_at, updated_at`,
		p.TransactionUUID, p.UserID,
		decimalToNumeric(p.Amount), decimalToNumeric(p.TaxAmount), decimalToNumeric(p.TotalAmount),
		string(p.Method), string(p.Status), p.TransactionCode, p.RefID, p.BranchID, p.IdempotencyKey,
		nullUUID(p.OrderID), nullJSON(p.OrderData),
	).Scan(&p.ID, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation && pgErr.ConstraintName == idempotencyIndex {
			return ErrDuplicateIdempotencyKey
		}
		return fmt.Errorf("insert payment: %w", err)
	}
	return nil
}

func (q *queries) PaymentByIdempotencyKey(ctx context.Context, userID int64, key string) (*model.Payment, error) {
	return q.paymentWhere(ctx, `user_id = $1 AND idempotency_key = $2`, userID, key)
}

func (q *queries) PaymentByTransactionUUID(ctx context.Context, txUUID string) (*model.Payment, error) {
	return q.paymentWhere(ctx, `transaction_uuid = $1`, txUUID)
}

// LockPayment возвращает платёж, блокируя его строку до конца транзакции.
func (q *queries) LockPayment(ctx context.Context, id int64) (*model.Payment, error) {
	return q.paymentWhere(ctx, `id = $1 FOR UPDATE`, id)
}

func (q *queries) LockPaymentByTransactionUUID(ctx context.Context, txUUID string) (*model.Payment, error) {
	return q.paymentWhere(ctx, `transaction_uuid = $1 FOR UPDATE`, txUUID)
}

func (q *queries) execPayment(ctx context.Context, sql string, args ...any) error {
	tag, err := q.db.Exec(ctx, sql, args...)
	if err != nil {
		return fmt.Errorf("update payment: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return model.ErrPaymentNotFound
	}
	return nil
}

// UpdatePaymentStatus меняет статус платежа. Пустые transactionCode и refID не затирают сохранённые значения.
func (q *queries) UpdatePaymentStatus(ctx context.Context, id int64, status model.PaymentStatus, transactionCode, refID *string) error {
	return q.execPayment(ctx,
		`UPDATE payments
		 SET status = $2,
		     transaction_code = COALESCE($3, transaction_code),
		     ref_id = COALESCE($4, ref_id),
		     updated_at = now()
		 WHERE id = $1`,
		id, string(status), transactionCode, refID,
	)
}

func (q *queries) SetPaymentOrder(ctx context.Context, id int64, orderID uuid.UUID) error {
	return q.execPayment(ctx,
		`UPDATE payments SET order_id = $2, updated_at = now() WHERE id = $1`,
		id, nullUUID(&orderID),
	)
}

// SetPaymentProcessed проставляет processed_at, если он ещё не установлен.
func (q *queries) SetPaymentProcessed(ctx context.Context, id int64, at time.Time) error {
	return q.execPayment(ctx,
		`UPDATE payments SET processed_at = COALESCE(processed_at, $2), updated_at = now() WHERE id = $1`,
		id, at,
	)
}

func (q *queries) SetPaymentIncomeRecord(ctx context.Context, id, incomeID int64) error {
	tag, err := q.db.Exec(ctx,
		`UPDATE payments SET income_record_id = $2, updated_at = now()
		 WHERE id = $1 AND income_record_id IS NULL`,
		id, incomeID,
	)
	if err != nil {
		return fmt.Errorf("link income: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("payment %d is missing or already linked to income", id)
	}
	return nil
}

// ListPayments возвращает страницу истории платежей пользователя (новые сверху) и общее число записей.
func (q *queries) ListPayments(ctx context.Context, f model.PaymentFilter) ([]model.Payment, int, error) {
	conds := []string{"user_id = $1"}
	args := []any{f.UserID}

	if f.Status != "" {
		args = append(args, string(f.Status))
		conds = append(conds, fmt.Sprintf("status = $%d", len(args)))
	}
	if f.Method != "" {
		args = append(args, string(f.Method))
		conds = append(conds, fmt.Sprintf("method = $%d", len(args)))
	}
	if f.Search != "" {
		args = append(args, "%"+f.Search+"%")
		n := len(args)
		conds = append(conds, fmt.Sprintf(
			"(transaction_uuid ILIKE $%d OR transaction_code ILIKE $%d OR ref_id ILIKE $%d)", n, n, n))
	}
	where := strings.Join(conds, " AND ")

	var total int
	if err := q.db.QueryRow(ctx, `SELECT COUNT(*) FROM payments WHERE `+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count payments: %w", err)
	}

	limit, offset := pageBounds(f.Page, f.PageSize)
	args = append(args, limit, offset)
	rows, err := q.db.Query(ctx,
		fmt.Sprintf(`SELECT %s FROM payments WHERE %s ORDER BY created_at DESC, id DESC LIMIT $%d OFFSET $%d`,
			paymentColumns, where, len(args)-1, len(args)),
		args...,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("select payments: %w", err)
	}

	res, err := collectPayments(rows)
	if err != nil {
		return nil, 0, err
	}
	return res, total, nil
}

// ListPaymentsMissingIncome возвращает завершённые платежи без записи о доходе с id > afterID.
func (q *queries) ListPaymentsMissingIncome(ctx context.Context, afterID int64, limit int) ([]model.Payment, error) {
	rows, err := q.db.Query(ctx,
		`SELECT `+paymentColumns+` FROM payments
		 WHERE status = $1 AND income_record_id IS NULL AND id > $2
		 ORDER BY id
		 LIMIT $3`,
		string(model.PaymentStatusComplete), afterID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("select payments missing income: %w", err)
	}
	return collectPayments(rows)
}

// LockPaymentsWithUnapplied блокирует обработанные платежи пользователя с незачтённым остатком,
// от старых к новым.
func (q *queries) LockPaymentsWithUnapplied(ctx context.Context, userID int64) ([]model.Payment, error) {
	rows, err := q.db.Query(ctx,
		`SELECT `+paymentColumns+` FROM payments p
		 WHERE p.user_id = $1 AND p.status = $2 AND p.processed_at IS NOT NULL
		   AND p.total_amount > COALESCE(
		       (SELECT SUM(op.amount_applied) FROM order_payments op WHERE op.payment_id = p.id), 0)
		 ORDER BY p.processed_at, p.id
		 FOR UPDATE OF p`,
		userID, string(model.PaymentStatusComplete),
	)
	if err != nil {
		return nil, fmt.Errorf("lock advance payments: %w", err)
	}
	return collectPayments(rows)
}

const orderColumns = `id, user_id, branch_id, total_amount, payment_method, payment_status, description, is_urgent, created_at`

func scanOrder(row pgx.Row) (*model.Order, error) {
	var (
		o              model.Order
		id             pgtype.UUID
		total          pgtype.Numeric
		method, status string
	)

	err := row.Scan(&id, &o.UserID, &o.BranchID, &total, &method, &status, &o.Description, &o.IsUrgent, &o.CreatedAt)
	if err != nil {
		return nil, err
	}

	if o.TotalAmount, err = numericToDecimal(total); err != nil {
		return nil, fmt.Errorf("total_amount: %w", err)
	}
	o.ID = uuid.UUID(id.Bytes)
	o.PaymentMethod = model.PaymentMethod(method)
	o.PaymentStatus = model.OrderPaymentStatus(status)

	return &o, nil
}

func collectOrders(rows pgx.Rows) ([]model.Order, error) {
	defer rows.Close()

	var res []model.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		res = append(res, *o)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

func (q *queries) CreateOrder(ctx context.Context, o *model.Order) error {
	if o.ID == uuid.Nil {
		o.ID = uuid.New()
	}
	err := q.db.QueryRow(ctx,
		`INSERT INTO orders (id, user_id, branch_id, total_amount, payment_method, payment_status, description, is_urgent)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 RETURNING created_at`,
		nullUUID(&o.ID), o.UserID, o.BranchID, decimalToNumeric(o.TotalAmount),
		string(o.PaymentMethod), string(o.PaymentStatus), o.Description, o.IsUrgent,
	).Scan(&o.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert order: %w", err)
	}
	return nil
}

func (q *queries) orderWhere(ctx context.Context, where string, args ...any) (*model.Order, error) {
	o, err := scanOrder(q.db.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE `+where, args...))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, model.ErrOrderNotFound
		}
		return nil, fmt.Errorf("select order: %w", err)
	}
	return o, nil
}

func (q *queries) OrderByID(ctx context.Context, id uuid.UUID) (*model.Order, error) {
	return q.orderWhere(ctx, `id = $1`, nullUUID(&id))
}

func (q *queries) LockOrder(ctx context.Context, id uuid.UUID) (*model.Order, error) {
	return q.orderWhere(ctx, `id = $1 FOR UPDATE`, nullUUID(&id))
}

// LockOutstandingOrders блокирует неоплаченные заказы пользователя от старых к новым.
// Если branchID задан, выборка ограничена этим филиалом.
func (q *queries) LockOutstandingOrders(ctx context.Context, userID int64, branchID *int64) ([]model.Order, error) {
	rows, err := q.db.Query(ctx,
		`SELECT `+orderColumns+` FROM orders
		 WHERE user_id = $1 AND payment_status IN ($2, $3)
		   AND ($4::bigint IS NULL OR branch_id = $4)
		 ORDER BY created_at, id
		 FOR UPDATE`,
		userID, string(model.OrderPaymentPending), string(model.OrderPaymentPartiallyPaid), branchID,
	)
	if err != nil {
		return nil, fmt.Errorf("lock outstanding orders: %w", err)
	}
	return collectOrders(rows)
}

func (q *queries) UpdateOrderPayment(ctx context.Context, id uuid.UUID, status model.OrderPaymentStatus, method model.PaymentMethod) error {
	tag, err := q.db.Exec(ctx,
		`UPDATE orders SET payment_status = $2, payment_method = $3 WHERE id = $1`,
		nullUUID(&id), string(status), string(method),
	)
	if err != nil {
		return fmt.Errorf("update order: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return model.ErrOrderNotFound
	}
	return nil
}

func (q *queries) ListOrdersByUser(ctx context.Context, userID int64) ([]model.Order, error) {
	rows, err := q.db.Query(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE user_id = $1 ORDER BY created_at DESC, id`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("select orders: %w", err)
	}
	return collectOrders(rows)
}

func (q *queries) InsertAllocation(ctx context.Context, a *model.Allocation) error {
	err := q.db.QueryRow(ctx,
		`INSERT INTO order_payments (order_id, payment_id, amount_applied)
		 VALUES ($1, $2, $3)
		 RETURNING id, created_at`,
		nullUUID(&a.OrderID), a.PaymentID, decimalToNumeric(a.AmountApplied),
	).Scan(&a.ID, &a.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert allocation: %w", err)
	}
	return nil
}

func (q *queries) AllocationsByPayment(ctx context.Context, paymentID int64) ([]model.Allocation, error) {
	rows, err := q.db.Query(ctx,
		`SELECT id, order_id, payment_id, amount_applied, created_at
		 FROM order_payments
		 WHERE payment_id = $1
		 ORDER BY id`,
		paymentID,
	)
	if err != nil {
		return nil, fmt.Errorf("select allocations: %w", err)
	}
	defer rows.Close()

	var res []model.Allocation
	for rows.Next() {
		var (
			a       model.Allocation
			orderID pgtype.UUID
			applied pgtype.Numeric
		)
		if err := rows.Scan(&a.ID, &orderID, &a.PaymentID, &applied, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan allocation: %w", err)
		}
		a.OrderID = uuid.UUID(orderID.Bytes)
		if a.AmountApplied, err = numericToDecimal(applied); err != nil {
			return nil, fmt.Errorf("amount_applied: %w", err)
		}
		res = append(res, a)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// AppliedToOrder возвращает сумму, уже зачтённую в заказ всеми платежами.
func (q *queries) AppliedToOrder(ctx context.Context, orderID uuid.UUID) (decimal.Decimal, error) {
	var sum pgtype.Numeric
	err := q.db.QueryRow(ctx,
		`SELECT COALESCE(SUM(amount_applied), 0) FROM order_payments WHERE order_id = $1`,
		nullUUID(&orderID),
	).Scan(&sum)
	if err != nil {
		return decimal.Zero, fmt.Errorf("sum allocations: %w", err)
	}
	return numericToDecimal(sum)
}

func (q *queries) BranchByID(ctx context.Context, id int64) (*model.Branch, error) {
	var b model.Branch
	err := q.db.QueryRow(ctx,
		`SELECT id, code, name, is_active FROM branches WHERE id = $1`,
		id,
	).Scan(&b.ID, &b.Code, &b.Name, &b.IsActive)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: %d", model.ErrBranchInactive, id)
		}
		return nil, fmt.Errorf("select branch: %w", err)
	}
	return &b, nil
}

// IncomeCategoryID возвращает id категории дохода, создавая её при отсутствии.
func (q *queries) IncomeCategoryID(ctx context.Context, name string) (int64, error) {
	var id int64
	err := q.db.QueryRow(ctx,
		`INSERT INTO income_categories (name) VALUES ($1)
		 ON CONFLICT (name) DO UPDATE SET name = EXCLUDED.name
		 RETURNING id`,
		name,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("get or create income category: %w", err)
	}
	return id, nil
}

func (q *queries) InsertIncome(ctx context.Context, rec *model.IncomeRecord) error {
	err := q.db.QueryRow(ctx,
		`INSERT INTO incomes (branch_id, category_id, amount, description, date_received)
		 VALUES ($1, $2, $3, $4, $5)
		 RETURNING id, created_at`,
		rec.BranchID, rec.CategoryID, decimalToNumeric(rec.Amount), rec.Description,
		pgtype.Date{Time: rec.DateReceived, Valid: true},
	).Scan(&rec.ID, &rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert income: %w", err)
	}
	return nil
}

// IncomeAudit сверяет завершённые платежи с записями о доходах.
func (q *queries) IncomeAudit(ctx context.Context) (*model.IncomeAudit, error) {
	complete := string(model.PaymentStatusComplete)
	audit := &model.IncomeAudit{}

	err := q.db.QueryRow(ctx,
		`SELECT COUNT(*),
		        COUNT(*) FILTER (WHERE income_record_id IS NOT NULL),
		        COUNT(*) FILTER (WHERE branch_id IS NULL)
		 FROM payments WHERE status = $1`,
		complete,
	).Scan(&audit.CompletedPayments, &audit.WithIncome, &audit.WithoutBranch)
	if err != nil {
		return nil, fmt.Errorf("count completed payments: %w", err)
	}
	audit.WithoutIncome = audit.CompletedPayments - audit.WithIncome

	rows, err := q.db.Query(ctx,
		`SELECT transaction_uuid FROM payments
		 WHERE status = $1 AND income_record_id IS NULL AND branch_id IS NOT NULL
		 ORDER BY id
		 LIMIT $2`,
		complete, missingUUIDLimit,
	)
	if err != nil {
		return nil, fmt.Errorf("select missing income: %w", err)
	}
	missing, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("collect missing income: %w", err)
	}
	audit.MissingIncomeUUIDs = missing

	rows, err = q.db.Query(ctx,
		`SELECT b.id, b.name,
		        COUNT(p.id), COALESCE(SUM(p.total_amount), 0),
		        COUNT(i.id), COALESCE(SUM(i.amount), 0)
		 FROM branches b
		 LEFT JOIN payments p ON p.branch_id = b.id AND p.status = $1
		 LEFT JOIN incomes i ON i.id = p.income_record_id
		 GROUP BY b.id, b.name
		 ORDER BY b.id`,
		complete,
	)
	if err != nil {
		return nil, fmt.Errorf("select branch totals: %w", err)
	}
	defer rows.Close()

	audit.Branches = []model.BranchIncome{}
	for rows.Next() {
		var (
			bi                model.BranchIncome
			payments, incomes pgtype.Numeric
		)
		if err := rows.Scan(&bi.BranchID, &bi.BranchName, &bi.PaymentCount, &payments, &bi.IncomeCount, &incomes); err != nil {
			return nil, fmt.Errorf("scan branch totals: %w", err)
		}
		if bi.PaymentsTotal, err = numericToDecimal(payments); err != nil {
			return nil, err
		}
		if bi.IncomeTotal, err = numericToDecimal(incomes); err != nil {
			return nil, err
		}
		audit.Branches = append(audit.Branches, bi)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return audit, nil
}

func pageBounds(page, size int) (limit, offset int) {
	if size <= 0 {
		size = 10
	}
	if size > 100 {
		size = 100
	}
	if page <= 0 {
		page = 1
	}
	return size, (page - 1) * size
}
