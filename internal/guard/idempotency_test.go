package guard

import (
	"context"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mmeshcher/laundry-payments/internal/model"
	"github.com/mmeshcher/laundry-payments/internal/repository"
)

func int64Ptr(v int64) *int64 { return &v }

func newRepo() *repository.MemoryRepository {
	return repository.NewMemoryRepository(
		model.Branch{ID: 1, Code: "KTM", Name: "Kathmandu", IsActive: true},
		model.Branch{ID: 2, Code: "OLD", Name: "Closed", IsActive: false},
	)
}

func request(key string) Request {
	return Request{
		UserID:         7,
		IdempotencyKey: key,
		Amount:         decimal.NewFromInt(500),
		TaxAmount:      decimal.NewFromInt(65),
		Method:         model.PaymentMethodEsewa,
		BranchID:       int64Ptr(1),
	}
}

func TestInitiateOrResume_SameKeyReturnsSamePayment(t *testing.T) {
	ctx := context.Background()
	repo := newRepo()
	g := NewIdempotency(repo, zap.NewNop())

	first, created, err := g.InitiateOrResume(ctx, request("client-key"))
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, model.PaymentStatusPending, first.Status)
	assert.True(t, first.TotalAmount.Equal(decimal.NewFromInt(565)))

	second, created, err := g.InitiateOrResume(ctx, request("client-key"))
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.TransactionUUID, second.TransactionUUID)
	assert.Equal(t, first.ID, second.ID)

	_, total, err := repo.ListPayments(ctx, model.PaymentFilter{UserID: 7})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
}

func TestInitiateOrResume_ConcurrentSameKey(t *testing.T) {
	ctx := context.Background()
	repo := newRepo()
	g := NewIdempotency(repo, zap.NewNop())

	const n = 10
	var wg sync.WaitGroup
	uuids := make([]string, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			p, _, err := g.InitiateOrResume(ctx, request("racy"))
			errs[i] = err
			if p != nil {
				uuids[i] = p.TransactionUUID
			}
		}(i)
	}
	wg.Wait()

	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, uuids[0], uuids[i])
	}

	_, total, err := repo.ListPayments(ctx, model.PaymentFilter{UserID: 7})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
}

func TestInitiateOrResume_EmptyKeyNeverDeduplicates(t *testing.T) {
	ctx := context.Background()
	repo := newRepo()
	g := NewIdempotency(repo, zap.NewNop())

	first, _, err := g.InitiateOrResume(ctx, request(""))
	require.NoError(t, err)
	second, _, err := g.InitiateOrResume(ctx, request(""))
	require.NoError(t, err)

	require.NotNil(t, first.IdempotencyKey)
	assert.NotEmpty(t, *first.IdempotencyKey)
	assert.NotEqual(t, first.TransactionUUID, second.TransactionUUID)
}

func TestInitiateOrResume_Rejects(t *testing.T) {
	ctx := context.Background()
	g := NewIdempotency(newRepo(), zap.NewNop())

	zero := request("")
	zero.Amount = decimal.Zero
	_, _, err := g.InitiateOrResume(ctx, zero)
	assert.ErrorIs(t, err, model.ErrInvalidAmount)

	negativeTax := request("")
	negativeTax.TaxAmount = decimal.NewFromInt(-1)
	_, _, err = g.InitiateOrResume(ctx, negativeTax)
	assert.ErrorIs(t, err, model.ErrInvalidAmount)

	inactive := request("")
	inactive.BranchID = int64Ptr(2)
	_, _, err = g.InitiateOrResume(ctx, inactive)
	assert.ErrorIs(t, err, model.ErrBranchInactive)

	missing := request("")
	missing.BranchID = int64Ptr(99)
	_, _, err = g.InitiateOrResume(ctx, missing)
	assert.ErrorIs(t, err, model.ErrBranchInactive)

	noBranch := request("")
	noBranch.BranchID = nil
	_, _, err = g.InitiateOrResume(ctx, noBranch)
	assert.ErrorIs(t, err, model.ErrBranchInactive)

	badMethod := request("")
	badMethod.Method = "crypto"
	_, _, err = g.InitiateOrResume(ctx, badMethod)
	assert.ErrorIs(t, err, model.ErrWrongPaymentMethod)
}

// raceStore имитирует проигранную гонку: поиск по ключу не находит платёж, вставка падает на уникальности.
type raceStore struct {
	*repository.MemoryRepository
	winner  *model.Payment
	lookups int
}

func (s *raceStore) PaymentByIdempotencyKey(ctx context.Context, userID int64, key string) (*model.Payment, error) {
	s.lookups++
	if s.lookups == 1 {
		return nil, model.ErrPaymentNotFound
	}
	return s.winner, nil
}

func (s *raceStore) CreatePayment(ctx context.Context, p *model.Payment) error {
	return repository.ErrDuplicateIdempotencyKey
}

func TestInitiateOrResume_DuplicateKeyRequeries(t *testing.T) {
	winner := &model.Payment{ID: 42, TransactionUUID: "250314-092653-deadbeef"}
	store := &raceStore{MemoryRepository: newRepo(), winner: winner}
	g := NewIdempotency(store, zap.NewNop())

	p, created, err := g.InitiateOrResume(context.Background(), request("k"))
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, winner, p)
	assert.Equal(t, 2, store.lookups)
}
