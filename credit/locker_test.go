package credit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// KEYED LOCKER
// =============================================================================

func TestKeyedLocker_SerializesSameKey(t *testing.T) {
	l := NewKeyedLocker(time.Second)
	ctx := context.Background()

	var (
		mu      sync.Mutex
		inside  int
		maxSeen int
		wg      sync.WaitGroup
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock, err := l.Lock(ctx, "emp-1")
			if !assert.NoError(t, err) {
				return
			}
			defer unlock()

			mu.Lock()
			inside++
			if inside > maxSeen {
				maxSeen = inside
			}
			mu.Unlock()

			time.Sleep(time.Millisecond)

			mu.Lock()
			inside--
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, maxSeen)
	assert.Equal(t, 0, l.held(), "entries are released once nobody waits")
}

func TestKeyedLocker_DifferentKeysDoNotContend(t *testing.T) {
	l := NewKeyedLocker(50 * time.Millisecond)
	ctx := context.Background()

	unlockA, err := l.Lock(ctx, "emp-a")
	require.NoError(t, err)
	defer unlockA()

	unlockB, err := l.Lock(ctx, "emp-b")
	require.NoError(t, err)
	unlockB()
}

func TestKeyedLocker_TimeoutIsBusy(t *testing.T) {
	l := NewKeyedLocker(20 * time.Millisecond)
	ctx := context.Background()

	unlock, err := l.Lock(ctx, "emp-1")
	require.NoError(t, err)

	_, err = l.Lock(ctx, "emp-1")
	assert.ErrorIs(t, err, ErrBusy)
	assert.Equal(t, "busy", Kind(err))

	// Unlock is idempotent and frees the key.
	unlock()
	unlock()
	again, err := l.Lock(ctx, "emp-1")
	require.NoError(t, err)
	again()
	assert.Equal(t, 0, l.held())
}

func TestKeyedLocker_ContextCancel(t *testing.T) {
	l := NewKeyedLocker(0)
	unlock, err := l.Lock(context.Background(), "emp-1")
	require.NoError(t, err)
	defer unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = l.Lock(ctx, "emp-1")
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}

// =============================================================================
// BALANCE AGGREGATOR
// =============================================================================

// mapDirectory is a minimal EmployeeDirectory for component tests.
type mapDirectory struct {
	balances map[EmployeeID]decimal.Decimal
}

func (d *mapDirectory) GetEmployee(_ context.Context, id EmployeeID) (*Employee, error) {
	bal, ok := d.balances[id]
	if !ok {
		return nil, nil
	}
	return &Employee{ID: id, Category: CategoryRegular, Active: true, ServiceCreditBalance: bal}, nil
}

func (d *mapDirectory) FindEligible(ctx context.Context, id EmployeeID) (*Employee, error) {
	return d.GetEmployee(ctx, id)
}

func (d *mapDirectory) ReadBalance(_ context.Context, id EmployeeID) (decimal.Decimal, error) {
	bal, ok := d.balances[id]
	if !ok {
		return decimal.Zero, notFound("employee", string(id))
	}
	return bal, nil
}

func (d *mapDirectory) AdjustBalance(ctx context.Context, id EmployeeID, delta decimal.Decimal) (decimal.Decimal, error) {
	bal, err := d.ReadBalance(ctx, id)
	if err != nil {
		return decimal.Zero, err
	}
	d.balances[id] = bal.Add(delta)
	return d.balances[id], nil
}

func (d *mapDirectory) ListEmployeeIDs(context.Context) ([]EmployeeID, error) {
	var ids []EmployeeID
	for id := range d.balances {
		ids = append(ids, id)
	}
	return ids, nil
}

func TestBalanceAggregator(t *testing.T) {
	ctx := context.Background()
	dir := &mapDirectory{balances: map[EmployeeID]decimal.Decimal{"emp-1": decimal.Zero}}
	b := NewBalanceAggregator(dir)

	bal, err := b.Increase(ctx, "emp-1", Credits(2.5))
	require.NoError(t, err)
	assert.True(t, bal.Equal(Credits(2.5)))

	bal, err = b.Decrease(ctx, "emp-1", Credits(1))
	require.NoError(t, err)
	assert.True(t, bal.Equal(Credits(1.5)))

	_, err = b.Decrease(ctx, "emp-1", Credits(2))
	var insufficient *InsufficientBalanceError
	require.ErrorAs(t, err, &insufficient)
	assert.True(t, insufficient.Shortfall().Equal(Credits(0.5)))

	bal, err = b.Read(ctx, "emp-1")
	require.NoError(t, err)
	assert.True(t, bal.Equal(Credits(1.5)), "failed decrease leaves balance alone")

	_, err = b.Increase(ctx, "emp-1", Credits(-1))
	assert.ErrorIs(t, err, ErrValidation)

	_, err = b.Read(ctx, "emp-missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestKind(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, "none"},
		{invalid("x", "bad"), "validation"},
		{notFound("lot", "1"), "not_found"},
		{&InvalidStateError{}, "invalid_state"},
		{&InsufficientBalanceError{}, "insufficient_balance"},
		{&AlreadyRevertedError{}, "already_reverted"},
		{&InvariantError{}, "invariant_violation"},
		{ErrBusy, "busy"},
		{errors.New("disk on fire"), "internal"},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			assert.Equal(t, tt.want, Kind(tt.err))
		})
	}
	assert.True(t, IsClientError(&AlreadyRevertedError{}))
	assert.False(t, IsClientError(&InvariantError{}))
}
