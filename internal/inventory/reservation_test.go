package inventory

import (
	"context"
	"sort"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/ariefcatur/go-tenant-orders/internal/apperr"
)

type fakeStock struct {
	products  map[string]*Product
	lockCalls [][]string
}

func newFakeStock(ps ...Product) *fakeStock {
	f := &fakeStock{products: map[string]*Product{}}
	for i := range ps {
		p := ps[i]
		f.products[p.ID] = &p
	}
	return f
}

func (f *fakeStock) LockProducts(_ context.Context, _ string, ids []string) (map[string]Product, error) {
	f.lockCalls = append(f.lockCalls, append([]string(nil), ids...))
	out := map[string]Product{}
	for _, id := range ids {
		if p, ok := f.products[id]; ok {
			out[id] = *p
		}
	}
	return out, nil
}

func (f *fakeStock) AddReserved(_ context.Context, _, id string, delta int) error {
	f.products[id].ReservedQuantity += delta
	return nil
}

func (f *fakeStock) ConsumeStock(_ context.Context, _, id string, qty int) error {
	f.products[id].StockQuantity -= qty
	f.products[id].ReservedQuantity -= qty
	return nil
}

func product(id string, stock, reserved int) Product {
	return Product{ID: id, Name: id, Price: decimal.NewFromInt(100), StockQuantity: stock, ReservedQuantity: reserved, IsActive: true}
}

func TestReserveWithinAvailable(t *testing.T) {
	s := newFakeStock(product("A", 10, 3))
	m := NewManager(0, nil)

	res, err := m.Reserve(context.Background(), s, "t", []LineRequest{{ProductID: "A", Qty: 5}})
	require.NoError(t, err)
	require.Len(t, res.Lines, 1)
	require.Empty(t, res.Rejections)
	require.Equal(t, 8, s.products["A"].ReservedQuantity)
	require.True(t, res.Subtotal().Equal(decimal.NewFromInt(500)))
}

func TestReserveExceedingAvailableFailsSingleItemCart(t *testing.T) {
	s := newFakeStock(product("A", 10, 3))
	m := NewManager(0, nil)

	res, err := m.Reserve(context.Background(), s, "t", []LineRequest{{ProductID: "A", Qty: 8}})
	require.Equal(t, apperr.CodeNoValidItems, apperr.CodeOf(err))
	require.Len(t, res.Rejections, 1)
	require.Equal(t, apperr.CodeInsufficientStock, res.Rejections[0].Code)
	require.Equal(t, 7, res.Rejections[0].Available)
	require.Equal(t, 3, s.products["A"].ReservedQuantity)
}

func TestReservePartialSuccessReportsWarnings(t *testing.T) {
	inactive := product("C", 10, 0)
	inactive.IsActive = false
	s := newFakeStock(product("A", 10, 0), product("B", 1, 1), inactive)
	m := NewManager(50, nil)

	res, err := m.Reserve(context.Background(), s, "t", []LineRequest{
		{ProductID: "B", Qty: 1},
		{ProductID: "A", Qty: 2},
		{ProductID: "C", Qty: 1},
		{ProductID: "missing", Qty: 1},
		{ProductID: "A", Qty: 0},
		{ProductID: "A", Qty: 51},
		{ProductID: "A", Qty: 3},
	})
	require.NoError(t, err)
	require.Len(t, res.Lines, 1)
	require.Equal(t, "A", res.Lines[0].ProductID)
	require.Equal(t, 5, res.Lines[0].Qty)
	require.Equal(t, 5, s.products["A"].ReservedQuantity)

	codes := map[apperr.Code]int{}
	for _, r := range res.Rejections {
		codes[r.Code]++
	}
	require.Equal(t, 2, codes[apperr.CodeItemInvalidQty])
	require.Equal(t, 1, codes[apperr.CodeInsufficientStock])
	require.Equal(t, 1, codes[apperr.CodeItemInactive])
	require.Equal(t, 1, codes[apperr.CodeItemNotFound])
}

func TestReserveLocksInAscendingOrder(t *testing.T) {
	s := newFakeStock(product("b", 5, 0), product("a", 5, 0), product("c", 5, 0))
	m := NewManager(0, nil)

	_, err := m.Reserve(context.Background(), s, "t", []LineRequest{
		{ProductID: "c", Qty: 1}, {ProductID: "a", Qty: 1}, {ProductID: "b", Qty: 1},
	})
	require.NoError(t, err)
	require.Len(t, s.lockCalls, 1)
	require.True(t, sort.StringsAreSorted(s.lockCalls[0]))
}

func TestReleaseFloorsAtZero(t *testing.T) {
	s := newFakeStock(product("A", 10, 2), product("B", 10, 6))
	m := NewManager(0, nil)

	err := m.Release(context.Background(), s, "t", []LineRequest{{ProductID: "A", Qty: 5}, {ProductID: "B", Qty: 4}})
	require.NoError(t, err)
	require.Equal(t, 0, s.products["A"].ReservedQuantity)
	require.Equal(t, 2, s.products["B"].ReservedQuantity)
}

func TestConsumeMovesReservationOutOfStock(t *testing.T) {
	s := newFakeStock(product("A", 10, 4))
	m := NewManager(0, nil)

	require.NoError(t, m.Consume(context.Background(), s, "t", []LineRequest{{ProductID: "A", Qty: 4}}))
	require.Equal(t, 6, s.products["A"].StockQuantity)
	require.Equal(t, 0, s.products["A"].ReservedQuantity)
}
