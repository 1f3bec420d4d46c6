// Package inventory owns the authoritative stock decrement. Stock read anywhere else is advisory.
package inventory

import (
	"context"
	"fmt"
	"sort"
)

// Locker is the slice of a storage transaction the ledger needs. LockStock must hold a row lock
// on the product until the surrounding transaction ends.
type Locker interface {
	LockStock(ctx context.Context, productID int64) (stock int, found bool, err error)
	DecrementStock(ctx context.Context, productID int64, qty int) error
}

type Line struct {
	ProductID int64
	Quantity  int
}

// Shortfall records a line that could not be fulfilled from stock. Missing is set when the
// product row no longer exists.
type Shortfall struct {
	ProductID int64
	Requested int
	Available int
	Missing   bool
}

func (s Shortfall) String() string {
	if s.Missing {
		return fmt.Sprintf("product %d no longer exists (requested %d)", s.ProductID, s.Requested)
	}
	return fmt.Sprintf("product %d short: requested %d, available %d", s.ProductID, s.Requested, s.Available)
}

// Deduct locks every product referenced by lines in ascending id order and decrements stock
// per line when enough is available. Lines that cannot be covered leave stock untouched and come
// back as shortfalls; stock never goes negative.
func Deduct(ctx context.Context, l Locker, lines []Line) ([]Shortfall, error) {
	sorted := make([]Line, 0, len(lines))
	for _, ln := range lines {
		if ln.Quantity > 0 {
			sorted = append(sorted, ln)
		}
	}
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].ProductID < sorted[j].ProductID })

	type row struct {
		stock int
		found bool
	}
	locked := make(map[int64]*row, len(sorted))

	var short []Shortfall
	for _, ln := range sorted {
		r, ok := locked[ln.ProductID]
		if !ok {
			stock, found, err := l.LockStock(ctx, ln.ProductID)
			if err != nil {
				return nil, fmt.Errorf("locking product %d: %w", ln.ProductID, err)
			}
			r = &row{stock: stock, found: found}
			locked[ln.ProductID] = r
		}

		if !r.found {
			short = append(short, Shortfall{ProductID: ln.ProductID, Requested: ln.Quantity, Missing: true})
			continue
		}
		if r.stock < ln.Quantity {
			short = append(short, Shortfall{ProductID: ln.ProductID, Requested: ln.Quantity, Available: r.stock})
			continue
		}

		if err := l.DecrementStock(ctx, ln.ProductID, ln.Quantity); err != nil {
			return nil, fmt.Errorf("decrementing product %d: %w", ln.ProductID, err)
		}
		r.stock -= ln.Quantity
	}
	return short, nil
}
