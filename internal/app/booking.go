package app

import (
	"context"
	"fmt"
	"time"

	"librarian/pkg/domain"
	"librarian/pkg/store"
)

// Borrow lends the book to the student. The availability flip and the ledger
// write are one transaction in the store, so two concurrent borrowers cannot
// both succeed.
func (a *App) Borrow(ctx context.Context, user domain.User, bookID uint) (BookView, domain.Booking, error) {
	if user.Role != domain.RoleStudent {
		return BookView{}, domain.Booking{}, ErrOnlyStudentsBorrow
	}
	book, booking, err := a.store.BorrowBook(ctx, bookID, user.ID, time.Now().UTC())
	if err != nil {
		return BookView{}, domain.Booking{}, err
	}
	a.publish(ctx, domain.EventBookBorrowed, map[string]any{
		"book":     book.ID,
		"borrower": user.ID,
		"booking":  booking.ID,
		"start_at": booking.StartAt,
	})
	return a.renderBook(ctx, book), booking, nil
}

// Return closes the requester's open booking and frees the book.
func (a *App) Return(ctx context.Context, user domain.User, bookID uint) (BookView, domain.Booking, error) {
	book, booking, err := a.store.ReturnBook(ctx, bookID, user.ID, time.Now().UTC())
	if err != nil {
		return BookView{}, domain.Booking{}, err
	}
	a.publish(ctx, domain.EventBookReturned, map[string]any{
		"book":     book.ID,
		"borrower": user.ID,
		"booking":  booking.ID,
		"end_at":   booking.EndAt,
	})
	return a.renderBook(ctx, book), booking, nil
}

// RateBook records a rating for an existing book. Stars are stored as sent;
// there is no range or borrow-history requirement.
func (a *App) RateBook(ctx context.Context, user domain.User, bookID uint, stars int, comment string) (domain.Rating, error) {
	if bookID == 0 {
		return domain.Rating{}, ErrBookRequired
	}
	_, ok, err := a.store.GetBook(ctx, bookID)
	if err != nil {
		return domain.Rating{}, fmt.Errorf("fetch book: %w", err)
	}
	if !ok {
		return domain.Rating{}, store.ErrBookNotFound
	}
	rating, err := a.store.CreateRating(ctx, domain.Rating{
		BookID:    bookID,
		UserID:    user.ID,
		Stars:     stars,
		Comment:   comment,
		CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		return domain.Rating{}, fmt.Errorf("save rating: %w", err)
	}
	return rating, nil
}
