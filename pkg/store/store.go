package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"librarian/pkg/domain"
)

var (
	// ErrBookNotFound is returned when a book id does not exist.
	ErrBookNotFound = errors.New("book not found")

	// ErrAlreadyBorrowed is returned when the requester already holds the book.
	ErrAlreadyBorrowed = errors.New("book already borrowed by this user")

	// ErrNotBorrowedByUser is returned on return when the requester does not
	// hold the book (or the book does not exist).
	ErrNotBorrowedByUser = errors.New("book not borrowed by this user")

	// ErrNoOpenBooking is returned when the ledger has no open booking for a
	// held book. This indicates an inconsistent ledger and is surfaced as a
	// conflict rather than crashing the return flow.
	ErrNoOpenBooking = errors.New("no open booking for this book")
)

// BorrowedByOtherError reports that another user currently holds the book.
type BorrowedByOtherError struct {
	Holder string
}

func (e *BorrowedByOtherError) Error() string {
	return fmt.Sprintf("book is already borrowed by %s", e.Holder)
}

// Store defines persistence operations for users, books, bookings, and ratings.
//
// BorrowBook and ReturnBook are atomic: the book transition and the booking
// ledger write happen in one transaction, so concurrent borrowers cannot both
// observe an available book.
type Store interface {
	// users
	CreateUser(ctx context.Context, user domain.User) (domain.User, error)
	HasUsername(ctx context.Context, username string) (bool, error)
	GetUserByUsername(ctx context.Context, username string) (domain.User, bool, error)
	GetUserByID(ctx context.Context, id uint) (domain.User, bool, error)

	// books
	CreateBook(ctx context.Context, book domain.Book) (domain.Book, error)
	UpdateBook(ctx context.Context, book domain.Book) error
	ListBooks(ctx context.Context, search string) ([]domain.Book, error)
	GetBook(ctx context.Context, id uint) (domain.Book, bool, error)
	DeleteBook(ctx context.Context, id uint) error

	// bookings
	BorrowBook(ctx context.Context, bookID, borrowerID uint, now time.Time) (domain.Book, domain.Booking, error)
	ReturnBook(ctx context.Context, bookID, borrowerID uint, now time.Time) (domain.Book, domain.Booking, error)
	ListBookingsByBook(ctx context.Context, bookID uint) ([]domain.Booking, error)

	// ratings
	CreateRating(ctx context.Context, rating domain.Rating) (domain.Rating, error)
}

// SessionStore issues and validates access tokens.
type SessionStore interface {
	NewSession(userID uint, role domain.Role) (string, error)
	UserIDByToken(token string) (uint, bool, error)
	DeleteSession(token string) error
}

// RefreshTokenStore persists refresh tokens for rotation + replay detection.
type RefreshTokenStore interface {
	NewToken(userID uint, ttl time.Duration) (string, error)
	RotateToken(token string, ttl time.Duration) (userID uint, newToken string, err error)
	DeleteToken(token string) error
}

// JWK represents a JSON Web Key entry used by the JWKS endpoint.
type JWK struct {
	Kty string `json:"kty"`
	Use string `json:"use"`
	Kid string `json:"kid"`
	Alg string `json:"alg"`
	N   string `json:"n,omitempty"`
	E   string `json:"e,omitempty"`
}

// JWKSProvider is an optional capability exposed by session stores that can
// publish JSON Web Keys.
type JWKSProvider interface {
	JWKS() []JWK
}
