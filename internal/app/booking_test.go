package app

import (
	"context"
	"errors"
	"testing"
	"time"

	"librarian/pkg/domain"
	"librarian/pkg/events"
	"librarian/pkg/storage"
	"librarian/pkg/store"
)

func newTestApp(t *testing.T) (*App, *store.MemoryStore, *events.MemoryPublisher) {
	t.Helper()
	dataStore := store.NewMemoryStore()
	publisher := &events.MemoryPublisher{}
	a, err := New(Config{
		Store:         dataStore,
		Sessions:      store.NewMemorySessionStore(time.Hour),
		RefreshTokens: store.NewMemoryRefreshTokenStore(),
		Objects:       storage.NewMemoryObjectStore(),
		Publisher:     publisher,
	})
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	return a, dataStore, publisher
}

func registerStudent(t *testing.T, a *App, username string) domain.User {
	t.Helper()
	user, err := a.Register(context.Background(), username, "pw1")
	if err != nil {
		t.Fatalf("register %s: %v", username, err)
	}
	return user
}

func createTestBook(t *testing.T, s *store.MemoryStore, title string) domain.Book {
	t.Helper()
	book, err := s.CreateBook(context.Background(), domain.Book{
		Title:       title,
		Author:      "someone",
		Genre:       domain.GenreFiction,
		IsAvailable: true,
	})
	if err != nil {
		t.Fatalf("create book: %v", err)
	}
	return book
}

func TestBorrowHappyPath(t *testing.T) {
	a, s, publisher := newTestApp(t)
	ctx := context.Background()
	alice := registerStudent(t, a, "alice")
	book := createTestBook(t, s, "Dune")

	view, booking, err := a.Borrow(ctx, alice, book.ID)
	if err != nil {
		t.Fatalf("borrow: %v", err)
	}
	if view.IsAvailable {
		t.Fatalf("book should be unavailable")
	}
	if booking.BorrowerID != alice.ID || booking.EndAt != nil {
		t.Fatalf("unexpected booking: %+v", booking)
	}
	if len(publisher.Events) != 1 || publisher.Events[0].Kind != domain.EventBookBorrowed {
		t.Fatalf("unexpected events: %+v", publisher.Events)
	}
}

func TestBorrowRejectsLibrarians(t *testing.T) {
	a, s, _ := newTestApp(t)
	ctx := context.Background()
	if err := a.EnsureBootstrapAdmin(ctx, "librarian", "secret"); err != nil {
		t.Fatalf("bootstrap admin: %v", err)
	}
	admin, ok, err := s.GetUserByUsername(ctx, "librarian")
	if err != nil || !ok {
		t.Fatalf("missing admin user: ok=%v err=%v", ok, err)
	}
	if admin.Role != domain.RoleAdmin {
		t.Fatalf("bootstrap role = %v, want admin", admin.Role)
	}
	book := createTestBook(t, s, "Dune")

	if _, _, err := a.Borrow(ctx, admin, book.ID); !errors.Is(err, ErrOnlyStudentsBorrow) {
		t.Fatalf("err = %v, want ErrOnlyStudentsBorrow", err)
	}
}

func TestBorrowConflictLadder(t *testing.T) {
	a, s, _ := newTestApp(t)
	ctx := context.Background()
	alice := registerStudent(t, a, "alice")
	bob := registerStudent(t, a, "bob")
	book := createTestBook(t, s, "Dune")

	if _, _, err := a.Borrow(ctx, alice, book.ID); err != nil {
		t.Fatalf("first borrow: %v", err)
	}
	if _, _, err := a.Borrow(ctx, alice, book.ID); !errors.Is(err, store.ErrAlreadyBorrowed) {
		t.Fatalf("repeat borrow: err = %v, want ErrAlreadyBorrowed", err)
	}
	_, _, err := a.Borrow(ctx, bob, book.ID)
	var held *store.BorrowedByOtherError
	if !errors.As(err, &held) || held.Holder != "alice" {
		t.Fatalf("borrow of held book: err = %v, want BorrowedByOtherError{alice}", err)
	}
	if _, _, err := a.Borrow(ctx, alice, 999); !errors.Is(err, store.ErrBookNotFound) {
		t.Fatalf("missing book: err = %v, want ErrBookNotFound", err)
	}
}

func TestReturnRoundTrip(t *testing.T) {
	a, s, publisher := newTestApp(t)
	ctx := context.Background()
	alice := registerStudent(t, a, "alice")
	book := createTestBook(t, s, "Dune")

	if _, _, err := a.Borrow(ctx, alice, book.ID); err != nil {
		t.Fatalf("borrow: %v", err)
	}
	view, booking, err := a.Return(ctx, alice, book.ID)
	if err != nil {
		t.Fatalf("return: %v", err)
	}
	if !view.IsAvailable || view.CurrentBorrowerID != nil {
		t.Fatalf("book should be free again: %+v", view.Book)
	}
	if booking.EndAt == nil {
		t.Fatalf("booking should be closed")
	}
	if len(publisher.Events) != 2 || publisher.Events[1].Kind != domain.EventBookReturned {
		t.Fatalf("unexpected events: %+v", publisher.Events)
	}

	// Borrowable again after return.
	if _, _, err := a.Borrow(ctx, alice, book.ID); err != nil {
		t.Fatalf("borrow after return: %v", err)
	}
}

func TestReturnWithoutOpenLoan(t *testing.T) {
	a, s, _ := newTestApp(t)
	ctx := context.Background()
	alice := registerStudent(t, a, "alice")
	bob := registerStudent(t, a, "bob")
	book := createTestBook(t, s, "Dune")

	if _, _, err := a.Return(ctx, alice, book.ID); !errors.Is(err, store.ErrNotBorrowedByUser) {
		t.Fatalf("return never borrowed: err = %v, want ErrNotBorrowedByUser", err)
	}
	if _, _, err := a.Borrow(ctx, alice, book.ID); err != nil {
		t.Fatalf("borrow: %v", err)
	}
	if _, _, err := a.Return(ctx, bob, book.ID); !errors.Is(err, store.ErrNotBorrowedByUser) {
		t.Fatalf("return by non-holder: err = %v, want ErrNotBorrowedByUser", err)
	}
}

func TestRateBook(t *testing.T) {
	a, s, _ := newTestApp(t)
	ctx := context.Background()
	alice := registerStudent(t, a, "alice")
	book := createTestBook(t, s, "Dune")

	rating, err := a.RateBook(ctx, alice, book.ID, 5, "brilliant")
	if err != nil {
		t.Fatalf("rate: %v", err)
	}
	if rating.ID == 0 || rating.BookID != book.ID || rating.UserID != alice.ID {
		t.Fatalf("unexpected rating: %+v", rating)
	}

	if _, err := a.RateBook(ctx, alice, 0, 5, ""); !errors.Is(err, ErrBookRequired) {
		t.Fatalf("missing book id: err = %v, want ErrBookRequired", err)
	}
	if _, err := a.RateBook(ctx, alice, 999, 5, ""); !errors.Is(err, store.ErrBookNotFound) {
		t.Fatalf("unknown book: err = %v, want ErrBookNotFound", err)
	}
}
