package store

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"librarian/pkg/domain"
)

// MemoryStore keeps all data in memory. It implements the same transition
// semantics as GormStore and is used by tests and local development.
type MemoryStore struct {
	mu       sync.Mutex
	users    map[uint]domain.User
	books    map[uint]domain.Book
	bookings map[uint]domain.Booking
	ratings  map[uint]domain.Rating
	events   []domain.LedgerEvent

	nextUserID    uint
	nextBookID    uint
	nextBookingID uint
	nextRatingID  uint
}

// NewMemoryStore constructs an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:    make(map[uint]domain.User),
		books:    make(map[uint]domain.Book),
		bookings: make(map[uint]domain.Booking),
		ratings:  make(map[uint]domain.Rating),
	}
}

func (s *MemoryStore) CreateUser(_ context.Context, u domain.User) (domain.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.users {
		if existing.Username == u.Username {
			return domain.User{}, errors.New("username already exists")
		}
	}
	s.nextUserID++
	u.ID = s.nextUserID
	s.users[u.ID] = u
	return u, nil
}

func (s *MemoryStore) HasUsername(_ context.Context, username string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range s.users {
		if u.Username == username {
			return true, nil
		}
	}
	return false, nil
}

func (s *MemoryStore) GetUserByUsername(_ context.Context, username string) (domain.User, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range s.users {
		if u.Username == username {
			return u, true, nil
		}
	}
	return domain.User{}, false, nil
}

func (s *MemoryStore) GetUserByID(_ context.Context, id uint) (domain.User, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	return u, ok, nil
}

func (s *MemoryStore) CreateBook(_ context.Context, b domain.Book) (domain.Book, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextBookID++
	b.ID = s.nextBookID
	s.books[b.ID] = b
	return b, nil
}

func (s *MemoryStore) UpdateBook(_ context.Context, b domain.Book) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.books[b.ID]; !ok {
		return ErrBookNotFound
	}
	s.books[b.ID] = b
	return nil
}

func (s *MemoryStore) ListBooks(_ context.Context, search string) ([]domain.Book, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	res := make([]domain.Book, 0, len(s.books))
	needle := strings.ToLower(search)
	for _, b := range s.books {
		if search != "" && !strings.Contains(strings.ToLower(b.Title), needle) && b.Author != search {
			continue
		}
		res = append(res, b)
	}
	sort.Slice(res, func(i, j int) bool { return res[i].ID < res[j].ID })
	return res, nil
}

func (s *MemoryStore) GetBook(_ context.Context, id uint) (domain.Book, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.books[id]
	return b, ok, nil
}

func (s *MemoryStore) DeleteBook(_ context.Context, id uint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.books[id]; !ok {
		return ErrBookNotFound
	}
	delete(s.books, id)
	for bid, booking := range s.bookings {
		if booking.BookID == id {
			delete(s.bookings, bid)
		}
	}
	for rid, rating := range s.ratings {
		if rating.BookID == id {
			delete(s.ratings, rid)
		}
	}
	return nil
}

func (s *MemoryStore) BorrowBook(_ context.Context, bookID, borrowerID uint, now time.Time) (domain.Book, domain.Booking, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.books[bookID]
	if !ok {
		return domain.Book{}, domain.Booking{}, ErrBookNotFound
	}
	if b.CurrentBorrowerID != nil && *b.CurrentBorrowerID == borrowerID {
		return domain.Book{}, domain.Booking{}, ErrAlreadyBorrowed
	}
	if !b.IsAvailable {
		holder := "another user"
		if b.CurrentBorrowerID != nil {
			if u, ok := s.users[*b.CurrentBorrowerID]; ok {
				holder = u.Username
			}
		}
		return domain.Book{}, domain.Booking{}, &BorrowedByOtherError{Holder: holder}
	}

	borrower := borrowerID
	b.IsAvailable = false
	b.CurrentBorrowerID = &borrower
	b.UpdatedAt = now
	s.books[bookID] = b

	s.nextBookingID++
	booking := domain.Booking{
		ID:         s.nextBookingID,
		BookID:     bookID,
		BorrowerID: borrowerID,
		StartAt:    now,
	}
	s.bookings[booking.ID] = booking
	s.appendEventLocked(domain.EventBookBorrowed, map[string]any{
		"book":     bookID,
		"borrower": borrowerID,
		"booking":  booking.ID,
	}, now)
	return b, booking, nil
}

func (s *MemoryStore) ReturnBook(_ context.Context, bookID, borrowerID uint, now time.Time) (domain.Book, domain.Booking, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.books[bookID]
	if !ok || b.CurrentBorrowerID == nil || *b.CurrentBorrowerID != borrowerID {
		return domain.Book{}, domain.Booking{}, ErrNotBorrowedByUser
	}

	var open *domain.Booking
	for id := range s.bookings {
		booking := s.bookings[id]
		if booking.BookID == bookID && booking.BorrowerID == borrowerID && booking.EndAt == nil {
			if open == nil || booking.StartAt.After(open.StartAt) {
				open = &booking
			}
		}
	}
	if open == nil {
		return domain.Book{}, domain.Booking{}, ErrNoOpenBooking
	}

	endAt := now
	open.EndAt = &endAt
	s.bookings[open.ID] = *open

	b.IsAvailable = true
	b.CurrentBorrowerID = nil
	b.UpdatedAt = now
	s.books[bookID] = b
	s.appendEventLocked(domain.EventBookReturned, map[string]any{
		"book":     bookID,
		"borrower": borrowerID,
		"booking":  open.ID,
	}, now)
	return b, *open, nil
}

func (s *MemoryStore) ListBookingsByBook(_ context.Context, bookID uint) ([]domain.Booking, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	res := make([]domain.Booking, 0)
	for _, booking := range s.bookings {
		if booking.BookID == bookID {
			res = append(res, booking)
		}
	}
	sort.Slice(res, func(i, j int) bool { return res[i].ID < res[j].ID })
	return res, nil
}

func (s *MemoryStore) CreateRating(_ context.Context, r domain.Rating) (domain.Rating, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextRatingID++
	r.ID = s.nextRatingID
	s.ratings[r.ID] = r
	return r, nil
}

// LedgerEvents returns a copy of the recorded audit events.
func (s *MemoryStore) LedgerEvents() []domain.LedgerEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.LedgerEvent, len(s.events))
	copy(out, s.events)
	return out
}

func (s *MemoryStore) appendEventLocked(kind string, payload map[string]any, now time.Time) {
	s.events = append(s.events, domain.LedgerEvent{
		ID:        uint(len(s.events) + 1),
		Kind:      kind,
		Payload:   payload,
		CreatedAt: now,
	})
}
