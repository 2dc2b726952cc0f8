package domain

import "time"

// Role distinguishes librarians (admins) from students.
type Role int

const (
	RoleAdmin   Role = 0
	RoleStudent Role = 1
)

func (r Role) String() string {
	if r == RoleAdmin {
		return "admin"
	}
	return "student"
}

// Genre is the fixed catalog classification for books.
type Genre string

const (
	GenreFiction    Genre = "fiction"
	GenreScience    Genre = "science"
	GenreHistorical Genre = "historical"
	GenreBiography  Genre = "biography"
)

// ParseGenre validates a genre value.
func ParseGenre(raw string) (Genre, bool) {
	switch Genre(raw) {
	case GenreFiction, GenreScience, GenreHistorical, GenreBiography:
		return Genre(raw), true
	default:
		return "", false
	}
}

type User struct {
	ID           uint      `json:"id"`
	Username     string    `json:"username"`
	PasswordHash string    `json:"-"`
	Role         Role      `json:"role"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

type Book struct {
	ID                uint      `json:"id"`
	Title             string    `json:"title"`
	Author            string    `json:"author"`
	Genre             Genre     `json:"genre"`
	PDFKey            string    `json:"-"`
	PageCount         int       `json:"page_count,omitempty"`
	IsAvailable       bool      `json:"is_available"`
	CurrentBorrowerID *uint     `json:"current_borrower,omitempty"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// Booking is one row of the append-only loan ledger. A nil EndAt marks an
// open loan.
type Booking struct {
	ID         uint       `json:"id"`
	BookID     uint       `json:"book"`
	BorrowerID uint       `json:"borrower"`
	StartAt    time.Time  `json:"start_at"`
	EndAt      *time.Time `json:"end_at"`
}

type Rating struct {
	ID        uint      `json:"id"`
	BookID    uint      `json:"book"`
	UserID    uint      `json:"user"`
	Stars     int       `json:"stars"`
	Comment   string    `json:"comment"`
	CreatedAt time.Time `json:"created_at"`
}

// LedgerEvent records a borrow/return transition for auditing.
type LedgerEvent struct {
	ID        uint           `json:"id"`
	Kind      string         `json:"kind"`
	Payload   map[string]any `json:"payload"`
	CreatedAt time.Time      `json:"created_at"`
}

const (
	EventBookBorrowed = "book.borrowed"
	EventBookReturned = "book.returned"
)
