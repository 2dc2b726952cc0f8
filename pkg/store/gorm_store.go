package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"librarian/pkg/domain"
)

const migrateLockID int64 = 52815281

// GormStore implements Store using GORM + Postgres.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore opens the DB and runs auto-migrations.
func NewGormStore(dsn string) (*GormStore, error) {
	gormLog := gormlogger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		gormlogger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: gormLog})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := withMigrationLock(db, func(tx *gorm.DB) error {
		if err := tx.AutoMigrate(&UserModel{}, &BookModel{}, &BookingModel{}, &RatingModel{}, &LedgerEventModel{}); err != nil {
			return fmt.Errorf("auto migrate: %w", err)
		}
		return nil
	}); err != nil {
		return nil, err
	}
	return &GormStore{db: db}, nil
}

// withMigrationLock serializes schema migration across instances via a
// Postgres advisory lock.
func withMigrationLock(db *gorm.DB, fn func(*gorm.DB) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("get sql db: %w", err)
	}
	conn, err := sqlDB.Conn(ctx)
	if err != nil {
		return fmt.Errorf("open sql conn: %w", err)
	}
	defer conn.Close()
	if err := execAdvisory(ctx, conn, "SELECT pg_advisory_lock($1)", migrateLockID); err != nil {
		return fmt.Errorf("acquire migrate lock: %w", err)
	}
	defer func() {
		_ = execAdvisory(ctx, conn, "SELECT pg_advisory_unlock($1)", migrateLockID)
	}()
	return fn(db)
}

func execAdvisory(ctx context.Context, conn *sql.Conn, query string, lockID int64) error {
	_, err := conn.ExecContext(ctx, query, lockID)
	return err
}

// CreateUser stores a new user and returns it with its assigned ID.
func (s *GormStore) CreateUser(ctx context.Context, u domain.User) (domain.User, error) {
	model := userToModel(u)
	if err := s.db.WithContext(ctx).Create(&model).Error; err != nil {
		return domain.User{}, err
	}
	return userFromModel(model), nil
}

// HasUsername checks if the username exists.
func (s *GormStore) HasUsername(ctx context.Context, username string) (bool, error) {
	var count int64
	if err := s.db.WithContext(ctx).Model(&UserModel{}).Where("username = ?", username).Count(&count).Error; err != nil {
		return false, err
	}
	return count > 0, nil
}

// GetUserByUsername looks up a user by username.
func (s *GormStore) GetUserByUsername(ctx context.Context, username string) (domain.User, bool, error) {
	var model UserModel
	if err := s.db.WithContext(ctx).Where("username = ?", username).First(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.User{}, false, nil
		}
		return domain.User{}, false, err
	}
	return userFromModel(model), true, nil
}

// GetUserByID returns a user by ID.
func (s *GormStore) GetUserByID(ctx context.Context, id uint) (domain.User, bool, error) {
	var model UserModel
	if err := s.db.WithContext(ctx).First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.User{}, false, nil
		}
		return domain.User{}, false, err
	}
	return userFromModel(model), true, nil
}

// CreateBook stores a new book and returns it with its assigned ID.
func (s *GormStore) CreateBook(ctx context.Context, b domain.Book) (domain.Book, error) {
	model := bookToModel(b)
	if err := s.db.WithContext(ctx).Create(&model).Error; err != nil {
		return domain.Book{}, err
	}
	return bookFromModel(model), nil
}

// UpdateBook persists all mutable book fields.
func (s *GormStore) UpdateBook(ctx context.Context, b domain.Book) error {
	res := s.db.WithContext(ctx).Model(&BookModel{}).
		Where("id = ?", b.ID).
		Updates(map[string]any{
			"title":               b.Title,
			"author":              b.Author,
			"genre":               string(b.Genre),
			"pdf_key":             b.PDFKey,
			"page_count":          b.PageCount,
			"is_available":        b.IsAvailable,
			"current_borrower_id": b.CurrentBorrowerID,
			"updated_at":          time.Now().UTC(),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrBookNotFound
	}
	return nil
}

// ListBooks returns books, optionally filtered by a case-insensitive title
// substring or an exact author match.
func (s *GormStore) ListBooks(ctx context.Context, search string) ([]domain.Book, error) {
	tx := s.db.WithContext(ctx).Order("created_at ASC")
	if search != "" {
		tx = tx.Where("title ILIKE ? OR author = ?", "%"+search+"%", search)
	}
	var models []BookModel
	if err := tx.Find(&models).Error; err != nil {
		return nil, err
	}
	res := make([]domain.Book, 0, len(models))
	for _, m := range models {
		res = append(res, bookFromModel(m))
	}
	return res, nil
}

// GetBook retrieves a book.
func (s *GormStore) GetBook(ctx context.Context, id uint) (domain.Book, bool, error) {
	var model BookModel
	if err := s.db.WithContext(ctx).First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Book{}, false, nil
		}
		return domain.Book{}, false, err
	}
	return bookFromModel(model), true, nil
}

// DeleteBook removes the book together with its bookings and ratings.
func (s *GormStore) DeleteBook(ctx context.Context, id uint) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Delete(&RatingModel{}, "book_id = ?", id).Error; err != nil {
			return err
		}
		if err := tx.Delete(&BookingModel{}, "book_id = ?", id).Error; err != nil {
			return err
		}
		res := tx.Delete(&BookModel{}, "id = ?", id)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrBookNotFound
		}
		return nil
	})
}

// BorrowBook transitions a book to borrowed and opens a booking, atomically.
// The book row is locked for the duration of the transaction so concurrent
// borrowers cannot both observe it as available.
func (s *GormStore) BorrowBook(ctx context.Context, bookID, borrowerID uint, now time.Time) (domain.Book, domain.Booking, error) {
	var (
		book    domain.Book
		booking domain.Booking
	)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var bm BookModel
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			First(&bm, "id = ?", bookID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrBookNotFound
			}
			return err
		}
		if bm.CurrentBorrowerID != nil && *bm.CurrentBorrowerID == borrowerID {
			return ErrAlreadyBorrowed
		}
		if !bm.IsAvailable {
			holder := "another user"
			if bm.CurrentBorrowerID != nil {
				var hm UserModel
				if err := tx.First(&hm, "id = ?", *bm.CurrentBorrowerID).Error; err == nil {
					holder = hm.Username
				}
			}
			return &BorrowedByOtherError{Holder: holder}
		}

		if err := tx.Model(&BookModel{}).Where("id = ?", bm.ID).Updates(map[string]any{
			"is_available":        false,
			"current_borrower_id": borrowerID,
			"updated_at":          now,
		}).Error; err != nil {
			return err
		}

		row := BookingModel{
			BookID:     bm.ID,
			BorrowerID: borrowerID,
			StartAt:    now,
		}
		if err := tx.Omit("Book", "Borrower").Create(&row).Error; err != nil {
			return err
		}
		if err := appendLedgerEvent(tx, domain.EventBookBorrowed, map[string]any{
			"book":     bm.ID,
			"borrower": borrowerID,
			"booking":  row.ID,
		}, now); err != nil {
			return err
		}

		bm.IsAvailable = false
		bm.CurrentBorrowerID = &borrowerID
		book = bookFromModel(bm)
		booking = bookingFromModel(row)
		return nil
	})
	if err != nil {
		return domain.Book{}, domain.Booking{}, err
	}
	return book, booking, nil
}

// ReturnBook closes the open booking and frees the book, atomically.
func (s *GormStore) ReturnBook(ctx context.Context, bookID, borrowerID uint, now time.Time) (domain.Book, domain.Booking, error) {
	var (
		book    domain.Book
		booking domain.Booking
	)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var bm BookModel
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			First(&bm, "id = ? AND current_borrower_id = ?", bookID, borrowerID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotBorrowedByUser
			}
			return err
		}

		var row BookingModel
		if err := tx.Where("book_id = ? AND borrower_id = ? AND end_at IS NULL", bookID, borrowerID).
			Order("start_at DESC").
			First(&row).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNoOpenBooking
			}
			return err
		}
		if err := tx.Model(&BookingModel{}).Where("id = ?", row.ID).Update("end_at", now).Error; err != nil {
			return err
		}
		if err := tx.Model(&BookModel{}).Where("id = ?", bm.ID).Updates(map[string]any{
			"is_available":        true,
			"current_borrower_id": nil,
			"updated_at":          now,
		}).Error; err != nil {
			return err
		}
		if err := appendLedgerEvent(tx, domain.EventBookReturned, map[string]any{
			"book":     bm.ID,
			"borrower": borrowerID,
			"booking":  row.ID,
		}, now); err != nil {
			return err
		}

		bm.IsAvailable = true
		bm.CurrentBorrowerID = nil
		endAt := now
		row.EndAt = &endAt
		book = bookFromModel(bm)
		booking = bookingFromModel(row)
		return nil
	})
	if err != nil {
		return domain.Book{}, domain.Booking{}, err
	}
	return book, booking, nil
}

// ListBookingsByBook returns the booking history of a book, oldest first.
func (s *GormStore) ListBookingsByBook(ctx context.Context, bookID uint) ([]domain.Booking, error) {
	var models []BookingModel
	if err := s.db.WithContext(ctx).
		Where("book_id = ?", bookID).
		Order("start_at ASC").
		Find(&models).Error; err != nil {
		return nil, err
	}
	res := make([]domain.Booking, 0, len(models))
	for _, m := range models {
		res = append(res, bookingFromModel(m))
	}
	return res, nil
}

// CreateRating records a rating.
func (s *GormStore) CreateRating(ctx context.Context, r domain.Rating) (domain.Rating, error) {
	model := ratingToModel(r)
	if err := s.db.WithContext(ctx).Omit("Book", "User").Create(&model).Error; err != nil {
		return domain.Rating{}, err
	}
	return ratingFromModel(model), nil
}

func appendLedgerEvent(tx *gorm.DB, kind string, payload map[string]any, now time.Time) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	event := LedgerEventModel{
		Kind:      kind,
		Payload:   raw,
		CreatedAt: now,
	}
	return tx.Create(&event).Error
}

func userToModel(u domain.User) UserModel {
	return UserModel{
		ID:           u.ID,
		Username:     u.Username,
		PasswordHash: u.PasswordHash,
		Role:         int(u.Role),
		CreatedAt:    u.CreatedAt,
		UpdatedAt:    u.UpdatedAt,
	}
}

func userFromModel(m UserModel) domain.User {
	return domain.User{
		ID:           m.ID,
		Username:     m.Username,
		PasswordHash: m.PasswordHash,
		Role:         domain.Role(m.Role),
		CreatedAt:    m.CreatedAt,
		UpdatedAt:    m.UpdatedAt,
	}
}

func bookToModel(b domain.Book) BookModel {
	return BookModel{
		ID:                b.ID,
		Title:             b.Title,
		Author:            b.Author,
		Genre:             string(b.Genre),
		PDFKey:            b.PDFKey,
		PageCount:         b.PageCount,
		IsAvailable:       b.IsAvailable,
		CurrentBorrowerID: b.CurrentBorrowerID,
		CreatedAt:         b.CreatedAt,
		UpdatedAt:         b.UpdatedAt,
	}
}

func bookFromModel(m BookModel) domain.Book {
	return domain.Book{
		ID:                m.ID,
		Title:             m.Title,
		Author:            m.Author,
		Genre:             domain.Genre(m.Genre),
		PDFKey:            m.PDFKey,
		PageCount:         m.PageCount,
		IsAvailable:       m.IsAvailable,
		CurrentBorrowerID: m.CurrentBorrowerID,
		CreatedAt:         m.CreatedAt,
		UpdatedAt:         m.UpdatedAt,
	}
}

func bookingFromModel(m BookingModel) domain.Booking {
	return domain.Booking{
		ID:         m.ID,
		BookID:     m.BookID,
		BorrowerID: m.BorrowerID,
		StartAt:    m.StartAt,
		EndAt:      m.EndAt,
	}
}

func ratingToModel(r domain.Rating) RatingModel {
	return RatingModel{
		ID:        r.ID,
		BookID:    r.BookID,
		UserID:    r.UserID,
		Stars:     r.Stars,
		Comment:   r.Comment,
		CreatedAt: r.CreatedAt,
	}
}

func ratingFromModel(m RatingModel) domain.Rating {
	return domain.Rating{
		ID:        m.ID,
		BookID:    m.BookID,
		UserID:    m.UserID,
		Stars:     m.Stars,
		Comment:   m.Comment,
		CreatedAt: m.CreatedAt,
	}
}
