package app

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"librarian/internal/pdfinfo"
	"librarian/internal/util"
	"librarian/pkg/domain"
	"librarian/pkg/store"
)

// BookView is a book as rendered to API clients, with a pre-signed download
// URL instead of the raw object key.
type BookView struct {
	domain.Book
	PDFURL string `json:"pdf_url,omitempty"`
}

// CreateBookInput carries the fields of the book creation form.
type CreateBookInput struct {
	Title  string
	Author string
	Genre  string
	PDF    []byte
}

// UpdateBookInput carries a partial book update. Nil fields are unchanged.
type UpdateBookInput struct {
	Title  *string
	Author *string
	Genre  *string
	PDF    []byte
}

// ListBooks returns the catalog, optionally filtered. A search term matches
// titles case-insensitively as a substring and authors exactly.
func (a *App) ListBooks(ctx context.Context, search string) ([]BookView, error) {
	books, err := a.store.ListBooks(ctx, strings.TrimSpace(search))
	if err != nil {
		return nil, fmt.Errorf("list books: %w", err)
	}
	views := make([]BookView, 0, len(books))
	for _, b := range books {
		views = append(views, a.renderBook(ctx, b))
	}
	return views, nil
}

// GetBook returns a single book or store.ErrBookNotFound.
func (a *App) GetBook(ctx context.Context, id uint) (BookView, error) {
	book, ok, err := a.store.GetBook(ctx, id)
	if err != nil {
		return BookView{}, fmt.Errorf("fetch book: %w", err)
	}
	if !ok {
		return BookView{}, store.ErrBookNotFound
	}
	return a.renderBook(ctx, book), nil
}

// CreateBook validates the form, uploads the PDF, and stores the new book.
// New books are always available with no borrower.
func (a *App) CreateBook(ctx context.Context, in CreateBookInput) (BookView, error) {
	title := strings.TrimSpace(in.Title)
	author := strings.TrimSpace(in.Author)
	if title == "" || author == "" {
		return BookView{}, fmt.Errorf("%w: title and author required", ErrInvalidBookForm)
	}
	genre, ok := domain.ParseGenre(strings.TrimSpace(in.Genre))
	if !ok {
		return BookView{}, ErrInvalidGenre
	}
	if len(in.PDF) == 0 {
		return BookView{}, ErrPDFRequired
	}
	pages, err := pdfinfo.PageCount(in.PDF)
	if err != nil {
		return BookView{}, ErrInvalidPDF
	}

	key := util.NewID() + ".pdf"
	if a.objects != nil {
		if err := a.objects.Put(ctx, key, bytes.NewReader(in.PDF), int64(len(in.PDF)), "application/pdf"); err != nil {
			return BookView{}, fmt.Errorf("store pdf: %w", err)
		}
	}

	now := time.Now().UTC()
	book, err := a.store.CreateBook(ctx, domain.Book{
		Title:       title,
		Author:      author,
		Genre:       genre,
		PDFKey:      key,
		PageCount:   pages,
		IsAvailable: true,
		CreatedAt:   now,
		UpdatedAt:   now,
	})
	if err != nil {
		if a.objects != nil {
			_ = a.objects.Delete(ctx, key)
		}
		return BookView{}, fmt.Errorf("save book: %w", err)
	}
	return a.renderBook(ctx, book), nil
}

// UpdateBook applies a partial update. Loan state is never touched here.
func (a *App) UpdateBook(ctx context.Context, id uint, in UpdateBookInput) (BookView, error) {
	book, ok, err := a.store.GetBook(ctx, id)
	if err != nil {
		return BookView{}, fmt.Errorf("fetch book: %w", err)
	}
	if !ok {
		return BookView{}, store.ErrBookNotFound
	}

	if in.Title != nil {
		title := strings.TrimSpace(*in.Title)
		if title == "" {
			return BookView{}, fmt.Errorf("%w: title cannot be empty", ErrInvalidBookForm)
		}
		book.Title = title
	}
	if in.Author != nil {
		author := strings.TrimSpace(*in.Author)
		if author == "" {
			return BookView{}, fmt.Errorf("%w: author cannot be empty", ErrInvalidBookForm)
		}
		book.Author = author
	}
	if in.Genre != nil {
		genre, ok := domain.ParseGenre(strings.TrimSpace(*in.Genre))
		if !ok {
			return BookView{}, ErrInvalidGenre
		}
		book.Genre = genre
	}
	if len(in.PDF) > 0 {
		pages, err := pdfinfo.PageCount(in.PDF)
		if err != nil {
			return BookView{}, ErrInvalidPDF
		}
		key := util.NewID() + ".pdf"
		if a.objects != nil {
			if err := a.objects.Put(ctx, key, bytes.NewReader(in.PDF), int64(len(in.PDF)), "application/pdf"); err != nil {
				return BookView{}, fmt.Errorf("store pdf: %w", err)
			}
			if book.PDFKey != "" {
				_ = a.objects.Delete(ctx, book.PDFKey)
			}
		}
		book.PDFKey = key
		book.PageCount = pages
	}

	book.UpdatedAt = time.Now().UTC()
	if err := a.store.UpdateBook(ctx, book); err != nil {
		return BookView{}, fmt.Errorf("update book: %w", err)
	}
	return a.renderBook(ctx, book), nil
}

// DeleteBook removes the book, its bookings and ratings, and the stored PDF.
func (a *App) DeleteBook(ctx context.Context, id uint) error {
	book, ok, err := a.store.GetBook(ctx, id)
	if err != nil {
		return fmt.Errorf("fetch book: %w", err)
	}
	if !ok {
		return store.ErrBookNotFound
	}
	if err := a.store.DeleteBook(ctx, id); err != nil {
		if errors.Is(err, store.ErrBookNotFound) {
			return err
		}
		return fmt.Errorf("delete book: %w", err)
	}
	if a.objects != nil && book.PDFKey != "" {
		if err := a.objects.Delete(ctx, book.PDFKey); err != nil {
			slog.Warn("delete pdf failed", "book_id", id, "key", book.PDFKey, "error", err)
		}
	}
	return nil
}

func (a *App) renderBook(ctx context.Context, book domain.Book) BookView {
	view := BookView{Book: book}
	if a.objects == nil || book.PDFKey == "" {
		return view
	}
	url, err := a.objects.PresignGet(ctx, book.PDFKey, a.pdfURLTTL, book.Title+".pdf")
	if err != nil {
		slog.Warn("presign pdf url failed", "book_id", book.ID, "error", err)
		return view
	}
	view.PDFURL = url
	return view
}
