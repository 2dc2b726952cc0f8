package app

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"librarian/pkg/domain"
	"librarian/pkg/events"
	"librarian/pkg/storage"
	"librarian/pkg/store"
	"time"
)

func TestCreateBookValidation(t *testing.T) {
	a, _, _ := newTestApp(t)
	ctx := context.Background()

	if _, err := a.CreateBook(ctx, CreateBookInput{Author: "x", Genre: "fiction", PDF: []byte("x")}); !errors.Is(err, ErrInvalidBookForm) {
		t.Fatalf("missing title: err = %v, want ErrInvalidBookForm", err)
	}
	if _, err := a.CreateBook(ctx, CreateBookInput{Title: "Dune", Author: "x", Genre: "romance", PDF: []byte("x")}); !errors.Is(err, ErrInvalidGenre) {
		t.Fatalf("bad genre: err = %v, want ErrInvalidGenre", err)
	}
	if _, err := a.CreateBook(ctx, CreateBookInput{Title: "Dune", Author: "x", Genre: "fiction"}); !errors.Is(err, ErrPDFRequired) {
		t.Fatalf("missing pdf: err = %v, want ErrPDFRequired", err)
	}
	if _, err := a.CreateBook(ctx, CreateBookInput{Title: "Dune", Author: "x", Genre: "fiction", PDF: []byte("not a pdf")}); !errors.Is(err, ErrInvalidPDF) {
		t.Fatalf("bad pdf: err = %v, want ErrInvalidPDF", err)
	}
}

func TestUpdateBookPartialUpdate(t *testing.T) {
	a, s, _ := newTestApp(t)
	ctx := context.Background()
	book := createTestBook(t, s, "Dune")

	newTitle := "Dune Messiah"
	view, err := a.UpdateBook(ctx, book.ID, UpdateBookInput{Title: &newTitle})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if view.Title != "Dune Messiah" || view.Author != book.Author || view.Genre != book.Genre {
		t.Fatalf("unexpected update result: %+v", view.Book)
	}

	badGenre := "romance"
	if _, err := a.UpdateBook(ctx, book.ID, UpdateBookInput{Genre: &badGenre}); !errors.Is(err, ErrInvalidGenre) {
		t.Fatalf("bad genre: err = %v, want ErrInvalidGenre", err)
	}
	if _, err := a.UpdateBook(ctx, 999, UpdateBookInput{Title: &newTitle}); !errors.Is(err, store.ErrBookNotFound) {
		t.Fatalf("missing book: err = %v, want ErrBookNotFound", err)
	}
}

func TestUpdateBookLeavesLoanStateAlone(t *testing.T) {
	a, s, _ := newTestApp(t)
	ctx := context.Background()
	alice := registerStudent(t, a, "alice")
	book := createTestBook(t, s, "Dune")

	if _, _, err := a.Borrow(ctx, alice, book.ID); err != nil {
		t.Fatalf("borrow: %v", err)
	}
	newTitle := "Dune (annotated)"
	view, err := a.UpdateBook(ctx, book.ID, UpdateBookInput{Title: &newTitle})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if view.IsAvailable || view.CurrentBorrowerID == nil || *view.CurrentBorrowerID != alice.ID {
		t.Fatalf("update must not touch loan state: %+v", view.Book)
	}
}

func TestDeleteBookRemovesStoredPDF(t *testing.T) {
	objects := storage.NewMemoryObjectStore()
	dataStore := store.NewMemoryStore()
	a, err := New(Config{
		Store:         dataStore,
		Sessions:      store.NewMemorySessionStore(time.Hour),
		RefreshTokens: store.NewMemoryRefreshTokenStore(),
		Objects:       objects,
		Publisher:     &events.MemoryPublisher{},
	})
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	ctx := context.Background()

	if err := objects.Put(ctx, "dune.pdf", bytes.NewReader([]byte("%PDF-")), 5, "application/pdf"); err != nil {
		t.Fatalf("seed object: %v", err)
	}
	book, err := dataStore.CreateBook(ctx, domain.Book{
		Title: "Dune", Author: "Frank Herbert", Genre: domain.GenreFiction,
		PDFKey: "dune.pdf", IsAvailable: true,
	})
	if err != nil {
		t.Fatalf("seed book: %v", err)
	}

	view, err := a.GetBook(ctx, book.ID)
	if err != nil {
		t.Fatalf("get book: %v", err)
	}
	if view.PDFURL == "" || !strings.Contains(view.PDFURL, "filename=") {
		t.Fatalf("expected presigned pdf url, got %q", view.PDFURL)
	}

	if err := a.DeleteBook(ctx, book.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, ok := objects.Get("dune.pdf"); ok {
		t.Fatalf("stored pdf should be removed with the book")
	}
	if err := a.DeleteBook(ctx, book.ID); !errors.Is(err, store.ErrBookNotFound) {
		t.Fatalf("second delete: err = %v, want ErrBookNotFound", err)
	}
}
