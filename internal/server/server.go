package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"librarian/internal/app"
	"librarian/internal/ratelimit"
	"librarian/internal/util"
	"librarian/pkg/domain"
	"librarian/pkg/store"
)

// Config wires required dependencies for the HTTP server.
type Config struct {
	App                        *app.App
	RedisAddr                  string
	RedisPassword              string
	RegisterRateLimitPerMinute int
	LoginRateLimitPerMinute    int
	MaxUploadBytes             int64
}

// Server exposes the library HTTP endpoints.
type Server struct {
	app             *app.App
	mux             *http.ServeMux
	maxUploadBytes  int64
	registerLimiter *ratelimit.FixedWindowLimiter
	loginLimiter    *ratelimit.FixedWindowLimiter
}

// New constructs the server with routes configured.
func New(cfg Config) (*Server, error) {
	registerLimit := cfg.RegisterRateLimitPerMinute
	if registerLimit <= 0 {
		registerLimit = 5
	}
	loginLimit := cfg.LoginRateLimitPerMinute
	if loginLimit <= 0 {
		loginLimit = 10
	}
	newLimiter := func(name string, limit int) (*ratelimit.FixedWindowLimiter, error) {
		prefix := "librarian:ratelimit:" + name
		limiter, err := ratelimit.NewRedisFixedWindowLimiter(cfg.RedisAddr, cfg.RedisPassword, prefix, limit, time.Minute)
		if err != nil {
			return nil, fmt.Errorf("init %s limiter: %w", name, err)
		}
		return limiter, nil
	}
	registerLimiter, err := newLimiter("register", registerLimit)
	if err != nil {
		return nil, err
	}
	loginLimiter, err := newLimiter("login", loginLimit)
	if err != nil {
		return nil, err
	}
	s := &Server{
		app:             cfg.App,
		mux:             http.NewServeMux(),
		maxUploadBytes:  normalizeMaxBytes(cfg.MaxUploadBytes),
		registerLimiter: registerLimiter,
		loginLimiter:    loginLimiter,
	}
	s.routes()
	return s, nil
}

// Router returns the configured handler with the middleware chain applied.
func (s *Server) Router() http.Handler {
	return util.WithRequestID(util.WithRequestLog(util.WithSecurityHeaders(util.WithCORS(s.mux))))
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", s.handleHealth)

	// auth
	s.mux.HandleFunc("/register", s.handleRegister)
	s.mux.HandleFunc("/login", s.handleLogin)
	s.mux.HandleFunc("/refresh", s.handleRefresh)
	s.mux.HandleFunc("/logout", s.handleLogout)
	s.mux.HandleFunc("/.well-known/jwks.json", s.handleJWKS)
	s.mux.Handle("/me", s.authenticated(s.handleMe))

	// catalog
	s.mux.Handle("/book_list", s.authenticated(s.handleBookList))
	s.mux.Handle("/book_detail/", s.authenticated(s.handleBookDetail))
	s.mux.Handle("/create_book", s.authenticated(s.handleCreateBook))
	s.mux.Handle("/update_book/", s.authenticated(s.handleUpdateBook))
	s.mux.Handle("/delete_book/", s.authenticated(s.handleDeleteBook))

	// loans & ratings
	s.mux.Handle("/booking", s.authenticated(s.handleBooking))
	s.mux.Handle("/return_book/", s.authenticated(s.handleReturnBook))
	s.mux.Handle("/rating", s.authenticated(s.handleRating))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// auth wrappers
type authHandler func(http.ResponseWriter, *http.Request, domain.User)

func (s *Server) authenticated(next authHandler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := bearerToken(r)
		if !ok {
			s.audit(r, "auth.authorize", "fail", "reason", "missing_token")
			writeError(w, r, http.StatusUnauthorized, "unauthorized")
			return
		}
		user, ok := s.app.UserFromToken(r.Context(), token)
		if !ok {
			s.audit(r, "auth.authorize", "fail", "reason", "invalid_token")
			writeError(w, r, http.StatusUnauthorized, "unauthorized")
			return
		}
		next(w, r, user)
	})
}

// auth handlers
func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r)
		return
	}
	if !s.allowRate(w, r, s.registerLimiter, "too many register attempts") {
		s.audit(r, "auth.register", "rate_limited")
		return
	}
	var req credentialsRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid JSON body")
		return
	}
	user, err := s.app.Register(r.Context(), req.Username, req.Password)
	if err != nil {
		s.audit(r, "auth.register", "fail", "reason", err.Error())
		writeAppError(w, r, err)
		return
	}
	s.audit(r, "auth.register", "success", "user_id", user.ID)
	writeJSON(w, http.StatusCreated, map[string]string{"message": "user registered successfully"})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r)
		return
	}
	if !s.allowRate(w, r, s.loginLimiter, "too many login attempts") {
		s.audit(r, "auth.login", "rate_limited")
		return
	}
	var req credentialsRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid JSON body")
		return
	}
	user, accessToken, refreshToken, err := s.app.Login(r.Context(), req.Username, req.Password)
	if err != nil {
		s.audit(r, "auth.login", "fail", "reason", err.Error())
		writeAppError(w, r, err)
		return
	}
	s.audit(r, "auth.login", "success", "user_id", user.ID)
	writeJSON(w, http.StatusOK, tokenResponse{
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
	})
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r)
		return
	}
	var req refreshRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid JSON body")
		return
	}
	user, accessToken, refreshToken, err := s.app.Refresh(r.Context(), req.RefreshToken)
	if err != nil {
		s.audit(r, "auth.refresh", "fail", "reason", err.Error())
		writeAppError(w, r, err)
		return
	}
	s.audit(r, "auth.refresh", "success", "user_id", user.ID)
	writeJSON(w, http.StatusOK, tokenResponse{
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
	})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r)
		return
	}
	token, ok := bearerToken(r)
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "unauthorized")
		return
	}
	var req refreshRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, r, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := s.app.Logout(token, req.RefreshToken); err != nil {
		s.audit(r, "auth.logout", "fail", "reason", err.Error())
		writeError(w, r, http.StatusInternalServerError, "internal error")
		return
	}
	s.audit(r, "auth.logout", "success")
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleJWKS(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r)
		return
	}
	w.Header().Set("Cache-Control", "public, max-age=300")
	writeJSON(w, http.StatusOK, map[string]any{"keys": s.app.JWKS()})
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request, user domain.User) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"username": user.Username,
		"user_id":  user.ID,
		"role":     user.Role,
	})
}

// catalog handlers
func (s *Server) handleBookList(w http.ResponseWriter, r *http.Request, _ domain.User) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r)
		return
	}
	books, err := s.app.ListBooks(r.Context(), r.URL.Query().Get("search"))
	if err != nil {
		slog.Error("list books failed", "error", err)
		writeError(w, r, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"items": books,
		"count": len(books),
	})
}

func (s *Server) handleBookDetail(w http.ResponseWriter, r *http.Request, _ domain.User) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r)
		return
	}
	id, ok := pathID(r, "/book_detail/")
	if !ok {
		http.NotFound(w, r)
		return
	}
	book, err := s.app.GetBook(r.Context(), id)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, book)
}

func (s *Server) handleCreateBook(w http.ResponseWriter, r *http.Request, user domain.User) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r)
		return
	}
	form, ok := s.parseBookForm(w, r)
	if !ok {
		return
	}
	book, err := s.app.CreateBook(r.Context(), app.CreateBookInput{
		Title:  form.title,
		Author: form.author,
		Genre:  form.genre,
		PDF:    form.pdf,
	})
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	s.audit(r, "catalog.create", "success", "user_id", user.ID, "book_id", book.ID)
	writeJSON(w, http.StatusCreated, book)
}

func (s *Server) handleUpdateBook(w http.ResponseWriter, r *http.Request, user domain.User) {
	if r.Method != http.MethodPut {
		methodNotAllowed(w, r)
		return
	}
	id, ok := pathID(r, "/update_book/")
	if !ok {
		http.NotFound(w, r)
		return
	}
	form, ok := s.parseBookForm(w, r)
	if !ok {
		return
	}
	in := app.UpdateBookInput{PDF: form.pdf}
	if form.hasTitle {
		in.Title = &form.title
	}
	if form.hasAuthor {
		in.Author = &form.author
	}
	if form.hasGenre {
		in.Genre = &form.genre
	}
	book, err := s.app.UpdateBook(r.Context(), id, in)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	s.audit(r, "catalog.update", "success", "user_id", user.ID, "book_id", book.ID)
	writeJSON(w, http.StatusOK, book)
}

func (s *Server) handleDeleteBook(w http.ResponseWriter, r *http.Request, user domain.User) {
	if r.Method != http.MethodDelete {
		methodNotAllowed(w, r)
		return
	}
	id, ok := pathID(r, "/delete_book/")
	if !ok {
		http.NotFound(w, r)
		return
	}
	if err := s.app.DeleteBook(r.Context(), id); err != nil {
		writeAppError(w, r, err)
		return
	}
	s.audit(r, "catalog.delete", "success", "user_id", user.ID, "book_id", id)
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// loan handlers
func (s *Server) handleBooking(w http.ResponseWriter, r *http.Request, user domain.User) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r)
		return
	}
	var req bookingRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Book == 0 {
		writeError(w, r, http.StatusBadRequest, "book is required")
		return
	}
	book, booking, err := s.app.Borrow(r.Context(), user, req.Book)
	if err != nil {
		s.audit(r, "loan.borrow", "fail", "user_id", user.ID, "book_id", req.Book, "reason", err.Error())
		writeBorrowError(w, r, err)
		return
	}
	s.audit(r, "loan.borrow", "success", "user_id", user.ID, "book_id", book.ID, "booking_id", booking.ID)
	writeJSON(w, http.StatusCreated, map[string]any{
		"message": fmt.Sprintf("you borrowed %s", book.Title),
		"book": map[string]any{
			"title":   book.Title,
			"pdf_url": book.PDFURL,
		},
	})
}

func (s *Server) handleReturnBook(w http.ResponseWriter, r *http.Request, user domain.User) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r)
		return
	}
	id, ok := pathID(r, "/return_book/")
	if !ok {
		http.NotFound(w, r)
		return
	}
	book, booking, err := s.app.Return(r.Context(), user, id)
	if err != nil {
		s.audit(r, "loan.return", "fail", "user_id", user.ID, "book_id", id, "reason", err.Error())
		writeReturnError(w, r, err)
		return
	}
	s.audit(r, "loan.return", "success", "user_id", user.ID, "book_id", book.ID, "booking_id", booking.ID)
	writeJSON(w, http.StatusOK, map[string]string{
		"message": fmt.Sprintf("you returned %s", book.Title),
	})
}

func (s *Server) handleRating(w http.ResponseWriter, r *http.Request, user domain.User) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r)
		return
	}
	var req ratingRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid JSON body")
		return
	}
	rating, err := s.app.RateBook(r.Context(), user, req.Book, req.Stars, req.Comment)
	if err != nil {
		if errors.Is(err, store.ErrBookNotFound) {
			writeError(w, r, http.StatusBadRequest, "invalid book")
			return
		}
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, rating)
}

// request/response types
type credentialsRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type bookingRequest struct {
	Book uint `json:"book"`
}

type ratingRequest struct {
	Book    uint   `json:"book"`
	Stars   int    `json:"stars"`
	Comment string `json:"comment"`
}

// bookForm is the parsed multipart create/update payload.
type bookForm struct {
	title     string
	author    string
	genre     string
	pdf       []byte
	hasTitle  bool
	hasAuthor bool
	hasGenre  bool
}

func (s *Server) parseBookForm(w http.ResponseWriter, r *http.Request) (bookForm, bool) {
	if s.maxUploadBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, s.maxUploadBytes)
	}
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid form data")
		return bookForm{}, false
	}
	var form bookForm
	if values, ok := r.MultipartForm.Value["title"]; ok && len(values) > 0 {
		form.title, form.hasTitle = values[0], true
	}
	if values, ok := r.MultipartForm.Value["author"]; ok && len(values) > 0 {
		form.author, form.hasAuthor = values[0], true
	}
	if values, ok := r.MultipartForm.Value["genre"]; ok && len(values) > 0 {
		form.genre, form.hasGenre = values[0], true
	}
	file, _, err := r.FormFile("pdf")
	if err == nil {
		defer file.Close()
		data, readErr := io.ReadAll(file)
		if readErr != nil {
			writeError(w, r, http.StatusBadRequest, "invalid form data")
			return bookForm{}, false
		}
		form.pdf = data
	} else if !errors.Is(err, http.ErrMissingFile) {
		writeError(w, r, http.StatusBadRequest, "invalid form data")
		return bookForm{}, false
	}
	return form, true
}

// helpers
func pathID(r *http.Request, prefix string) (uint, bool) {
	raw := strings.TrimPrefix(r.URL.Path, prefix)
	if raw == "" || strings.Contains(raw, "/") {
		return 0, false
	}
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil || id == 0 {
		return 0, false
	}
	return uint(id), true
}

func bearerToken(r *http.Request) (string, bool) {
	authHeader := r.Header.Get("Authorization")
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", false
	}
	token := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
	if token == "" {
		return "", false
	}
	return token, true
}

func methodNotAllowed(w http.ResponseWriter, r *http.Request) {
	writeError(w, r, http.StatusMethodNotAllowed, "method not allowed")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, r *http.Request, status int, msg string) {
	body := map[string]string{"error": msg}
	if id := util.RequestIDFromRequest(r); id != "" {
		body["request_id"] = id
	}
	writeJSON(w, status, body)
}

// writeAppError maps business errors to HTTP statuses.
func writeAppError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, app.ErrUserNotFound):
		writeError(w, r, http.StatusNotFound, err.Error())
	case errors.Is(err, app.ErrInvalidRefreshToken):
		writeError(w, r, http.StatusUnauthorized, err.Error())
	case errors.Is(err, store.ErrBookNotFound):
		writeError(w, r, http.StatusNotFound, "book not found")
	case errors.Is(err, app.ErrUsernameAndPasswordRequired),
		errors.Is(err, app.ErrUsernameTaken),
		errors.Is(err, app.ErrWrongPassword),
		errors.Is(err, app.ErrRefreshTokenRequired),
		errors.Is(err, app.ErrInvalidBookForm),
		errors.Is(err, app.ErrInvalidGenre),
		errors.Is(err, app.ErrPDFRequired),
		errors.Is(err, app.ErrInvalidPDF),
		errors.Is(err, app.ErrBookRequired):
		writeError(w, r, http.StatusBadRequest, err.Error())
	default:
		slog.Error("request failed", "error", err)
		writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}

// writeBorrowError maps the borrow conflict ladder: forbidden role, unknown
// book, repeat borrow by holder, and book held by someone else.
func writeBorrowError(w http.ResponseWriter, r *http.Request, err error) {
	var held *store.BorrowedByOtherError
	switch {
	case errors.Is(err, app.ErrOnlyStudentsBorrow):
		writeError(w, r, http.StatusForbidden, err.Error())
	case errors.Is(err, store.ErrBookNotFound):
		writeError(w, r, http.StatusBadRequest, "invalid book")
	case errors.Is(err, store.ErrAlreadyBorrowed):
		writeError(w, r, http.StatusConflict, "you already borrowed this book")
	case errors.As(err, &held):
		writeError(w, r, http.StatusBadRequest, held.Error())
	default:
		slog.Error("borrow failed", "error", err)
		writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}

func writeReturnError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, store.ErrNotBorrowedByUser):
		writeError(w, r, http.StatusNotFound, "you didnt borrow this book")
	case errors.Is(err, store.ErrNoOpenBooking):
		writeError(w, r, http.StatusConflict, err.Error())
	default:
		slog.Error("return failed", "error", err)
		writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}

func normalizeMaxBytes(value int64) int64 {
	if value <= 0 {
		return 50 * 1024 * 1024
	}
	return value
}

func (s *Server) allowRate(w http.ResponseWriter, r *http.Request, limiter *ratelimit.FixedWindowLimiter, msg string) bool {
	key := r.URL.Path + "|" + util.ClientIP(r)
	if limiter.Allow(key) {
		return true
	}
	w.Header().Set("Retry-After", "60")
	writeError(w, r, http.StatusTooManyRequests, msg)
	return false
}

func (s *Server) audit(r *http.Request, event, outcome string, attrs ...any) {
	logAttrs := []any{
		"event", event,
		"outcome", outcome,
		"path", r.URL.Path,
		"method", r.Method,
		"ip", util.ClientIP(r),
	}
	logAttrs = append(logAttrs, attrs...)
	if outcome == "success" {
		slog.Info("security_event", logAttrs...)
		return
	}
	slog.Warn("security_event", logAttrs...)
}
