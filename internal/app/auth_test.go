package app

import (
	"context"
	"errors"
	"testing"

	"librarian/pkg/domain"
)

func TestRegisterForcesStudentRole(t *testing.T) {
	a, _, _ := newTestApp(t)
	ctx := context.Background()

	user, err := a.Register(ctx, "alice", "pw1")
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if user.Role != domain.RoleStudent {
		t.Fatalf("role = %v, want student", user.Role)
	}
	if user.ID == 0 {
		t.Fatalf("expected assigned id")
	}
}

func TestRegisterValidation(t *testing.T) {
	a, _, _ := newTestApp(t)
	ctx := context.Background()

	if _, err := a.Register(ctx, "", "pw1"); !errors.Is(err, ErrUsernameAndPasswordRequired) {
		t.Fatalf("missing username: err = %v", err)
	}
	if _, err := a.Register(ctx, "alice", ""); !errors.Is(err, ErrUsernameAndPasswordRequired) {
		t.Fatalf("missing password: err = %v", err)
	}
	if _, err := a.Register(ctx, "alice", "pw1"); err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, err := a.Register(ctx, "alice", "pw2"); !errors.Is(err, ErrUsernameTaken) {
		t.Fatalf("duplicate username: err = %v, want ErrUsernameTaken", err)
	}
}

func TestLoginDistinguishesUnknownUserFromWrongPassword(t *testing.T) {
	a, _, _ := newTestApp(t)
	ctx := context.Background()
	registerStudent(t, a, "alice")

	if _, _, _, err := a.Login(ctx, "nobody", "pw1"); !errors.Is(err, ErrUserNotFound) {
		t.Fatalf("unknown user: err = %v, want ErrUserNotFound", err)
	}
	if _, _, _, err := a.Login(ctx, "alice", "nope"); !errors.Is(err, ErrWrongPassword) {
		t.Fatalf("wrong password: err = %v, want ErrWrongPassword", err)
	}

	user, access, refresh, err := a.Login(ctx, "alice", "pw1")
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if user.Username != "alice" || access == "" || refresh == "" {
		t.Fatalf("unexpected login result: %+v access=%q refresh=%q", user, access, refresh)
	}
}

func TestRefreshRotatesTokens(t *testing.T) {
	a, _, _ := newTestApp(t)
	ctx := context.Background()
	registerStudent(t, a, "alice")

	_, _, refresh, err := a.Login(ctx, "alice", "pw1")
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	user, access2, refresh2, err := a.Refresh(ctx, refresh)
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if user.Username != "alice" || access2 == "" || refresh2 == refresh {
		t.Fatalf("unexpected refresh result")
	}

	// Old token is spent.
	if _, _, _, err := a.Refresh(ctx, refresh); !errors.Is(err, ErrInvalidRefreshToken) {
		t.Fatalf("replayed refresh: err = %v, want ErrInvalidRefreshToken", err)
	}
	if _, _, _, err := a.Refresh(ctx, ""); !errors.Is(err, ErrRefreshTokenRequired) {
		t.Fatalf("empty refresh: err = %v, want ErrRefreshTokenRequired", err)
	}
}

func TestLogoutInvalidatesSession(t *testing.T) {
	a, _, _ := newTestApp(t)
	ctx := context.Background()
	registerStudent(t, a, "alice")

	_, access, refresh, err := a.Login(ctx, "alice", "pw1")
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if _, ok := a.UserFromToken(ctx, access); !ok {
		t.Fatalf("token should resolve before logout")
	}
	if err := a.Logout(access, refresh); err != nil {
		t.Fatalf("logout: %v", err)
	}
	if _, ok := a.UserFromToken(ctx, access); ok {
		t.Fatalf("token should not resolve after logout")
	}
	if _, _, _, err := a.Refresh(ctx, refresh); !errors.Is(err, ErrInvalidRefreshToken) {
		t.Fatalf("refresh after logout: err = %v, want ErrInvalidRefreshToken", err)
	}
}

func TestEnsureBootstrapAdminIsIdempotent(t *testing.T) {
	a, s, _ := newTestApp(t)
	ctx := context.Background()

	if err := a.EnsureBootstrapAdmin(ctx, "librarian", "secret"); err != nil {
		t.Fatalf("first bootstrap: %v", err)
	}
	if err := a.EnsureBootstrapAdmin(ctx, "librarian", "secret"); err != nil {
		t.Fatalf("second bootstrap: %v", err)
	}
	admin, ok, err := s.GetUserByUsername(ctx, "librarian")
	if err != nil || !ok {
		t.Fatalf("missing admin: ok=%v err=%v", ok, err)
	}
	if admin.Role != domain.RoleAdmin {
		t.Fatalf("role = %v, want admin", admin.Role)
	}
}
