package app

import "errors"

var (
	ErrUsernameAndPasswordRequired = errors.New("username and password required")
	ErrUsernameTaken               = errors.New("username already taken")

	// ErrUserNotFound and ErrWrongPassword are shown to end users verbatim.
	ErrUserNotFound  = errors.New("user not found")
	ErrWrongPassword = errors.New("wrong password")

	ErrRefreshTokenRequired = errors.New("refresh token required")
	ErrInvalidRefreshToken  = errors.New("invalid refresh token")

	ErrInvalidBookForm = errors.New("invalid book form")
	ErrInvalidGenre    = errors.New("invalid genre")
	ErrPDFRequired  = errors.New("pdf file required")
	ErrInvalidPDF   = errors.New("uploaded file is not a valid pdf")

	ErrBookRequired = errors.New("book is required")

	// ErrOnlyStudentsBorrow is returned when a librarian tries to borrow.
	ErrOnlyStudentsBorrow = errors.New("only students can borrow books")
)
