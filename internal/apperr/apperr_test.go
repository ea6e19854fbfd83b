package apperr

import (
	"errors"
	"net/http"
	"testing"
)

func TestHTTPStatusMapping(t *testing.T) {
	cases := map[Code]int{
		DBNotFound:         http.StatusNotFound,
		PoolExhausted:      http.StatusServiceUnavailable,
		QueryTimeout:       http.StatusRequestTimeout,
		DBSizeExceeded:     http.StatusRequestEntityTooLarge,
		BackupExpired:      http.StatusGone,
		Busy:               http.StatusTooManyRequests,
		Internal:           http.StatusInternalServerError,
	}
	for code, want := range cases {
		err := New(code, "boom")
		if got := err.HTTPStatus(); got != want {
			t.Errorf("%s: HTTPStatus() = %d, want %d", code, got, want)
		}
	}
}

func TestWrapPreservesChain(t *testing.T) {
	root := errors.New("connection reset")
	err := Wrap(DialectPullFailed, "pull failed", root)

	if !errors.Is(err, root) {
		t.Fatal("Wrap() did not preserve the underlying error for errors.Is")
	}
	if CodeOf(err) != DialectPullFailed {
		t.Errorf("CodeOf() = %s, want %s", CodeOf(err), DialectPullFailed)
	}
}

func TestCodeOfNonAppError(t *testing.T) {
	if CodeOf(errors.New("plain")) != Internal {
		t.Error("CodeOf() on a plain error should default to Internal")
	}
	if StatusOf(errors.New("plain")) != http.StatusInternalServerError {
		t.Error("StatusOf() on a plain error should default to 500")
	}
}

func TestWithDetail(t *testing.T) {
	err := New(QuerySyntaxError, "bad sql").WithDetail("line 1: unexpected token")
	if err.Detail == "" {
		t.Fatal("WithDetail() did not set Detail")
	}
	if err.Error() == "" {
		t.Fatal("Error() returned empty string")
	}
}
