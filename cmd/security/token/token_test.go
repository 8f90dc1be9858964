package token

import (
	"errors"
	"testing"

	"github.com/golang-jwt/jwt/v5"
)

func signed(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-signing-key"))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return s
}

func TestClean(t *testing.T) {
	t.Parallel()

	if got := Clean("  a.b\n.c \t"); got != "a.b.c" {
		t.Fatalf("Clean=%q want=%q", got, "a.b.c")
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		in      string
		want    string
		wantErr error
	}{
		{name: "ok", in: "aaa.bbb.ccc", want: "aaa.bbb.ccc"},
		{name: "wrapped", in: " aaa.\nbbb.ccc\n", want: "aaa.bbb.ccc"},
		{name: "empty", in: "   ", wantErr: ErrMissing},
		{name: "two parts", in: "aaa.bbb", wantErr: ErrMalformed},
		{name: "empty part", in: "aaa..ccc", wantErr: ErrMalformed},
		{name: "four parts", in: "a.b.c.d", wantErr: ErrMalformed},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got, err := Validate(tc.in)
			if !errors.Is(err, tc.wantErr) {
				t.Fatalf("Validate(%q) err=%v want=%v", tc.in, err, tc.wantErr)
			}
			if got != tc.want {
				t.Fatalf("Validate(%q)=%q want=%q", tc.in, got, tc.want)
			}
		})
	}
}

func TestSubject(t *testing.T) {
	t.Parallel()

	id, err := Subject(signed(t, jwt.MapClaims{"sub": "42"}))
	if err != nil || id != 42 {
		t.Fatalf("Subject=(%d,%v) want=(42,nil)", id, err)
	}

	if _, err := Subject(signed(t, jwt.MapClaims{"sub": "admin"})); !errors.Is(err, ErrNoSubject) {
		t.Fatalf("non-numeric sub err=%v want=%v", err, ErrNoSubject)
	}
	if _, err := Subject(signed(t, jwt.MapClaims{"role": "ADMIN"})); !errors.Is(err, ErrNoSubject) {
		t.Fatalf("missing sub err=%v want=%v", err, ErrNoSubject)
	}
	if _, err := Subject("aaa.bbb.ccc"); !errors.Is(err, ErrMalformed) {
		t.Fatalf("garbage err=%v want=%v", err, ErrMalformed)
	}
}

func TestFingerprint(t *testing.T) {
	t.Parallel()

	fp := Fingerprint("aaa.bbb.ccc")
	if len(fp) != fingerprintLen {
		t.Fatalf("len=%d want=%d", len(fp), fingerprintLen)
	}
	if fp != Fingerprint("aaa.bbb.ccc") {
		t.Fatalf("fingerprint not stable")
	}
	if Fingerprint("") != "" {
		t.Fatalf("empty token should have empty fingerprint")
	}
}

func TestMemoryStore(t *testing.T) {
	t.Parallel()

	s := NewMemoryStore("not-a-jwt")
	if _, err := s.Token(); !errors.Is(err, ErrMissing) {
		t.Fatalf("malformed seed err=%v want=%v", err, ErrMissing)
	}

	if err := s.Set("bad"); !errors.Is(err, ErrMalformed) {
		t.Fatalf("Set(bad) err=%v want=%v", err, ErrMalformed)
	}
	if err := s.Set(" aaa.bbb.ccc\n"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	tok, err := s.Token()
	if err != nil || tok != "aaa.bbb.ccc" {
		t.Fatalf("Token=(%q,%v)", tok, err)
	}

	s.Clear()
	if _, err := s.Token(); !errors.Is(err, ErrMissing) {
		t.Fatalf("after Clear err=%v want=%v", err, ErrMissing)
	}
}
