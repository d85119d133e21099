package token

import (
	"errors"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
)

const secret = "0123456789abcdef-test"

func TestIssueVerify(t *testing.T) {
	clk := clock.NewMock()
	clk.Set(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	iss, err := NewIssuer(secret, time.Minute, clk)
	if err != nil {
		t.Fatal(err)
	}

	raw, exp, err := iss.Issue(KindMedia, "peer-a", "chan-1")
	if err != nil {
		t.Fatal(err)
	}
	if !exp.Equal(clk.Now().Add(time.Minute)) {
		t.Fatalf("exp = %v", exp)
	}
	claims, err := iss.Verify(raw)
	if err != nil {
		t.Fatal(err)
	}
	if claims.Subject != "peer-a" || claims.Channel != "chan-1" || claims.Kind != KindMedia || claims.ID == "" {
		t.Fatalf("claims = %+v", claims)
	}

	clk.Add(2 * time.Minute)
	if _, err := iss.Verify(raw); !errors.Is(err, ErrInvalid) {
		t.Fatalf("expired token verified: %v", err)
	}
}

func TestVerifyRejectsOtherSecret(t *testing.T) {
	a, _ := NewIssuer(secret, 0, nil)
	b, _ := NewIssuer("another-secret-value", 0, nil)
	raw, _, err := a.Issue(KindMessaging, "peer-a", "")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := b.Verify(raw); !errors.Is(err, ErrInvalid) {
		t.Fatalf("err = %v", err)
	}
}

func TestIssueValidation(t *testing.T) {
	if _, err := NewIssuer("short", 0, nil); err == nil {
		t.Fatal("short secret accepted")
	}
	iss, _ := NewIssuer(secret, 0, nil)
	if _, _, err := iss.Issue("bogus", "a", ""); err == nil {
		t.Fatal("unknown kind accepted")
	}
	if _, _, err := iss.Issue(KindMedia, "", "c"); err == nil {
		t.Fatal("empty identity accepted")
	}
}
