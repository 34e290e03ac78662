package validation

import (
	"strings"
	"testing"
)

func TestIsValidTxRef(t *testing.T) {
	valid := "0x" + strings.Repeat("ab", 32)
	if !IsValidTxRef(valid) {
		t.Errorf("expected %s to be valid", valid)
	}
	for _, bad := range []string{"", "0x1234", strings.Repeat("ab", 33), "0x" + strings.Repeat("zz", 32)} {
		if IsValidTxRef(bad) {
			t.Errorf("expected %q to be invalid", bad)
		}
	}
}

func TestIsValidUserID(t *testing.T) {
	for _, good := range []string{"usr_123", "alice-42", "a1b"} {
		if !IsValidUserID(good) {
			t.Errorf("expected %q to be valid", good)
		}
	}
	for _, bad := range []string{"", "ab", "has space", strings.Repeat("x", 65)} {
		if IsValidUserID(bad) {
			t.Errorf("expected %q to be invalid", bad)
		}
	}
}

func TestSanitizeText(t *testing.T) {
	if got := SanitizeText("  hello\x00world  ", 100); got != "helloworld" {
		t.Errorf("SanitizeText = %q", got)
	}
	if got := SanitizeText(strings.Repeat("a", 20), 10); len(got) != 10 {
		t.Errorf("expected capped length 10, got %d", len(got))
	}
}

func TestCheck(t *testing.T) {
	errs := Check(
		Required("title", ""),
		Required("seller_id", "usr_1"),
		PositiveAmount("price_cents", 0),
	)
	if len(errs) != 2 {
		t.Fatalf("expected 2 errors, got %d: %v", len(errs), errs)
	}
	if !strings.Contains(errs.Error(), "title") || !strings.Contains(errs.Error(), "price_cents") {
		t.Errorf("error string missing fields: %s", errs.Error())
	}

	if errs := Check(Required("title", "Bike"), PositiveAmount("price_cents", 100)); len(errs) != 0 {
		t.Errorf("expected no errors, got %v", errs)
	}
}
