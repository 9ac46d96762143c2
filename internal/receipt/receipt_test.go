package receipt

import (
	"errors"
	"testing"

	"tillbook/internal/store"
)

func TestNumber(t *testing.T) {
	got, err := Number("STORE01", "2026-08-30", 42)
	if err != nil {
		t.Fatalf("Number: %v", err)
	}
	if got != "STORE01-20260830-000042" {
		t.Errorf("Number = %q", got)
	}
	if !Valid(got) {
		t.Errorf("Number produced an invalid format: %q", got)
	}
}

func TestReturnNumber(t *testing.T) {
	got, err := ReturnNumber("S1", "2026-01-02", 999999)
	if err != nil {
		t.Fatalf("ReturnNumber: %v", err)
	}
	if got != "R-S1-20260102-999999" {
		t.Errorf("ReturnNumber = %q", got)
	}
}

func TestNumberRejectsBadInput(t *testing.T) {
	cases := []struct {
		name    string
		storeID string
		date    string
		seq     int64
	}{
		{name: "lowercase store", storeID: "store1", date: "2026-08-30", seq: 1},
		{name: "empty store", storeID: "", date: "2026-08-30", seq: 1},
		{name: "store with dash", storeID: "ST-1", date: "2026-08-30", seq: 1},
		{name: "bad date", storeID: "ST1", date: "30/08/2026", seq: 1},
		{name: "zero seq", storeID: "ST1", date: "2026-08-30", seq: 0},
		{name: "seq too large", storeID: "ST1", date: "2026-08-30", seq: 1_000_000},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := Number(tc.storeID, tc.date, tc.seq); !errors.Is(err, store.ErrInvalidInput) {
				t.Fatalf("expected ErrInvalidInput, got %v", err)
			}
		})
	}
}

func TestParseRoundTrip(t *testing.T) {
	cases := []struct {
		storeID string
		date    string
		seq     int64
		ret     bool
	}{
		{storeID: "STORE01", date: "2026-08-30", seq: 1},
		{storeID: "A1B2", date: "2025-12-31", seq: 123456},
		{storeID: "S9", date: "2026-02-28", seq: 7, ret: true},
		// A store named "R" must not be mistaken for the return prefix.
		{storeID: "R", date: "2026-08-30", seq: 1},
		{storeID: "R", date: "2026-08-30", seq: 1, ret: true},
	}
	for _, tc := range cases {
		var number string
		var err error
		if tc.ret {
			number, err = ReturnNumber(tc.storeID, tc.date, tc.seq)
		} else {
			number, err = Number(tc.storeID, tc.date, tc.seq)
		}
		if err != nil {
			t.Fatalf("build %+v: %v", tc, err)
		}
		c, err := Parse(number)
		if err != nil {
			t.Fatalf("Parse(%q): %v", number, err)
		}
		if c.StoreID != tc.storeID || c.BusinessDate != tc.date || c.Sequence != tc.seq || c.Return != tc.ret {
			t.Errorf("Parse(%q) = %+v, want %+v", number, c, tc)
		}
	}
}

func TestParseRejectsMalformed(t *testing.T) {
	bad := []string{
		"",
		"STORE01-20260830",
		"STORE01-20260830-42",
		"store01-20260830-000042",
		"STORE01-2026083-000042",
		"R_STORE01-20260830-000042",
		"STORE01-20261332-000042",
	}
	for _, number := range bad {
		if _, err := Parse(number); !errors.Is(err, store.ErrInvalidInput) {
			t.Errorf("Parse(%q): expected ErrInvalidInput, got %v", number, err)
		}
	}
}
