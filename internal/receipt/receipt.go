// Package receipt formats and parses receipt numbers. A number is
// {storeID}-{YYYYMMDD}-{seq} with the sequence zero-padded to six digits,
// and an R- prefix for return receipts.
package receipt

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"tillbook/internal/store"
)

const (
	// MaxSequence is the highest sequence a single store can issue on one
	// business date.
	MaxSequence = int64(999_999)

	returnPrefix = "R-"
	dateLayout   = "2006-01-02"
	compactDate  = "20060102"
)

var (
	numberRe  = regexp.MustCompile(`^(R-)?[A-Z0-9]+-\d{8}-\d{6}$`)
	storeIDRe = regexp.MustCompile(`^[A-Z0-9]+$`)
)

// Components is a receipt number taken apart.
type Components struct {
	Return       bool
	StoreID      string
	BusinessDate string
	Sequence     int64
}

// Number builds a sale receipt number for the store, business date
// (YYYY-MM-DD) and sequence.
func Number(storeID string, businessDate string, seq int64) (string, error) {
	return build(false, storeID, businessDate, seq)
}

// ReturnNumber builds a return receipt number, the sale format behind an
// R- prefix.
func ReturnNumber(storeID string, businessDate string, seq int64) (string, error) {
	return build(true, storeID, businessDate, seq)
}

func build(ret bool, storeID string, businessDate string, seq int64) (string, error) {
	if !storeIDRe.MatchString(storeID) {
		return "", fmt.Errorf("%w: store id %q must be uppercase alphanumeric", store.ErrInvalidInput, storeID)
	}
	day, err := time.Parse(dateLayout, businessDate)
	if err != nil {
		return "", fmt.Errorf("%w: business date %q is not YYYY-MM-DD", store.ErrInvalidInput, businessDate)
	}
	if seq < 1 || seq > MaxSequence {
		return "", fmt.Errorf("%w: sequence %d out of range 1..%d", store.ErrInvalidInput, seq, MaxSequence)
	}
	prefix := ""
	if ret {
		prefix = returnPrefix
	}
	return fmt.Sprintf("%s%s-%s-%06d", prefix, storeID, day.Format(compactDate), seq), nil
}

// Valid reports whether number matches the receipt format.
func Valid(number string) bool {
	return numberRe.MatchString(number)
}

// Parse splits a receipt number into its components. The business date
// comes back in YYYY-MM-DD form.
func Parse(number string) (Components, error) {
	if !numberRe.MatchString(number) {
		return Components{}, fmt.Errorf("%w: malformed receipt number %q", store.ErrInvalidInput, number)
	}
	var c Components
	// A store id never contains a dash, so the number has exactly three
	// groups, or four when the return prefix is present. A leading "R"
	// group is only a prefix when a store id group follows it, which
	// keeps numbers from a store named "R" intact.
	parts := strings.Split(number, "-")
	if len(parts) == 4 {
		c.Return = true
		parts = parts[1:]
	}
	c.StoreID = parts[0]
	datePart := parts[1]
	seqPart := parts[2]

	day, err := time.Parse(compactDate, datePart)
	if err != nil {
		return Components{}, fmt.Errorf("%w: receipt number %q has impossible date", store.ErrInvalidInput, number)
	}
	c.BusinessDate = day.Format(dateLayout)

	seq, err := strconv.ParseInt(seqPart, 10, 64)
	if err != nil || seq < 1 {
		return Components{}, fmt.Errorf("%w: receipt number %q has bad sequence", store.ErrInvalidInput, number)
	}
	c.Sequence = seq
	return c, nil
}
