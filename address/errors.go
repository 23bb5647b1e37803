package address

import "fmt"

// FormatError is returned when an address string does not match the dialect grammar.
type FormatError struct {
	Address string
	Dialect string
	Reason  string
}

func (e *FormatError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("address %q: invalid %s format", e.Address, e.Dialect)
	}

	return fmt.Sprintf("address %q: invalid %s format: %s", e.Address, e.Dialect, e.Reason)
}

// LookupError is returned when the area of an address is unknown, or when the
// area has no function code for the requested direction (e.g. writing an input register).
type LookupError struct {
	Address string
	Area    string
	IsRead  bool
}

func (e *LookupError) Error() string {
	op := "write"
	if e.IsRead {
		op = "read"
	}

	if e.Address == "" {
		return fmt.Sprintf("area %q: unknown area", e.Area)
	}

	return fmt.Sprintf("address %q: area %q not available for %s", e.Address, e.Area, op)
}
