package tool

import (
	"fmt"
)

// RequireField returns an error if the string value is empty.
func RequireField(name, value string) error {
	if value == "" {
		return fmt.Errorf("'%s' is required", name)
	}
	return nil
}

// RequireFields validates multiple required string fields at once.
// Arguments alternate name, value.
func RequireFields(kvs ...string) error {
	if len(kvs)%2 != 0 {
		return fmt.Errorf("RequireFields: odd number of arguments")
	}
	for i := 0; i < len(kvs); i += 2 {
		if kvs[i+1] == "" {
			return fmt.Errorf("'%s' is required", kvs[i])
		}
	}
	return nil
}

// ValidateAll returns the first non-nil error from the given list.
func ValidateAll(errs ...error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}
