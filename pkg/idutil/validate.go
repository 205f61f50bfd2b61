// Package idutil normalizes and validates the identifiers callers pass in.
package idutil

import (
	"regexp"
	"unicode"

	"golang.org/x/text/unicode/norm"

	"github.com/inkwell-cms/collab/pkg/errclass"
)

const maxIDLength = 128

// letters and digits of any script, combining marks and a few separators
var idRegex = regexp.MustCompile(`^[\p{L}\p{M}\p{N}._:@-]+$`)

// Normalize returns the NFC form of id.
func Normalize(id string) string {
	return norm.NFC.String(id)
}

// Validate checks a document, user or client identifier and returns its NFC
// form. kind names the identifier in error messages.
func Validate(kind, id string) (string, error) {
	if id == "" {
		return "", errclass.ErrNameInvalid.WithMessagef("%s must not be empty", kind)
	}

	id = Normalize(id)

	if len(id) > maxIDLength {
		return "", errclass.ErrNameInvalid.WithMessagef("%s longer than %d bytes", kind, maxIDLength)
	}

	for _, r := range id {
		if unicode.IsControl(r) {
			return "", errclass.ErrNameInvalid.WithMessagef("%s must not contain control characters: %q", kind, id)
		}
	}

	if !idRegex.MatchString(id) {
		return "", errclass.ErrNameInvalid.WithMessagef("%s may only contain letters, digits and ._:@-: %s", kind, id)
	}

	return id, nil
}
