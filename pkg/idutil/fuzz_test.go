package idutil_test

import (
	"errors"
	"testing"

	"github.com/inkwell-cms/collab/pkg/errclass"
	"github.com/inkwell-cms/collab/pkg/idutil"
)

// FuzzValidate ensures Validate never panics, classifies every rejection
// and is idempotent on what it accepts.
func FuzzValidate(f *testing.F) {
	f.Add("")
	f.Add("doc-42")
	f.Add("tenant:doc.v2@eu")
	f.Add("../escape")
	f.Add("name\x00null")
	f.Add("café")
	f.Add("white space")

	f.Fuzz(func(t *testing.T, id string) {
		got, err := idutil.Validate("id", id)
		if err != nil {
			if !errors.Is(err, errclass.ErrNameInvalid) {
				t.Fatalf("unclassified error for %q: %v", id, err)
			}
			return
		}
		again, err := idutil.Validate("id", got)
		if err != nil || again != got {
			t.Fatalf("validate not idempotent: %q -> %q -> %q (%v)", id, got, again, err)
		}
	})
}
