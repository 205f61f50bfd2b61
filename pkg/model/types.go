package model

// DocumentType selects the change payload shape accepted for a document.
type DocumentType string

const (
	DocumentText       DocumentType = "text"
	DocumentRichText   DocumentType = "rich-text"
	DocumentStructured DocumentType = "structured"
)

// Valid reports whether t is one of the known document types.
func (t DocumentType) Valid() bool {
	switch t {
	case DocumentText, DocumentRichText, DocumentStructured:
		return true
	}
	return false
}

// HashValue is a SHA-256 hash stored as hex string.
type HashValue string
