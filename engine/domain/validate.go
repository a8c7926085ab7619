package domain

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// ValidateDocument is the gate in front of every write. Structural problems
// are ValidationErrors; dangling edge endpoints are ReferenceErrors. Nothing
// here talks to the store.
func ValidateDocument(doc Document) error {
	if err := validate.Struct(doc); err != nil {
		return fromValidator(err)
	}

	ids := make(map[string]struct{}, len(doc.Nodes))
	for i, n := range doc.Nodes {
		if _, dup := ids[n.ID]; dup {
			return NewValidationError(fmt.Sprintf("nodes[%d].id", i), n.ID, ErrDuplicateNode)
		}
		ids[n.ID] = struct{}{}
	}

	for i, e := range doc.Edges {
		if _, ok := ids[e.From]; !ok {
			return &ReferenceError{Edge: i, From: e.From, To: e.To, Missing: e.From}
		}
		if _, ok := ids[e.To]; !ok {
			return &ReferenceError{Edge: i, From: e.From, To: e.To, Missing: e.To}
		}
	}
	return nil
}

// fromValidator turns the first validator failure into a ValidationError with
// a JSON-ish field path (e.g. "nodes[2].type").
func fromValidator(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return NewValidationError("document", err.Error(), ErrMalformed)
	}
	fe := verrs[0]
	return NewValidationError(fieldPath(fe.Namespace()), fmt.Sprint(fe.Value()), ErrRequired)
}

var fieldNames = strings.NewReplacer(
	"Nodes", "nodes", "Edges", "edges", "Ontology", "ontology",
	"NodeTypes", "node_types", "EdgeTypes", "edge_types",
	"ID", "id", "Type", "type", "From", "from", "To", "to",
)

func fieldPath(ns string) string {
	ns = strings.TrimPrefix(ns, "Document.")
	return fieldNames.Replace(ns)
}
