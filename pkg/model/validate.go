package model

import (
	"github.com/go-playground/validator/v10"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// ValidateNode checks a node record is usable for assembly.
func ValidateNode(r NodeRecord) error {
	return validate.Struct(r)
}

// ValidateEdge checks both endpoints are set and every relation carries an id.
func ValidateEdge(e CIEdge) error {
	return validate.Struct(e)
}
