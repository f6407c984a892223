package avroipc

import (
	"encoding/json"
	"fmt"
	"strings"
)

const nullSchema = `"null"`

// Parameter is one declared argument of a method. Type is a raw schema
// document.
type Parameter struct {
	Name string          `json:"name"`
	Type json.RawMessage `json:"type"`
}

func Param(name, typ string) Parameter {
	return Parameter{Name: name, Type: json.RawMessage(typ)}
}

// Method describes a remote method: its name, its parameters in declaration
// order and its response schema. Named types in the schemas are relative to
// Namespace.
type Method struct {
	Name      string
	Namespace string
	Request   []Parameter
	Response  json.RawMessage
}

func NewMethod(name, response string, params ...Parameter) Method {
	return Method{Name: name, Request: params, Response: json.RawMessage(response)}
}

type methodDoc struct {
	Request  []Parameter     `json:"request"`
	Response json.RawMessage `json:"response"`
}

// ParseMethod builds a Method from a message definition as it appears in a
// protocol document, e.g. {"request": [...], "response": "int"}.
func ParseMethod(name, doc string) (Method, error) {
	var md methodDoc
	if err := json.Unmarshal([]byte(doc), &md); err != nil {
		return Method{}, fmt.Errorf("parse method %s: %w", name, err)
	}
	return Method{Name: name, Request: md.Request, Response: md.Response}, nil
}

// ResponseSchema returns the response schema document, "null" when none is
// declared.
func (m Method) ResponseSchema() string {
	if len(m.Response) == 0 {
		return nullSchema
	}
	return string(m.Response)
}

func (m Method) String() string {
	names := make([]string, len(m.Request))
	for i, p := range m.Request {
		names[i] = p.Name
	}
	return m.Name + "(" + strings.Join(names, ", ") + ")"
}
