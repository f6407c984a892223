package avroipc

import (
	"fmt"

	"github.com/hamba/avro/v2"
)

const (
	metadataSchema = `{"type": "map", "values": "bytes"}`
	stringSchema   = `"string"`
	booleanSchema  = `"boolean"`
	errorSchema    = `["string"]`
)

// Args holds the arguments of one call. A named argument binds to the
// parameter of that name; the remaining parameters take positional arguments
// in declaration order.
type Args struct {
	Positional []any
	Named      map[string]any
}

func Positional(values ...any) Args {
	return Args{Positional: values}
}

func Named(name string, value any) Args {
	return Args{Named: map[string]any{name: value}}
}

// With returns a copy of a with one more named argument.
func (a Args) With(name string, value any) Args {
	named := make(map[string]any, len(a.Named)+1)
	for k, v := range a.Named {
		named[k] = v
	}
	named[name] = value
	return Args{Positional: a.Positional, Named: named}
}

// Message is one bound call: the values of every declared parameter in
// declaration order.
type Message struct {
	Method Method
	Params []any
	Meta   map[string][]byte
}

// Bind matches args against the method's parameters. Every parameter must
// get exactly one value and every argument must be used.
func Bind(method Method, args Args) (*Message, error) {
	declared := make(map[string]bool, len(method.Request))
	params := make([]any, 0, len(method.Request))
	next := 0

	for _, p := range method.Request {
		declared[p.Name] = true

		if v, ok := args.Named[p.Name]; ok {
			params = append(params, v)
			continue
		}
		if next < len(args.Positional) {
			params = append(params, args.Positional[next])
			next++
			continue
		}
		return nil, fmt.Errorf("%w: %s needs %q", ErrMissingArgument, method.Name, p.Name)
	}

	if extra := len(args.Positional) - next; extra > 0 {
		return nil, fmt.Errorf("%w: %s got %d extra positional", ErrUnexpectedArgument, method.Name, extra)
	}
	for name := range args.Named {
		if !declared[name] {
			return nil, fmt.Errorf("%w: %s has no parameter %q", ErrUnexpectedArgument, method.Name, name)
		}
	}

	return &Message{Method: method, Params: params, Meta: map[string][]byte{}}, nil
}

// request is a message encoded and ready to write, with the schema its
// response will be read with.
type request struct {
	buffers  [][]byte
	response avro.Schema
}

// encode resolves every schema the call needs and encodes the request
// buffers: metadata, method name, then one buffer per parameter. Each
// parameter schema is resolved on its own.
func (c *Conn) encode(msg *Message) (*request, error) {
	s := c.tr.Serializer()

	meta, err := c.marshal("", metadataSchema, msg.Meta)
	if err != nil {
		return nil, err
	}
	name, err := c.marshal("", stringSchema, msg.Method.Name)
	if err != nil {
		return nil, err
	}

	buffers := make([][]byte, 0, 2+len(msg.Params))
	buffers = append(buffers, meta, name)

	for i, p := range msg.Method.Request {
		sch, err := c.resolver.Resolve(msg.Method.Namespace, string(p.Type))
		if err != nil {
			return nil, fmt.Errorf("%s: parameter %q: %w", msg.Method.Name, p.Name, err)
		}
		data, err := s.Marshal(sch, msg.Params[i])
		if err != nil {
			return nil, fmt.Errorf("%s: encode parameter %q: %w", msg.Method.Name, p.Name, err)
		}
		buffers = append(buffers, data)
	}

	response, err := c.resolver.Resolve(msg.Method.Namespace, msg.Method.ResponseSchema())
	if err != nil {
		return nil, fmt.Errorf("%s: response: %w", msg.Method.Name, err)
	}

	return &request{buffers: buffers, response: response}, nil
}

func (c *Conn) marshal(namespace, raw string, v any) ([]byte, error) {
	sch, err := c.resolver.Resolve(namespace, raw)
	if err != nil {
		return nil, err
	}
	return c.tr.Serializer().Marshal(sch, v)
}

// errorMessage extracts the text of a decoded ["string"] error union.
func errorMessage(v map[string]any) string {
	if s, ok := v["string"].(string); ok {
		return s
	}
	for _, value := range v {
		return fmt.Sprint(value)
	}
	return ""
}
