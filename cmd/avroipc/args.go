package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/srand/avroipc"
)

// typeRegistry maps named types of a protocol to their definitions, under
// both their short and full names.
type typeRegistry map[string]map[string]any

func newTypeRegistry(p *avroipc.Protocol) typeRegistry {
	reg := typeRegistry{}
	for _, raw := range p.Types {
		var def any
		if err := json.Unmarshal(raw, &def); err != nil {
			continue
		}
		reg.add(p.Namespace, def)
	}
	return reg
}

// add records def and the named types nested in it.
func (r typeRegistry) add(namespace string, def any) {
	switch d := def.(type) {
	case []any:
		for _, branch := range d {
			r.add(namespace, branch)
		}
	case map[string]any:
		if ns, ok := d["namespace"].(string); ok {
			namespace = ns
		}
		if name, ok := d["name"].(string); ok {
			full := name
			if !strings.Contains(name, ".") && namespace != "" {
				full = namespace + "." + name
			}
			r[full] = d
			r[name[strings.LastIndex(name, ".")+1:]] = d
		}
		switch d["type"] {
		case "record", "error":
			fields, _ := d["fields"].([]any)
			for _, f := range fields {
				if field, ok := f.(map[string]any); ok {
					r.add(namespace, field["type"])
				}
			}
		case "array":
			r.add(namespace, d["items"])
		case "map":
			r.add(namespace, d["values"])
		}
	}
}

// parseArgs turns command line arguments into call arguments for method.
func parseArgs(reg typeRegistry, method avroipc.Method, raw []string) (avroipc.Args, error) {
	types := make(map[string]any, len(method.Request))
	for _, p := range method.Request {
		var t any
		if err := json.Unmarshal(p.Type, &t); err != nil {
			return avroipc.Args{}, fmt.Errorf("parameter %s: %w", p.Name, err)
		}
		types[p.Name] = t
	}

	var (
		args   avroipc.Args
		values []any
	)
	for _, arg := range raw {
		if name, value, ok := strings.Cut(arg, "="); ok {
			if _, declared := types[name]; declared {
				if args.Named == nil {
					args.Named = map[string]any{}
				}
				args.Named[name] = parseValue(value)
				continue
			}
		}
		values = append(values, parseValue(arg))
	}

	// Positional values go to the parameters not bound by name, in order.
	next := 0
	for _, p := range method.Request {
		if v, ok := args.Named[p.Name]; ok {
			c, err := reg.coerce(types[p.Name], v)
			if err != nil {
				return avroipc.Args{}, fmt.Errorf("%s: %w", p.Name, err)
			}
			args.Named[p.Name] = c
			continue
		}
		if next >= len(values) {
			break
		}
		c, err := reg.coerce(types[p.Name], values[next])
		if err != nil {
			return avroipc.Args{}, fmt.Errorf("%s: %w", p.Name, err)
		}
		args.Positional = append(args.Positional, c)
		next++
	}
	args.Positional = append(args.Positional, values[next:]...)

	return args, nil
}

// parseValue decodes s as JSON, keeping numbers exact. Anything else is a
// plain string.
func parseValue(s string) any {
	dec := json.NewDecoder(bytes.NewReader([]byte(s)))
	dec.UseNumber()

	var v any
	if err := dec.Decode(&v); err != nil || dec.More() {
		return s
	}
	return v
}

// coerce converts a JSON value to the Go type the codec expects for schema t.
func (r typeRegistry) coerce(t any, v any) (any, error) {
	switch typ := t.(type) {
	case string:
		return r.coerceNamed(typ, v)

	case []any:
		if v == nil {
			return nil, nil
		}
		var lastErr error
		for _, branch := range typ {
			if branch == "null" {
				continue
			}
			c, err := r.coerce(branch, v)
			if err == nil {
				return c, nil
			}
			lastErr = err
		}
		return nil, fmt.Errorf("no union branch accepts %v: %w", v, lastErr)

	case map[string]any:
		switch typ["type"] {
		case "record", "error":
			obj, ok := v.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("want object, got %T", v)
			}
			fields, _ := typ["fields"].([]any)
			out := make(map[string]any, len(fields))
			for _, f := range fields {
				field, _ := f.(map[string]any)
				name, _ := field["name"].(string)
				fv, present := obj[name]
				if !present {
					continue
				}
				c, err := r.coerce(field["type"], fv)
				if err != nil {
					return nil, fmt.Errorf("field %s: %w", name, err)
				}
				out[name] = c
			}
			return out, nil

		case "array":
			list, ok := v.([]any)
			if !ok {
				return nil, fmt.Errorf("want array, got %T", v)
			}
			out := make([]any, len(list))
			for i, item := range list {
				c, err := r.coerce(typ["items"], item)
				if err != nil {
					return nil, fmt.Errorf("item %d: %w", i, err)
				}
				out[i] = c
			}
			return out, nil

		case "map":
			obj, ok := v.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("want object, got %T", v)
			}
			out := make(map[string]any, len(obj))
			for k, item := range obj {
				c, err := r.coerce(typ["values"], item)
				if err != nil {
					return nil, fmt.Errorf("key %s: %w", k, err)
				}
				out[k] = c
			}
			return out, nil

		case "enum":
			return v, nil

		case "fixed":
			s, ok := v.(string)
			if !ok {
				return nil, fmt.Errorf("want string, got %T", v)
			}
			return []byte(s), nil

		default:
			return r.coerce(typ["type"], v)
		}
	}
	return v, nil
}

func (r typeRegistry) coerceNamed(name string, v any) (any, error) {
	switch name {
	case "null":
		if v != nil {
			return nil, fmt.Errorf("want null, got %v", v)
		}
		return nil, nil

	case "boolean":
		b, ok := v.(bool)
		if !ok {
			return nil, fmt.Errorf("want boolean, got %T", v)
		}
		return b, nil

	case "int", "long":
		n, ok := v.(json.Number)
		if !ok {
			return nil, fmt.Errorf("want integer, got %T", v)
		}
		i, err := n.Int64()
		if err != nil {
			return nil, fmt.Errorf("want integer, got %s", n)
		}
		if name == "int" {
			if int64(int32(i)) != i {
				return nil, fmt.Errorf("%d overflows int", i)
			}
			return int(i), nil
		}
		return i, nil

	case "float", "double":
		n, ok := v.(json.Number)
		if !ok {
			return nil, fmt.Errorf("want number, got %T", v)
		}
		f, err := n.Float64()
		if err != nil {
			return nil, err
		}
		if name == "float" {
			return float32(f), nil
		}
		return f, nil

	case "string":
		switch s := v.(type) {
		case string:
			return s, nil
		case json.Number:
			return s.String(), nil
		}
		return nil, fmt.Errorf("want string, got %T", v)

	case "bytes":
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("want string, got %T", v)
		}
		return []byte(s), nil
	}

	if def, ok := r[name]; ok {
		return r.coerce(def, v)
	}
	return v, nil
}
