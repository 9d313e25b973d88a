package draft

import (
	"errors"
	"fmt"
	"strings"
)

// Mutator is a pure rewrite of the raw request text. A mutator that
// returns an error leaves the draft untouched.
type Mutator func(raw string) (string, error)

// edit builds a Mutator that parses the raw text, applies fn and
// serializes the result.
func edit(fn func(*Request) error) Mutator {
	return func(raw string) (string, error) {
		req, err := Parse(raw)
		if err != nil {
			return "", err
		}
		if err := fn(req); err != nil {
			return "", err
		}
		return req.String(), nil
	}
}

// SetMethod replaces the request method.
func SetMethod(method string) Mutator {
	return edit(func(r *Request) error {
		if method == "" || strings.ContainsAny(method, " \t\r\n") {
			return fmt.Errorf("invalid method %q", method)
		}
		r.Method = method
		return nil
	})
}

// SetPath replaces the request path.
func SetPath(path string) Mutator {
	return edit(func(r *Request) error {
		if path == "" || strings.ContainsAny(path, " \t\r\n") {
			return fmt.Errorf("invalid path %q", path)
		}
		r.SetPath(path)
		return nil
	})
}

// SetHeader sets a header, replacing an existing one of the same name.
func SetHeader(name, value string) Mutator {
	return edit(func(r *Request) error {
		if err := checkHeader(name, value); err != nil {
			return err
		}
		r.SetHeader(name, value)
		return nil
	})
}

// RemoveHeader removes every header with the given name.
func RemoveHeader(name string) Mutator {
	return edit(func(r *Request) error {
		r.RemoveHeader(name)
		return nil
	})
}

// SetQuery sets a query parameter.
func SetQuery(name, value string) Mutator {
	return edit(func(r *Request) error {
		if name == "" {
			return errors.New("query parameter name is empty")
		}
		r.SetQuery(name, value)
		return nil
	})
}

// RemoveQuery removes every query parameter with the given name.
func RemoveQuery(name string) Mutator {
	return edit(func(r *Request) error {
		r.RemoveQuery(name)
		return nil
	})
}

// SetBody replaces the body and keeps Content-Length consistent.
func SetBody(body string) Mutator {
	return edit(func(r *Request) error {
		r.SetBody(body)
		return nil
	})
}

// ReplaceText replaces every occurrence of match in the raw text. An
// empty match never changes the draft.
func ReplaceText(match, replace string) Mutator {
	return func(raw string) (string, error) {
		if match == "" {
			return raw, nil
		}
		return strings.ReplaceAll(raw, match, replace), nil
	}
}

// ReplaceRaw replaces the whole raw request.
func ReplaceRaw(raw string) Mutator {
	return func(string) (string, error) {
		return raw, nil
	}
}

func checkHeader(name, value string) error {
	if name == "" || strings.ContainsAny(name, ": \t\r\n") {
		return fmt.Errorf("invalid header name %q", name)
	}
	if strings.ContainsAny(value, "\r\n") {
		return fmt.Errorf("header %s: value contains a line break", name)
	}
	return nil
}
