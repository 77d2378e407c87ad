package fml

import (
	"context"
)

type dispatchFunc func(ctx context.Context, object any, args []byte) ([]byte, error)

// Unit is the argument or result type of methods that take or return nothing.
type Unit struct{}

// Pair packs two arguments into one.
type Pair[A, B any] struct {
	First  A
	Second B
}

// Triple packs three arguments into one.
type Triple[A, B, C any] struct {
	First  A
	Second B
	Third  C
}

// Method is a typed method of a trait. A is the argument tuple and R the result.
type Method[A, R any] struct {
	m *method
}

// DefineMethod adds a method to t and builds its dispatch entry.
// fn receives the registered object asserted to S. An error returned by fn
// reaches the caller as a *RemoteError.
func DefineMethod[S, A, R any](t *Trait, name string, fn func(ctx context.Context, object S, args A) (R, error)) Method[A, R] {
	m := &method{trait: t, name: name}

	m.dispatch = func(ctx context.Context, object any, data []byte) ([]byte, error) {
		s, ok := object.(S)
		if !ok {
			violation("object %T does not implement trait %s", object, t.name)
		}

		var args A
		if err := Unmarshal(data, &args); err != nil {
			violation("arguments of %s.%s: %v", t.name, name, err)
		}

		result, err := fn(ctx, s, args)
		if err != nil {
			return nil, err
		}

		out, err := Marshal(result)
		if err != nil {
			violation("result of %s.%s: %v", t.name, name, err)
		}
		return out, nil
	}

	t.addMethod(m)
	return Method[A, R]{m: m}
}

func (m Method[A, R]) ID() MethodID {
	return m.m.ID()
}

func (m Method[A, R]) Name() string {
	return m.m.trait.name + "." + m.m.name
}

func (m Method[A, R]) Trait() *Trait {
	return m.m.trait
}

// Call invokes the method on the object behind r and waits for its result.
func (m Method[A, R]) Call(ctx context.Context, r *Remote, args A) (R, error) {
	var result R

	in, err := Marshal(args)
	if err != nil {
		violation("arguments of %s: %v", m.Name(), err)
	}

	out, err := r.call(ctx, m.m, in)
	if err != nil {
		return result, err
	}

	if err := Unmarshal(out, &result); err != nil {
		violation("result of %s: %v", m.Name(), err)
	}
	return result, nil
}
