package subscriber

import "weak"

// SubscribeWeak registers fn against owner without keeping owner alive.
// When owner has been garbage-collected the entry is dropped on the next pass.
func SubscribeWeak[T any](r *Registry, owner *T, name, context string, fn func(*T) error) Handle {
	wp := weak.Make(owner)
	m := &member{
		entry: Entry{
			Name:    name,
			Context: context,
			Notify: func() error {
				o := wp.Value()
				if o == nil {
					return nil
				}
				return fn(o)
			},
		},
		alive: func() bool { return wp.Value() != nil },
	}
	return r.add(m)
}
