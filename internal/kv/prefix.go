package kv

import "context"

// Prefixed namespaces every key of an underlying Storage as "<prefix>:<key>".
type Prefixed struct {
	inner  Storage
	prefix string
}

var _ Storage = (*Prefixed)(nil)

// WithPrefix wraps s. An empty prefix returns s unchanged.
func WithPrefix(s Storage, prefix string) Storage {
	if prefix == "" {
		return s
	}
	return &Prefixed{inner: s, prefix: prefix}
}

func (p *Prefixed) key(k string) string {
	return p.prefix + ":" + k
}

func (p *Prefixed) Get(ctx context.Context, key string) (string, error) {
	return p.inner.Get(ctx, p.key(key))
}

func (p *Prefixed) Set(ctx context.Context, key, value string) error {
	return p.inner.Set(ctx, p.key(key), value)
}

func (p *Prefixed) Delete(ctx context.Context, key string) error {
	return p.inner.Delete(ctx, p.key(key))
}
