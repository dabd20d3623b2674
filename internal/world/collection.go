package world

// Collection - ассоциативный контейнер с сохранением порядка вставки.
// Лежит в основании реестров сущностей: серверные снапшоты упорядочены,
// и рендеру этот порядок важен (инициатива боя, сортировка чата).
type Collection[V any] struct {
	keys   []string
	values map[string]V
}

func NewCollection[V any]() *Collection[V] {
	return &Collection[V]{values: map[string]V{}}
}

func (c *Collection[V]) Len() int {
	return len(c.keys)
}

func (c *Collection[V]) Has(key string) bool {
	_, ok := c.values[key]
	return ok
}

func (c *Collection[V]) Get(key string) (V, bool) {
	v, ok := c.values[key]
	return v, ok
}

// Set добавляет значение в конец порядка либо заменяет существующее,
// сохраняя его позицию.
func (c *Collection[V]) Set(key string, value V) {
	if _, ok := c.values[key]; !ok {
		c.keys = append(c.keys, key)
	}
	c.values[key] = value
}

// Delete удаляет ключ. Возвращает false, если ключа не было.
func (c *Collection[V]) Delete(key string) bool {
	if _, ok := c.values[key]; !ok {
		return false
	}
	delete(c.values, key)
	for i, k := range c.keys {
		if k == key {
			c.keys = append(c.keys[:i], c.keys[i+1:]...)
			break
		}
	}
	return true
}

// Keys возвращает копию ключей в порядке вставки.
func (c *Collection[V]) Keys() []string {
	return append([]string(nil), c.keys...)
}

// Values возвращает значения в порядке вставки.
func (c *Collection[V]) Values() []V {
	out := make([]V, 0, len(c.keys))
	for _, k := range c.keys {
		out = append(out, c.values[k])
	}
	return out
}

// Find возвращает первое значение, удовлетворяющее предикату.
func (c *Collection[V]) Find(fn func(V) bool) (V, bool) {
	for _, k := range c.keys {
		if v := c.values[k]; fn(v) {
			return v, true
		}
	}
	var zero V
	return zero, false
}

// Filter возвращает все значения, удовлетворяющие предикату.
func (c *Collection[V]) Filter(fn func(V) bool) []V {
	var out []V
	for _, k := range c.keys {
		if v := c.values[k]; fn(v) {
			out = append(out, v)
		}
	}
	return out
}

// Map применяет fn к каждому значению в порядке вставки.
func (c *Collection[V]) Map(fn func(V) any) []any {
	out := make([]any, 0, len(c.keys))
	for _, k := range c.keys {
		out = append(out, fn(c.values[k]))
	}
	return out
}

// Reduce сворачивает значения в порядке вставки.
func (c *Collection[V]) Reduce(fn func(acc any, v V) any, initial any) any {
	acc := initial
	for _, k := range c.keys {
		acc = fn(acc, c.values[k])
	}
	return acc
}
