package utils

import (
	"errors"
	"strings"
)

// Предохранитель от бесконечной рекурсии при разворачивании ключей.
// Это защита от мусорных данных, а не фича: легальные документы
// никогда не вкладываются так глубоко.
const maxExpandDepth = 10

// ErrExpandDepth возвращается, когда вложенность разворачиваемого
// объекта превышает maxExpandDepth.
var ErrExpandDepth = errors.New("utils: object expansion exceeds maximum depth")

// GetProperty читает значение по dot-пути ("a.b.c").
// Возвращает nil, если путь не существует; для различения
// "нет ключа" и "ключ со значением nil" есть HasProperty.
func GetProperty(obj map[string]any, path string) any {
	v, _ := lookup(obj, path)
	return v
}

// HasProperty сообщает, существует ли dot-путь в объекте.
// Никогда не паникует, даже если промежуточное звено - не объект.
func HasProperty(obj map[string]any, path string) bool {
	_, ok := lookup(obj, path)
	return ok
}

func lookup(obj map[string]any, path string) (any, bool) {
	if obj == nil || path == "" {
		return nil, false
	}
	parts := strings.Split(path, ".")
	var cur any = obj
	for _, p := range parts {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[p]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// SetProperty записывает значение по dot-пути, создавая промежуточные
// объекты по мере необходимости. Возвращает true, если значение
// действительно изменилось (нужно, чтобы не рассылать пустые уведомления).
func SetProperty(obj map[string]any, path string, value any) bool {
	if obj == nil || path == "" {
		return false
	}
	parts := strings.Split(path, ".")
	cur := obj
	for _, p := range parts[:len(parts)-1] {
		next, ok := cur[p].(map[string]any)
		if !ok {
			next = map[string]any{}
			cur[p] = next
		}
		cur = next
	}
	key := parts[len(parts)-1]
	old, existed := cur[key]
	if existed && valuesEqual(old, value) {
		return false
	}
	cur[key] = value
	return true
}

// ExpandObject превращает плоский объект, ключи которого могут содержать
// dot-пути, в эквивалентный вложенный объект:
//
//	{"a.b": 1, "a.c": 2}  ->  {"a": {"b": 1, "c": 2}}
//
// Значения-объекты разворачиваются рекурсивно. Превышение глубины
// считается испорченным вводом и возвращает ErrExpandDepth.
func ExpandObject(obj map[string]any) (map[string]any, error) {
	return expandObject(obj, 0)
}

func expandObject(obj map[string]any, depth int) (map[string]any, error) {
	if depth > maxExpandDepth {
		return nil, ErrExpandDepth
	}
	expanded := map[string]any{}
	for k, v := range obj {
		if nested, ok := v.(map[string]any); ok {
			ev, err := expandObject(nested, depth+1)
			if err != nil {
				return nil, err
			}
			v = ev
		}
		SetProperty(expanded, k, v)
	}
	return expanded, nil
}

// hasDottedKeys сообщает, есть ли в объекте хотя бы один ключ с точкой.
func hasDottedKeys(obj map[string]any) bool {
	for k := range obj {
		if strings.Contains(k, ".") {
			return true
		}
	}
	return false
}
