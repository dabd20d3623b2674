package utils

import (
	"errors"
	"reflect"
	"testing"
)

func TestMergeObject_Basic(t *testing.T) {
	tests := []struct {
		name     string
		original map[string]any
		other    map[string]any
		opts     MergeOptions
		expected map[string]any
	}{
		{
			name:     "overwrite scalar",
			original: map[string]any{"a": 1.0, "b": "keep"},
			other:    map[string]any{"a": 2.0},
			opts:     DefaultMergeOptions(),
			expected: map[string]any{"a": 2.0, "b": "keep"},
		},
		{
			name:     "insert new top-level key",
			original: map[string]any{"a": 1.0},
			other:    map[string]any{"b": 2.0},
			opts:     DefaultMergeOptions(),
			expected: map[string]any{"a": 1.0, "b": 2.0},
		},
		{
			name:     "insertKeys=false blocks top-level insert",
			original: map[string]any{"a": 1.0},
			other:    map[string]any{"b": 2.0},
			opts:     MergeOptions{InsertKeys: false, InsertValues: true, Overwrite: true, Inplace: true},
			expected: map[string]any{"a": 1.0},
		},
		{
			name:     "insertValues=false blocks nested insert but not top-level",
			original: map[string]any{"a": map[string]any{"x": 1.0}},
			other:    map[string]any{"a": map[string]any{"y": 2.0}, "b": 3.0},
			opts:     MergeOptions{InsertKeys: true, InsertValues: false, Overwrite: true, Inplace: true},
			expected: map[string]any{"a": map[string]any{"x": 1.0}, "b": 3.0},
		},
		{
			name:     "overwrite=false keeps existing values",
			original: map[string]any{"a": 1.0, "hole": nil},
			other:    map[string]any{"a": 2.0, "hole": 3.0},
			opts:     MergeOptions{InsertKeys: true, InsertValues: true, Overwrite: false, Inplace: true},
			expected: map[string]any{"a": 1.0, "hole": 3.0},
		},
		{
			name:     "nested objects merge recursively",
			original: map[string]any{"attr": map[string]any{"hp": 10.0, "mp": 5.0}},
			other:    map[string]any{"attr": map[string]any{"hp": 7.0}},
			opts:     DefaultMergeOptions(),
			expected: map[string]any{"attr": map[string]any{"hp": 7.0, "mp": 5.0}},
		},
		{
			name:     "dotted keys expand before merge",
			original: map[string]any{"attr": map[string]any{"hp": 10.0}},
			other:    map[string]any{"attr.hp": 3.0},
			opts:     DefaultMergeOptions(),
			expected: map[string]any{"attr": map[string]any{"hp": 3.0}},
		},
		{
			name:     "deletion protocol removes key",
			original: map[string]any{"a": 1.0, "b": 2.0},
			other:    map[string]any{"-=b": nil},
			opts:     DefaultMergeOptions(),
			expected: map[string]any{"a": 1.0},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := MergeObject(tt.original, tt.other, tt.opts)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !reflect.DeepEqual(got, tt.expected) {
				t.Errorf("MergeObject() = %#v, want %#v", got, tt.expected)
			}
		})
	}
}

func TestMergeObject_Inplace(t *testing.T) {
	original := map[string]any{"a": 1.0}

	got, err := MergeObject(original, map[string]any{"a": 2.0}, DefaultMergeOptions())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// Inplace: результат - тот же объект.
	if got["a"] != 2.0 || original["a"] != 2.0 {
		t.Errorf("inplace merge must mutate original, got %#v", original)
	}

	opts := DefaultMergeOptions()
	opts.Inplace = false
	original = map[string]any{"a": 1.0}
	got, err = MergeObject(original, map[string]any{"a": 2.0}, opts)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if original["a"] != 1.0 {
		t.Errorf("non-inplace merge must not mutate original, got %#v", original)
	}
	if got["a"] != 2.0 {
		t.Errorf("non-inplace merge result = %#v, want a=2", got)
	}
}

// Dot-пути в original разворачиваются в ТОТ ЖЕ объект: живые ссылки
// на него обязаны видеть результат слияния.
func TestMergeObject_InplaceDottedOriginal(t *testing.T) {
	original := map[string]any{"attr.hp": 10.0, "name": "Hero"}
	ref := original

	got, err := MergeObject(original, map[string]any{"attr.mp": 5.0}, DefaultMergeOptions())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !reflect.DeepEqual(got, map[string]any{
		"name": "Hero",
		"attr": map[string]any{"hp": 10.0, "mp": 5.0},
	}) {
		t.Fatalf("MergeObject() = %#v", got)
	}
	// Результат виден через старую ссылку, дотированный ключ вычищен.
	if !reflect.DeepEqual(ref, got) {
		t.Errorf("held reference sees %#v, want the merged object", ref)
	}
	if _, ok := ref["attr.hp"]; ok {
		t.Error("dotted key survived in-place expansion")
	}
}

// Пустой original + merge без мутации обязан давать глубокое равенство с X.
func TestMergeObject_RoundTrip(t *testing.T) {
	x := map[string]any{
		"name": "Hero",
		"attr": map[string]any{"hp": 10.0, "tags": []any{"brave", "tired"}},
	}
	opts := DefaultMergeOptions()
	opts.Inplace = false

	got, err := MergeObject(map[string]any{}, x, opts)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !reflect.DeepEqual(got, x) {
		t.Errorf("merge into empty object = %#v, want %#v", got, x)
	}
}

func TestMergeObject_EnforceTypes(t *testing.T) {
	opts := DefaultMergeOptions()
	opts.EnforceTypes = true

	_, err := MergeObject(
		map[string]any{"a": 1.0},
		map[string]any{"a": "oops"},
		opts,
	)
	var mismatch *TypeMismatchError
	if !errors.As(err, &mismatch) {
		t.Fatalf("expected *TypeMismatchError, got %v", err)
	}
	if mismatch.Key != "a" || mismatch.Expected != TypeNumber || mismatch.Actual != TypeString {
		t.Errorf("unexpected mismatch details: %+v", mismatch)
	}

	// Совпадающие категории проходят.
	got, err := MergeObject(map[string]any{"a": 1.0}, map[string]any{"a": 2.0}, opts)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got["a"] != 2.0 {
		t.Errorf("got %#v, want a=2", got)
	}
}
