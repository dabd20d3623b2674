package utils

import (
	"fmt"
	"strings"
)

// MergeOptions управляют поведением MergeObject.
type MergeOptions struct {
	// InsertKeys разрешает добавлять новые ключи верхнего уровня.
	InsertKeys bool
	// InsertValues разрешает добавлять новые ключи во вложенных объектах.
	InsertValues bool
	// Overwrite разрешает заменять существующие значения. Если false,
	// заполняются только "дыры" (ключи со значением nil).
	Overwrite bool
	// Inplace мутирует original; иначе merge работает на глубокой копии.
	Inplace bool
	// EnforceTypes требует совпадения категорий типов при перезаписи.
	EnforceTypes bool
}

// DefaultMergeOptions повторяет умолчания протокола обновлений:
// вставка и перезапись разрешены, мутация на месте, типы не проверяются.
func DefaultMergeOptions() MergeOptions {
	return MergeOptions{
		InsertKeys:   true,
		InsertValues: true,
		Overwrite:    true,
		Inplace:      true,
	}
}

// TypeMismatchError возвращается, когда EnforceTypes установлен и входящее
// значение не совпадает по категории с существующим. Типизированная ошибка
// вместо паники: вызывающий код решает, фатально это или нет.
type TypeMismatchError struct {
	Key      string
	Expected string
	Actual   string
}

func (e *TypeMismatchError) Error() string {
	return fmt.Sprintf("utils: type mismatch at key %q: existing %s, incoming %s", e.Key, e.Expected, e.Actual)
}

// Префикс ключа, означающий удаление: {"-=foo": nil} убирает "foo".
const deletePrefix = "-="

// MergeObject рекурсивно вливает other в original.
//
// Ключи с dot-путями ("a.b.c") в обоих аргументах сначала разворачиваются
// во вложенные объекты. Ключ с префиксом "-=" и значением nil удаляет
// соответствующий ключ из результата. InsertKeys действует только на
// верхнем уровне, InsertValues - на всех вложенных.
//
// Возвращает объект результата: тот же original при Inplace, иначе копию.
func MergeObject(original, other map[string]any, opts MergeOptions) (map[string]any, error) {
	if other == nil {
		other = map[string]any{}
	}
	if original == nil {
		original = map[string]any{}
	}

	// Разворачиваем dot-пути один раз, на верхнем уровне.
	var err error
	if hasDottedKeys(other) {
		if other, err = ExpandObject(other); err != nil {
			return nil, err
		}
	}
	if hasDottedKeys(original) {
		expanded, err := ExpandObject(original)
		if err != nil {
			return nil, err
		}
		if opts.Inplace {
			// Живые ссылки держат именно этот объект: разворачивание
			// обязано сохранить его идентичность, а не подменить мапу.
			for k := range original {
				delete(original, k)
			}
			for k, v := range expanded {
				original[k] = v
			}
		} else {
			original = expanded
			opts.Inplace = true
		}
	} else if !opts.Inplace {
		original = DuplicateMap(original)
	}

	if err := mergeLevel(original, other, opts, 0); err != nil {
		return nil, err
	}
	return original, nil
}

func mergeLevel(original, other map[string]any, opts MergeOptions, depth int) error {
	for k, v := range other {
		// Протокол удаления ключей.
		if strings.HasPrefix(k, deletePrefix) && v == nil {
			delete(original, k[len(deletePrefix):])
			continue
		}

		existing, has := original[k]

		// Вложенные объекты сливаются рекурсивно.
		if has && GetType(existing) == TypeObject && GetType(v) == TypeObject {
			if err := mergeLevel(existing.(map[string]any), v.(map[string]any), opts, depth+1); err != nil {
				return err
			}
			continue
		}

		if has {
			// Перезапись существующего значения. Дыры (nil) заполняются
			// даже при Overwrite=false.
			if !opts.Overwrite && existing != nil {
				continue
			}
			if opts.EnforceTypes && existing != nil {
				if te, tv := GetType(existing), GetType(v); te != tv {
					return &TypeMismatchError{Key: k, Expected: te, Actual: tv}
				}
			}
			original[k] = v
			continue
		}

		// Вставка нового ключа: политика зависит от глубины.
		allowed := opts.InsertValues
		if depth == 0 {
			allowed = opts.InsertKeys
		}
		if allowed {
			original[k] = v
		}
	}
	return nil
}
