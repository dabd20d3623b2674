package utils

import (
	"encoding/json"
	"fmt"
	"reflect"
)

// Семантические категории значений, с которыми работают merge/diff.
// Закрытый набор: все, что не входит в него, попадает в TypeUnknown
// и обрабатывается как непрозрачный скаляр.
const (
	TypeNull    = "null"
	TypeBoolean = "boolean"
	TypeNumber  = "number"
	TypeString  = "string"
	TypeArray   = "Array"
	TypeObject  = "Object"
	TypeUnknown = "unknown"
)

// GetType классифицирует значение в одну из семантических категорий.
// Object означает "плоский" объект данных (map[string]any из JSON),
// а не произвольную Go-структуру.
func GetType(v any) string {
	switch v.(type) {
	case nil:
		return TypeNull
	case bool:
		return TypeBoolean
	case float64, float32, int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64, json.Number:
		return TypeNumber
	case string:
		return TypeString
	case map[string]any:
		return TypeObject
	case []any:
		return TypeArray
	}

	// Срезы конкретных типов ([]string и т.п.) тоже считаем массивами.
	if rv := reflect.ValueOf(v); rv.Kind() == reflect.Slice || rv.Kind() == reflect.Array {
		return TypeArray
	}
	return TypeUnknown
}

// Duplicate делает глубокую копию через полный цикл сериализации JSON.
// НАМЕРЕННО теряет все, что не является плоскими данными (функции,
// экземпляры структур): вызывающий код обязан передавать только данные,
// пришедшие из JSON. Числа на выходе всегда float64.
func Duplicate(v any) any {
	b, err := json.Marshal(v)
	if err != nil {
		// Плоские данные сериализуются всегда; сюда попадают только
		// ошибки вызывающего кода (циклы, каналы и т.п.).
		panic(fmt.Sprintf("utils.Duplicate: value is not plain data: %v", err))
	}
	var out any
	if err := json.Unmarshal(b, &out); err != nil {
		panic(fmt.Sprintf("utils.Duplicate: round trip failed: %v", err))
	}
	return out
}

// DuplicateMap - типизированный вариант Duplicate для объектов.
func DuplicateMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out, _ := Duplicate(m).(map[string]any)
	return out
}

// IsObjectEmpty возвращает true, если у объекта нет ни одного ключа.
// В отличие от len(m)==0 на произвольной мапе, сигнатура фиксирует,
// что функция применима только к плоским объектам данных.
func IsObjectEmpty(m map[string]any) bool {
	return len(m) == 0
}

// numbersEqual сравнивает числовые значения по величине, а не по Go-типу.
// После JSON-раунда int превращается в float64, и наивный DeepEqual
// считал бы 5 и 5.0 разными значениями.
func numbersEqual(a, b any) bool {
	af, aok := toFloat(a)
	bf, bok := toFloat(b)
	return aok && bok && af == bf
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

// valuesEqual - общее сравнение значений для diff/set:
// числа по величине, остальное через reflect.DeepEqual.
func valuesEqual(a, b any) bool {
	if GetType(a) == TypeNumber && GetType(b) == TypeNumber {
		return numbersEqual(a, b)
	}
	return reflect.DeepEqual(a, b)
}
