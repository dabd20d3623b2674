package utils

// DiffObject возвращает подмножество ключей other, значения которых
// отличаются от original. Вложенные объекты сравниваются рекурсивно,
// массивы - поэлементно (не по ссылке). Результат пригоден как
// минимальный payload обновления: DiffObject(X, X) всегда пуст.
func DiffObject(original, other map[string]any) map[string]any {
	diff := map[string]any{}
	for k, v := range other {
		ov, has := original[k]
		if !has {
			diff[k] = v
			continue
		}
		t0, t1 := GetType(ov), GetType(v)
		if t0 != t1 {
			diff[k] = v
			continue
		}
		switch t0 {
		case TypeObject:
			nested := DiffObject(ov.(map[string]any), v.(map[string]any))
			if !IsObjectEmpty(nested) {
				diff[k] = nested
			}
		default:
			// Массивы и скаляры: сравнение по значению.
			if !valuesEqual(ov, v) {
				diff[k] = v
			}
		}
	}
	return diff
}
