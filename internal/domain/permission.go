package domain

import "strings"

// PermissionLevel - ранжированный уровень доступа пользователя к сущности.
// Уровни строго упорядочены: владелец может все, что может наблюдатель, и т.д.
type PermissionLevel int

const (
	PermissionNone     PermissionLevel = 0
	PermissionLimited  PermissionLevel = 1
	PermissionObserver PermissionLevel = 2
	PermissionOwner    PermissionLevel = 3
)

// Ключ записи по умолчанию в карте прав сущности.
const PermissionDefaultKey = "default"

var permissionToString = map[PermissionLevel]string{
	PermissionNone:     "NONE",
	PermissionLimited:  "LIMITED",
	PermissionObserver: "OBSERVER",
	PermissionOwner:    "OWNER",
}

var permissionStringToLevel = map[string]PermissionLevel{
	"NONE":     PermissionNone,
	"LIMITED":  PermissionLimited,
	"OBSERVER": PermissionObserver,
	"OWNER":    PermissionOwner,
}

// String возвращает строковое представление (для логов и дебага)
func (l PermissionLevel) String() string {
	if val, ok := permissionToString[l]; ok {
		return val
	}
	return "UNKNOWN"
}

// ParsePermissionLevel конвертирует строку в уровень. Второй результат
// false означает неизвестное имя уровня.
func ParsePermissionLevel(s string) (PermissionLevel, bool) {
	val, ok := permissionStringToLevel[strings.ToUpper(s)]
	return val, ok
}

// HasPermission решает, проходит ли действующий пользователь проверку
// на requiredLevel по карте прав сущности.
//
// Карта прав - это поле "permission" сырых данных: user-id -> уровень,
// плюс запись "default". Правила:
//   - карты нет вообще: проходит только GM;
//   - уровень пользователя = его явная целочисленная запись, иначе default;
//   - exact: уровень должен совпасть с требуемым в точности; GM здесь
//     не проходит никогда - у GM нет "точного" уровня, он обходит карту;
//   - иначе: GM проходит всегда, остальные - при уровне >= требуемого.
func HasPermission(perms map[string]any, user User, required PermissionLevel, exact bool) bool {
	if perms == nil {
		if exact {
			return false
		}
		return user.IsGM()
	}

	level, ok := resolveLevel(perms, user.ID)
	if exact {
		return !user.IsGM() && ok && level == required
	}
	if user.IsGM() {
		return true
	}
	return ok && level >= required
}

// EffectiveLevel - числовой уровень пользователя на сущности с данной
// картой прав: GM всегда OWNER, иначе явная запись, иначе default.
func EffectiveLevel(perms map[string]any, user User) PermissionLevel {
	if user.IsGM() {
		return PermissionOwner
	}
	level, ok := resolveLevel(perms, user.ID)
	if !ok {
		return PermissionNone
	}
	return level
}

// resolveLevel вычисляет эффективный уровень пользователя по карте прав.
// Явная запись учитывается только если она целочисленная: мусор в карте
// не должен случайно поднять уровень.
func resolveLevel(perms map[string]any, userID string) (PermissionLevel, bool) {
	if v, ok := perms[userID]; ok {
		if lvl, ok := asLevel(v); ok {
			return lvl, true
		}
	}
	if v, ok := perms[PermissionDefaultKey]; ok {
		if lvl, ok := asLevel(v); ok {
			return lvl, true
		}
	}
	return PermissionNone, false
}

// asLevel принимает число из JSON (float64) или из кода (int).
// Дробные значения отвергаются.
func asLevel(v any) (PermissionLevel, bool) {
	switch n := v.(type) {
	case float64:
		if n != float64(int(n)) {
			return 0, false
		}
		return PermissionLevel(int(n)), true
	case int:
		return PermissionLevel(n), true
	case PermissionLevel:
		return n, true
	}
	return 0, false
}
