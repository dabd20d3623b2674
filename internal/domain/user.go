package domain

// Role - роль пользователя на сервере.
type Role string

const (
	RoleGM     Role = "gm"
	RolePlayer Role = "player"
)

// User - действующий пользователь сессии. Передается явно во все операции,
// которым нужны проверки прав: никаких глобальных "текущих пользователей".
type User struct {
	ID   string
	Name string
	Role Role
}

// IsGM сообщает, имеет ли пользователь роль мастера.
// GM обходит карты прав целиком.
func (u User) IsGM() bool {
	return u.Role == RoleGM
}
