package llm

// Role indicates the role of a message in a conversation. Either "user" or
// "assistant".
type Role string

const (
	User      Role = "user"
	Assistant Role = "assistant"
)

func (r Role) String() string {
	return string(r)
}

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	return r == User || r == Assistant
}
