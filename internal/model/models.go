package model

// All lists every table owned by the gateway, in migration order.
func All() []interface{} {
	return []interface{}{
		&User{},
		&Document{},
		&ChatSession{},
		&ChatMessage{},
	}
}
