package types

// Message is a single unit of payload handed to the batcher pool.
type Message struct {
	Content string `json:"content" csv:"content"`
}

func NewMessage(content string) Message {
	return Message{Content: content}
}
