package client

// Conn is one live session with the relay. ReadMessage returns whole text
// frames; WriteMessage sends one frame.
type Conn interface {
	ReadMessage() ([]byte, error)
	WriteMessage(payload []byte) error
	Close() error
}
