package models

// SocketClass is the category of a physical socket.
type SocketClass string

const (
	SocketClassStandard SocketClass = "standard"
	SocketClassFast     SocketClass = "fast"
)

// Valid reports whether c is a known class.
func (c SocketClass) Valid() bool {
	switch c {
	case SocketClassStandard, SocketClassFast:
		return true
	}
	return false
}

// Socket maps a logical socket number to its output pin.
type Socket struct {
	Number int         `yaml:"number" json:"number"`
	Pin    int         `yaml:"pin" json:"pin"`
	Class  SocketClass `yaml:"class" json:"class"`
}
