package serialization

var (
	ErrNilSchema        = &SerializationError{Msg: "nil schema"}
	ErrIncompatibleType = &SerializationError{Msg: "type cannot hold schema"}
)

type SerializationError struct {
	Msg string
}

func (e *SerializationError) Error() string {
	return e.Msg
}
