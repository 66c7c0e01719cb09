package memory

import "encoding/gob"

func init() {
	gob.Register(&ramSnapshot{})
}
