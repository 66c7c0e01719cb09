package plic

import "encoding/gob"

func init() {
	gob.Register(&plicSnapshot{})
}
